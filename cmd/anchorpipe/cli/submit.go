package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/anchorpipe/anchorpipe-sub000/internal/artifacts"
	"github.com/anchorpipe/anchorpipe-sub000/internal/reports"
)

var (
	submitServer    string
	submitRepo      string
	submitCommit    string
	submitRun       string
	submitFramework string
	submitArtifact  string
	submitBranch    string
	submitPR        string
	submitSecretEnv string
	submitDryRun    bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Normalize a report and submit it as a signed ingestion",
	Long: `Fetch a report artifact, normalize it and post it to the ingestion
endpoint signed with the repository secret. Retrying the same submission is
safe: the server replays the original response.

Artifacts may be local paths, file:// or s3://bucket/key references. s3
references use MINIO_ENDPOINT, MINIO_ACCESS_KEY, MINIO_SECRET_KEY and
MINIO_USE_SSL.

Example:
  ANCHORPIPE_SECRET=... anchorpipe submit --server https://anchorpipe.example.com \
    --repo 0f8fad5b-d9cb-469f-a165-70867728950e --commit $GITHUB_SHA \
    --run $GITHUB_RUN_ID --framework jest --artifact jest-results.json`,
	RunE: runSubmit,
}

func init() {
	f := submitCmd.Flags()
	f.StringVar(&submitServer, "server", os.Getenv("ANCHORPIPE_SERVER"), "Anchorpipe server URL")
	f.StringVar(&submitRepo, "repo", "", "Repository id")
	f.StringVar(&submitCommit, "commit", "", "Commit SHA (40 hex characters)")
	f.StringVar(&submitRun, "run", "", "CI run id")
	f.StringVar(&submitFramework, "framework", "", "Report framework")
	f.StringVar(&submitArtifact, "artifact", "", "Report location")
	f.StringVar(&submitBranch, "branch", "", "Branch name")
	f.StringVar(&submitPR, "pull-request", "", "Pull request number")
	f.StringVar(&submitSecretEnv, "secret-env", "ANCHORPIPE_SECRET", "Environment variable holding the secret")
	f.BoolVar(&submitDryRun, "dry-run", false, "Print the payload instead of sending it")
	submitCmd.MarkFlagRequired("repo")
	submitCmd.MarkFlagRequired("commit")
	submitCmd.MarkFlagRequired("run")
	submitCmd.MarkFlagRequired("framework")
	submitCmd.MarkFlagRequired("artifact")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	router, err := artifactRouter()
	if err != nil {
		return err
	}
	producer := artifacts.NewProducer(router, reports.NewRegistry(nil), nil)
	payload, report, err := producer.Build(ctx, artifacts.Job{
		RepoID:      submitRepo,
		CommitSHA:   submitCommit,
		RunID:       submitRun,
		Framework:   submitFramework,
		Ref:         submitArtifact,
		Branch:      submitBranch,
		PullRequest: submitPR,
	})
	if err != nil {
		return fmt.Errorf("failed to build payload: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	errOut := cmd.ErrOrStderr()
	fmt.Fprintf(errOut, "Parsed %d test cases (%d passed, %d failed, %d skipped)\n",
		report.Summary.Total, report.Summary.Passed, report.Summary.Failed, report.Summary.Skipped)

	if submitDryRun {
		_, err := cmd.OutOrStdout().Write(append(body, '\n'))
		return err
	}

	if submitServer == "" {
		tokenData, err := LoadToken()
		if err != nil {
			return fmt.Errorf("--server is required: %w", err)
		}
		submitServer = tokenData.Server
	}
	secret, err := secretFromEnv(submitSecretEnv)
	if err != nil {
		return err
	}

	raw, replayed, err := NewClientWithURL(submitServer).Ingest(submitRepo, secret, body)
	if err != nil {
		return fmt.Errorf("submission rejected: %w", err)
	}
	if replayed {
		fmt.Fprintln(errOut, "✓ Already ingested, server replayed the original response")
	} else {
		fmt.Fprintln(errOut, "✓ Ingested")
	}
	_, err = cmd.OutOrStdout().Write(append(raw, '\n'))
	return err
}

func artifactRouter() (*artifacts.Router, error) {
	router := artifacts.NewRouter().Handle("file", artifacts.FileSource{})
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		return router, nil
	}
	useSSL, _ := strconv.ParseBool(os.Getenv("MINIO_USE_SSL"))
	src, err := artifacts.NewMinioSource(artifacts.MinioConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("MINIO_SECRET_KEY"),
		UseSSL:    useSSL,
	})
	if err != nil {
		return nil, err
	}
	return router.Handle("s3", src), nil
}
