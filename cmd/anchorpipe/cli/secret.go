package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage repository signing secrets",
	Long: `Create, list, rotate and revoke the HMAC secrets a repository signs
ingestion requests with.

Examples:
  anchorpipe secret create --repo 0f8fad5b-d9cb-469f-a165-70867728950e --name ci
  anchorpipe secret list --repo 0f8fad5b-d9cb-469f-a165-70867728950e
  anchorpipe secret rotate --repo 0f8fad5b-... --id 6fa459ea-...
  anchorpipe secret revoke --id 6fa459ea-...`,
}

var (
	secretRepo    string
	secretName    string
	secretID      string
	secretExpires string
)

var secretCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Provision a new secret",
	Long: `Provision a new secret. The value is printed to stdout once and cannot
be retrieved again.`,
	RunE: runSecretCreate,
}

var secretListCmd = &cobra.Command{
	Use:   "list",
	Short: "List secrets of a repository",
	RunE:  runSecretList,
}

var secretRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Replace a secret with a fresh one and revoke it",
	RunE:  runSecretRotate,
}

var secretRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke a secret",
	RunE:  runSecretRevoke,
}

func init() {
	secretCreateCmd.Flags().StringVar(&secretRepo, "repo", "", "Repository id")
	secretCreateCmd.Flags().StringVar(&secretName, "name", "", "Secret name")
	secretCreateCmd.Flags().StringVar(&secretExpires, "expires-in", "", "Optional lifetime (e.g. 720h)")
	secretCreateCmd.MarkFlagRequired("repo")
	secretCreateCmd.MarkFlagRequired("name")

	secretListCmd.Flags().StringVar(&secretRepo, "repo", "", "Repository id")
	secretListCmd.MarkFlagRequired("repo")

	secretRotateCmd.Flags().StringVar(&secretRepo, "repo", "", "Repository id")
	secretRotateCmd.Flags().StringVar(&secretID, "id", "", "Secret id to rotate")
	secretRotateCmd.Flags().StringVar(&secretName, "name", "", "Name for the new secret (defaults to the old name)")
	secretRotateCmd.MarkFlagRequired("repo")
	secretRotateCmd.MarkFlagRequired("id")

	secretRevokeCmd.Flags().StringVar(&secretID, "id", "", "Secret id to revoke")
	secretRevokeCmd.MarkFlagRequired("id")

	secretCmd.AddCommand(secretCreateCmd)
	secretCmd.AddCommand(secretListCmd)
	secretCmd.AddCommand(secretRotateCmd)
	secretCmd.AddCommand(secretRevokeCmd)
}

func runSecretCreate(cmd *cobra.Command, args []string) error {
	var expiresAt *time.Time
	if secretExpires != "" {
		d, err := time.ParseDuration(secretExpires)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid --expires-in %q", secretExpires)
		}
		t := time.Now().Add(d).UTC()
		expiresAt = &t
	}

	client, err := NewClient()
	if err != nil {
		return err
	}
	created, err := client.CreateSecret(secretRepo, secretName, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to create secret: %w", err)
	}
	printCreated(cmd, created)
	return nil
}

func runSecretList(cmd *cobra.Command, args []string) error {
	client, err := NewClient()
	if err != nil {
		return err
	}
	list, err := client.ListSecrets(secretRepo)
	if err != nil {
		return fmt.Errorf("failed to list secrets: %w", err)
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.ErrOrStderr(), "No secrets found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATE\tCREATED\tLAST USED")
	for _, s := range list {
		lastUsed := "-"
		if s.LastUsedAt != nil {
			lastUsed = s.LastUsedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Name, secretState(s), s.CreatedAt.Format(time.RFC3339), lastUsed)
	}
	return w.Flush()
}

func secretState(s Secret) string {
	switch {
	case s.Revoked:
		return "revoked"
	case s.ExpiresAt != nil && !s.ExpiresAt.After(time.Now()):
		return "expired"
	case !s.Active:
		return "inactive"
	}
	return "active"
}

func runSecretRotate(cmd *cobra.Command, args []string) error {
	client, err := NewClient()
	if err != nil {
		return err
	}
	created, err := client.RotateSecret(secretRepo, secretID, secretName)
	if err != nil {
		return fmt.Errorf("failed to rotate secret: %w", err)
	}
	printCreated(cmd, created)
	return nil
}

func runSecretRevoke(cmd *cobra.Command, args []string) error {
	client, err := NewClient()
	if err != nil {
		return err
	}
	if err := client.RevokeSecret(secretID); err != nil {
		return fmt.Errorf("failed to revoke secret: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "✓ Secret %s revoked\n", secretID)
	return nil
}

func printCreated(cmd *cobra.Command, created *CreatedSecret) {
	errOut := cmd.ErrOrStderr()
	fmt.Fprintf(errOut, "✓ Secret created\n")
	fmt.Fprintf(errOut, "  ID:      %s\n", created.ID)
	fmt.Fprintf(errOut, "  Name:    %s\n", created.Name)
	if created.RotatedFrom != nil {
		fmt.Fprintf(errOut, "  Rotated: %s (revoked)\n", *created.RotatedFrom)
	}
	fmt.Fprintln(errOut)

	// Value goes to stdout so scripts can capture it.
	fmt.Fprint(cmd.OutOrStdout(), created.Secret)

	fmt.Fprintf(errOut, "\n\n⚠  Save this secret now, it will not be shown again.\n")
}
