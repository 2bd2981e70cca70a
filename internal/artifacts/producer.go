package artifacts

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/anchorpipe/anchorpipe-sub000/internal/reports"
	"github.com/anchorpipe/anchorpipe-sub000/internal/schema"
)

// Job describes one report to turn into an ingestion payload.
type Job struct {
	RepoID      string
	CommitSHA   string
	RunID       string
	Framework   string
	Ref         string
	Branch      string
	PullRequest string
	Environment map[string]string
	Metadata    map[string]any
}

// Fetcher resolves an artifact reference to bytes. *Router satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Producer builds payloads from CI artifacts.
type Producer struct {
	fetcher  Fetcher
	registry *reports.Registry
	log      *zap.Logger
}

// NewProducer creates a producer.
func NewProducer(fetcher Fetcher, registry *reports.Registry, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Producer{fetcher: fetcher, registry: registry, log: log}
}

// Build fetches the artifact, normalizes it and assembles a validated payload.
// The returned report carries the summary for display.
func (p *Producer) Build(ctx context.Context, job Job) (*schema.Payload, reports.ParsedReport, error) {
	if job.Ref == "" {
		return nil, reports.ParsedReport{}, errors.New("artifact reference is required")
	}
	content, err := p.fetcher.Fetch(ctx, job.Ref)
	if err != nil {
		return nil, reports.ParsedReport{}, err
	}

	report := p.registry.Parse(job.Framework, content)
	if !report.Success {
		return nil, report, errors.New(report.Error)
	}
	switch n := len(report.TestCases); {
	case n == 0:
		return nil, report, errors.New("report contains no test cases")
	case n > schema.MaxTestCases:
		return nil, report, fmt.Errorf("report contains %d test cases, limit is %d", n, schema.MaxTestCases)
	}

	payload := &schema.Payload{
		RepoID:      job.RepoID,
		CommitSHA:   job.CommitSHA,
		RunID:       job.RunID,
		Framework:   report.Framework,
		TestCases:   report.TestCases,
		Environment: job.Environment,
		Metadata:    job.Metadata,
	}
	if job.Branch != "" {
		payload.Branch = &job.Branch
	}
	if job.PullRequest != "" {
		payload.PullRequest = &job.PullRequest
	}
	if err := schema.Validate(payload); err != nil {
		return nil, report, err
	}

	p.log.Debug("built ingestion payload",
		zap.String("ref", job.Ref),
		zap.String("framework", report.Framework),
		zap.Int("test_cases", report.Summary.Total),
	)
	return payload, report, nil
}
