// Package ingest accepts signed test reports: it authenticates, validates and
// deduplicates them, then persists, publishes and audits new ones.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/anchorpipe/anchorpipe-sub000/internal/audit"
	"github.com/anchorpipe/anchorpipe-sub000/internal/auth"
	"github.com/anchorpipe/anchorpipe-sub000/internal/db"
	"github.com/anchorpipe/anchorpipe-sub000/internal/idempotency"
	"github.com/anchorpipe/anchorpipe-sub000/internal/observability"
	"github.com/anchorpipe/anchorpipe-sub000/internal/schema"
)

// DefaultMaxBodyBytes bounds request bodies when no limit is configured.
const DefaultMaxBodyBytes = 10 << 20

// Audit actions written by the service.
const (
	ActionRejected  = "ingest.rejected"
	ActionCompleted = "ingest.completed"
)

// Authenticator verifies request signatures. *auth.Gate implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, headers http.Header, body []byte, clientIP string) (auth.Result, error)
}

// Ledger deduplicates submissions. *idempotency.Ledger implements it.
type Ledger interface {
	Check(ctx context.Context, c idempotency.Coordinates) idempotency.CheckResult
	Record(ctx context.Context, c idempotency.Coordinates, response json.RawMessage, ttl time.Duration) idempotency.RecordOutcome
}

// MetadataStore persists ingestion metadata. *db.DB implements it.
type MetadataStore interface {
	CreateIngestion(ctx context.Context, in *db.Ingestion) error
}

// Publisher sends events downstream. *queue.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, v any) error
}

// Deps are the collaborators of a Service. Store and Publisher may be nil.
type Deps struct {
	Auth      Authenticator
	Ledger    Ledger
	Store     MetadataStore
	Publisher Publisher
	Audit     audit.Sink
	Log       *zap.Logger
}

// Options tune a Service.
type Options struct {
	MaxBodyBytes   int64
	IdempotencyTTL time.Duration // <= 0 uses the ledger default
}

// Service is the ingestion orchestrator.
type Service struct {
	auth      Authenticator
	ledger    Ledger
	store     MetadataStore
	publisher Publisher
	audit     audit.Sink
	log       *zap.Logger

	maxBody int64
	ttl     time.Duration
	now     func() time.Time
	newID   func() string
}

// NewService creates an orchestrator.
func NewService(deps Deps, opts Options) *Service {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		auth:      deps.Auth,
		ledger:    deps.Ledger,
		store:     deps.Store,
		publisher: deps.Publisher,
		audit:     deps.Audit,
		log:       log,
		maxBody:   opts.MaxBodyBytes,
		ttl:       opts.IdempotencyTTL,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// WithClock overrides the service clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// MaxBodyBytes returns the configured body limit.
func (s *Service) MaxBodyBytes() int64 { return s.maxBody }

// Ingest runs one request through the pipeline. Rejections are returned as
// *Error; every other outcome is a Result.
func (s *Service) Ingest(ctx context.Context, req Request) (*Result, error) {
	ctx, span := observability.StartSpan(ctx, "ingest.Ingest",
		attribute.Int("ingest.body_bytes", len(req.Body)))
	defer span.End()

	result, err := s.ingest(ctx, span, req)
	if err != nil {
		var ierr *Error
		if errors.As(err, &ierr) {
			span.SetAttributes(attribute.String("ingest.rejection", ierr.Kind.String()))
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Bool("ingest.duplicate", result.IsDuplicate))
	return result, nil
}

func (s *Service) ingest(ctx context.Context, span trace.Span, req Request) (*Result, error) {
	if len(req.Body) == 0 {
		return nil, reject(BadRequest, "request body is empty")
	}
	if int64(len(req.Body)) > s.maxBody {
		return nil, reject(BadRequest, "payload too large: %d bytes exceeds limit of %d bytes", len(req.Body), s.maxBody)
	}
	span.AddEvent("body_size_checked")

	authn, err := s.auth.Authenticate(ctx, req.Headers, req.Body, req.ClientIP)
	if err != nil {
		s.log.Error("authentication unavailable", zap.Error(err))
		return nil, &Error{Kind: Internal, Message: "authentication unavailable", Err: err}
	}
	if !authn.OK() {
		return nil, reject(Unauthorized, "%s", unauthorizedMessage(authn.Outcome))
	}
	span.AddEvent("authenticated", trace.WithAttributes(attribute.String("repo_id", authn.RepoID)))

	var payload schema.Payload
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		s.rejected(ctx, authn, req.ClientIP, "invalid_json")
		return nil, reject(BadRequest, "invalid JSON: %v", err)
	}
	if err := schema.Validate(&payload); err != nil {
		s.rejected(ctx, authn, req.ClientIP, "schema_validation")
		return nil, reject(BadRequest, "schema validation failed: %v", err)
	}
	span.AddEvent("schema_validated")

	if payload.RepoID != authn.RepoID {
		s.rejected(ctx, authn, req.ClientIP, "repository_mismatch")
		return nil, reject(Forbidden, "repository mismatch: payload repo_id does not match the authenticated repository")
	}

	coords := idempotency.Coordinates{
		RepoID:    payload.RepoID,
		CommitSHA: payload.CommitSHA,
		RunID:     payload.RunID,
		Framework: payload.Framework,
	}
	if check := s.ledger.Check(ctx, coords); check.IsDuplicate {
		span.AddEvent("duplicate")
		s.log.Info("replaying recorded ingestion response",
			zap.String("repo_id", payload.RepoID),
			zap.String("key", idempotency.Key(coords)))
		result := &Result{Raw: check.CachedResponse, IsDuplicate: true}
		if err := json.Unmarshal(check.CachedResponse, &result.Response); err != nil {
			s.log.Warn("recorded response is not a response object", zap.Error(err))
		}
		return result, nil
	}
	span.AddEvent("dedup_checked")

	return s.accept(ctx, span, &payload, coords, authn, req.ClientIP)
}

// accept runs the side effects of a new ingestion. Persistence and publish
// failures are logged and never fail the request.
func (s *Service) accept(ctx context.Context, span trace.Span, p *schema.Payload, coords idempotency.Coordinates, authn auth.Result, clientIP string) (*Result, error) {
	ingestionID := s.newID()
	receivedAt := s.now()
	log := s.log.With(
		zap.String("ingestion_id", ingestionID),
		zap.String("repo_id", p.RepoID),
		zap.String("commit_sha", p.CommitSHA),
		zap.String("framework", p.Framework),
	)

	persisted := s.persist(ctx, log, &db.Ingestion{
		ID:          ingestionID,
		RepoID:      p.RepoID,
		CommitSHA:   p.CommitSHA,
		RunID:       p.RunID,
		Framework:   p.Framework,
		Branch:      p.Branch,
		PullRequest: p.PullRequest,
		TestCount:   len(p.TestCases),
		Environment: p.Environment,
		Metadata:    p.Metadata,
		ReceivedAt:  receivedAt,
	})
	span.AddEvent("persisted", trace.WithAttributes(attribute.Bool("ok", persisted)))

	published := s.publish(ctx, log, &Event{
		IngestionID: ingestionID,
		RepoID:      p.RepoID,
		CommitSHA:   p.CommitSHA,
		RunID:       p.RunID,
		Framework:   p.Framework,
		Branch:      p.Branch,
		PullRequest: p.PullRequest,
		Environment: p.Environment,
		Metadata:    p.Metadata,
		TestCases:   p.TestCases,
		ReceivedAt:  receivedAt,
	})
	span.AddEvent("published", trace.WithAttributes(attribute.Bool("ok", published)))

	response := Response{
		Success: true,
		RunID:   ingestionID,
		Message: fmt.Sprintf("Ingested %d test cases", len(p.TestCases)),
		Summary: Summary{TestsParsed: len(p.TestCases), FlakyCandidates: 0},
	}
	raw, err := json.Marshal(response)
	if err != nil {
		return nil, &Error{Kind: Internal, Message: "encoding response", Err: err}
	}

	s.writeAudit(ctx, audit.Event{
		ActorType: "repository",
		ActorID:   authn.RepoID,
		Action:    ActionCompleted,
		Resource:  "repo/" + authn.RepoID,
		Outcome:   audit.OutcomeSuccess,
		IP:        clientIP,
		Metadata: map[string]any{
			"ingestion_id": ingestionID,
			"secret_id":    authn.SecretID,
			"commit_sha":   p.CommitSHA,
			"run_id":       p.RunID,
			"framework":    p.Framework,
			"tests_parsed": len(p.TestCases),
			"persisted":    persisted,
			"published":    published,
		},
	})
	span.AddEvent("audited")

	// Recorded last so an aborted request never reads back as processed.
	outcome := s.ledger.Record(ctx, coords, raw, s.ttl)
	span.AddEvent("recorded", trace.WithAttributes(attribute.String("outcome", outcome.String())))
	log.Info("ingestion accepted",
		zap.Int("tests_parsed", len(p.TestCases)),
		zap.Bool("persisted", persisted),
		zap.Bool("published", published),
		zap.Stringer("idempotency", outcome))

	return &Result{Response: response, Raw: raw}, nil
}

func (s *Service) persist(ctx context.Context, log *zap.Logger, in *db.Ingestion) bool {
	if s.store == nil {
		return false
	}
	if err := s.store.CreateIngestion(ctx, in); err != nil {
		log.Warn("storing ingestion metadata", zap.Error(err))
		return false
	}
	return true
}

func (s *Service) publish(ctx context.Context, log *zap.Logger, event *Event) bool {
	if s.publisher == nil {
		return false
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.Error("publishing ingestion event", zap.Error(err))
		return false
	}
	return true
}

func (s *Service) rejected(ctx context.Context, authn auth.Result, clientIP, reason string) {
	s.writeAudit(ctx, audit.Event{
		ActorType: "repository",
		ActorID:   authn.RepoID,
		Action:    ActionRejected,
		Resource:  "repo/" + authn.RepoID,
		Outcome:   audit.OutcomeDenied,
		IP:        clientIP,
		Metadata:  map[string]any{"reason": reason, "secret_id": authn.SecretID},
	})
}

func (s *Service) writeAudit(ctx context.Context, event audit.Event) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event); err != nil {
		s.log.Error("writing audit event", zap.String("action", event.Action), zap.Error(err))
	}
}

func unauthorizedMessage(o auth.Outcome) string {
	switch o {
	case auth.MissingToken:
		return "missing bearer token"
	case auth.MissingSignature:
		return "missing request signature"
	case auth.NoActiveSecrets:
		return "no active secrets for repository"
	}
	return "invalid signature"
}
