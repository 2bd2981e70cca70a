// Package api is the HTTP transport: the signed ingestion endpoint and the
// operator endpoints that manage secrets and the idempotency ledger.
package api

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/anchorpipe/anchorpipe-sub000/internal/audit"
	"github.com/anchorpipe/anchorpipe-sub000/internal/auth"
	"github.com/anchorpipe/anchorpipe-sub000/internal/db"
	"github.com/anchorpipe/anchorpipe-sub000/internal/idempotency"
	"github.com/anchorpipe/anchorpipe-sub000/internal/ingest"
	"github.com/anchorpipe/anchorpipe-sub000/internal/secrets"
)

// Ingester runs the ingestion pipeline. *ingest.Service implements it.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Result, error)
	MaxBodyBytes() int64
}

// SecretManager manages HMAC secrets. *secrets.Store implements it.
type SecretManager interface {
	List(ctx context.Context, repoID string) ([]db.HmacSecret, error)
	Create(ctx context.Context, req secrets.CreateRequest) (*secrets.Created, error)
	Rotate(ctx context.Context, req secrets.RotateRequest) (*secrets.Created, error)
	Revoke(ctx context.Context, id string) error
}

// LedgerAdmin exposes ledger maintenance. *idempotency.Ledger implements it.
type LedgerAdmin interface {
	Remove(ctx context.Context, c idempotency.Coordinates) error
	PurgeExpired(ctx context.Context) (int64, error)
}

// IngestionLister lists recorded ingestions. *db.DB implements it.
type IngestionLister interface {
	ListIngestions(ctx context.Context, repoID string, limit int) ([]db.Ingestion, error)
}

// AuditLister reads the audit trail. *db.DB implements it.
type AuditLister interface {
	ListAuditEvents(ctx context.Context, q db.AuditQuery) ([]db.AuditEvent, error)
}

// TokenValidator validates operator tokens. *auth.Auth implements it.
type TokenValidator interface {
	ValidateJWT(token string) (*auth.Claims, error)
}

// Pinger reports backing store health. *db.DB implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of a Server. Ingestions, AuditLog and Health
// may be nil.
type Deps struct {
	Ingest     Ingester
	Secrets    SecretManager
	Ledger     LedgerAdmin
	Ingestions IngestionLister
	Tokens     TokenValidator
	Audit      audit.Sink
	AuditLog   AuditLister
	Health     Pinger
	Log        *zap.Logger
}

// Options tune the transport.
type Options struct {
	RateLimitRPS float64 // <= 0 disables rate limiting
	RateBurst    int
}

// Server holds all dependencies for the HTTP API.
type Server struct {
	ingest     Ingester
	secrets    SecretManager
	ledger     LedgerAdmin
	ingestions IngestionLister
	tokens     TokenValidator
	audit      audit.Sink
	auditLog   AuditLister
	health     Pinger
	log        *zap.Logger
	limiter    *rateLimiter
	mux        *http.ServeMux
}

// NewServer creates a new API server with all routes configured.
func NewServer(deps Deps, opts Options) *Server {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		ingest:     deps.Ingest,
		secrets:    deps.Secrets,
		ledger:     deps.Ledger,
		ingestions: deps.Ingestions,
		tokens:     deps.Tokens,
		audit:      deps.Audit,
		auditLog:   deps.AuditLog,
		health:     deps.Health,
		log:        log,
		mux:        http.NewServeMux(),
	}
	if opts.RateLimitRPS > 0 {
		s.limiter = newRateLimiter(opts.RateLimitRPS, opts.RateBurst)
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.limiter != nil {
		h = rateLimitMiddleware(s.limiter)(h)
	}
	h = s.loggingMiddleware(h)
	h = securityHeadersMiddleware(h)
	return requestIDMiddleware(h)
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	// Signed by the repository secret, not by an operator token.
	s.mux.HandleFunc("POST /api/v1/ingest", s.handleIngest)

	s.mux.Handle("POST /api/v1/repos/{repo}/secrets", s.adminOnly(s.handleCreateSecret))
	s.mux.Handle("GET /api/v1/repos/{repo}/secrets", s.adminOnly(s.handleListSecrets))
	s.mux.Handle("POST /api/v1/repos/{repo}/secrets/{id}/rotate", s.adminOnly(s.handleRotateSecret))
	s.mux.Handle("DELETE /api/v1/secrets/{id}", s.adminOnly(s.handleRevokeSecret))

	s.mux.Handle("GET /api/v1/repos/{repo}/ingestions", s.adminOnly(s.handleListIngestions))
	s.mux.Handle("GET /api/v1/audit", s.adminOnly(s.handleListAuditEvents))

	s.mux.Handle("POST /api/v1/admin/idempotency/purge", s.adminOnly(s.handlePurgeIdempotency))
	s.mux.Handle("DELETE /api/v1/admin/idempotency", s.adminOnly(s.handleRemoveIdempotency))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auditAdmin records an operator action. Failures are logged only.
func (s *Server) auditAdmin(r *http.Request, action, resource, outcome string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	ctx := r.Context()
	err := s.audit.Log(ctx, audit.Event{
		ActorType: "admin",
		ActorID:   getActorID(ctx),
		Action:    action,
		Resource:  resource,
		Outcome:   outcome,
		IP:        clientIP(r),
		Metadata:  metadata,
	})
	if err != nil {
		s.log.Error("audit write failed", zap.String("action", action), zap.Error(err))
	}
}
