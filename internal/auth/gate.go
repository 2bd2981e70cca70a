package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anchorpipe/anchorpipe-sub000/internal/audit"
	"github.com/anchorpipe/anchorpipe-sub000/internal/db"
	"github.com/anchorpipe/anchorpipe-sub000/internal/hmacauth"
)

// Outcome is the result kind of an authentication attempt.
type Outcome int

const (
	MissingToken Outcome = iota + 1
	MissingSignature
	NoActiveSecrets
	InvalidSignature
	Authenticated
)

func (o Outcome) String() string {
	switch o {
	case MissingToken:
		return "missing_token"
	case MissingSignature:
		return "missing_signature"
	case NoActiveSecrets:
		return "no_active_secrets"
	case InvalidSignature:
		return "invalid_signature"
	case Authenticated:
		return "authenticated"
	}
	return "unknown"
}

// Audit actions written by the gate.
const (
	ActionAuthSuccess = "ingest.auth.success"
	ActionAuthFailure = "ingest.auth.failure"
)

// Result describes an authentication attempt. RepoID and SecretID are set
// only when Outcome is Authenticated.
type Result struct {
	Outcome  Outcome
	RepoID   string
	SecretID string
}

// OK reports whether the request was authenticated.
func (r Result) OK() bool { return r.Outcome == Authenticated }

// SecretSource is the part of the secret store the gate needs.
type SecretSource interface {
	FindActive(ctx context.Context, repoID string) ([]db.HmacSecret, error)
	Decrypt(secret *db.HmacSecret) ([]byte, error)
	TouchLastUsed(ctx context.Context, id string) error
}

// Gate verifies that a request body was signed by one of the repository's
// usable secrets.
type Gate struct {
	secrets SecretSource
	audit   audit.Sink
	log     *zap.Logger

	touches sync.WaitGroup
}

// NewGate creates an authentication gate.
func NewGate(secrets SecretSource, sink audit.Sink, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{secrets: secrets, audit: sink, log: log}
}

// Authenticate checks the bearer token (the repository id) and the signature
// over the exact body bytes. The error is non-nil only when the secret lookup
// itself failed and no decision could be made.
func (g *Gate) Authenticate(ctx context.Context, headers http.Header, body []byte, clientIP string) (Result, error) {
	token, ok := hmacauth.ExtractToken(headers)
	if !ok {
		return g.deny(ctx, Result{Outcome: MissingToken}, "", clientIP), nil
	}
	signature, ok := hmacauth.ExtractSignature(headers)
	if !ok {
		return g.deny(ctx, Result{Outcome: MissingSignature}, token, clientIP), nil
	}

	// Repository ids are UUIDs; anything else cannot own a secret.
	if _, err := uuid.Parse(token); err != nil {
		return g.denyReason(ctx, Result{Outcome: NoActiveSecrets}, "invalid_token", token, clientIP), nil
	}

	active, err := g.secrets.FindActive(ctx, token)
	if err != nil {
		g.write(ctx, audit.Event{
			ActorType: "repository",
			ActorID:   token,
			Action:    ActionAuthFailure,
			Resource:  "repo/" + token,
			Outcome:   audit.OutcomeError,
			IP:        clientIP,
			Metadata:  map[string]any{"reason": "secret_lookup_failed", "repo_id": token},
		})
		return Result{}, fmt.Errorf("loading secrets: %w", err)
	}
	if len(active) == 0 {
		return g.deny(ctx, Result{Outcome: NoActiveSecrets}, token, clientIP), nil
	}

	for i := range active {
		secret := &active[i]
		key, err := g.secrets.Decrypt(secret)
		if err != nil {
			g.log.Warn("skipping undecryptable secret",
				zap.String("repo_id", token),
				zap.String("secret_id", secret.ID),
				zap.Error(err))
			continue
		}
		verified := hmacauth.VerifySignature(key, body, signature)
		for j := range key {
			key[j] = 0
		}
		if !verified {
			continue
		}

		g.touch(ctx, secret.ID)
		result := Result{Outcome: Authenticated, RepoID: token, SecretID: secret.ID}
		g.write(ctx, audit.Event{
			ActorType: "repository",
			ActorID:   token,
			Action:    ActionAuthSuccess,
			Resource:  "repo/" + token,
			Outcome:   audit.OutcomeSuccess,
			IP:        clientIP,
			Metadata:  map[string]any{"repo_id": token, "secret_id": secret.ID},
		})
		return result, nil
	}

	return g.deny(ctx, Result{Outcome: InvalidSignature}, token, clientIP), nil
}

// Wait blocks until in-flight last-used updates have finished.
func (g *Gate) Wait() {
	g.touches.Wait()
}

func (g *Gate) deny(ctx context.Context, result Result, repoID, clientIP string) Result {
	return g.denyReason(ctx, result, result.Outcome.String(), repoID, clientIP)
}

func (g *Gate) denyReason(ctx context.Context, result Result, reason, repoID, clientIP string) Result {
	metadata := map[string]any{"reason": reason}
	resource := "repo/unknown"
	if repoID != "" {
		metadata["repo_id"] = repoID
		resource = "repo/" + repoID
	}
	g.write(ctx, audit.Event{
		ActorType: "repository",
		ActorID:   repoID,
		Action:    ActionAuthFailure,
		Resource:  resource,
		Outcome:   audit.OutcomeDenied,
		IP:        clientIP,
		Metadata:  metadata,
	})
	return result
}

func (g *Gate) write(ctx context.Context, event audit.Event) {
	if g.audit == nil {
		return
	}
	if err := g.audit.Log(ctx, event); err != nil {
		g.log.Error("writing audit event", zap.String("action", event.Action), zap.Error(err))
	}
}

// touch updates last-used off the request path; failures are only logged.
func (g *Gate) touch(ctx context.Context, secretID string) {
	g.touches.Add(1)
	go func() {
		defer g.touches.Done()
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := g.secrets.TouchLastUsed(tctx, secretID); err != nil {
			g.log.Warn("updating secret last-used", zap.String("secret_id", secretID), zap.Error(err))
		}
	}()
}
