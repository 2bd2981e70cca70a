package auth

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/anchorpipe/anchorpipe-sub000/internal/audit"
	"github.com/anchorpipe/anchorpipe-sub000/internal/crypto"
	"github.com/anchorpipe/anchorpipe-sub000/internal/db"
	"github.com/anchorpipe/anchorpipe-sub000/internal/hmacauth"
	"github.com/anchorpipe/anchorpipe-sub000/internal/secrets"
)

const repoID = "0f8fad5b-d9cb-469f-a165-70867728950e"

var body = []byte(`{"repo_id":"0f8fad5b-d9cb-469f-a165-70867728950e"}`)

type fixture struct {
	store    *secrets.Store
	repo     *secrets.MemoryRepository
	recorder *audit.Recorder
	gate     *Gate
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ec, err := crypto.NewEnvelopeCrypto(bytes.Repeat([]byte{3}, 32))
	if err != nil {
		t.Fatalf("crypto: %v", err)
	}
	f := &fixture{
		repo:     secrets.NewMemoryRepository(),
		recorder: &audit.Recorder{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.store = secrets.NewStore(f.repo, ec).WithClock(func() time.Time { return f.now })
	f.gate = NewGate(f.store, f.recorder, nil)
	return f
}

func (f *fixture) create(t *testing.T, plaintext string) *secrets.Created {
	t.Helper()
	created, err := f.store.Create(context.Background(), secrets.CreateRequest{
		RepoID:    repoID,
		Name:      "ci",
		Plaintext: plaintext,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.now = f.now.Add(time.Minute)
	return created
}

func signedHeaders(token, secret string, payload []byte) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	if secret != "" {
		h.Set(hmacauth.SignatureHeader, hmacauth.ComputeSignature([]byte(secret), payload))
	}
	return h
}

func TestAuthenticateOutcomes(t *testing.T) {
	f := newFixture(t)
	f.create(t, "current-secret")

	tests := []struct {
		name    string
		headers http.Header
		want    Outcome
		reason  string
	}{
		{"no token", signedHeaders("", "current-secret", body), MissingToken, "missing_token"},
		{"no signature", signedHeaders(repoID, "", body), MissingSignature, "missing_signature"},
		{"unknown repo", signedHeaders("11111111-2222-4333-8444-555555555555", "current-secret", body), NoActiveSecrets, "no_active_secrets"},
		{"wrong secret", signedHeaders(repoID, "other", body), InvalidSignature, "invalid_signature"},
		{"token is not a repository id", signedHeaders("foo", "current-secret", body), NoActiveSecrets, "invalid_token"},
		{"valid", signedHeaders(repoID, "current-secret", body), Authenticated, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(f.recorder.Events())
			got, err := f.gate.Authenticate(context.Background(), tt.headers, body, "10.0.0.1")
			if err != nil {
				t.Fatalf("Authenticate: %v", err)
			}
			if got.Outcome != tt.want {
				t.Fatalf("outcome = %v, want %v", got.Outcome, tt.want)
			}
			events := f.recorder.Events()
			if len(events) != before+1 {
				t.Fatalf("expected one audit event, got %d", len(events)-before)
			}
			ev := events[len(events)-1]
			if tt.want == Authenticated {
				if ev.Action != ActionAuthSuccess || got.RepoID != repoID || got.SecretID == "" {
					t.Fatalf("unexpected success result %+v event %+v", got, ev)
				}
				return
			}
			if ev.Action != ActionAuthFailure || ev.Metadata["reason"] != tt.reason {
				t.Fatalf("event = %+v, want failure with reason %s", ev, tt.reason)
			}
			if got.RepoID != "" || got.SecretID != "" {
				t.Fatalf("failed result carries identity: %+v", got)
			}
		})
	}
	f.gate.Wait()
}

// failingSource stands in for a store that rejects malformed ids at query time.
type failingSource struct{ calls int }

func (s *failingSource) FindActive(context.Context, string) ([]db.HmacSecret, error) {
	s.calls++
	return nil, errors.New(`invalid input syntax for type uuid: "foo"`)
}

func (s *failingSource) Decrypt(*db.HmacSecret) ([]byte, error) { return nil, errors.New("unused") }

func (s *failingSource) TouchLastUsed(context.Context, string) error { return nil }

func TestAuthenticateMalformedTokenSkipsLookup(t *testing.T) {
	src := &failingSource{}
	recorder := &audit.Recorder{}
	gate := NewGate(src, recorder, nil)

	got, err := gate.Authenticate(context.Background(), signedHeaders("foo", "any", body), body, "10.0.0.9")
	if err != nil {
		t.Fatalf("malformed token must be a denial, not an infrastructure error: %v", err)
	}
	if got.Outcome != NoActiveSecrets || got.OK() {
		t.Fatalf("outcome = %v, want NoActiveSecrets", got.Outcome)
	}
	if src.calls != 0 {
		t.Fatalf("secret lookup ran %d times for a malformed token", src.calls)
	}
	events := recorder.Events()
	if len(events) != 1 || events[0].Outcome != audit.OutcomeDenied || events[0].Metadata["reason"] != "invalid_token" {
		t.Fatalf("events = %+v", events)
	}
}

func TestAuthenticateSignatureCoversExactBytes(t *testing.T) {
	f := newFixture(t)
	f.create(t, "s3cret")

	headers := signedHeaders(repoID, "s3cret", body)
	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-2] = 'f'

	got, err := f.gate.Authenticate(context.Background(), headers, tampered, "")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.Outcome != InvalidSignature {
		t.Fatalf("outcome = %v, want InvalidSignature", got.Outcome)
	}
}

func TestAuthenticateDuringRotationAcceptsBothSecrets(t *testing.T) {
	f := newFixture(t)
	older := f.create(t, "older")
	newer := f.create(t, "newer")

	for _, tc := range []struct {
		secret string
		wantID string
	}{
		{"newer", newer.ID},
		{"older", older.ID},
	} {
		got, err := f.gate.Authenticate(context.Background(), signedHeaders(repoID, tc.secret, body), body, "")
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		if !got.OK() || got.SecretID != tc.wantID {
			t.Fatalf("secret %s: got %+v, want secret id %s", tc.secret, got, tc.wantID)
		}
	}
	f.gate.Wait()
}

func TestAuthenticateAfterRevocation(t *testing.T) {
	f := newFixture(t)
	only := f.create(t, "only")
	if err := f.store.Revoke(context.Background(), only.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	got, err := f.gate.Authenticate(context.Background(), signedHeaders(repoID, "only", body), body, "")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.Outcome != NoActiveSecrets {
		t.Fatalf("outcome = %v, want NoActiveSecrets", got.Outcome)
	}

	f.create(t, "replacement")
	got, err = f.gate.Authenticate(context.Background(), signedHeaders(repoID, "only", body), body, "")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.Outcome != InvalidSignature {
		t.Fatalf("outcome = %v, want InvalidSignature", got.Outcome)
	}
}

func TestAuthenticateTouchesLastUsed(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, "touch-me")

	got, err := f.gate.Authenticate(context.Background(), signedHeaders(repoID, "touch-me", body), body, "")
	if err != nil || !got.OK() {
		t.Fatalf("Authenticate: %+v, %v", got, err)
	}
	f.gate.Wait()

	stored, err := f.repo.GetHmacSecret(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetHmacSecret: %v", err)
	}
	if stored.LastUsedAt == nil {
		t.Fatal("last_used_at not updated")
	}
}

// flakySource fails to decrypt selected secrets and to touch any.
type flakySource struct {
	*secrets.Store
	broken map[string]bool

	mu      sync.Mutex
	touched []string
}

func (s *flakySource) Decrypt(secret *db.HmacSecret) ([]byte, error) {
	if s.broken[secret.ID] {
		return nil, errors.New("ciphertext corrupted")
	}
	return s.Store.Decrypt(secret)
}

func (s *flakySource) TouchLastUsed(_ context.Context, id string) error {
	s.mu.Lock()
	s.touched = append(s.touched, id)
	s.mu.Unlock()
	return errors.New("database unavailable")
}

func TestAuthenticateSkipsUndecryptableSecret(t *testing.T) {
	f := newFixture(t)
	good := f.create(t, "good")
	bad := f.create(t, "bad")

	src := &flakySource{Store: f.store, broken: map[string]bool{bad.ID: true}}
	gate := NewGate(src, f.recorder, nil)

	got, err := gate.Authenticate(context.Background(), signedHeaders(repoID, "good", body), body, "")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !got.OK() || got.SecretID != good.ID {
		t.Fatalf("got %+v, want success via %s", got, good.ID)
	}
	gate.Wait()
	if len(src.touched) != 1 || src.touched[0] != good.ID {
		t.Fatalf("touched = %v", src.touched)
	}

	got, err = gate.Authenticate(context.Background(), signedHeaders(repoID, "bad", body), body, "")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.Outcome != InvalidSignature {
		t.Fatalf("outcome = %v, want InvalidSignature", got.Outcome)
	}
}

type failingSource struct{ secrets.Store }

func (failingSource) FindActive(context.Context, string) ([]db.HmacSecret, error) {
	return nil, errors.New("connection refused")
}

func TestAuthenticateLookupFailureIsAnError(t *testing.T) {
	gate := NewGate(&failingSource{}, &audit.Recorder{}, nil)
	_, err := gate.Authenticate(context.Background(), signedHeaders(repoID, "x", body), body, "")
	if err == nil {
		t.Fatal("expected infrastructure error")
	}
}

func TestAuditFailureDoesNotChangeOutcome(t *testing.T) {
	f := newFixture(t)
	f.create(t, "k")
	f.recorder.Err = errors.New("audit store down")

	got, err := f.gate.Authenticate(context.Background(), signedHeaders(repoID, "k", body), body, "")
	if err != nil || !got.OK() {
		t.Fatalf("got %+v, %v", got, err)
	}
	f.gate.Wait()
}
