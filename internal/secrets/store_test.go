package secrets

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anchorpipe/anchorpipe-sub000/internal/crypto"
)

const testRepo = "7b1d7c1e-3f3e-4a4f-9a51-0c2f6f1d2b10"

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*Store, *MemoryRepository, *fakeClock) {
	t.Helper()
	ec, err := crypto.NewEnvelopeCrypto(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatalf("crypto: %v", err)
	}
	repo := NewMemoryRepository()
	clock := &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	return NewStore(repo, ec).WithClock(clock.now), repo, clock
}

func TestCreateEncryptsAndReturnsPlaintextOnce(t *testing.T) {
	store, repo, _ := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, CreateRequest{RepoID: testRepo, Name: "ci", Plaintext: "hunter2", CreatedBy: "admin"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.PlaintextSecret != "hunter2" {
		t.Fatalf("expected plaintext returned, got %q", created.PlaintextSecret)
	}

	stored, err := repo.GetHmacSecret(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if bytes.Contains(stored.Ciphertext, []byte("hunter2")) {
		t.Fatalf("stored ciphertext contains plaintext")
	}
	if stored.SecretHash == "" || stored.SecretHash == "hunter2" {
		t.Fatalf("expected keyed hash, got %q", stored.SecretHash)
	}
	plain, err := store.Decrypt(stored)
	if err != nil || string(plain) != "hunter2" {
		t.Fatalf("decrypt: %q %v", plain, err)
	}
	if stored.CreatedBy == nil || *stored.CreatedBy != "admin" {
		t.Fatalf("expected created_by admin")
	}
}

func TestCreateGeneratesSecretWhenEmpty(t *testing.T) {
	store, _, _ := newTestStore(t)
	created, err := store.Create(context.Background(), CreateRequest{RepoID: testRepo, Name: "ci"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(created.PlaintextSecret) != 64 {
		t.Fatalf("expected generated 64-char hex secret, got %q", created.PlaintextSecret)
	}
}

func TestCreateValidatesInput(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := store.Create(ctx, CreateRequest{RepoID: "not-a-uuid", Name: "ci"}); err == nil {
		t.Fatalf("expected invalid repo id error")
	}
	if _, err := store.Create(ctx, CreateRequest{RepoID: testRepo, Name: "  "}); err == nil {
		t.Fatalf("expected missing name error")
	}
}

func TestFindActiveFiltersAndOrdersNewestFirst(t *testing.T) {
	store, _, clock := newTestStore(t)
	ctx := context.Background()

	past := clock.t.Add(-time.Minute)
	expired, _ := store.Create(ctx, CreateRequest{RepoID: testRepo, Name: "expired", ExpiresAt: &past})
	clock.advance(time.Second)
	older, _ := store.Create(ctx, CreateRequest{RepoID: testRepo, Name: "older"})
	clock.advance(time.Second)
	revoked, _ := store.Create(ctx, CreateRequest{RepoID: testRepo, Name: "revoked"})
	clock.advance(time.Second)
	future := clock.t.Add(time.Hour)
	newer, _ := store.Create(ctx, CreateRequest{RepoID: testRepo, Name: "newer", ExpiresAt: &future})
	_, _ = store.Create(ctx, CreateRequest{RepoID: "0d9b2f8e-8f7a-4b58-9d1c-2a3b4c5d6e7f", Name: "other"})

	if err := store.Revoke(ctx, revoked.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	active, err := store.FindActive(ctx, testRepo)
	if err != nil {
		t.Fatalf("find active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active secrets, got %d", len(active))
	}
	if active[0].ID != newer.ID || active[1].ID != older.ID {
		t.Fatalf("expected newest-first [newer, older], got [%s, %s]", active[0].Name, active[1].Name)
	}
	for _, s := range active {
		if s.ID == expired.ID {
			t.Fatalf("expired secret returned")
		}
	}
}

func TestRotateRevokesOldAndLinksNew(t *testing.T) {
	store, repo, clock := newTestStore(t)
	ctx := context.Background()

	old, _ := store.Create(ctx, CreateRequest{RepoID: testRepo, Name: "ci"})
	clock.advance(time.Minute)

	rotated, err := store.Rotate(ctx, RotateRequest{OldID: old.ID, RepoID: testRepo, CreatedBy: "admin"})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.ID == old.ID || rotated.PlaintextSecret == old.PlaintextSecret {
		t.Fatalf("rotation must produce a new secret")
	}
	if rotated.Name != "ci" {
		t.Fatalf("expected name carried over, got %q", rotated.Name)
	}
	if rotated.RotatedFrom == nil || *rotated.RotatedFrom != old.ID {
		t.Fatalf("expected lineage to old id")
	}

	oldRow, _ := repo.GetHmacSecret(ctx, old.ID)
	if !oldRow.Revoked || oldRow.Active || oldRow.RevokedAt == nil {
		t.Fatalf("old secret not revoked: %+v", oldRow)
	}
	newRow, _ := repo.GetHmacSecret(ctx, rotated.ID)
	if newRow.RotatedFrom == nil || *newRow.RotatedFrom != old.ID {
		t.Fatalf("stored lineage missing")
	}

	active, _ := store.FindActive(ctx, testRepo)
	if len(active) != 1 || active[0].ID != rotated.ID {
		t.Fatalf("expected only rotated secret active")
	}
}

func TestRotateRejectsForeignOrRevokedSecret(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()
	old, _ := store.Create(ctx, CreateRequest{RepoID: testRepo, Name: "ci"})

	_, err := store.Rotate(ctx, RotateRequest{OldID: old.ID, RepoID: "0d9b2f8e-8f7a-4b58-9d1c-2a3b4c5d6e7f"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign repo, got %v", err)
	}
	_, err = store.Rotate(ctx, RotateRequest{OldID: "missing", RepoID: testRepo})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}

	_ = store.Revoke(ctx, old.ID)
	_, err = store.Rotate(ctx, RotateRequest{OldID: old.ID, RepoID: testRepo})
	if !errors.Is(err, ErrAlreadyRevoked) {
		t.Fatalf("expected ErrAlreadyRevoked, got %v", err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	store, repo, clock := newTestStore(t)
	ctx := context.Background()
	created, _ := store.Create(ctx, CreateRequest{RepoID: testRepo, Name: "ci"})

	if err := store.Revoke(ctx, created.ID); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	first, _ := repo.GetHmacSecret(ctx, created.ID)
	clock.advance(time.Hour)
	if err := store.Revoke(ctx, created.ID); err != nil {
		t.Fatalf("second revoke should be a no-op, got %v", err)
	}
	second, _ := repo.GetHmacSecret(ctx, created.ID)
	if !first.RevokedAt.Equal(*second.RevokedAt) {
		t.Fatalf("second revoke changed revoked_at")
	}
	if err := store.Revoke(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTouchLastUsed(t *testing.T) {
	store, repo, _ := newTestStore(t)
	ctx := context.Background()
	created, _ := store.Create(ctx, CreateRequest{RepoID: testRepo, Name: "ci"})
	if err := store.TouchLastUsed(ctx, created.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	row, _ := repo.GetHmacSecret(ctx, created.ID)
	if row.LastUsedAt == nil {
		t.Fatalf("last_used_at not set")
	}
}
