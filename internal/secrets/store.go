// Package secrets manages the lifecycle of per-repository HMAC secrets:
// provisioning, rotation, revocation and lookup of the secrets that are
// currently usable for signature verification.
package secrets

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anchorpipe/anchorpipe-sub000/internal/crypto"
	"github.com/anchorpipe/anchorpipe-sub000/internal/db"
)

var (
	// ErrNotFound is returned when a secret does not exist or belongs to another repository.
	ErrNotFound = errors.New("secret not found")
	// ErrAlreadyRevoked is returned when rotating a secret that was revoked earlier.
	ErrAlreadyRevoked = errors.New("secret already revoked")
)

// Repository is the persistence contract of the store. *db.DB implements it.
type Repository interface {
	InsertHmacSecret(ctx context.Context, s *db.HmacSecret) error
	GetHmacSecret(ctx context.Context, id string) (*db.HmacSecret, error)
	ListHmacSecretsByRepo(ctx context.Context, repoID string) ([]db.HmacSecret, error)
	RevokeHmacSecret(ctx context.Context, id string, at time.Time) (bool, error)
	SetHmacSecretRotatedFrom(ctx context.Context, id, rotatedFrom string) error
	TouchHmacSecretLastUsed(ctx context.Context, id string, at time.Time) error
}

// Cipher encrypts secret values at rest. *crypto.EnvelopeCrypto implements it.
type Cipher interface {
	Encrypt(plaintext []byte) (*crypto.EncryptedData, error)
	Decrypt(data *crypto.EncryptedData) ([]byte, error)
	LookupHash(plaintext []byte) string
}

// Store is the HMAC secret store.
type Store struct {
	repo   Repository
	cipher Cipher
	now    func() time.Time
}

// NewStore creates a store over repo, encrypting values with cipher.
func NewStore(repo Repository, cipher Cipher) *Store {
	return &Store{
		repo:   repo,
		cipher: cipher,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the store clock.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// CreateRequest describes a secret to provision.
type CreateRequest struct {
	RepoID    string
	Name      string
	Plaintext string // generated when empty
	CreatedBy string
	ExpiresAt *time.Time
}

// RotateRequest describes a rotation of OldID into a freshly generated secret.
type RotateRequest struct {
	OldID     string
	RepoID    string
	Name      string
	CreatedBy string
	ExpiresAt *time.Time
}

// Created is returned once per provisioned secret. PlaintextSecret is not
// retrievable again after this value is discarded.
type Created struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	PlaintextSecret string    `json:"secret"`
	RotatedFrom     *string   `json:"rotated_from,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// FindActive returns the usable secrets of a repository, newest first.
func (s *Store) FindActive(ctx context.Context, repoID string) ([]db.HmacSecret, error) {
	all, err := s.repo.ListHmacSecretsByRepo(ctx, repoID)
	if err != nil {
		return nil, fmt.Errorf("finding active secrets: %w", err)
	}

	now := s.now()
	active := make([]db.HmacSecret, 0, len(all))
	for _, secret := range all {
		if secret.Usable(now) {
			active = append(active, secret)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].CreatedAt.After(active[j].CreatedAt)
	})
	return active, nil
}

// List returns every secret of a repository, newest first, including revoked ones.
func (s *Store) List(ctx context.Context, repoID string) ([]db.HmacSecret, error) {
	all, err := s.repo.ListHmacSecretsByRepo(ctx, repoID)
	if err != nil {
		return nil, fmt.Errorf("listing secrets: %w", err)
	}
	return all, nil
}

// Create provisions a new secret and returns its plaintext exactly once.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*Created, error) {
	if _, err := uuid.Parse(req.RepoID); err != nil {
		return nil, fmt.Errorf("invalid repository id: %w", err)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errors.New("secret name is required")
	}

	plaintext := req.Plaintext
	if plaintext == "" {
		generated, err := GenerateSecret()
		if err != nil {
			return nil, err
		}
		plaintext = generated
	}

	secret, err := s.build(req.RepoID, name, plaintext, req.CreatedBy, req.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if err := s.repo.InsertHmacSecret(ctx, secret); err != nil {
		return nil, fmt.Errorf("storing secret: %w", err)
	}

	return &Created{
		ID:              secret.ID,
		Name:            secret.Name,
		PlaintextSecret: plaintext,
		CreatedAt:       secret.CreatedAt,
	}, nil
}

// Rotate issues a new secret for the repository and revokes the old one. The
// new secret only gains its rotated-from link after the old one is revoked.
func (s *Store) Rotate(ctx context.Context, req RotateRequest) (*Created, error) {
	old, err := s.repo.GetHmacSecret(ctx, req.OldID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading secret to rotate: %w", err)
	}
	if old.RepoID != req.RepoID {
		return nil, ErrNotFound
	}
	if old.Revoked {
		return nil, ErrAlreadyRevoked
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = old.Name
	}

	created, err := s.Create(ctx, CreateRequest{
		RepoID:    req.RepoID,
		Name:      name,
		CreatedBy: req.CreatedBy,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.RevokeHmacSecret(ctx, old.ID, s.now()); err != nil {
		return nil, fmt.Errorf("revoking rotated secret: %w", err)
	}
	if err := s.repo.SetHmacSecretRotatedFrom(ctx, created.ID, old.ID); err != nil {
		return nil, fmt.Errorf("linking rotated secret: %w", err)
	}

	created.RotatedFrom = &old.ID
	return created, nil
}

// Revoke disables a secret. Revoking an already revoked secret is a no-op.
func (s *Store) Revoke(ctx context.Context, id string) error {
	if _, err := s.repo.RevokeHmacSecret(ctx, id, s.now()); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// TouchLastUsed records that a secret verified a request.
func (s *Store) TouchLastUsed(ctx context.Context, id string) error {
	return s.repo.TouchHmacSecretLastUsed(ctx, id, s.now())
}

// Decrypt returns the plaintext value of a stored secret.
func (s *Store) Decrypt(secret *db.HmacSecret) ([]byte, error) {
	return s.cipher.Decrypt(&crypto.EncryptedData{
		Ciphertext:       secret.Ciphertext,
		Nonce:            secret.Nonce,
		EncryptedDEK:     secret.EncryptedDEK,
		DEKNonce:         secret.DEKNonce,
		MasterKeyVersion: secret.MasterKeyVersion,
	})
}

func (s *Store) build(repoID, name, plaintext, createdBy string, expiresAt *time.Time) (*db.HmacSecret, error) {
	enc, err := s.cipher.Encrypt([]byte(plaintext))
	if err != nil {
		return nil, fmt.Errorf("encrypting secret: %w", err)
	}

	secret := &db.HmacSecret{
		ID:               uuid.NewString(),
		RepoID:           repoID,
		Name:             name,
		SecretHash:       s.cipher.LookupHash([]byte(plaintext)),
		Ciphertext:       enc.Ciphertext,
		Nonce:            enc.Nonce,
		EncryptedDEK:     enc.EncryptedDEK,
		DEKNonce:         enc.DEKNonce,
		MasterKeyVersion: enc.MasterKeyVersion,
		Active:           true,
		ExpiresAt:        expiresAt,
		CreatedAt:        s.now(),
	}
	if createdBy != "" {
		secret.CreatedBy = &createdBy
	}
	return secret, nil
}

// GenerateSecret returns 32 random bytes, hex encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
