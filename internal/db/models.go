package db

import (
	"encoding/json"
	"time"
)

// HmacSecret is a per-repository signing secret. The value is stored envelope
// encrypted; the plaintext never touches this struct after creation.
type HmacSecret struct {
	ID               string     `json:"id"`
	RepoID           string     `json:"repo_id"`
	Name             string     `json:"name"`
	SecretHash       string     `json:"-"`
	Ciphertext       []byte     `json:"-"`
	Nonce            []byte     `json:"-"`
	EncryptedDEK     []byte     `json:"-"`
	DEKNonce         []byte     `json:"-"`
	MasterKeyVersion int        `json:"-"`
	Active           bool       `json:"active"`
	Revoked          bool       `json:"revoked"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	RotatedFrom      *string    `json:"rotated_from,omitempty"`
	CreatedBy        *string    `json:"created_by,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Usable reports whether the secret may be used to verify signatures at now.
func (s *HmacSecret) Usable(now time.Time) bool {
	if !s.Active || s.Revoked {
		return false
	}
	return s.ExpiresAt == nil || s.ExpiresAt.After(now)
}

// IdempotencyEntry caches the response produced for one logical ingestion.
type IdempotencyEntry struct {
	Key       string          `json:"key"`
	Response  json.RawMessage `json:"response"`
	ExpiresAt time.Time       `json:"expires_at"`
	CreatedAt time.Time       `json:"created_at"`
}

// Expired reports whether the entry is past its expiry at now.
func (e *IdempotencyEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// Ingestion is the metadata row written for every newly accepted report.
type Ingestion struct {
	ID          string            `json:"id"`
	RepoID      string            `json:"repo_id"`
	CommitSHA   string            `json:"commit_sha"`
	RunID       string            `json:"run_id"`
	Framework   string            `json:"framework"`
	Branch      *string           `json:"branch,omitempty"`
	PullRequest *string           `json:"pull_request,omitempty"`
	TestCount   int               `json:"test_count"`
	Environment map[string]string `json:"environment,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
}

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	ActorType string          `json:"actor_type"`
	ActorID   string          `json:"actor_id"`
	Action    string          `json:"action"`
	Resource  string          `json:"resource"`
	Outcome   string          `json:"outcome"`
	IP        string          `json:"ip,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	PrevHash  string          `json:"prev_hash,omitempty"`
	Hash      string          `json:"hash"`
}
