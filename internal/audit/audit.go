// Package audit handles audit event recording with hash chaining
// to ensure tamper-evident logs.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/anchorpipe/anchorpipe-sub000/internal/db"
)

// Outcomes recorded on events.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
)

// Sink is a write-only audit destination.
type Sink interface {
	Log(ctx context.Context, event Event) error
}

// Repository stores chained audit rows. *db.DB implements it.
type Repository interface {
	GetLastAuditHash(ctx context.Context) (string, error)
	CreateAuditEvent(ctx context.Context, e *db.AuditEvent) (*db.AuditEvent, error)
}

// Event represents the data for creating an audit event.
type Event struct {
	ActorType string // "repository", "admin" or "system"
	ActorID   string
	Action    string // e.g. "ingest.auth.success", "secret.rotate"
	Resource  string // e.g. "repo/<id>"
	Outcome   string
	IP        string
	Metadata  map[string]any // never contains secret values
}

// Logger handles audit event creation with hash chaining.
type Logger struct {
	repo Repository
	mu   sync.Mutex // serializes hash chaining
	now  func() time.Time
}

// NewLogger creates a new audit logger.
func NewLogger(repo Repository) *Logger {
	return &Logger{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Log records an audit event with hash chaining.
// Each event's hash includes the previous event's hash.
func (l *Logger) Log(ctx context.Context, event Event) error {
	var metadata json.RawMessage
	if len(event.Metadata) > 0 {
		b, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling audit metadata: %w", err)
		}
		metadata = b
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash, err := l.repo.GetLastAuditHash(ctx)
	if err != nil {
		// An unreadable chain head starts a new chain segment rather than dropping the event.
		prevHash = ""
	}

	row := &db.AuditEvent{
		// Postgres keeps microseconds; the hash must cover what is stored.
		Timestamp: l.now().UTC().Truncate(time.Microsecond),
		ActorType: event.ActorType,
		ActorID:   event.ActorID,
		Action:    event.Action,
		Resource:  event.Resource,
		Outcome:   event.Outcome,
		IP:        event.IP,
		Metadata:  metadata,
		PrevHash:  prevHash,
	}
	row.Hash = computeHash(row)
	_, err = l.repo.CreateAuditEvent(ctx, row)
	return err
}

// Verify recomputes the hash of a stored row and compares it with the
// recorded one.
func Verify(e *db.AuditEvent) bool {
	return computeHash(e) == e.Hash
}

// VerifyChain checks every row hash and that each row links to the one before
// it. events must be in insertion order. It returns the index of the first
// broken row, or -1.
func VerifyChain(events []db.AuditEvent) int {
	for i := range events {
		if !Verify(&events[i]) {
			return i
		}
		if i > 0 && events[i].PrevHash != events[i-1].Hash {
			return i
		}
	}
	return -1
}

// computeHash creates a SHA-256 hash for an audit row, chained to the previous hash.
func computeHash(e *db.AuditEvent) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s",
		e.PrevHash,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.ActorType+":"+e.ActorID,
		e.Action,
		e.Resource,
		e.Outcome,
		string(e.Metadata),
	)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}
