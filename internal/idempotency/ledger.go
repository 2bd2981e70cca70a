// Package idempotency records processed ingestions so that client retries
// receive the original response instead of being processed twice.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/anchorpipe/anchorpipe-sub000/internal/db"
)

// DefaultTTL is how long a recorded response is replayed.
const DefaultTTL = 24 * time.Hour

// NoRunID stands in for an absent or blank run id in keys.
const NoRunID = "no-run-id"

// Coordinates identify one logical submission.
type Coordinates struct {
	RepoID    string
	CommitSHA string
	RunID     string
	Framework string
}

// Key derives the ledger key for c. It depends on nothing but c.
func Key(c Coordinates) string {
	runID := strings.TrimSpace(c.RunID)
	if runID == "" {
		runID = NoRunID
	}
	return strings.Join([]string{c.RepoID, c.CommitSHA, runID, c.Framework}, ":")
}

// Repository persists ledger entries. *db.DB, RedisRepository and
// MemoryRepository implement it.
type Repository interface {
	GetIdempotencyEntry(ctx context.Context, key string) (*db.IdempotencyEntry, error)
	InsertIdempotencyEntry(ctx context.Context, e *db.IdempotencyEntry) error
	DeleteIdempotencyEntry(ctx context.Context, key string) error
	PurgeExpiredIdempotencyEntries(ctx context.Context, now time.Time) (int64, error)
}

// ErrorKind classifies repository failures.
type ErrorKind int

const (
	Transient ErrorKind = iota
	ConstraintViolation
	NotFound
)

func (k ErrorKind) String() string {
	switch k {
	case ConstraintViolation:
		return "constraint_violation"
	case NotFound:
		return "not_found"
	}
	return "transient"
}

// StoreError is a classified repository failure.
type StoreError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("idempotency %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func classify(op string, err error) *StoreError {
	if err == nil {
		return nil
	}
	kind := Transient
	switch {
	case errors.Is(err, db.ErrDuplicateKey):
		kind = ConstraintViolation
	case errors.Is(err, db.ErrNotFound):
		kind = NotFound
	}
	return &StoreError{Kind: kind, Op: op, Err: err}
}

// CheckResult is the outcome of a lookup.
type CheckResult struct {
	IsDuplicate    bool
	CachedResponse json.RawMessage
}

// RecordOutcome is the outcome of recording a response.
type RecordOutcome int

const (
	Recorded RecordOutcome = iota + 1
	AlreadyRecorded
	Failed
)

func (o RecordOutcome) String() string {
	switch o {
	case Recorded:
		return "recorded"
	case AlreadyRecorded:
		return "already_recorded"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Ledger is the idempotency ledger. Its lookups fail open and its writes
// never fail the caller.
type Ledger struct {
	repo Repository
	ttl  time.Duration
	log  *zap.Logger
	now  func() time.Time
}

// NewLedger creates a ledger. ttl <= 0 means DefaultTTL.
func NewLedger(repo Repository, ttl time.Duration, log *zap.Logger) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		repo: repo,
		ttl:  ttl,
		log:  log,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the ledger clock.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// TTL returns the default time-to-live of recorded responses.
func (l *Ledger) TTL() time.Duration { return l.ttl }

// Check reports whether c was already processed. Expired entries are deleted
// and reported absent. Storage errors are logged and reported absent.
func (l *Ledger) Check(ctx context.Context, c Coordinates) CheckResult {
	key := Key(c)
	entry, err := l.repo.GetIdempotencyEntry(ctx, key)
	if err != nil {
		if serr := classify("get", err); serr.Kind != NotFound {
			l.log.Error("idempotency lookup failed, processing request anyway",
				zap.String("key", key), zap.Error(serr))
		}
		return CheckResult{}
	}

	if entry.Expired(l.now()) {
		if err := l.repo.DeleteIdempotencyEntry(ctx, key); err != nil {
			l.log.Warn("deleting expired idempotency entry", zap.String("key", key), zap.Error(err))
		}
		return CheckResult{}
	}

	return CheckResult{IsDuplicate: true, CachedResponse: entry.Response}
}

// Record stores response for c. ttl <= 0 means the ledger default. A
// concurrent writer that already recorded c wins; that is not an error.
func (l *Ledger) Record(ctx context.Context, c Coordinates, response json.RawMessage, ttl time.Duration) RecordOutcome {
	key := Key(c)
	if !json.Valid(response) {
		l.log.Error("refusing to record non-JSON response", zap.String("key", key))
		return Failed
	}
	if ttl <= 0 {
		ttl = l.ttl
	}

	now := l.now()
	err := l.repo.InsertIdempotencyEntry(ctx, &db.IdempotencyEntry{
		Key:       key,
		Response:  append(json.RawMessage(nil), response...),
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	})
	if err == nil {
		return Recorded
	}

	serr := classify("insert", err)
	if serr.Kind == ConstraintViolation {
		l.log.Debug("idempotency entry already recorded", zap.String("key", key))
		return AlreadyRecorded
	}
	l.log.Error("recording idempotency entry", zap.String("key", key), zap.Error(serr))
	return Failed
}

// Remove deletes the entry for c.
func (l *Ledger) Remove(ctx context.Context, c Coordinates) error {
	if err := l.repo.DeleteIdempotencyEntry(ctx, Key(c)); err != nil {
		return classify("delete", err)
	}
	return nil
}

// PurgeExpired deletes every expired entry and returns how many were removed.
func (l *Ledger) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := l.repo.PurgeExpiredIdempotencyEntries(ctx, l.now())
	if err != nil {
		return 0, classify("purge", err)
	}
	return n, nil
}
