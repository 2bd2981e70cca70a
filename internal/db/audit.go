package db

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CreateAuditEvent inserts an audit event and returns the stored row. The
// timestamp and metadata are stored as given so the row hash can be
// recomputed later; a zero timestamp means now.
func (db *DB) CreateAuditEvent(ctx context.Context, e *AuditEvent) (*AuditEvent, error) {
	at := e.Timestamp
	if at.IsZero() {
		at = time.Now().UTC().Truncate(time.Microsecond)
	}
	event := &AuditEvent{}
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO audit_events (timestamp, actor_type, actor_id, action, resource, outcome, ip, metadata, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id, timestamp, actor_type, actor_id, action, resource, outcome, COALESCE(ip, ''), metadata, COALESCE(prev_hash, ''), hash`,
		at, e.ActorType, e.ActorID, e.Action, e.Resource, e.Outcome, e.IP, []byte(e.Metadata), e.PrevHash, e.Hash,
	).Scan(&event.ID, &event.Timestamp, &event.ActorType, &event.ActorID, &event.Action,
		&event.Resource, &event.Outcome, &event.IP, &event.Metadata, &event.PrevHash, &event.Hash)
	if err != nil {
		return nil, fmt.Errorf("creating audit event: %w", err)
	}
	return event, nil
}

// AuditQuery filters the audit trail. Zero values match everything.
type AuditQuery struct {
	ActorType string
	ActorID   string
	Action    string // exact, or a prefix when it ends in "."
	Resource  string // prefix
	Outcome   string
	Since     time.Time
	Limit     int
	Offset    int
}

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// ListAuditEvents returns matching events, newest first.
func (db *DB) ListAuditEvents(ctx context.Context, q AuditQuery) ([]AuditEvent, error) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if q.ActorType != "" {
		add("actor_type = $%d", q.ActorType)
	}
	if q.ActorID != "" {
		add("actor_id = $%d", q.ActorID)
	}
	switch {
	case strings.HasSuffix(q.Action, "."):
		add("action LIKE $%d", q.Action+"%")
	case q.Action != "":
		add("action = $%d", q.Action)
	}
	if q.Resource != "" {
		add("resource LIKE $%d", q.Resource+"%")
	}
	if q.Outcome != "" {
		add("outcome = $%d", q.Outcome)
	}
	if !q.Since.IsZero() {
		add("timestamp >= $%d", q.Since)
	}

	var sb strings.Builder
	sb.WriteString(`SELECT id, timestamp, actor_type, actor_id, action, resource, outcome,
		COALESCE(ip, ''), metadata, COALESCE(prev_hash, ''), hash FROM audit_events`)
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	limit := q.Limit
	if limit <= 0 || limit > maxAuditLimit {
		limit = defaultAuditLimit
	}
	args = append(args, limit, max(q.Offset, 0))
	fmt.Fprintf(&sb, " ORDER BY timestamp DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := db.Pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.ActorType, &e.ActorID, &e.Action,
			&e.Resource, &e.Outcome, &e.IP, &e.Metadata, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLastAuditHash retrieves the hash of the most recent audit event for chain linking.
func (db *DB) GetLastAuditHash(ctx context.Context) (string, error) {
	var hash *string
	err := db.Pool.QueryRow(ctx,
		`SELECT hash FROM audit_events ORDER BY timestamp DESC LIMIT 1`,
	).Scan(&hash)
	if err != nil {
		if translate(err) == ErrNotFound {
			return "", nil
		}
		return "", fmt.Errorf("getting last audit hash: %w", err)
	}
	if hash == nil {
		return "", nil
	}
	return *hash, nil
}
