package db

import (
	"context"
	"encoding/json"
	"fmt"
)

// CreateIngestion stores the metadata of an accepted ingestion.
func (db *DB) CreateIngestion(ctx context.Context, in *Ingestion) error {
	var env, meta []byte
	var err error
	if in.Environment != nil {
		if env, err = json.Marshal(in.Environment); err != nil {
			return fmt.Errorf("marshaling environment: %w", err)
		}
	}
	if in.Metadata != nil {
		if meta, err = json.Marshal(in.Metadata); err != nil {
			return fmt.Errorf("marshaling metadata: %w", err)
		}
	}

	_, err = db.Pool.Exec(ctx,
		`INSERT INTO ingestions (id, repo_id, commit_sha, run_id, framework, branch, pull_request, test_count, environment, metadata, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		in.ID, in.RepoID, in.CommitSHA, in.RunID, in.Framework, in.Branch, in.PullRequest,
		in.TestCount, env, meta, in.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("creating ingestion: %w", translate(err))
	}
	return nil
}

// ListIngestions returns the most recent ingestions of a repository.
func (db *DB) ListIngestions(ctx context.Context, repoID string, limit int) ([]Ingestion, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT id, repo_id, commit_sha, run_id, framework, branch, pull_request, test_count, environment, metadata, received_at
		 FROM ingestions WHERE repo_id = $1
		 ORDER BY received_at DESC LIMIT $2`,
		repoID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing ingestions: %w", err)
	}
	defer rows.Close()

	var out []Ingestion
	for rows.Next() {
		var in Ingestion
		var env, meta []byte
		if err := rows.Scan(&in.ID, &in.RepoID, &in.CommitSHA, &in.RunID, &in.Framework,
			&in.Branch, &in.PullRequest, &in.TestCount, &env, &meta, &in.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scanning ingestion: %w", err)
		}
		if err := in.decodeJSON(env, meta); err != nil {
			return nil, fmt.Errorf("decoding ingestion %s: %w", in.ID, err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (in *Ingestion) decodeJSON(env, meta []byte) error {
	if len(env) > 0 {
		if err := json.Unmarshal(env, &in.Environment); err != nil {
			return fmt.Errorf("environment: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &in.Metadata); err != nil {
			return fmt.Errorf("metadata: %w", err)
		}
	}
	return nil
}
