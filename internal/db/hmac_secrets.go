package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const hmacSecretColumns = `id, repo_id, name, secret_hash, ciphertext, nonce, encrypted_dek, dek_nonce,
	master_key_version, active, revoked, revoked_at, expires_at, last_used_at, rotated_from, created_by, created_at`

func scanHmacSecret(row pgx.Row) (*HmacSecret, error) {
	s := &HmacSecret{}
	err := row.Scan(&s.ID, &s.RepoID, &s.Name, &s.SecretHash, &s.Ciphertext, &s.Nonce,
		&s.EncryptedDEK, &s.DEKNonce, &s.MasterKeyVersion, &s.Active, &s.Revoked,
		&s.RevokedAt, &s.ExpiresAt, &s.LastUsedAt, &s.RotatedFrom, &s.CreatedBy, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// InsertHmacSecret stores a new secret. ID and CreatedAt must be set by the caller.
func (db *DB) InsertHmacSecret(ctx context.Context, s *HmacSecret) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO hmac_secrets (id, repo_id, name, secret_hash, ciphertext, nonce, encrypted_dek, dek_nonce,
			master_key_version, active, revoked, expires_at, rotated_from, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		s.ID, s.RepoID, s.Name, s.SecretHash, s.Ciphertext, s.Nonce, s.EncryptedDEK, s.DEKNonce,
		s.MasterKeyVersion, s.Active, s.Revoked, s.ExpiresAt, s.RotatedFrom, s.CreatedBy, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting hmac secret: %w", translate(err))
	}
	return nil
}

// GetHmacSecret retrieves a secret by its ID.
func (db *DB) GetHmacSecret(ctx context.Context, id string) (*HmacSecret, error) {
	s, err := scanHmacSecret(db.Pool.QueryRow(ctx,
		`SELECT `+hmacSecretColumns+` FROM hmac_secrets WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("getting hmac secret: %w", translate(err))
	}
	return s, nil
}

// ListHmacSecretsByRepo returns every secret of a repository, newest first.
func (db *DB) ListHmacSecretsByRepo(ctx context.Context, repoID string) ([]HmacSecret, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+hmacSecretColumns+` FROM hmac_secrets
		 WHERE repo_id = $1
		 ORDER BY created_at DESC, id DESC`,
		repoID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing hmac secrets: %w", err)
	}
	defer rows.Close()

	var secrets []HmacSecret
	for rows.Next() {
		s, err := scanHmacSecret(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning hmac secret: %w", err)
		}
		secrets = append(secrets, *s)
	}
	return secrets, rows.Err()
}

// RevokeHmacSecret marks a secret revoked. It reports false when the secret
// was already revoked and returns ErrNotFound for an unknown id.
func (db *DB) RevokeHmacSecret(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := db.Pool.Exec(ctx,
		`UPDATE hmac_secrets SET revoked = true, active = false, revoked_at = $2
		 WHERE id = $1 AND revoked = false`,
		id, at,
	)
	if err != nil {
		return false, fmt.Errorf("revoking hmac secret: %w", err)
	}
	if result.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM hmac_secrets WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking hmac secret: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("revoking hmac secret: %w", ErrNotFound)
	}
	return false, nil
}

// SetHmacSecretRotatedFrom records the rotation lineage of a secret.
func (db *DB) SetHmacSecretRotatedFrom(ctx context.Context, id, rotatedFrom string) error {
	result, err := db.Pool.Exec(ctx,
		`UPDATE hmac_secrets SET rotated_from = $2 WHERE id = $1`,
		id, rotatedFrom,
	)
	if err != nil {
		return fmt.Errorf("setting rotation lineage: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("setting rotation lineage: %w", ErrNotFound)
	}
	return nil
}

// TouchHmacSecretLastUsed updates the last-used timestamp of a secret.
func (db *DB) TouchHmacSecretLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE hmac_secrets SET last_used_at = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("touching hmac secret: %w", err)
	}
	return nil
}
