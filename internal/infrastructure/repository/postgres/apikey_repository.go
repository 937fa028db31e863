package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/medevidence/ingest-service/internal/core/domain"
)

type APIKeyRepository struct {
	db *sql.DB
}

func NewAPIKeyRepository(db *sql.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// EnsureSchema creates the api_keys table under the same advisory lock used
// by the submissions schema, so api/worker startups racing each other never
// attempt concurrent DDL.
func (r *APIKeyRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026021001)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS api_keys (
	key TEXT PRIMARY KEY,
	name TEXT,
	role TEXT NOT NULL DEFAULT 'user',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_used_at TIMESTAMPTZ
);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *APIKeyRepository) Create(ctx context.Context, key domain.APIKey) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO api_keys (key, name, role, is_active, created_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (key) DO NOTHING
`, key.Key, key.Name, string(key.Role), key.IsActive, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (r *APIKeyRepository) FindByKey(ctx context.Context, key string) (*domain.APIKey, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT key, name, role, is_active, created_at, last_used_at
FROM api_keys
WHERE key = $1
`, key)

	var out domain.APIKey
	var role string
	var lastUsed sql.NullTime
	err := row.Scan(&out.Key, &out.Name, &role, &out.IsActive, &out.CreatedAt, &lastUsed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan api key: %w", err)
	}
	out.Role = domain.APIKeyRole(role)
	if lastUsed.Valid {
		out.LastUsedAt = &lastUsed.Time
	}
	return &out, nil
}

func (r *APIKeyRepository) Touch(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE key = $1`, key, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}
