package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dartcloud/dartcloud/internal/domain"
)

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	if key.ID == "" || key.FunctionID == "" || key.SecretHash == "" {
		return fmt.Errorf("api key id, function, and secret hash are required")
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (id, function_id, secret_hash, validity, expires_at, is_active, name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, key.ID, key.FunctionID, key.SecretHash, key.Validity, key.ExpiresAt, key.IsActive, key.Name, key.CreatedAt)
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAPIKey(ctx context.Context, id string) (*domain.APIKey, error) {
	return scanAPIKey(s.pool.QueryRow(ctx, apiKeyColumns+`WHERE id = $1`, id))
}

// ListAPIKeys orders by derived state priority (active > disabled > expired),
// ties broken by created_at descending. State is derived at read time from
// expires_at; it is never stored.
func (s *PostgresStore) ListAPIKeys(ctx context.Context, functionID string) ([]*domain.APIKey, error) {
	rows, err := s.pool.Query(ctx, apiKeyColumns+`
		WHERE function_id = $1
		ORDER BY CASE
			WHEN expires_at IS NOT NULL AND expires_at <= NOW() THEN 2
			WHEN NOT is_active THEN 1
			ELSE 0
		END, created_at DESC
	`, functionID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var out []*domain.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id string, at time.Time) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET is_active = FALSE, revoked_at = $2 WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: api key %s", domain.ErrNotFound, id)
	}
	return nil
}

// EnableAPIKey re-activates a revoked key. Expiry is not extended: a key past
// its expires_at stays unusable regardless of the flag.
func (s *PostgresStore) EnableAPIKey(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET is_active = TRUE, revoked_at = NULL WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("enable api key: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: api key %s", domain.ErrNotFound, id)
	}
	return nil
}

const apiKeyColumns = `
	SELECT id, function_id, secret_hash, validity, expires_at, is_active, name, created_at, revoked_at
	FROM api_keys
`

func scanAPIKey(row rowScanner) (*domain.APIKey, error) {
	var key domain.APIKey
	err := row.Scan(&key.ID, &key.FunctionID, &key.SecretHash, &key.Validity,
		&key.ExpiresAt, &key.IsActive, &key.Name, &key.CreatedAt, &key.RevokedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: api key", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan api key: %w", err)
	}
	return &key, nil
}
