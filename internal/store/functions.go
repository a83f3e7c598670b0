package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dartcloud/dartcloud/internal/domain"
)

func (s *PostgresStore) CreateFunction(ctx context.Context, fn *domain.Function) error {
	if fn.ID == "" || fn.OwnerID == "" {
		return fmt.Errorf("function id and owner are required")
	}
	if err := domain.ValidateFunctionName(fn.Name); err != nil {
		return err
	}

	now := time.Now()
	if fn.CreatedAt.IsZero() {
		fn.CreatedAt = now
	}
	fn.UpdatedAt = now
	if fn.Status == "" {
		fn.Status = domain.FunctionActive
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO functions (id, owner_id, name, status, skip_signing, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, fn.ID, fn.OwnerID, fn.Name, fn.Status, fn.SkipSigning, fn.CreatedAt, fn.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: function %q already exists", domain.ErrConflict, fn.Name)
		}
		return fmt.Errorf("create function: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFunction(ctx context.Context, id string) (*domain.Function, error) {
	return s.scanFunction(s.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, status, COALESCE(active_deployment_id, ''),
		       skip_signing, created_at, updated_at
		FROM functions WHERE id = $1
	`, id))
}

func (s *PostgresStore) GetFunctionByName(ctx context.Context, ownerID, name string) (*domain.Function, error) {
	return s.scanFunction(s.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, status, COALESCE(active_deployment_id, ''),
		       skip_signing, created_at, updated_at
		FROM functions WHERE owner_id = $1 AND name = $2 AND status != 'deleted'
	`, ownerID, name))
}

func (s *PostgresStore) ListFunctions(ctx context.Context, ownerID string) ([]*domain.Function, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, name, status, COALESCE(active_deployment_id, ''),
		       skip_signing, created_at, updated_at
		FROM functions
		WHERE owner_id = $1 AND status != 'deleted'
		ORDER BY name
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list functions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Function
	for rows.Next() {
		fn, err := s.scanFunction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fn)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetFunctionStatus(ctx context.Context, id string, status domain.FunctionStatus) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE functions SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("set function status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: function %s", domain.ErrNotFound, id)
	}
	return nil
}

// DeleteFunction hard-deletes the row; deployments, api keys, invocations,
// and logs follow via ON DELETE CASCADE.
func (s *PostgresStore) DeleteFunction(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM functions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete function: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: function %s", domain.ErrNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanFunction(row rowScanner) (*domain.Function, error) {
	var fn domain.Function
	err := row.Scan(&fn.ID, &fn.OwnerID, &fn.Name, &fn.Status, &fn.ActiveDeploymentID,
		&fn.SkipSigning, &fn.CreatedAt, &fn.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: function", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan function: %w", err)
	}
	return &fn, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "duplicate key")
}
