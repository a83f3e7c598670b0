package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dartcloud/dartcloud/internal/domain"
)

// CreateDeployment allocates the next version for the function and inserts a
// building row. The function row is locked FOR UPDATE so concurrent
// deployments of the same function serialize on version allocation; failed
// builds keep their version and never reuse it.
func (s *PostgresStore) CreateDeployment(ctx context.Context, functionID, archiveKey string) (*domain.Deployment, error) {
	dep := &domain.Deployment{
		ID:         uuid.New().String(),
		FunctionID: functionID,
		ArchiveKey: archiveKey,
		Status:     domain.DeploymentBuilding,
		DeployedAt: time.Now(),
	}

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `
			SELECT status FROM functions WHERE id = $1 FOR UPDATE
		`, functionID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: function %s", domain.ErrNotFound, functionID)
		}
		if err != nil {
			return fmt.Errorf("lock function row: %w", err)
		}

		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(version), 0) + 1 FROM deployments WHERE function_id = $1
		`, functionID).Scan(&dep.Version); err != nil {
			return fmt.Errorf("allocate version: %w", err)
		}
		dep.ImageTag = domain.ImageTag(functionID, dep.Version)

		_, err = tx.Exec(ctx, `
			INSERT INTO deployments (id, function_id, version, image_tag, archive_key, status, deployed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, dep.ID, dep.FunctionID, dep.Version, dep.ImageTag, dep.ArchiveKey, dep.Status, dep.DeployedAt)
		if err != nil {
			return fmt.Errorf("insert deployment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dep, nil
}

func (s *PostgresStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return scanDeployment(s.pool.QueryRow(ctx, deploymentColumns+`WHERE id = $1`, id))
}

func (s *PostgresStore) GetActiveDeployment(ctx context.Context, functionID string) (*domain.Deployment, error) {
	return scanDeployment(s.pool.QueryRow(ctx,
		deploymentColumns+`WHERE function_id = $1 AND is_active`, functionID))
}

func (s *PostgresStore) ListDeployments(ctx context.Context, functionID string) ([]*domain.Deployment, error) {
	rows, err := s.pool.Query(ctx,
		deploymentColumns+`WHERE function_id = $1 ORDER BY version DESC`, functionID)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []*domain.Deployment
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetDeploymentStatus(ctx context.Context, id string, status domain.DeploymentStatus, buildLogs string) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE deployments SET status = $2, build_logs = $3 WHERE id = $1
	`, id, status, buildLogs)
	if err != nil {
		return fmt.Errorf("set deployment status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: deployment %s", domain.ErrNotFound, id)
	}
	return nil
}

// ActivateDeployment flips the active pointer in one transaction: clear the
// previous flag, set the new one, repoint the function. At most one row per
// function carries is_active at any instant (enforced by a partial unique
// index as well).
func (s *PostgresStore) ActivateDeployment(ctx context.Context, functionID, deploymentID string) (string, error) {
	var previousTag string
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			SELECT id FROM functions WHERE id = $1 FOR UPDATE
		`, functionID).Scan(new(string)); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: function %s", domain.ErrNotFound, functionID)
			}
			return fmt.Errorf("lock function row: %w", err)
		}

		var status string
		err := tx.QueryRow(ctx, `
			SELECT status FROM deployments WHERE id = $1 AND function_id = $2
		`, deploymentID, functionID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: deployment %s", domain.ErrNotFound, deploymentID)
		}
		if err != nil {
			return fmt.Errorf("load deployment: %w", err)
		}
		if domain.DeploymentStatus(status) != domain.DeploymentReady {
			return fmt.Errorf("%w: deployment %s is %s, not ready", domain.ErrConflict, deploymentID, status)
		}

		err = tx.QueryRow(ctx, `
			UPDATE deployments SET is_active = FALSE
			WHERE function_id = $1 AND is_active AND id != $2
			RETURNING image_tag
		`, functionID, deploymentID).Scan(&previousTag)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("clear active deployment: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE deployments SET is_active = TRUE WHERE id = $1
		`, deploymentID); err != nil {
			return fmt.Errorf("set active deployment: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE functions SET active_deployment_id = $2, updated_at = NOW() WHERE id = $1
		`, functionID, deploymentID); err != nil {
			return fmt.Errorf("repoint function: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return previousTag, nil
}

const deploymentColumns = `
	SELECT id, function_id, version, image_tag, archive_key, status, is_active, build_logs, deployed_at
	FROM deployments
`

func scanDeployment(row rowScanner) (*domain.Deployment, error) {
	var dep domain.Deployment
	err := row.Scan(&dep.ID, &dep.FunctionID, &dep.Version, &dep.ImageTag, &dep.ArchiveKey,
		&dep.Status, &dep.IsActive, &dep.BuildLogs, &dep.DeployedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: deployment", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan deployment: %w", err)
	}
	return &dep, nil
}
