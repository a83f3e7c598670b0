package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dartcloud/dartcloud/internal/domain"
)

// RecordInvocation appends one invocation row. request_info carries method,
// path, headers, and query only; the request body is never persisted.
func (s *PostgresStore) RecordInvocation(ctx context.Context, inv *domain.Invocation) error {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	if inv.Timestamp.IsZero() {
		inv.Timestamp = time.Now()
	}

	reqInfo, err := json.Marshal(inv.RequestInfo)
	if err != nil {
		return fmt.Errorf("marshal request info: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO invocations (id, function_id, status, duration_ms, error, logs, request_info, result, success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, inv.ID, inv.FunctionID, inv.Status, inv.DurationMS, inv.Error,
		nullableJSON(inv.Logs), reqInfo, nullableJSON(inv.Result), inv.Success, inv.Timestamp)
	if err != nil {
		return fmt.Errorf("record invocation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListInvocations(ctx context.Context, functionID string, limit int) ([]*domain.Invocation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, function_id, status, duration_ms, error, logs, request_info, result, success, created_at
		FROM invocations
		WHERE function_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, functionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	var out []*domain.Invocation
	for rows.Next() {
		var inv domain.Invocation
		var reqInfo []byte
		var logs, result []byte
		if err := rows.Scan(&inv.ID, &inv.FunctionID, &inv.Status, &inv.DurationMS, &inv.Error,
			&logs, &reqInfo, &result, &inv.Success, &inv.Timestamp); err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		if err := json.Unmarshal(reqInfo, &inv.RequestInfo); err != nil {
			return nil, fmt.Errorf("decode request info: %w", err)
		}
		inv.Logs = json.RawMessage(logs)
		inv.Result = json.RawMessage(result)
		out = append(out, &inv)
	}
	return out, rows.Err()
}

// AppendFunctionLogs inserts the batch in one round trip.
func (s *PostgresStore) AppendFunctionLogs(ctx context.Context, logs []*domain.FunctionLog) error {
	if len(logs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, l := range logs {
		if l.ID == "" {
			l.ID = uuid.New().String()
		}
		if l.Timestamp.IsZero() {
			l.Timestamp = time.Now()
		}
		batch.Queue(`
			INSERT INTO function_logs (id, function_id, level, message, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, l.ID, l.FunctionID, l.Level, l.Message, l.Timestamp)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range logs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("append function logs: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListFunctionLogs(ctx context.Context, functionID string, limit int) ([]*domain.FunctionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, function_id, level, message, created_at
		FROM function_logs
		WHERE function_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, functionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list function logs: %w", err)
	}
	defer rows.Close()

	var out []*domain.FunctionLog
	for rows.Next() {
		var l domain.FunctionLog
		if err := rows.Scan(&l.ID, &l.FunctionID, &l.Level, &l.Message, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("scan function log: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// nullableJSON maps empty raw JSON to SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
