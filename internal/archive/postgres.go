// Package archive persists terminal task records to Postgres. The archive
// is write-mostly and strictly best-effort: the orchestrator keeps its
// authority in memory and never reads the archive on its hot paths.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"conductor/internal/logging"
	"conductor/internal/ports"
)

// One statement per entry: pgx's default exec mode does not accept
// multi-statement strings.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS task_archive (
		task_id        TEXT PRIMARY KEY,
		kind           TEXT NOT NULL,
		status         TEXT NOT NULL,
		input          JSONB,
		result         JSONB,
		failure        JSONB,
		estimated_cost DOUBLE PRECISION NOT NULL,
		actual_cost    DOUBLE PRECISION NOT NULL,
		owner_session  TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		completed_at   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS task_archive_owner_idx
		ON task_archive (owner_session, created_at)`,
}

// PostgresArchive stores terminal tasks in a single table.
type PostgresArchive struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPostgresArchive connects to databaseURL and ensures the schema.
func NewPostgresArchive(ctx context.Context, databaseURL string, logger logging.Logger) (*PostgresArchive, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse archive database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect archive database: %w", err)
	}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure archive schema: %w", err)
		}
	}
	return &PostgresArchive{pool: pool, logger: logging.OrNop(logger)}, nil
}

// Close releases the connection pool.
func (a *PostgresArchive) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// Save upserts one terminal task record.
func (a *PostgresArchive) Save(ctx context.Context, task *ports.Task) error {
	failure, err := encodeFailure(task.Error)
	if err != nil {
		return fmt.Errorf("encode failure for %s: %w", task.ID, err)
	}

	_, err = a.pool.Exec(ctx, `
		INSERT INTO task_archive (
			task_id, kind, status, input, result, failure,
			estimated_cost, actual_cost, owner_session, created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			failure = EXCLUDED.failure,
			actual_cost = EXCLUDED.actual_cost,
			completed_at = EXCLUDED.completed_at`,
		task.ID, task.Kind, string(task.Status),
		nullableJSON(task.Input), nullableJSON(task.Result), failure,
		task.EstimatedCost, task.ActualCost, task.OwnerSession,
		task.CreatedAt, task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("archive task %s: %w", task.ID, err)
	}
	a.logger.Debug("archived task %s (%s)", task.ID, task.Status)
	return nil
}

// ListBySession returns a session's archived tasks, oldest first, capped
// at limit. Used by operators, never by the request path.
func (a *PostgresArchive) ListBySession(ctx context.Context, sessionID string, limit int) ([]*ports.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.pool.Query(ctx, `
		SELECT task_id, kind, status, input, result, failure,
		       estimated_cost, actual_cost, owner_session, created_at, completed_at
		FROM task_archive
		WHERE owner_session = $1
		ORDER BY created_at
		LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var tasks []*ports.Task
	for rows.Next() {
		var (
			task        ports.Task
			status      string
			failure     []byte
			completedAt *time.Time
		)
		if err := rows.Scan(
			&task.ID, &task.Kind, &status, &task.Input, &task.Result, &failure,
			&task.EstimatedCost, &task.ActualCost, &task.OwnerSession,
			&task.CreatedAt, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		task.Status = ports.TaskStatus(status)
		task.CompletedAt = completedAt
		if task.Error, err = decodeFailure(failure); err != nil {
			return nil, fmt.Errorf("decode failure for %s: %w", task.ID, err)
		}
		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}

func encodeFailure(taskErr *ports.TaskError) ([]byte, error) {
	if taskErr == nil {
		return nil, nil
	}
	return json.Marshal(taskErr)
}

func decodeFailure(raw []byte) (*ports.TaskError, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var taskErr ports.TaskError
	if err := json.Unmarshal(raw, &taskErr); err != nil {
		return nil, err
	}
	return &taskErr, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// NopArchive discards every record. Used when no archive database is
// configured.
type NopArchive struct{}

func (NopArchive) Save(context.Context, *ports.Task) error { return nil }
