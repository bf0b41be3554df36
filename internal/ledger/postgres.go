package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/edgekit/modelsync/internal/task"
)

const taskColumns = `
	task_id, artifact_id, label, batch_id, status, priority,
	retry_count, max_retries, error_message, server_id,
	created_at, last_attempt_at, completed_at
`

type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(connectionString string) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresLedger{db: db}, nil
}

func (l *PostgresLedger) Insert(ctx context.Context, t *task.Task) error {
	query := `
		INSERT INTO upload_tasks (
			task_id, artifact_id, label, batch_id, status, priority,
			retry_count, max_retries, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	var batchID any
	if t.BatchID != "" {
		batchID = t.BatchID
	}

	_, err := l.db.ExecContext(
		ctx,
		query,
		t.ID,
		t.ArtifactID,
		t.Label,
		batchID,
		t.Status,
		t.Priority,
		t.RetryCount,
		t.MaxRetries,
		t.CreatedAt,
	)

	return err
}

func (l *PostgresLedger) Get(ctx context.Context, id string) (*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM upload_tasks WHERE task_id = $1`

	t, err := scanTask(l.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return t, nil
}

func (l *PostgresLedger) ActiveForArtifact(ctx context.Context, artifactID string) (*task.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM upload_tasks
		WHERE artifact_id = $1
		  AND (status IN ('pending', 'uploading')
		       OR (status = 'failed' AND retry_count < max_retries))
		LIMIT 1
	`

	t, err := scanTask(l.db.QueryRowContext(ctx, query, artifactID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return t, nil
}

func (l *PostgresLedger) Pending(ctx context.Context) ([]*task.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM upload_tasks
		WHERE status = 'pending'
		ORDER BY priority DESC, created_at ASC
	`

	return l.queryTasks(ctx, query)
}

func (l *PostgresLedger) RetriableFailed(ctx context.Context) ([]*task.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM upload_tasks
		WHERE status = 'failed' AND retry_count < max_retries
		  AND (last_attempt_at IS NULL
		       OR last_attempt_at + make_interval(secs => retry_count * $1) <= NOW())
		ORDER BY last_attempt_at ASC
	`

	return l.queryTasks(ctx, query, RetryBackoffStep.Seconds())
}

func (l *PostgresLedger) Active(ctx context.Context) ([]*task.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM upload_tasks
		WHERE status IN ('pending', 'uploading', 'failed')
		ORDER BY created_at ASC
	`

	return l.queryTasks(ctx, query)
}

func (l *PostgresLedger) MarkUploading(ctx context.Context, id string) error {
	query := `
		UPDATE upload_tasks
		SET status = 'uploading',
		    last_attempt_at = NOW()
		WHERE task_id = $1 AND status = 'pending'
	`

	return l.guardedExec(ctx, query, id)
}

func (l *PostgresLedger) MarkSuccess(ctx context.Context, id, serverID string) error {
	query := `
		UPDATE upload_tasks
		SET status = 'success',
		    server_id = $2,
		    error_message = NULL,
		    completed_at = NOW()
		WHERE task_id = $1 AND status = 'uploading'
	`

	return l.guardedExec(ctx, query, id, serverID)
}

func (l *PostgresLedger) MarkFailed(ctx context.Context, id, errMsg string) error {
	query := `
		UPDATE upload_tasks
		SET status = 'failed',
		    retry_count = retry_count + 1,
		    error_message = $2,
		    last_attempt_at = NOW()
		WHERE task_id = $1 AND status = 'uploading'
	`

	return l.guardedExec(ctx, query, id, errMsg)
}

func (l *PostgresLedger) Requeue(ctx context.Context, id string) error {
	query := `
		UPDATE upload_tasks
		SET status = 'pending',
		    error_message = NULL
		WHERE task_id = $1 AND status = 'failed' AND retry_count < max_retries
	`

	return l.guardedExec(ctx, query, id)
}

func (l *PostgresLedger) Cancel(ctx context.Context, id string) error {
	query := `
		UPDATE upload_tasks
		SET status = 'cancelled',
		    completed_at = NOW()
		WHERE task_id = $1 AND status = 'pending'
	`

	return l.guardedExec(ctx, query, id)
}

func (l *PostgresLedger) ResetStaleUploading(ctx context.Context) (int, error) {
	query := `
		UPDATE upload_tasks
		SET status = 'failed',
		    retry_count = retry_count + 1,
		    error_message = 'upload interrupted by shutdown',
		    last_attempt_at = NOW()
		WHERE status = 'uploading'
	`

	result, err := l.db.ExecContext(ctx, query)
	if err != nil {
		return 0, err
	}

	swept, err := result.RowsAffected()
	return int(swept), err
}

func (l *PostgresLedger) Stats(ctx context.Context) (*Stats, error) {
	query := `
		SELECT status,
		       retry_count >= max_retries AS exhausted,
		       COUNT(*)
		FROM upload_tasks
		GROUP BY status, exhausted
	`

	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	stats := &Stats{}
	for rows.Next() {
		var status string
		var exhausted bool
		var count int
		if err := rows.Scan(&status, &exhausted, &count); err != nil {
			return nil, err
		}

		switch task.Status(status) {
		case task.StatusPending:
			stats.Pending += count
		case task.StatusUploading:
			stats.Uploading += count
		case task.StatusSuccess:
			stats.Success += count
		case task.StatusFailed:
			if exhausted {
				stats.PermanentlyFailed += count
			} else {
				stats.Failed += count
			}
		case task.StatusCancelled:
			stats.Cancelled += count
		}
	}

	return stats, rows.Err()
}

func (l *PostgresLedger) CleanupOld(ctx context.Context, olderThan time.Time) (int, error) {
	query := `
		DELETE FROM upload_tasks
		WHERE status = 'success' AND completed_at < $1
	`

	result, err := l.db.ExecContext(ctx, query, olderThan)
	if err != nil {
		return 0, err
	}

	deleted, err := result.RowsAffected()
	return int(deleted), err
}

func (l *PostgresLedger) DB() *sql.DB {
	return l.db
}

func (l *PostgresLedger) Close() error {
	return l.db.Close()
}

// guardedExec runs a status transition that must match exactly one row in
// the expected prior status. Zero matched rows means the transition is not
// legal from the task's current status.
func (l *PostgresLedger) guardedExec(ctx context.Context, query string, args ...any) error {
	result, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInvalidTransition
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var batchID, errorMessage, serverID sql.NullString
	var lastAttemptAt, completedAt sql.NullTime

	err := row.Scan(
		&t.ID,
		&t.ArtifactID,
		&t.Label,
		&batchID,
		&t.Status,
		&t.Priority,
		&t.RetryCount,
		&t.MaxRetries,
		&errorMessage,
		&serverID,
		&t.CreatedAt,
		&lastAttemptAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if batchID.Valid {
		t.BatchID = batchID.String
	}
	if errorMessage.Valid {
		t.ErrorMessage = errorMessage.String
	}
	if serverID.Valid {
		t.ServerID = serverID.String
	}
	if lastAttemptAt.Valid {
		t.LastAttemptAt = &lastAttemptAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}

	return &t, nil
}

func (l *PostgresLedger) queryTasks(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}
