package ledger

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgekit/modelsync/internal/task"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresLedger) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	l := &PostgresLedger{db: db}
	return db, mock, l
}

func taskRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"task_id", "artifact_id", "label", "batch_id", "status", "priority",
		"retry_count", "max_retries", "error_message", "server_id",
		"created_at", "last_attempt_at", "completed_at",
	})
}

func TestNewPostgresLedger(t *testing.T) {
	t.Run("successful connection", func(t *testing.T) {
		t.Skip("Integration test - requires real database")
	})

	t.Run("connection failure", func(t *testing.T) {
		_, err := NewPostgresLedger("invalid connection string")
		assert.Error(t, err)
	})
}

func TestInsert(t *testing.T) {
	db, mock, l := setupMockDB(t)
	defer func() { _ = db.Close() }()

	tsk := task.New("img-001", "Cat", task.PriorityNormal)
	tsk.BatchID = "batch-1"

	mock.ExpectExec("INSERT INTO upload_tasks").
		WithArgs(
			tsk.ID, "img-001", "Cat", "batch-1", "pending", 5,
			0, 3, tsk.CreatedAt,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := l.Insert(context.Background(), tsk)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet(t *testing.T) {
	db, mock, l := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	now := time.Now()
	attempt := now.Add(time.Minute)
	done := now.Add(2 * time.Minute)

	t.Run("successful retrieval", func(t *testing.T) {
		rows := taskRows().AddRow(
			"task-123", "img-001", "Cat", "batch-1", "success", 5,
			1, 3, nil, "srv-101",
			now, attempt, done,
		)

		mock.ExpectQuery("SELECT.*FROM upload_tasks WHERE task_id").
			WithArgs("task-123").
			WillReturnRows(rows)

		result, err := l.Get(ctx, "task-123")
		require.NoError(t, err)
		assert.Equal(t, "task-123", result.ID)
		assert.Equal(t, "img-001", result.ArtifactID)
		assert.Equal(t, task.StatusSuccess, result.Status)
		assert.Equal(t, "srv-101", result.ServerID)
		assert.NotNil(t, result.LastAttemptAt)
		assert.NotNil(t, result.CompletedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("task not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT.*FROM upload_tasks WHERE task_id").
			WithArgs("nonexistent").
			WillReturnError(sql.ErrNoRows)

		_, err := l.Get(ctx, "nonexistent")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestActiveForArtifact(t *testing.T) {
	db, mock, l := setupMockDB(t)
	defer func() { _ = db.Close() }()

	t.Run("active task exists", func(t *testing.T) {
		rows := taskRows().AddRow(
			"task-123", "img-001", "Cat", nil, "pending", 5,
			0, 3, nil, nil,
			time.Now(), nil, nil,
		)

		mock.ExpectQuery("SELECT.*FROM upload_tasks.*WHERE artifact_id").
			WithArgs("img-001").
			WillReturnRows(rows)

		result, err := l.ActiveForArtifact(context.Background(), "img-001")
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.Equal(t, "task-123", result.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no active task", func(t *testing.T) {
		mock.ExpectQuery("SELECT.*FROM upload_tasks.*WHERE artifact_id").
			WithArgs("img-002").
			WillReturnError(sql.ErrNoRows)

		result, err := l.ActiveForArtifact(context.Background(), "img-002")
		require.NoError(t, err)
		assert.Nil(t, result)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPending_Ordering(t *testing.T) {
	db, mock, l := setupMockDB(t)
	defer func() { _ = db.Close() }()

	now := time.Now()
	rows := taskRows().
		AddRow("task-1", "img-1", "Cat", nil, "pending", 10, 0, 3, nil, nil, now, nil, nil).
		AddRow("task-2", "img-2", "Dog", nil, "pending", 5, 0, 3, nil, nil, now, nil, nil)

	mock.ExpectQuery("SELECT.*FROM upload_tasks.*status = 'pending'.*ORDER BY priority DESC, created_at ASC").
		WillReturnRows(rows)

	tasks, err := l.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "task-1", tasks[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetriableFailed_Ordering(t *testing.T) {
	db, mock, l := setupMockDB(t)
	defer func() { _ = db.Close() }()

	now := time.Now()
	rows := taskRows().
		AddRow("task-1", "img-1", "Cat", nil, "failed", 5, 1, 3, "timeout", nil, now, now, nil)

	mock.ExpectQuery("SELECT.*FROM upload_tasks.*retry_count < max_retries.*make_interval.*ORDER BY last_attempt_at ASC").
		WithArgs(RetryBackoffStep.Seconds()).
		WillReturnRows(rows)

	tasks, err := l.RetriableFailed(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 1, tasks[0].RetryCount)
	assert.Equal(t, "timeout", tasks[0].ErrorMessage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkUploading(t *testing.T) {
	db, mock, l := setupMockDB(t)
	defer func() { _ = db.Close() }()

	t.Run("pending task", func(t *testing.T) {
		mock.ExpectExec("UPDATE upload_tasks.*SET status = 'uploading'").
			WithArgs("task-123").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := l.MarkUploading(context.Background(), "task-123")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("task not pending", func(t *testing.T) {
		mock.ExpectExec("UPDATE upload_tasks.*SET status = 'uploading'").
			WithArgs("task-123").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := l.MarkUploading(context.Background(), "task-123")
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMarkSuccess(t *testing.T) {
	db, mock, l := setupMockDB(t)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("UPDATE upload_tasks.*SET status = 'success'").
		WithArgs("task-123", "srv-101").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := l.MarkSuccess(context.Background(), "task-123", "srv-101")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailed(t *testing.T) {
	db, mock, l := setupMockDB(t)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("UPDATE upload_tasks.*retry_count = retry_count \\+ 1").
		WithArgs("task-123", "connection refused").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := l.MarkFailed(context.Background(), "task-123", "connection refused")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeue_RespectsRetryCeiling(t *testing.T) {
	db, mock, l := setupMockDB(t)
	defer func() { _ = db.Close() }()

	// The WHERE clause excludes tasks at the ceiling; zero affected rows
	// surfaces as an invalid transition.
	mock.ExpectExec("UPDATE upload_tasks.*retry_count < max_retries").
		WithArgs("task-123").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := l.Requeue(context.Background(), "task-123")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancel(t *testing.T) {
	db, mock, l := setupMockDB(t)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("UPDATE upload_tasks.*SET status = 'cancelled'").
		WithArgs("task-123").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := l.Cancel(context.Background(), "task-123")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetStaleUploading(t *testing.T) {
	db, mock, l := setupMockDB(t)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("UPDATE upload_tasks.*WHERE status = 'uploading'").
		WillReturnResult(sqlmock.NewResult(0, 2))

	swept, err := l.ResetStaleUploading(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, swept)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStats(t *testing.T) {
	db, mock, l := setupMockDB(t)
	defer func() { _ = db.Close() }()

	rows := sqlmock.NewRows([]string{"status", "exhausted", "count"}).
		AddRow("pending", false, 4).
		AddRow("uploading", false, 1).
		AddRow("success", false, 10).
		AddRow("failed", false, 2).
		AddRow("failed", true, 1).
		AddRow("cancelled", false, 3)

	mock.ExpectQuery("SELECT status.*GROUP BY status, exhausted").
		WillReturnRows(rows)

	stats, err := l.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Pending)
	assert.Equal(t, 1, stats.Uploading)
	assert.Equal(t, 10, stats.Success)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 1, stats.PermanentlyFailed)
	assert.Equal(t, 3, stats.Cancelled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupOld(t *testing.T) {
	db, mock, l := setupMockDB(t)
	defer func() { _ = db.Close() }()

	cutoff := time.Now().Add(-30 * 24 * time.Hour)

	mock.ExpectExec("DELETE FROM upload_tasks.*status = 'success'").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	deleted, err := l.CleanupOld(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 7, deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}
