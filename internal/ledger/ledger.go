// Package ledger provides the durable record store for upload tasks. It is
// the single source of truth for task status: every transition is an atomic,
// guarded update, and readers only ever see consistent snapshots.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/edgekit/modelsync/internal/task"
)

// RetryBackoffStep is the per-attempt retry delay: a task that has failed n
// times becomes retriable n*RetryBackoffStep after its last attempt.
const RetryBackoffStep = 10 * time.Second

var (
	ErrNotFound = errors.New("task not found")

	// ErrInvalidTransition is returned when a guarded status update matches
	// no row, meaning the task was not in the expected prior status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Stats are the on-demand aggregate counts over the ledger. Failed counts
// only retriable failures; PermanentlyFailed counts tasks at the retry
// ceiling, surfaced distinctly.
type Stats struct {
	Pending           int `json:"pending"`
	Uploading         int `json:"uploading"`
	Success           int `json:"success"`
	Failed            int `json:"failed"`
	PermanentlyFailed int `json:"permanently_failed"`
	Cancelled         int `json:"cancelled"`
}

type Ledger interface {
	Insert(ctx context.Context, t *task.Task) error
	Get(ctx context.Context, id string) (*task.Task, error)

	// ActiveForArtifact returns the artifact's non-terminal task, or nil.
	ActiveForArtifact(ctx context.Context, artifactID string) (*task.Task, error)

	// Pending returns PENDING tasks ordered by priority descending, then
	// creation time ascending (FIFO tie-break).
	Pending(ctx context.Context) ([]*task.Task, error)

	// RetriableFailed returns FAILED tasks below the retry ceiling whose
	// backoff window has elapsed, oldest failures first.
	RetriableFailed(ctx context.Context) ([]*task.Task, error)

	// Active returns all PENDING, UPLOADING, and FAILED tasks for observers.
	Active(ctx context.Context) ([]*task.Task, error)

	MarkUploading(ctx context.Context, id string) error
	MarkSuccess(ctx context.Context, id, serverID string) error

	// MarkFailed records the error, stamps the attempt, and increments the
	// retry count.
	MarkFailed(ctx context.Context, id, errMsg string) error

	// Requeue moves a retriable FAILED task back to PENDING.
	Requeue(ctx context.Context, id string) error

	// Cancel moves a PENDING task to CANCELLED.
	Cancel(ctx context.Context, id string) error

	// ResetStaleUploading fails every task stuck in UPLOADING, for the
	// startup sweep after a crash mid-batch. Returns the number swept.
	ResetStaleUploading(ctx context.Context) (int, error)

	Stats(ctx context.Context) (*Stats, error)

	// CleanupOld deletes SUCCESS rows completed before the cutoff. Rows in
	// any other status are never touched regardless of age.
	CleanupOld(ctx context.Context, olderThan time.Time) (int, error)

	Close() error
}
