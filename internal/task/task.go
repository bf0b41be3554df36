// Package task defines the upload task domain model shared by the ledger and
// the upload queue manager. It contains status and priority definitions, the
// allowed status transition table, and retry budget helpers.
package task

import (
	"time"

	"github.com/google/uuid"
)

type (
	Status   string
	Priority int
)

type Task struct {
	ID            string     `json:"id"`
	ArtifactID    string     `json:"artifact_id"`
	Label         string     `json:"label"`
	BatchID       string     `json:"batch_id,omitempty"`
	Status        Status     `json:"status"`
	Priority      Priority   `json:"priority"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	ServerID      string     `json:"server_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

const DefaultMaxRetries = 3

// transitions is the closed set of allowed status moves. FAILED -> PENDING is
// only legal while the retry budget is not exhausted; Retriable guards that.
var transitions = map[Status][]Status{
	StatusPending:   {StatusUploading, StatusCancelled},
	StatusUploading: {StatusSuccess, StatusFailed},
	StatusFailed:    {StatusPending},
	StatusSuccess:   {},
	StatusCancelled: {},
}

func New(artifactID, label string, priority Priority) *Task {
	return &Task{
		ID:         uuid.New().String(),
		ArtifactID: artifactID,
		Label:      label,
		Status:     StatusPending,
		Priority:   priority,
		MaxRetries: DefaultMaxRetries,
		RetryCount: 0,
		CreatedAt:  time.Now(),
	}
}

func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}

	return false
}

// Retriable reports whether a failed task may still be re-queued.
func (t *Task) Retriable() bool {
	return t.Status == StatusFailed && t.RetryCount < t.MaxRetries
}

// Terminal reports whether no further automatic transition can occur:
// SUCCESS, CANCELLED, or FAILED with the retry budget exhausted.
func (t *Task) Terminal() bool {
	switch t.Status {
	case StatusSuccess, StatusCancelled:
		return true
	case StatusFailed:
		return t.RetryCount >= t.MaxRetries
	default:
		return false
	}
}

// Active reports whether the task still occupies its artifact's upload slot.
// An artifact may have at most one active task at a time.
func (t *Task) Active() bool {
	return !t.Terminal()
}
