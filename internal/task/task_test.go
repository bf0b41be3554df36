package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTask(t *testing.T) {
	tsk := New("img-001", "Cat", PriorityNormal)

	assert.NotEmpty(t, tsk.ID)
	assert.Equal(t, "img-001", tsk.ArtifactID)
	assert.Equal(t, "Cat", tsk.Label)
	assert.Equal(t, StatusPending, tsk.Status)
	assert.Equal(t, PriorityNormal, tsk.Priority)
	assert.Equal(t, 0, tsk.RetryCount)
	assert.Equal(t, DefaultMaxRetries, tsk.MaxRetries)
	assert.False(t, tsk.CreatedAt.IsZero())
	assert.Nil(t, tsk.LastAttemptAt)
	assert.Nil(t, tsk.CompletedAt)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusPending, StatusUploading, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusSuccess, false},
		{StatusUploading, StatusSuccess, true},
		{StatusUploading, StatusFailed, true},
		{StatusUploading, StatusCancelled, false},
		{StatusFailed, StatusPending, true},
		{StatusFailed, StatusUploading, false},
		{StatusSuccess, StatusPending, false},
		{StatusCancelled, StatusPending, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestRetriable(t *testing.T) {
	tsk := New("img-001", "Cat", PriorityNormal)
	assert.False(t, tsk.Retriable())

	tsk.Status = StatusFailed
	tsk.RetryCount = 1
	assert.True(t, tsk.Retriable())

	tsk.RetryCount = tsk.MaxRetries
	assert.False(t, tsk.Retriable())
}

func TestTerminal(t *testing.T) {
	tsk := New("img-001", "Cat", PriorityNormal)
	assert.False(t, tsk.Terminal())
	assert.True(t, tsk.Active())

	tsk.Status = StatusUploading
	assert.False(t, tsk.Terminal())

	tsk.Status = StatusFailed
	tsk.RetryCount = 1
	assert.False(t, tsk.Terminal())
	assert.True(t, tsk.Active())

	tsk.RetryCount = tsk.MaxRetries
	assert.True(t, tsk.Terminal())
	assert.False(t, tsk.Active())

	tsk.Status = StatusSuccess
	assert.True(t, tsk.Terminal())

	tsk.Status = StatusCancelled
	assert.True(t, tsk.Terminal())
}
