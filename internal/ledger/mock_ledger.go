package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/edgekit/modelsync/internal/task"
)

// MockLedger is an in-memory Ledger for tests. It mirrors the guarded
// transition semantics of the Postgres implementation and supports error
// injection per operation.
type MockLedger struct {
	mu    sync.Mutex
	tasks map[string]*task.Task

	InsertError        error
	GetError           error
	PendingError       error
	MarkUploadingError error
	MarkSuccessError   error
	MarkFailedError    error
	StatsError         error
}

func NewMockLedger() *MockLedger {
	return &MockLedger{tasks: make(map[string]*task.Task)}
}

func (m *MockLedger) Insert(_ context.Context, t *task.Task) error {
	if m.InsertError != nil {
		return m.InsertError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *t
	m.tasks[t.ID] = &clone
	return nil
}

func (m *MockLedger) Get(_ context.Context, id string) (*task.Task, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}

	clone := *t
	return &clone, nil
}

func (m *MockLedger) ActiveForArtifact(_ context.Context, artifactID string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tasks {
		if t.ArtifactID == artifactID && t.Active() {
			clone := *t
			return &clone, nil
		}
	}

	return nil, nil
}

func (m *MockLedger) Pending(_ context.Context) ([]*task.Task, error) {
	if m.PendingError != nil {
		return nil, m.PendingError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var tasks []*task.Task
	for _, t := range m.tasks {
		if t.Status == task.StatusPending {
			clone := *t
			tasks = append(tasks, &clone)
		}
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	return tasks, nil
}

func (m *MockLedger) RetriableFailed(_ context.Context) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var tasks []*task.Task
	for _, t := range m.tasks {
		if !t.Retriable() {
			continue
		}
		if t.LastAttemptAt != nil {
			eligible := t.LastAttemptAt.Add(time.Duration(t.RetryCount) * RetryBackoffStep)
			if now.Before(eligible) {
				continue
			}
		}
		clone := *t
		tasks = append(tasks, &clone)
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		li, lj := tasks[i].LastAttemptAt, tasks[j].LastAttemptAt
		switch {
		case li == nil:
			return true
		case lj == nil:
			return false
		default:
			return li.Before(*lj)
		}
	})

	return tasks, nil
}

func (m *MockLedger) Active(_ context.Context) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tasks []*task.Task
	for _, t := range m.tasks {
		switch t.Status {
		case task.StatusPending, task.StatusUploading, task.StatusFailed:
			clone := *t
			tasks = append(tasks, &clone)
		}
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	return tasks, nil
}

func (m *MockLedger) MarkUploading(_ context.Context, id string) error {
	if m.MarkUploadingError != nil {
		return m.MarkUploadingError
	}

	return m.transition(id, task.StatusPending, func(t *task.Task) {
		t.Status = task.StatusUploading
		now := time.Now()
		t.LastAttemptAt = &now
	})
}

func (m *MockLedger) MarkSuccess(_ context.Context, id, serverID string) error {
	if m.MarkSuccessError != nil {
		return m.MarkSuccessError
	}

	return m.transition(id, task.StatusUploading, func(t *task.Task) {
		t.Status = task.StatusSuccess
		t.ServerID = serverID
		t.ErrorMessage = ""
		now := time.Now()
		t.CompletedAt = &now
	})
}

func (m *MockLedger) MarkFailed(_ context.Context, id, errMsg string) error {
	if m.MarkFailedError != nil {
		return m.MarkFailedError
	}

	return m.transition(id, task.StatusUploading, func(t *task.Task) {
		t.Status = task.StatusFailed
		t.RetryCount++
		t.ErrorMessage = errMsg
		now := time.Now()
		t.LastAttemptAt = &now
	})
}

// SetLastAttempt rewrites a task's attempt timestamp, letting tests move a
// task in or out of its backoff window.
func (m *MockLedger) SetLastAttempt(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tasks[id]; ok {
		t.LastAttemptAt = &at
	}
}

func (m *MockLedger) Requeue(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if !t.Retriable() {
		return ErrInvalidTransition
	}

	t.Status = task.StatusPending
	t.ErrorMessage = ""
	return nil
}

func (m *MockLedger) Cancel(_ context.Context, id string) error {
	return m.transition(id, task.StatusPending, func(t *task.Task) {
		t.Status = task.StatusCancelled
		now := time.Now()
		t.CompletedAt = &now
	})
}

func (m *MockLedger) ResetStaleUploading(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	swept := 0
	now := time.Now()
	for _, t := range m.tasks {
		if t.Status == task.StatusUploading {
			t.Status = task.StatusFailed
			t.RetryCount++
			t.ErrorMessage = "upload interrupted by shutdown"
			t.LastAttemptAt = &now
			swept++
		}
	}

	return swept, nil
}

func (m *MockLedger) Stats(_ context.Context) (*Stats, error) {
	if m.StatsError != nil {
		return nil, m.StatsError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &Stats{}
	for _, t := range m.tasks {
		switch t.Status {
		case task.StatusPending:
			stats.Pending++
		case task.StatusUploading:
			stats.Uploading++
		case task.StatusSuccess:
			stats.Success++
		case task.StatusFailed:
			if t.RetryCount >= t.MaxRetries {
				stats.PermanentlyFailed++
			} else {
				stats.Failed++
			}
		case task.StatusCancelled:
			stats.Cancelled++
		}
	}

	return stats, nil
}

func (m *MockLedger) CleanupOld(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for id, t := range m.tasks {
		if t.Status == task.StatusSuccess && t.CompletedAt != nil && t.CompletedAt.Before(olderThan) {
			delete(m.tasks, id)
			deleted++
		}
	}

	return deleted, nil
}

func (m *MockLedger) Close() error {
	return nil
}

func (m *MockLedger) transition(id string, from task.Status, apply func(*task.Task)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != from {
		return ErrInvalidTransition
	}

	apply(t)
	return nil
}
