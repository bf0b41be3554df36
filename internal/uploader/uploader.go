// Package uploader implements the upload queue manager: idempotent queuing,
// batched multipart submission, retry accounting against the ledger, and the
// push-based observer stream for UI binding.
package uploader

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/edgekit/modelsync/internal/ledger"
	"github.com/edgekit/modelsync/internal/metrics"
	"github.com/edgekit/modelsync/internal/remote"
	"github.com/edgekit/modelsync/internal/task"
	"github.com/edgekit/modelsync/internal/watch"
)

// DefaultBatchSize bounds per-request payload size and memory.
const DefaultBatchSize = 10

// Submitter sends one batch of labeled images in a single request. The
// remote client satisfies it.
type Submitter interface {
	UploadBatch(ctx context.Context, items []remote.UploadItem, batchID string) (*remote.UploadResult, error)
}

// Artifact is a locally produced image payload, already compressed by the
// producing layer.
type Artifact struct {
	Filename string
	Data     []byte
}

// Source resolves an artifact id to its byte payload.
type Source interface {
	Load(ctx context.Context, artifactID string) (*Artifact, error)
}

type BatchResult struct {
	SuccessCount int `json:"success_count"`
	FailedCount  int `json:"failed_count"`
}

// Progress is an item-level event: tasks completed so far out of the total
// in this run. Distinct from the byte-level progress of model downloads.
type Progress struct {
	Completed int
	Total     int
}

type Manager struct {
	ledger    ledger.Ledger
	submitter Submitter
	source    Source
	batchSize int
	watchers  *watch.Broadcaster
}

func NewManager(l ledger.Ledger, submitter Submitter, source Source) *Manager {
	return &Manager{
		ledger:    l,
		submitter: submitter,
		source:    source,
		batchSize: DefaultBatchSize,
		watchers:  watch.NewBroadcaster(),
	}
}

func (m *Manager) SetBatchSize(n int) {
	if n > 0 {
		m.batchSize = n
	}
}

// Queue inserts a PENDING task for an artifact. Queuing is idempotent: if
// the artifact already has a non-terminal task, that task is returned and
// no duplicate is created.
func (m *Manager) Queue(ctx context.Context, artifactID, label string, priority task.Priority) (*task.Task, error) {
	existing, err := m.ledger.ActiveForArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	t := task.New(artifactID, label, priority)
	if err := m.ledger.Insert(ctx, t); err != nil {
		return nil, err
	}

	metrics.RecordTaskQueued()
	m.notify(ctx)
	return t, nil
}

// QueueBatch queues sibling artifacts under a shared batch id. Artifacts
// with an existing non-terminal task are skipped.
func (m *Manager) QueueBatch(ctx context.Context, artifactIDs, labels []string, batchID string, priority task.Priority) ([]*task.Task, error) {
	if len(artifactIDs) != len(labels) {
		return nil, fmt.Errorf("got %d artifacts but %d labels", len(artifactIDs), len(labels))
	}
	if batchID == "" {
		batchID = uuid.New().String()
	}

	var queued []*task.Task
	for i, artifactID := range artifactIDs {
		existing, err := m.ledger.ActiveForArtifact(ctx, artifactID)
		if err != nil {
			return queued, err
		}
		if existing != nil {
			continue
		}

		t := task.New(artifactID, labels[i], priority)
		t.BatchID = batchID
		if err := m.ledger.Insert(ctx, t); err != nil {
			return queued, err
		}

		metrics.RecordTaskQueued()
		queued = append(queued, t)
	}

	m.notify(ctx)
	return queued, nil
}

// ProcessPending uploads all PENDING tasks in priority order, grouped into
// fixed-size batches of one multipart request each. progress receives an
// event after each completed item when non-nil.
func (m *Manager) ProcessPending(ctx context.Context, progress chan<- Progress) (*BatchResult, error) {
	tasks, err := m.ledger.Pending(ctx)
	if err != nil {
		return nil, err
	}

	return m.process(ctx, tasks, progress), nil
}

// RetryFailed re-queues every FAILED task still below its retry ceiling,
// oldest failure first, and runs the upload pipeline over them. Tasks at
// the ceiling are left untouched.
func (m *Manager) RetryFailed(ctx context.Context, progress chan<- Progress) (*BatchResult, error) {
	failed, err := m.ledger.RetriableFailed(ctx)
	if err != nil {
		return nil, err
	}

	var requeued []*task.Task
	for _, t := range failed {
		if err := m.ledger.Requeue(ctx, t.ID); err != nil {
			log.Printf("Failed to requeue task %s: %v", t.ID, err)
			continue
		}
		metrics.RecordTaskRetried()
		requeued = append(requeued, t)
	}
	m.notify(ctx)

	return m.process(ctx, requeued, progress), nil
}

func (m *Manager) process(ctx context.Context, tasks []*task.Task, progress chan<- Progress) *BatchResult {
	result := &BatchResult{}

	// Claim the whole run before the first event: observers see UPLOADING
	// immediately, and the progress total is fixed up front. A task that
	// slipped out of PENDING (e.g. cancelled) is dropped from the run.
	claimed := tasks[:0]
	for _, t := range tasks {
		if err := m.ledger.MarkUploading(ctx, t.ID); err != nil {
			log.Printf("Skipping task %s: %v", t.ID, err)
			continue
		}
		claimed = append(claimed, t)
	}
	if len(tasks) > 0 {
		m.notify(ctx)
	}

	run := &progressRun{ch: progress, total: len(claimed)}
	for start := 0; start < len(claimed); start += m.batchSize {
		batch := claimed[start:min(start+m.batchSize, len(claimed))]
		m.processBatch(ctx, batch, result, run)
	}

	return result
}

func (m *Manager) processBatch(ctx context.Context, batch []*task.Task, result *BatchResult, run *progressRun) {
	// Resolve payloads. An unreadable artifact fails its task without
	// consuming the rest of the batch.
	var submitted []*task.Task
	var items []remote.UploadItem
	for _, t := range batch {
		artifact, err := m.source.Load(ctx, t.ArtifactID)
		if err != nil {
			m.failTask(ctx, t.ID, fmt.Sprintf("artifact unavailable: %v", err), result, run)
			continue
		}
		submitted = append(submitted, t)
		items = append(items, remote.UploadItem{
			Filename: artifact.Filename,
			Label:    t.Label,
			Data:     artifact.Data,
		})
	}
	if len(submitted) == 0 {
		m.notify(ctx)
		return
	}

	start := time.Now()
	res, err := m.submitter.UploadBatch(ctx, items, sharedBatchID(submitted))
	metrics.RecordBatchDuration(time.Since(start))

	if err != nil {
		// Batch-level transport failure: nothing was acknowledged, every
		// task in the batch counts one attempt.
		for _, t := range submitted {
			m.failTask(ctx, t.ID, err.Error(), result, run)
		}
		m.notify(ctx)
		return
	}

	failedIdx := res.FailedIndexes()
	nextImageID := 0
	for idx, t := range submitted {
		if msg, rejected := failedIdx[idx]; rejected {
			m.failTask(ctx, t.ID, msg, result, run)
			continue
		}

		serverID := ""
		if nextImageID < len(res.ImageIDs) {
			serverID = res.ImageIDs[nextImageID]
			nextImageID++
		}

		if err := m.ledger.MarkSuccess(ctx, t.ID, serverID); err != nil {
			log.Printf("Failed to record success for task %s: %v", t.ID, err)
		}
		metrics.RecordTaskCompleted("success")
		result.SuccessCount++
		run.step()
	}
	m.notify(ctx)
}

func (m *Manager) failTask(ctx context.Context, id, msg string, result *BatchResult, run *progressRun) {
	if err := m.ledger.MarkFailed(ctx, id, msg); err != nil {
		log.Printf("Failed to record failure for task %s: %v", id, err)
	}
	metrics.RecordTaskCompleted("failed")
	result.FailedCount++
	run.step()
}

// sharedBatchID returns the batch id stored on the tasks when they all
// agree, otherwise a fresh id for this request.
func sharedBatchID(tasks []*task.Task) string {
	id := tasks[0].BatchID
	for _, t := range tasks[1:] {
		if t.BatchID != id {
			return uuid.New().String()
		}
	}
	if id == "" {
		return uuid.New().String()
	}

	return id
}

// Get returns a single task by id.
func (m *Manager) Get(ctx context.Context, id string) (*task.Task, error) {
	return m.ledger.Get(ctx, id)
}

// ActiveTasks returns every PENDING, UPLOADING, and FAILED task.
func (m *Manager) ActiveTasks(ctx context.Context) ([]*task.Task, error) {
	return m.ledger.Active(ctx)
}

// Cancel moves a PENDING task to CANCELLED. Tasks already claimed by an
// upload run cannot be cancelled.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	if err := m.ledger.Cancel(ctx, id); err != nil {
		return err
	}

	m.notify(ctx)
	return nil
}

// ReconcileStale is the startup sweep: a crash mid-batch leaves tasks in
// UPLOADING, which would otherwise be stuck forever. Each swept task counts
// one attempt against its retry budget.
func (m *Manager) ReconcileStale(ctx context.Context) (int, error) {
	swept, err := m.ledger.ResetStaleUploading(ctx)
	if err != nil {
		return 0, err
	}

	if swept > 0 {
		log.Printf("Reset %d stale uploading task(s) to failed", swept)
		m.notify(ctx)
	}

	return swept, nil
}

// Stats recomputes the aggregate counts from the ledger.
func (m *Manager) Stats(ctx context.Context) (*ledger.Stats, error) {
	stats, err := m.ledger.Stats(ctx)
	if err != nil {
		return nil, err
	}

	metrics.UpdateTaskGauges(map[string]int{
		string(task.StatusPending):   stats.Pending,
		string(task.StatusUploading): stats.Uploading,
		string(task.StatusSuccess):   stats.Success,
		string(task.StatusFailed):    stats.Failed + stats.PermanentlyFailed,
		string(task.StatusCancelled): stats.Cancelled,
	})

	return stats, nil
}

// CleanupOld deletes SUCCESS rows completed before the cutoff.
func (m *Manager) CleanupOld(ctx context.Context, olderThan time.Time) (int, error) {
	deleted, err := m.ledger.CleanupOld(ctx, olderThan)
	if err != nil {
		return 0, err
	}

	if deleted > 0 {
		log.Printf("Cleaned up %d completed upload task(s)", deleted)
	}

	return deleted, nil
}

// Observe subscribes to snapshots of all PENDING, UPLOADING, and FAILED
// tasks, re-emitted on every ledger mutation.
func (m *Manager) Observe(buffer int) (<-chan []*task.Task, func()) {
	return m.watchers.Subscribe(buffer)
}

func (m *Manager) notify(ctx context.Context) {
	if m.watchers.SubscriberCount() == 0 {
		return
	}

	snapshot, err := m.ledger.Active(ctx)
	if err != nil {
		log.Printf("Failed to snapshot active tasks: %v", err)
		return
	}

	m.watchers.Publish(snapshot)
}

type progressRun struct {
	ch        chan<- Progress
	completed int
	total     int
}

func (r *progressRun) step() {
	r.completed++
	if r.ch == nil {
		return
	}

	select {
	case r.ch <- Progress{Completed: r.completed, Total: r.total}:
	default:
	}
}
