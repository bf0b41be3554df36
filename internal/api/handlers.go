// Package api exposes the control surface of the sync core over HTTP: upload
// queue management and model version operations.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/edgekit/modelsync/internal/httputil"
	"github.com/edgekit/modelsync/internal/ledger"
	"github.com/edgekit/modelsync/internal/remote"
	"github.com/edgekit/modelsync/internal/store"
	"github.com/edgekit/modelsync/internal/task"
	"github.com/edgekit/modelsync/internal/updater"
	"github.com/edgekit/modelsync/internal/uploader"
)

// ModelManager is the model version surface the API drives. The updater
// satisfies it.
type ModelManager interface {
	CurrentVersion() (string, error)
	CheckForUpdates(ctx context.Context) (*remote.ModelDescriptor, error)
	DownloadAndInstall(ctx context.Context, desc *remote.ModelDescriptor, progress chan<- remote.Progress) error
	Rollback(ctx context.Context) error
}

type API struct {
	uploads *uploader.Manager
	model   ModelManager
	mux     *http.ServeMux
}

type QueueRequest struct {
	ArtifactID string         `json:"artifact_id"`
	Label      string         `json:"label"`
	Priority   *task.Priority `json:"priority"`
}

type QueueBatchRequest struct {
	ArtifactIDs []string       `json:"artifact_ids"`
	Labels      []string       `json:"labels"`
	BatchID     string         `json:"batch_id"`
	Priority    *task.Priority `json:"priority"`
}

type CleanupRequest struct {
	OlderThanHours *int `json:"older_than_hours"`
}

const defaultCleanupAge = 7 * 24 * time.Hour

func NewAPI(uploads *uploader.Manager, model ModelManager) *API {
	api := &API{
		uploads: uploads,
		model:   model,
		mux:     http.NewServeMux(),
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("/api/uploads", a.handleUploads)
	a.mux.HandleFunc("/api/uploads/batch", a.handleQueueBatch)
	a.mux.HandleFunc("/api/uploads/process", a.handleProcess)
	a.mux.HandleFunc("/api/uploads/retry", a.handleRetry)
	a.mux.HandleFunc("/api/uploads/cleanup", a.handleCleanup)
	a.mux.HandleFunc("/api/uploads/stats", a.handleStats)
	a.mux.HandleFunc("/api/uploads/", a.handleUploadByID)

	a.mux.HandleFunc("/api/model", a.handleModel)
	a.mux.HandleFunc("/api/model/check", a.handleModelCheck)
	a.mux.HandleFunc("/api/model/update", a.handleModelUpdate)
	a.mux.HandleFunc("/api/model/rollback", a.handleModelRollback)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

func (a *API) handleUploads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.queueUpload(w, r)
	case http.MethodGet:
		a.listActive(w, r)
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) queueUpload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	defer func() {
		if err := r.Body.Close(); err != nil {
			log.Printf("failed to close request body: %v", err)
		}
	}()

	var req QueueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.ArtifactID == "" {
		httputil.WriteJSONError(w, "Artifact ID is required", http.StatusBadRequest)
		return
	}
	if req.Label == "" {
		httputil.WriteJSONError(w, "Label is required", http.StatusBadRequest)
		return
	}

	priority := task.PriorityNormal
	if req.Priority != nil {
		priority = *req.Priority
	}

	queued, err := a.uploads.Queue(r.Context(), req.ArtifactID, req.Label, priority)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, queued, http.StatusCreated)
}

func (a *API) listActive(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.uploads.ActiveTasks(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}

	httputil.WriteJSON(w, tasks, http.StatusOK)
}

func (a *API) handleQueueBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req QueueBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if len(req.ArtifactIDs) == 0 {
		httputil.WriteJSONError(w, "At least one artifact ID is required", http.StatusBadRequest)
		return
	}

	priority := task.PriorityNormal
	if req.Priority != nil {
		priority = *req.Priority
	}

	queued, err := a.uploads.QueueBatch(r.Context(), req.ArtifactIDs, req.Labels, req.BatchID, priority)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if queued == nil {
		queued = []*task.Task{}
	}

	httputil.WriteJSON(w, queued, http.StatusCreated)
}

func (a *API) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result, err := a.uploads.ProcessPending(r.Context(), nil)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, result, http.StatusOK)
}

func (a *API) handleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result, err := a.uploads.RetryFailed(r.Context(), nil)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, result, http.StatusOK)
}

func (a *API) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	age := defaultCleanupAge
	if len(bytes.TrimSpace(body)) > 0 {
		var req CleanupRequest
		if err := json.Unmarshal(body, &req); err != nil {
			httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if req.OlderThanHours != nil {
			if *req.OlderThanHours <= 0 {
				httputil.WriteJSONError(w, "older_than_hours must be positive", http.StatusBadRequest)
				return
			}
			age = time.Duration(*req.OlderThanHours) * time.Hour
		}
	}

	deleted, err := a.uploads.CleanupOld(r.Context(), time.Now().Add(-age))
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, map[string]int{"deleted": deleted}, http.StatusOK)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := a.uploads.Stats(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, stats, http.StatusOK)
}

func (a *API) handleUploadByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/uploads/")
	if id == "" || strings.Contains(id, "/") {
		httputil.WriteJSONError(w, "Task ID is required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		queued, err := a.uploads.Get(r.Context(), id)
		if err != nil {
			httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
			return
		}
		httputil.WriteJSON(w, queued, http.StatusOK)
	case http.MethodDelete:
		switch err := a.uploads.Cancel(r.Context(), id); {
		case err == nil:
			httputil.WriteJSON(w, map[string]string{
				"message": "Task cancelled successfully",
				"task_id": id,
			}, http.StatusOK)
		case errors.Is(err, ledger.ErrNotFound):
			httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
		case errors.Is(err, ledger.ErrInvalidTransition):
			httputil.WriteJSONError(w, "Task is not pending", http.StatusConflict)
		default:
			httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		}
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) handleModel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	version, err := a.model.CurrentVersion()
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, map[string]string{"version": version}, http.StatusOK)
}

func (a *API) handleModelCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	desc, err := a.model.CheckForUpdates(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadGateway)
		return
	}

	if desc == nil {
		httputil.WriteJSON(w, map[string]bool{"update_available": false}, http.StatusOK)
		return
	}

	httputil.WriteJSON(w, desc, http.StatusOK)
}

func (a *API) handleModelUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	desc, err := a.model.CheckForUpdates(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadGateway)
		return
	}
	if desc == nil {
		httputil.WriteJSON(w, map[string]string{"message": "Model already up to date"}, http.StatusOK)
		return
	}

	if err := a.model.DownloadAndInstall(r.Context(), desc, nil); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, updater.ErrChecksumMismatch) {
			status = http.StatusBadGateway
		}
		httputil.WriteJSONError(w, err.Error(), status)
		return
	}

	httputil.WriteJSON(w, map[string]string{
		"message": "Model updated successfully",
		"version": desc.Version,
	}, http.StatusOK)
}

func (a *API) handleModelRollback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := a.model.Rollback(r.Context()); err != nil {
		if errors.Is(err, store.ErrNoBackup) {
			httputil.WriteJSONError(w, "No backup model to roll back to", http.StatusConflict)
			return
		}
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	version, err := a.model.CurrentVersion()
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, map[string]string{
		"message": "Rolled back to previous model",
		"version": version,
	}, http.StatusOK)
}
