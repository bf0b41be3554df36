// Package updater implements the model version manager: update checks and
// the download -> verify -> install -> hot-swap pipeline with automatic
// rollback. At every observable point the active artifact is either the
// previous fully working version or the new fully verified one.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/edgekit/modelsync/internal/alert"
	"github.com/edgekit/modelsync/internal/metrics"
	"github.com/edgekit/modelsync/internal/remote"
	"github.com/edgekit/modelsync/internal/store"
)

var (
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrNoUsableModel is the single non-recoverable condition: the new
	// model failed to load and rolling back to the backup failed too.
	ErrNoUsableModel = errors.New("no usable model available")
)

// VersionStore is the persisted current-version record. The preference
// store satisfies it.
type VersionStore interface {
	ModelVersion() (string, error)
	SetModelVersion(version string) error
}

type Manager struct {
	client *remote.Client
	store  *store.Store
	prefs  VersionStore
	reload Reloader
	alerts alert.Notifier

	// mu serializes installs and rollbacks: the active slot is a single
	// register and cannot be validly written by two pipelines at once.
	mu sync.Mutex
}

func NewManager(client *remote.Client, st *store.Store, prefs VersionStore, reload Reloader, alerts alert.Notifier) *Manager {
	return &Manager{
		client: client,
		store:  st,
		prefs:  prefs,
		reload: reload,
		alerts: alerts,
	}
}

// CurrentVersion returns the persisted installed version, "" on first run.
func (m *Manager) CurrentVersion() (string, error) {
	return m.prefs.ModelVersion()
}

// CheckForUpdates asks the server whether a newer model exists, passing the
// installed version as a comparison hint. Returns nil when up to date. No
// local state changes on failure; callers treat an error as "try later".
func (m *Manager) CheckForUpdates(ctx context.Context) (*remote.ModelDescriptor, error) {
	current, err := m.prefs.ModelVersion()
	if err != nil {
		return nil, err
	}

	desc, err := m.client.CheckLatest(ctx, current)
	if err != nil {
		metrics.RecordModelCheck("error")
		return nil, err
	}

	if desc == nil {
		metrics.RecordModelCheck("up_to_date")
		return nil, nil
	}

	metrics.RecordModelCheck("update_available")
	return desc, nil
}

// DownloadAndInstall runs the full update pipeline for a descriptor. Byte
// progress is delivered through progress when non-nil; a slow receiver
// drops events rather than stalling the download. On a hot-swap failure the
// previous model is restored automatically and the persisted version is
// left unchanged.
func (m *Manager) DownloadAndInstall(ctx context.Context, desc *remote.ModelDescriptor, progress chan<- remote.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Phase 1: stream the binary to a staging file. Nothing persisted has
	// changed yet, so any failure here is safe to retry.
	staged, err := m.store.Stage()
	if err != nil {
		return err
	}
	tmpPath := staged.Name()

	start := time.Now()
	_, err = m.client.Download(ctx, desc.Version, staged, func(p remote.Progress) {
		if progress == nil {
			return
		}
		select {
		case progress <- p:
		default:
		}
	})
	if closeErr := staged.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		m.store.Discard(tmpPath)
		metrics.RecordModelDownload("failed", 0)
		return fmt.Errorf("download of %s aborted: %w", desc.Version, err)
	}
	metrics.RecordModelDownload("success", time.Since(start))

	// Phase 2: verify integrity. A mismatch discards the staging file and
	// leaves the active artifact untouched.
	if err := verifyFile(tmpPath, desc.Checksum); err != nil {
		m.store.Discard(tmpPath)
		metrics.RecordModelInstall("checksum_mismatch")
		return err
	}

	// Phase 3: move the verified artifact into the inactive slot. The
	// previous model keeps its own slot as the backup.
	slot, err := m.store.InstallInactive(tmpPath, desc.Version)
	if err != nil {
		m.store.Discard(tmpPath)
		metrics.RecordModelInstall("failed")
		return fmt.Errorf("install of %s failed: %w", desc.Version, err)
	}

	// Phase 4: atomic pointer flip.
	if err := m.store.Activate(slot); err != nil {
		metrics.RecordModelInstall("failed")
		return fmt.Errorf("failed to activate %s: %w", desc.Version, err)
	}

	// Phase 5: hot-swap, rolling back on failure. Only after a successful
	// reload is the new version persisted.
	if err := m.reload.Reload(ctx, m.store.SlotPath(slot)); err != nil {
		log.Printf("Hot-swap of %s failed, rolling back: %v", desc.Version, err)
		metrics.RecordModelInstall("failed")
		if rbErr := m.rollbackLocked(ctx); rbErr != nil {
			if errors.Is(rbErr, store.ErrNoBackup) {
				return m.fatal(fmt.Errorf("%w: hot-swap of %s failed and no backup exists: %v", ErrNoUsableModel, desc.Version, err))
			}
			return rbErr
		}
		return fmt.Errorf("hot-swap of %s failed, previous model restored: %w", desc.Version, err)
	}

	if err := m.prefs.SetModelVersion(desc.Version); err != nil {
		return fmt.Errorf("failed to persist version %s: %w", desc.Version, err)
	}

	metrics.RecordModelInstall("success")
	log.Printf("Model %s installed and active", desc.Version)
	return nil
}

// Rollback is the manual recovery path: reinstate the backup slot and
// reload. It fails if the device has never been updated.
func (m *Manager) Rollback(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.rollbackLocked(ctx)
}

func (m *Manager) rollbackLocked(ctx context.Context) error {
	version, err := m.store.RollbackToBackup()
	if err != nil {
		if !errors.Is(err, store.ErrNoBackup) {
			metrics.RecordModelRollback("failed")
		}
		return err
	}

	path, _, _, err := m.store.Active()
	if err != nil {
		metrics.RecordModelRollback("failed")
		return err
	}

	if err := m.reload.Reload(ctx, path); err != nil {
		// The backup does not load either. Flip back to the slot we came
		// from and give it one more chance before declaring the device
		// modelless.
		if _, flipErr := m.store.RollbackToBackup(); flipErr == nil {
			if p, _, _, aErr := m.store.Active(); aErr == nil {
				if m.reload.Reload(ctx, p) == nil {
					metrics.RecordModelRollback("failed")
					return fmt.Errorf("backup model %s failed to load: %w", version, err)
				}
			}
		}
		return m.fatal(fmt.Errorf("%w: backup %s failed to load: %v", ErrNoUsableModel, version, err))
	}

	if err := m.prefs.SetModelVersion(version); err != nil {
		return err
	}

	metrics.RecordModelRollback("success")
	log.Printf("Rolled back to model %s", version)
	return nil
}

// fatal surfaces the no-known-good-model state as loudly as possible.
func (m *Manager) fatal(err error) error {
	metrics.RecordModelRollback("fatal")
	log.Printf("FATAL: %v", err)
	if m.alerts != nil {
		if alertErr := m.alerts.Notify("modelsync: no usable model", err.Error()); alertErr != nil {
			log.Printf("Failed to deliver fatal alert: %v", alertErr)
		}
	}

	return err
}
