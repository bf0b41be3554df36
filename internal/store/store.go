// Package store implements the on-disk artifact store for the installed
// model: two named slot files plus a persisted pointer naming the active
// slot. Installs write the inactive slot and flip the pointer, so the file
// behind the active pointer is always a fully written artifact and the
// previous version survives as the backup until the next install overwrites
// its slot.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	SlotA = "a"
	SlotB = "b"
)

var ErrNoBackup = errors.New("no backup artifact available")

// Pointer is the durable record of which slot is active and what version
// each slot holds. The preference store satisfies it.
type Pointer interface {
	ActiveSlot() (string, error)
	SetActiveSlot(slot string) error
	SlotVersion(slot string) (string, error)
	SetSlotVersion(slot, version string) error
}

type Store struct {
	dir string
	ptr Pointer
}

func New(dir string, ptr Pointer) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	return &Store{dir: dir, ptr: ptr}, nil
}

func (s *Store) SlotPath(slot string) string {
	return filepath.Join(s.dir, "model_"+slot+".bin")
}

// Active returns the path and version of the artifact the inference host
// should load. ok is false before the first install.
func (s *Store) Active() (path, version string, ok bool, err error) {
	slot, err := s.ptr.ActiveSlot()
	if err != nil || slot == "" {
		return "", "", false, err
	}

	return s.slotState(slot)
}

// Backup returns the path and version of the previous artifact, preserved in
// the inactive slot. ok is false if the device has never been updated.
func (s *Store) Backup() (path, version string, ok bool, err error) {
	slot, err := s.ptr.ActiveSlot()
	if err != nil || slot == "" {
		return "", "", false, err
	}

	return s.slotState(other(slot))
}

func (s *Store) slotState(slot string) (string, string, bool, error) {
	path := s.SlotPath(slot)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", "", false, nil
		}
		return "", "", false, err
	}

	version, err := s.ptr.SlotVersion(slot)
	if err != nil {
		return "", "", false, err
	}

	return path, version, true, nil
}

// Stage creates a temporary file in the store directory for an in-flight
// download. It lives on the same filesystem as the slots so the later
// rename is atomic.
func (s *Store) Stage() (*os.File, error) {
	f, err := os.CreateTemp(s.dir, "download-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}

	return f, nil
}

// Discard removes a staged file, ignoring errors. Safe to call after a
// failed or abandoned download.
func (s *Store) Discard(path string) {
	_ = os.Remove(path)
}

// InstallInactive moves a fully written, verified staging file into the
// inactive slot and records its version. The active slot and pointer are
// untouched; the new artifact is not visible until Activate.
func (s *Store) InstallInactive(tmpPath, version string) (string, error) {
	active, err := s.ptr.ActiveSlot()
	if err != nil {
		return "", err
	}

	slot := SlotA
	if active != "" {
		slot = other(active)
	}

	if err := syncFile(tmpPath); err != nil {
		return "", fmt.Errorf("failed to sync staged artifact: %w", err)
	}
	if err := os.Rename(tmpPath, s.SlotPath(slot)); err != nil {
		return "", fmt.Errorf("failed to install artifact into slot %s: %w", slot, err)
	}
	if err := s.ptr.SetSlotVersion(slot, version); err != nil {
		return "", err
	}

	return slot, nil
}

// Activate flips the persisted pointer to the given slot. This is the single
// atomic step of an install or rollback.
func (s *Store) Activate(slot string) error {
	if slot != SlotA && slot != SlotB {
		return fmt.Errorf("unknown slot %q", slot)
	}

	return s.ptr.SetActiveSlot(slot)
}

// RollbackToBackup flips the pointer back to the inactive slot. It returns
// the restored version, or ErrNoBackup when the inactive slot is empty.
func (s *Store) RollbackToBackup() (string, error) {
	active, err := s.ptr.ActiveSlot()
	if err != nil {
		return "", err
	}
	if active == "" {
		return "", ErrNoBackup
	}

	_, version, ok, err := s.slotState(other(active))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNoBackup
	}

	if err := s.ptr.SetActiveSlot(other(active)); err != nil {
		return "", err
	}

	return version, nil
}

func other(slot string) string {
	if slot == SlotA {
		return SlotB
	}

	return SlotA
}

func syncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}
