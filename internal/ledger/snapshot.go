package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pacorain/homelab/lakitu/internal/domain"
)

// schemaVersion is the snapshot document schema this build reads and writes.
// Loading any other version is fatal at startup.
const schemaVersion = 1

// snapshotDoc is the on-disk layout: the whole ledger and pool as a single
// structured document.
type snapshotDoc struct {
	SchemaVersion int                          `json:"schema_version"`
	Pool          []domain.Identity            `json:"pool"`
	Assignments   map[string]domain.Assignment `json:"assignments"`
}

// persistLocked writes the snapshot with write-temp-then-rename semantics so
// a crash mid-write never leaves a half-written state file. Callers hold the
// write lock; the write completes before any mutation returns success.
func (s *Store) persistLocked() error {
	doc := snapshotDoc{
		SchemaVersion: schemaVersion,
		Pool:          s.pool,
		Assignments:   make(map[string]domain.Assignment, len(s.assignments)),
	}
	if doc.Pool == nil {
		doc.Pool = []domain.Identity{}
	}
	for mac, a := range s.assignments {
		doc.Assignments[mac] = *a
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".lakitu-state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// load reads and validates the snapshot file. Returns false if no snapshot
// exists yet. Validation failures are never silently repaired.
func (s *Store) load() (bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read state file %s: %w", s.path, err)
	}

	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrStoreCorrupt, s.path, err)
	}
	if doc.SchemaVersion != schemaVersion {
		return false, fmt.Errorf("%w: %s declares version %d, this build understands %d",
			ErrUnsupportedSchema, s.path, doc.SchemaVersion, schemaVersion)
	}
	if err := validateDoc(&doc); err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrStoreCorrupt, s.path, err)
	}

	s.pool = doc.Pool
	s.assignments = make(map[string]*domain.Assignment, len(doc.Assignments))
	for mac, a := range doc.Assignments {
		entry := a
		s.assignments[mac] = &entry
	}
	return true, nil
}

// validateDoc enforces the ledger invariants on a loaded document: canonical
// keys, valid states, identities present and unique, and no identity both
// bound and still in the pool.
func validateDoc(doc *snapshotDoc) error {
	seenAddr := make(map[string]string)
	seenLabel := make(map[string]string)

	for mac, a := range doc.Assignments {
		canonical, err := domain.CanonicalMAC(mac)
		if err != nil {
			return err
		}
		if canonical != mac {
			return fmt.Errorf("non-canonical ledger key %q", mac)
		}
		if a.HardwareAddr != mac {
			return fmt.Errorf("ledger key %q does not match entry hardware address %q", mac, a.HardwareAddr)
		}
		if !a.State.Valid() {
			return fmt.Errorf("entry %s has invalid state %q", mac, a.State)
		}
		if a.Identity.Address == "" || a.Identity.Label == "" {
			return fmt.Errorf("entry %s has no bound identity", mac)
		}
		if other, ok := seenAddr[a.Identity.Address]; ok {
			return fmt.Errorf("identity address %s bound to both %s and %s", a.Identity.Address, other, mac)
		}
		if other, ok := seenLabel[a.Identity.Label]; ok {
			return fmt.Errorf("identity label %s bound to both %s and %s", a.Identity.Label, other, mac)
		}
		seenAddr[a.Identity.Address] = mac
		seenLabel[a.Identity.Label] = mac
	}

	for _, id := range doc.Pool {
		if mac, ok := seenAddr[id.Address]; ok {
			return fmt.Errorf("identity address %s is both in the pool and bound to %s", id.Address, mac)
		}
		if mac, ok := seenLabel[id.Label]; ok {
			return fmt.Errorf("identity label %s is both in the pool and bound to %s", id.Label, mac)
		}
	}

	return nil
}
