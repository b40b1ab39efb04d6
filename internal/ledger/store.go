// Package ledger owns the assignment ledger and the identity pool: the
// single mutable store behind every allocation decision. All mutations run
// under one write lock and are persisted to the snapshot file before they
// return, so a restart never replays a pool draw.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pacorain/homelab/lakitu/internal/domain"
)

// Store holds the ledger and pool in memory with a durable JSON snapshot.
// The lock domain is the whole store: the state is tens of entries, so
// coarse locking wins over lock-ordering complexity.
type Store struct {
	mu   sync.RWMutex
	path string

	pool        []domain.Identity
	assignments map[string]*domain.Assignment

	// seed is the configured pool, used to refill on reset.
	seed []domain.Identity

	now func() time.Time
}

// Open loads the snapshot at path, or initializes a fresh store seeded with
// the configured pool if no snapshot exists yet. A snapshot that fails
// validation or declares an unknown schema version is a fatal error.
func Open(path string, seed []domain.Identity) (*Store, error) {
	s := &Store{
		path:        path,
		assignments: make(map[string]*domain.Assignment),
		seed:        append([]domain.Identity(nil), seed...),
		now:         time.Now,
	}

	loaded, err := s.load()
	if err != nil {
		return nil, err
	}
	if !loaded {
		s.pool = append([]domain.Identity(nil), seed...)
		if err := s.persistLocked(); err != nil {
			return nil, fmt.Errorf("failed to write initial snapshot: %w", err)
		}
	}

	return s, nil
}

// Allocate is the pop-and-bind step for a hardware address sighting. It is a
// single critical section: concurrent sightings of distinct addresses never
// receive the same identity, and concurrent sightings of the same address
// produce exactly one entry.
//
// Semantics by current state:
//   - terminal entry: returned unchanged (caller maps this to Ignore)
//   - installing entry: attempt count incremented, same identity returned
//   - no entry: pool head popped and bound, or ErrPoolExhausted
func (s *Store) Allocate(hardwareAddr string) (domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.assignments[hardwareAddr]; ok {
		if a.State.Terminal() {
			return *a, nil
		}
		a.AttemptCount++
		if err := s.persistLocked(); err != nil {
			a.AttemptCount--
			return domain.Assignment{}, err
		}
		return *a, nil
	}

	if len(s.pool) == 0 {
		return domain.Assignment{}, ErrPoolExhausted
	}

	identity := s.pool[0]
	a := &domain.Assignment{
		HardwareAddr:    hardwareAddr,
		State:           domain.StateInstalling,
		Identity:        identity,
		CompletionToken: uuid.NewString(),
		AssignedAt:      s.now().UTC(),
		AttemptCount:    1,
	}

	s.pool = s.pool[1:]
	s.assignments[hardwareAddr] = a
	if err := s.persistLocked(); err != nil {
		// All-or-nothing: undo the draw so memory matches disk.
		s.pool = append([]domain.Identity{identity}, s.pool...)
		delete(s.assignments, hardwareAddr)
		return domain.Assignment{}, err
	}

	return *a, nil
}

// Complete transitions the entry whose bound identity matches address into a
// terminal state. Idempotent: completing an already-terminal entry returns
// it unchanged. If token is non-empty it must match the token issued with
// the assignment.
func (s *Store) Complete(address string, failed bool, token string) (domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.findByAddressLocked(address)
	if a == nil {
		return domain.Assignment{}, ErrNotFound
	}
	if token != "" && token != a.CompletionToken {
		return domain.Assignment{}, fmt.Errorf("%w for %s", ErrTokenMismatch, address)
	}
	if a.State.Terminal() {
		return *a, nil
	}

	prevState := a.State
	completedAt := s.now().UTC()
	a.State = domain.StateProvisioned
	if failed {
		a.State = domain.StateFailed
	}
	a.CompletedAt = &completedAt
	if err := s.persistLocked(); err != nil {
		a.State = prevState
		a.CompletedAt = nil
		return domain.Assignment{}, err
	}

	return *a, nil
}

// Touch finds the installing entry bound to address and increments its
// attempt count. Used when the renderer serves an installer config.
func (s *Store) Touch(address string) (domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.findByAddressLocked(address)
	if a == nil || a.State != domain.StateInstalling {
		return domain.Assignment{}, ErrNotFound
	}

	a.AttemptCount++
	if err := s.persistLocked(); err != nil {
		a.AttemptCount--
		return domain.Assignment{}, err
	}
	return *a, nil
}

// Get returns the entry for a hardware address, or ErrNotFound.
func (s *Store) Get(hardwareAddr string) (domain.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assignments[hardwareAddr]
	if !ok {
		return domain.Assignment{}, ErrNotFound
	}
	return *a, nil
}

// Reset clears the ledger and refills the pool from the configured seed.
// Destructive and irreversible for in-flight installs.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevPool, prevAssignments := s.pool, s.assignments
	s.pool = append([]domain.Identity(nil), s.seed...)
	s.assignments = make(map[string]*domain.Assignment)
	if err := s.persistLocked(); err != nil {
		s.pool, s.assignments = prevPool, prevAssignments
		return err
	}
	return nil
}

// Snapshot returns a consistent copy of the whole store for status queries
// and projection rendering. Assignments are sorted by hardware address.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		SchemaVersion: schemaVersion,
		Pool:          append([]domain.Identity(nil), s.pool...),
	}
	for _, a := range s.assignments {
		snap.Assignments = append(snap.Assignments, *a)
	}
	sort.Slice(snap.Assignments, func(i, j int) bool {
		return snap.Assignments[i].HardwareAddr < snap.Assignments[j].HardwareAddr
	})
	return snap
}

// PoolRemaining returns how many identities are left to draw.
func (s *Store) PoolRemaining() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pool)
}

// findByAddressLocked is the reverse lookup by bound identity address. The
// completing installer knows only its own address, not its MAC.
func (s *Store) findByAddressLocked(address string) *domain.Assignment {
	for _, a := range s.assignments {
		if a.Identity.Address == address {
			return a
		}
	}
	return nil
}

// Snapshot is a point-in-time copy of the ledger and pool.
type Snapshot struct {
	SchemaVersion int                 `json:"schema_version"`
	Pool          []domain.Identity   `json:"pool"`
	Assignments   []domain.Assignment `json:"assignments"`
}
