// Package journal keeps an append-only sqlite record of every allocation
// decision, completion, sync failure, and reset. Diagnostics only: the
// journal is never consulted when deciding an allocation.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeFormat is RFC 3339 with all nine fractional digits kept, so the
// stored strings sort lexicographically in chronological order and
// `ORDER BY at` is truly time-ordered.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// EventType classifies journal entries.
type EventType string

const (
	EventReserve      EventType = "reserve"
	EventIgnore       EventType = "ignore"
	EventConfigServed EventType = "config_served"
	EventProvisioned  EventType = "provisioned"
	EventFailed       EventType = "failed"
	EventAnomaly      EventType = "anomaly"
	EventSyncFailed   EventType = "sync_failed"
	EventReset        EventType = "reset"
)

// Event is a single journal entry.
type Event struct {
	ID           string    `json:"id"`
	At           time.Time `json:"at"`
	Type         EventType `json:"type"`
	HardwareAddr string    `json:"hardware_addr,omitempty"`
	Address      string    `json:"address,omitempty"`
	Label        string    `json:"label,omitempty"`
	Detail       string    `json:"detail,omitempty"`
}

// Recorder appends events to the journal.
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// Repository defines journal operations for recording and operator queries
type Repository interface {
	Recorder
	FindAll(ctx context.Context, limit int) ([]Event, error)
	FindByHardwareAddr(ctx context.Context, hardwareAddr string, limit int) ([]Event, error)
}

// repositoryImpl implements Repository
type repositoryImpl struct {
	db *sql.DB
}

// NewRepository creates a new event repository
func NewRepository(db *sql.DB) Repository {
	return &repositoryImpl{db: db}
}

// Record appends an event. ID and timestamp are filled in when absent.
func (r *repositoryImpl) Record(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	query := `
		INSERT INTO events (id, at, event_type, hardware_addr, address, label, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.At.Format(timeFormat), string(e.Type), e.HardwareAddr, e.Address, e.Label, e.Detail)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// FindAll returns the most recent events, newest first.
func (r *repositoryImpl) FindAll(ctx context.Context, limit int) ([]Event, error) {
	query := `
		SELECT id, at, event_type, hardware_addr, address, label, detail
		FROM events
		ORDER BY at DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to find events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// FindByHardwareAddr returns the most recent events for one machine.
func (r *repositoryImpl) FindByHardwareAddr(ctx context.Context, hardwareAddr string, limit int) ([]Event, error) {
	query := `
		SELECT id, at, event_type, hardware_addr, address, label, detail
		FROM events
		WHERE hardware_addr = ?
		ORDER BY at DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, hardwareAddr, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to find events for %s: %w", hardwareAddr, err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	// non-nil so an empty result serializes as [] rather than null
	events := []Event{}
	for rows.Next() {
		var e Event
		var at string
		var eventType string
		if err := rows.Scan(&e.ID, &at, &eventType, &e.HardwareAddr, &e.Address, &e.Label, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp %q: %w", at, err)
		}
		e.At = parsed
		e.Type = EventType(eventType)
		events = append(events, e)
	}
	return events, rows.Err()
}
