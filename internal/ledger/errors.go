package ledger

import "errors"

// Ledger errors that can be checked with errors.Is()
var (
	// ErrPoolExhausted is returned when an allocation is requested and no
	// identities remain in the pool. Operational: add capacity or reset.
	ErrPoolExhausted = errors.New("identity pool exhausted")

	// ErrNotFound is returned when no ledger entry matches a lookup.
	ErrNotFound = errors.New("assignment not found")

	// ErrTokenMismatch is returned when a completion carries a token that
	// does not match the one issued with the assignment.
	ErrTokenMismatch = errors.New("completion token mismatch")

	// ErrStoreCorrupt is returned when the persisted state fails validation
	// on load. Fatal at startup; never auto-repaired.
	ErrStoreCorrupt = errors.New("state store corrupt")

	// ErrUnsupportedSchema is returned when the persisted state declares a
	// schema version this build does not understand.
	ErrUnsupportedSchema = errors.New("unsupported state schema version")
)
