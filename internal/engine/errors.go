package engine

import "errors"

// Engine errors that can be checked with errors.Is(). Pool exhaustion,
// token mismatches, and store corruption surface from the ledger package;
// incomplete renders surface from the render package.
var (
	// ErrInvalidHardwareAddr is returned when a sighting carries a value
	// that does not parse as a 6-byte hardware address.
	ErrInvalidHardwareAddr = errors.New("invalid hardware address")

	// ErrUnknownAddress is returned when a config request references an
	// address with no active installing entry.
	ErrUnknownAddress = errors.New("no active assignment for address")

	// ErrSyncFailed is returned when the external projection could not be
	// applied after bounded retries. The ledger remains correct; the
	// projection is eventually consistent.
	ErrSyncFailed = errors.New("projection sync failed")
)
