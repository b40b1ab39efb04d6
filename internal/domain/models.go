package domain

import (
	"fmt"
	"net"
	"time"
)

// State is the lifecycle state of an assignment. The zero value (no entry in
// the ledger) means the hardware address has never been seen.
type State string

const (
	StateInstalling  State = "installing"  // identity bound, install in progress
	StateProvisioned State = "provisioned" // install reported success
	StateFailed      State = "failed"      // install reported failure
)

// Valid reports whether s is one of the known lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StateInstalling, StateProvisioned, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal state. Terminal entries never
// draw from the pool again and project as ignored to the DHCP server.
func (s State) Terminal() bool {
	return s == StateProvisioned || s == StateFailed
}

// Identity is a (network address, label) pair drawn from the pool. Immutable
// once bound to a hardware address.
type Identity struct {
	Address string `json:"address" yaml:"address"` // IPv4 address, e.g. "10.11.0.2"
	Label   string `json:"label" yaml:"label"`     // hostname-ish label, e.g. "peach"
}

// Assignment is a ledger entry: one hardware address, its lifecycle state,
// and the identity bound to it.
type Assignment struct {
	HardwareAddr    string     `json:"hardware_addr"`          // canonical MAC, ledger key
	State           State      `json:"state"`                  // lifecycle state
	Identity        Identity   `json:"identity"`               // bound identity, set on transition into installing
	CompletionToken string     `json:"completion_token"`       // opaque token embedded in the rendered config
	AssignedAt      time.Time  `json:"assigned_at"`            // when the identity was bound
	CompletedAt     *time.Time `json:"completed_at,omitempty"` // when a terminal state was reached
	AttemptCount    int        `json:"attempt_count"`          // installer-config requests served, diagnostics only
}

// CanonicalMAC parses a hardware address and returns it in canonical form:
// lowercase, colon-separated, six bytes. Anything else is rejected.
func CanonicalMAC(s string) (string, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return "", fmt.Errorf("invalid hardware address %q: %w", s, err)
	}
	if len(hw) != 6 {
		return "", fmt.Errorf("invalid hardware address %q: want 6 bytes, got %d", s, len(hw))
	}
	return hw.String(), nil
}
