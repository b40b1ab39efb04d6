// Package secrets resolves secret material for installer configs. Values are
// either literals or op:// references fetched through the 1Password CLI.
// Nothing here is ever written to the ledger.
package secrets

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Resolver resolves a secret reference to its value.
type Resolver interface {
	Resolve(ref string) (string, error)
}

// OpResolver resolves op://vault/item/field references by shelling out to
// the 1Password CLI (`op read`). Literal values pass through untouched.
// Resolved references are cached for the life of the process.
type OpResolver struct {
	mu    sync.Mutex
	cache map[string]string

	// read runs the actual lookup; replaced in tests.
	read func(ref string) (string, error)
}

// NewOpResolver returns a resolver backed by the op CLI.
func NewOpResolver() *OpResolver {
	return &OpResolver{
		cache: make(map[string]string),
		read:  opRead,
	}
}

// Resolve returns the value for ref. Non-op:// values are returned as-is.
func (r *OpResolver) Resolve(ref string) (string, error) {
	if !strings.HasPrefix(ref, "op://") {
		return ref, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.cache[ref]; ok {
		return v, nil
	}
	v, err := r.read(ref)
	if err != nil {
		return "", err
	}
	r.cache[ref] = v
	return v, nil
}

func opRead(ref string) (string, error) {
	out, err := exec.Command("op", "read", ref).Output()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("1Password CLI (op) not found; install it to resolve %s", ref)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("failed to read 1Password reference %q: %s", ref, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("failed to read 1Password reference %q: %w", ref, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Static resolves op:// references from a fixed map; literals pass through.
// Used in tests and in setups that keep secrets directly in the config file.
type Static map[string]string

// Resolve implements Resolver.
func (s Static) Resolve(ref string) (string, error) {
	if !strings.HasPrefix(ref, "op://") {
		return ref, nil
	}
	v, ok := s[ref]
	if !ok {
		return "", fmt.Errorf("unknown secret reference %q", ref)
	}
	return v, nil
}
