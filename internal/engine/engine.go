// Package engine is the provisioning coordinator: the single owning service
// object behind every sighting, config request, and completion. It decides
// against the ledger, then projects the result to the external DHCP server.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pacorain/homelab/lakitu/internal/domain"
	"github.com/pacorain/homelab/lakitu/internal/journal"
	"github.com/pacorain/homelab/lakitu/internal/ledger"
	"github.com/pacorain/homelab/lakitu/internal/retry"
)

// Synchronizer projects a ledger snapshot into the external DHCP server's
// view. Implementations must be safe to call repeatedly with the same
// snapshot.
type Synchronizer interface {
	Sync(ctx context.Context, snap ledger.Snapshot) error
}

// Renderer produces the installer configuration document for an assignment.
type Renderer interface {
	Render(a domain.Assignment) (string, error)
}

// SyncOptions bounds the projection retry loop.
type SyncOptions struct {
	Retries      int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Action is the outcome of a sighting decision.
type Action string

const (
	// ActionReserve tells the DHCP server to answer this hardware address
	// with the bound identity.
	ActionReserve Action = "reserve"
	// ActionIgnore tells the DHCP server to stay silent, forcing the
	// machine to fall back to local boot media.
	ActionIgnore Action = "ignore"
)

// Decision is the engine's answer to a hardware address sighting.
type Decision struct {
	Action   Action          `json:"action"`
	Identity domain.Identity `json:"identity"`
	Attempts int             `json:"attempts"`
	// Synced is false when the decision is durable in the ledger but the
	// external projection could not be applied; callers should retry the
	// synchronization.
	Synced bool `json:"synced"`
}

// CompletionResult is the engine's answer to a completion notification.
type CompletionResult struct {
	Acknowledged bool         `json:"acknowledged"`
	Known        bool         `json:"known"`
	State        domain.State `json:"state,omitempty"`
}

// Engine coordinates the ledger, renderer, synchronizer, and journal.
type Engine struct {
	store    *ledger.Store
	renderer Renderer
	sync     Synchronizer
	recorder journal.Recorder // nil disables journalling
	logger   *slog.Logger
	syncOpts SyncOptions

	// syncMu serializes projection syncs. The snapshot is taken while
	// holding it, so a later sync always applies a later ledger state and
	// an older snapshot can never overwrite a newer projection.
	syncMu sync.Mutex
}

// New wires up a coordinator. recorder may be nil.
func New(store *ledger.Store, renderer Renderer, sync Synchronizer, recorder journal.Recorder, logger *slog.Logger, syncOpts SyncOptions) *Engine {
	if syncOpts.Retries <= 0 {
		syncOpts.Retries = 3
	}
	if syncOpts.InitialDelay <= 0 {
		syncOpts.InitialDelay = 500 * time.Millisecond
	}
	if syncOpts.MaxDelay <= 0 {
		syncOpts.MaxDelay = 10 * time.Second
	}
	return &Engine{
		store:    store,
		renderer: renderer,
		sync:     sync,
		recorder: recorder,
		logger:   logger,
		syncOpts: syncOpts,
	}
}

// Decide answers a hardware address sighting. Known terminal entries get
// Ignore; installing entries get the same identity again; unknown addresses
// draw from the pool. The projection is refreshed before returning so the
// DHCP server's view is never stale relative to an acknowledged decision.
func (e *Engine) Decide(ctx context.Context, rawAddr string) (Decision, error) {
	mac, err := domain.CanonicalMAC(rawAddr)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrInvalidHardwareAddr, err)
	}

	a, err := e.store.Allocate(mac)
	if err != nil {
		if errors.Is(err, ledger.ErrPoolExhausted) {
			e.logger.Error("identity pool exhausted; add capacity or reset", "hardware_addr", mac)
			e.record(ctx, journal.Event{Type: journal.EventAnomaly, HardwareAddr: mac, Detail: "pool exhausted"})
		}
		return Decision{}, err
	}

	d := Decision{
		Action:   ActionReserve,
		Identity: a.Identity,
		Attempts: a.AttemptCount,
	}
	eventType := journal.EventReserve
	if a.State.Terminal() {
		d.Action = ActionIgnore
		eventType = journal.EventIgnore
	}

	e.record(ctx, journal.Event{
		Type:         eventType,
		HardwareAddr: mac,
		Address:      a.Identity.Address,
		Label:        a.Identity.Label,
	})
	e.logger.Info("sighting decided",
		"hardware_addr", mac, "action", string(d.Action),
		"address", a.Identity.Address, "label", a.Identity.Label, "attempts", a.AttemptCount)

	d.Synced = e.syncNow(ctx)
	return d, nil
}

// Render serves the installer configuration for a bound network address and
// counts the attempt. A broken render is never served.
func (e *Engine) Render(ctx context.Context, address string) (string, error) {
	a, err := e.store.Touch(address)
	if err != nil {
		e.logger.Warn("config requested for address with no active assignment", "address", address)
		return "", fmt.Errorf("%w: %s", ErrUnknownAddress, address)
	}

	doc, err := e.renderer.Render(a)
	if err != nil {
		e.logger.Error("config render failed", "address", address, "hardware_addr", a.HardwareAddr, "error", err)
		return "", err
	}

	e.record(ctx, journal.Event{
		Type:         journal.EventConfigServed,
		HardwareAddr: a.HardwareAddr,
		Address:      a.Identity.Address,
		Label:        a.Identity.Label,
	})
	return doc, nil
}

// Complete handles an installer's completion notification, keyed by the
// bound network address. Idempotent: duplicate deliveries acknowledge
// without mutation. A completion with no matching entry is an anomaly, not
// an error back to the installer, which has already finished regardless.
func (e *Engine) Complete(ctx context.Context, address string, failed bool, token string) (CompletionResult, error) {
	a, err := e.store.Complete(address, failed, token)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			e.logger.Warn("completion for unknown address", "address", address)
			e.record(ctx, journal.Event{Type: journal.EventAnomaly, Address: address, Detail: "completion for unknown address"})
			return CompletionResult{Acknowledged: true, Known: false}, nil
		}
		return CompletionResult{}, err
	}

	eventType := journal.EventProvisioned
	if a.State == domain.StateFailed {
		eventType = journal.EventFailed
	}
	e.record(ctx, journal.Event{
		Type:         eventType,
		HardwareAddr: a.HardwareAddr,
		Address:      a.Identity.Address,
		Label:        a.Identity.Label,
	})
	e.logger.Info("completion recorded",
		"hardware_addr", a.HardwareAddr, "address", address, "state", string(a.State))

	e.syncNow(ctx)
	return CompletionResult{Acknowledged: true, Known: true, State: a.State}, nil
}

// Status returns the full ledger and remaining pool.
func (e *Engine) Status() ledger.Snapshot {
	return e.store.Snapshot()
}

// Reset clears the ledger, refills the pool, and re-projects. Destructive;
// callers gate it behind explicit confirmation.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.store.Reset(); err != nil {
		return err
	}
	e.record(ctx, journal.Event{Type: journal.EventReset, Detail: "ledger cleared, pool refilled"})
	e.logger.Warn("administrative reset applied")
	e.syncNow(ctx)
	return nil
}

// Resync forces a re-projection, for recovering from degraded mode.
func (e *Engine) Resync(ctx context.Context) error {
	if !e.syncNow(ctx) {
		return ErrSyncFailed
	}
	return nil
}

// syncNow projects the current ledger outside any store critical section,
// with bounded backoff. Failure degrades but never un-decides: the ledger
// mutation is already durable.
func (e *Engine) syncNow(ctx context.Context) bool {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	snap := e.store.Snapshot()
	err := retry.Do(ctx, func() error {
		return e.sync.Sync(ctx, snap)
	},
		retry.WithMaxRetries(e.syncOpts.Retries),
		retry.WithInitialDelay(e.syncOpts.InitialDelay),
		retry.WithMaxDelay(e.syncOpts.MaxDelay),
	)
	if err != nil {
		e.logger.Error("projection sync failed; serving degraded until resync", "error", err)
		e.record(ctx, journal.Event{Type: journal.EventSyncFailed, Detail: err.Error()})
		return false
	}
	return true
}

// record appends to the journal best-effort. Journal failures never fail
// the triggering call.
func (e *Engine) record(ctx context.Context, ev journal.Event) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.Record(ctx, ev); err != nil {
		e.logger.Warn("failed to record journal event", "type", string(ev.Type), "error", err)
	}
}
