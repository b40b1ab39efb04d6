package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pacorain/homelab/lakitu/internal/domain"
	"github.com/pacorain/homelab/lakitu/internal/journal"
	"github.com/pacorain/homelab/lakitu/internal/ledger"
	"github.com/pacorain/homelab/lakitu/internal/render"
	"github.com/pacorain/homelab/lakitu/internal/secrets"
)

// fakeSync records every projection it receives.
type fakeSync struct {
	mu    sync.Mutex
	calls []ledger.Snapshot
	err   error
}

func (f *fakeSync) Sync(ctx context.Context, snap ledger.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, snap)
	return f.err
}

func (f *fakeSync) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memoryRecorder struct {
	mu     sync.Mutex
	events []journal.Event
}

func (m *memoryRecorder) Record(ctx context.Context, e journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memoryRecorder) types() []journal.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []journal.EventType
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

const testTemplate = "hostname: {{label}}\naddress: {{address}}\ntoken: {{completion_token}}\n"

func testEngine(t *testing.T) (*Engine, *fakeSync, *memoryRecorder) {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "state.json"), []domain.Identity{
		{Address: "10.11.0.2", Label: "peach"},
		{Address: "10.11.0.3", Label: "moo"},
	})
	require.NoError(t, err)

	fs := &fakeSync{}
	rec := &memoryRecorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	renderer := render.New(testTemplate, secrets.Static{}, nil)

	eng := New(store, renderer, fs, rec, logger, SyncOptions{Retries: 1, InitialDelay: time.Millisecond})
	return eng, fs, rec
}

// The full allocation scenario: first sighting reserves, repeat sighting is
// idempotent, a second machine gets the next identity, and an empty pool is
// an operational error.
func TestDecide_AllocationScenario(t *testing.T) {
	eng, _, _ := testEngine(t)
	ctx := context.Background()

	d, err := eng.Decide(ctx, "aa:bb:cc:dd:ee:01")
	require.NoError(t, err)
	assert.Equal(t, ActionReserve, d.Action)
	assert.Equal(t, domain.Identity{Address: "10.11.0.2", Label: "peach"}, d.Identity)
	assert.Equal(t, 1, d.Attempts)

	d, err = eng.Decide(ctx, "aa:bb:cc:dd:ee:01")
	require.NoError(t, err)
	assert.Equal(t, ActionReserve, d.Action)
	assert.Equal(t, domain.Identity{Address: "10.11.0.2", Label: "peach"}, d.Identity)
	assert.Equal(t, 2, d.Attempts)

	d, err = eng.Decide(ctx, "cc:dd:ee:ff:00:11")
	require.NoError(t, err)
	assert.Equal(t, domain.Identity{Address: "10.11.0.3", Label: "moo"}, d.Identity)

	_, err = eng.Decide(ctx, "ee:ff:00:11:22:33")
	assert.ErrorIs(t, err, ledger.ErrPoolExhausted)
}

func TestDecide_InvalidHardwareAddr(t *testing.T) {
	eng, fs, _ := testEngine(t)

	_, err := eng.Decide(context.Background(), "garbage")
	assert.ErrorIs(t, err, ErrInvalidHardwareAddr)
	assert.Zero(t, fs.callCount())
}

func TestDecide_CanonicalizesInput(t *testing.T) {
	eng, _, _ := testEngine(t)
	ctx := context.Background()

	first, err := eng.Decide(ctx, "AA:BB:CC:DD:EE:01")
	require.NoError(t, err)
	second, err := eng.Decide(ctx, "aa-bb-cc-dd-ee-01")
	require.NoError(t, err)

	// differently-spelled sightings of one machine are one entry
	assert.Equal(t, first.Identity, second.Identity)
	assert.Equal(t, 2, second.Attempts)
}

func TestDecide_SyncsBeforeReturning(t *testing.T) {
	eng, fs, _ := testEngine(t)

	d, err := eng.Decide(context.Background(), "aa:bb:cc:dd:ee:01")
	require.NoError(t, err)
	assert.True(t, d.Synced)
	require.Equal(t, 1, fs.callCount())
	require.Len(t, fs.calls[0].Assignments, 1)
	assert.Equal(t, domain.StateInstalling, fs.calls[0].Assignments[0].State)
}

// blockingSync stalls its first call until gate is closed, so a test can
// hold one projection in flight while more decisions arrive.
type blockingSync struct {
	fakeSync
	gate    chan struct{}
	entered chan struct{}
	first   sync.Once
}

func (b *blockingSync) Sync(ctx context.Context, snap ledger.Snapshot) error {
	blocked := false
	b.first.Do(func() { blocked = true })
	if blocked {
		close(b.entered)
		<-b.gate
	}
	return b.fakeSync.Sync(ctx, snap)
}

func TestDecide_ConcurrentSyncsNeverApplyStaleProjection(t *testing.T) {
	store, err := ledger.Open(filepath.Join(t.TempDir(), "state.json"), []domain.Identity{
		{Address: "10.11.0.2", Label: "peach"},
		{Address: "10.11.0.3", Label: "moo"},
	})
	require.NoError(t, err)

	bs := &blockingSync{gate: make(chan struct{}), entered: make(chan struct{})}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	renderer := render.New(testTemplate, secrets.Static{}, nil)
	eng := New(store, renderer, bs, nil, logger, SyncOptions{Retries: 1, InitialDelay: time.Millisecond})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d, err := eng.Decide(ctx, "aa:bb:cc:dd:ee:01")
		assert.NoError(t, err)
		assert.True(t, d.Synced)
	}()
	<-bs.entered

	// second decision arrives while the first projection is in flight
	go func() {
		defer wg.Done()
		d, err := eng.Decide(ctx, "cc:dd:ee:ff:00:11")
		assert.NoError(t, err)
		assert.True(t, d.Synced)
	}()

	close(bs.gate)
	wg.Wait()

	// the last applied projection must carry both acknowledged decisions:
	// an older snapshot never lands after a newer one
	bs.mu.Lock()
	defer bs.mu.Unlock()
	require.NotEmpty(t, bs.calls)
	assert.Len(t, bs.calls[len(bs.calls)-1].Assignments, 2)
}

func TestDecide_SyncFailureDoesNotLoseDecision(t *testing.T) {
	eng, fs, rec := testEngine(t)
	fs.err = errors.New("dnsmasq down")

	d, err := eng.Decide(context.Background(), "aa:bb:cc:dd:ee:01")
	require.NoError(t, err)
	assert.Equal(t, ActionReserve, d.Action)
	assert.False(t, d.Synced)
	assert.Contains(t, rec.types(), journal.EventSyncFailed)

	// the ledger kept the decision; a resync applies it
	fs.err = nil
	require.NoError(t, eng.Resync(context.Background()))
}

func TestCompleteThenIgnore(t *testing.T) {
	eng, _, _ := testEngine(t)
	ctx := context.Background()

	d, err := eng.Decide(ctx, "aa:bb:cc:dd:ee:01")
	require.NoError(t, err)

	res, err := eng.Complete(ctx, d.Identity.Address, false, "")
	require.NoError(t, err)
	assert.True(t, res.Acknowledged)
	assert.True(t, res.Known)
	assert.Equal(t, domain.StateProvisioned, res.State)

	// all subsequent sightings are ignored, forever
	for i := 0; i < 3; i++ {
		d, err = eng.Decide(ctx, "aa:bb:cc:dd:ee:01")
		require.NoError(t, err)
		assert.Equal(t, ActionIgnore, d.Action)
	}
}

func TestComplete_Idempotent(t *testing.T) {
	eng, _, _ := testEngine(t)
	ctx := context.Background()

	d, err := eng.Decide(ctx, "aa:bb:cc:dd:ee:01")
	require.NoError(t, err)

	first, err := eng.Complete(ctx, d.Identity.Address, false, "")
	require.NoError(t, err)
	second, err := eng.Complete(ctx, d.Identity.Address, false, "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestComplete_UnknownAddressAcknowledged(t *testing.T) {
	eng, _, rec := testEngine(t)

	res, err := eng.Complete(context.Background(), "10.11.0.99", false, "")
	require.NoError(t, err)
	assert.True(t, res.Acknowledged)
	assert.False(t, res.Known)
	assert.Contains(t, rec.types(), journal.EventAnomaly)
}

func TestComplete_Failed(t *testing.T) {
	eng, _, rec := testEngine(t)
	ctx := context.Background()

	d, err := eng.Decide(ctx, "aa:bb:cc:dd:ee:01")
	require.NoError(t, err)

	res, err := eng.Complete(ctx, d.Identity.Address, true, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, res.State)
	assert.Contains(t, rec.types(), journal.EventFailed)

	// failed is terminal: no new pool draw for this machine
	d, err = eng.Decide(ctx, "aa:bb:cc:dd:ee:01")
	require.NoError(t, err)
	assert.Equal(t, ActionIgnore, d.Action)
}

func TestComplete_TokenMismatchRejected(t *testing.T) {
	eng, _, _ := testEngine(t)
	ctx := context.Background()

	d, err := eng.Decide(ctx, "aa:bb:cc:dd:ee:01")
	require.NoError(t, err)

	_, err = eng.Complete(ctx, d.Identity.Address, false, "bogus")
	assert.ErrorIs(t, err, ledger.ErrTokenMismatch)
}

func TestRender(t *testing.T) {
	eng, _, rec := testEngine(t)
	ctx := context.Background()

	d, err := eng.Decide(ctx, "aa:bb:cc:dd:ee:01")
	require.NoError(t, err)

	doc, err := eng.Render(ctx, d.Identity.Address)
	require.NoError(t, err)
	assert.Contains(t, doc, "hostname: peach")
	assert.Contains(t, doc, "address: 10.11.0.2")
	assert.NotContains(t, doc, "{{")
	assert.Contains(t, rec.types(), journal.EventConfigServed)

	// the render counted as an attempt
	snap := eng.Status()
	require.Len(t, snap.Assignments, 1)
	assert.Equal(t, 2, snap.Assignments[0].AttemptCount)
}

func TestRender_UnknownAddress(t *testing.T) {
	eng, _, _ := testEngine(t)

	_, err := eng.Render(context.Background(), "10.11.0.99")
	assert.ErrorIs(t, err, ErrUnknownAddress)
}

func TestRender_StaleAfterCompletion(t *testing.T) {
	eng, _, _ := testEngine(t)
	ctx := context.Background()

	d, err := eng.Decide(ctx, "aa:bb:cc:dd:ee:01")
	require.NoError(t, err)
	_, err = eng.Complete(ctx, d.Identity.Address, false, "")
	require.NoError(t, err)

	_, err = eng.Render(ctx, d.Identity.Address)
	assert.ErrorIs(t, err, ErrUnknownAddress)
}

func TestRender_IncompleteTemplateNotServed(t *testing.T) {
	store, err := ledger.Open(filepath.Join(t.TempDir(), "state.json"), []domain.Identity{
		{Address: "10.11.0.2", Label: "peach"},
	})
	require.NoError(t, err)
	renderer := render.New("passwd: {{root_password_hash}}\n",
		secrets.Static{},
		map[string]string{"root_password_hash": "op://homelab/pxe/missing"})
	eng := New(store, renderer, &fakeSync{}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)),
		SyncOptions{Retries: 1, InitialDelay: time.Millisecond})
	ctx := context.Background()

	d, err := eng.Decide(ctx, "aa:bb:cc:dd:ee:01")
	require.NoError(t, err)

	doc, err := eng.Render(ctx, d.Identity.Address)
	assert.ErrorIs(t, err, render.ErrTemplateIncomplete)
	assert.Empty(t, doc)
}

func TestReset(t *testing.T) {
	eng, fs, rec := testEngine(t)
	ctx := context.Background()

	_, err := eng.Decide(ctx, "aa:bb:cc:dd:ee:01")
	require.NoError(t, err)

	require.NoError(t, eng.Reset(ctx))
	assert.Empty(t, eng.Status().Assignments)
	assert.Len(t, eng.Status().Pool, 2)
	assert.Contains(t, rec.types(), journal.EventReset)

	// the reset projection was pushed out
	last := fs.calls[fs.callCount()-1]
	assert.Empty(t, last.Assignments)
}

func TestResync_Failure(t *testing.T) {
	eng, fs, _ := testEngine(t)
	fs.err = errors.New("dnsmasq down")

	err := eng.Resync(context.Background())
	assert.ErrorIs(t, err, ErrSyncFailed)
}
