// Package dnsmasq projects the ledger into a dnsmasq dhcp-host fragment and
// signals the external server to reload. The projection is derived and
// disposable: it is regenerated in full on every sync and is never read back.
package dnsmasq

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pacorain/homelab/lakitu/internal/ledger"
)

// Config holds the projection target and reload hook.
type Config struct {
	ConfPath      string        // dnsmasq fragment to write, e.g. /etc/dnsmasq.d/lakitu.conf
	ReloadCommand string        // run after each write, e.g. "systemctl reload dnsmasq"; empty disables
	ReloadTimeout time.Duration // per-attempt timeout for the reload command
}

// Writer renders and applies the projection.
type Writer struct {
	cfg    Config
	logger *slog.Logger
}

// NewWriter creates a projection writer.
func NewWriter(cfg Config, logger *slog.Logger) *Writer {
	if cfg.ReloadTimeout <= 0 {
		cfg.ReloadTimeout = 10 * time.Second
	}
	return &Writer{cfg: cfg, logger: logger}
}

// Sync writes the projection atomically and triggers the reload hook. The
// ledger stays the source of truth: a failure here leaves recorded decisions
// intact and the caller retries.
func (w *Writer) Sync(ctx context.Context, snap ledger.Snapshot) error {
	content := Render(snap)

	if err := writeAtomic(w.cfg.ConfPath, []byte(content)); err != nil {
		return fmt.Errorf("failed to write dnsmasq projection: %w", err)
	}
	w.logger.Debug("wrote dnsmasq projection", "path", w.cfg.ConfPath, "entries", len(snap.Assignments))

	if w.cfg.ReloadCommand == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, w.cfg.ReloadTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "sh", "-c", w.cfg.ReloadCommand)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("dnsmasq reload failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Render produces the dnsmasq fragment for a ledger snapshot. Deterministic:
// the snapshot's assignments arrive sorted by hardware address. Terminal
// entries are marked ignore so the machine falls back to local boot media;
// installing entries get their reservation.
func Render(snap ledger.Snapshot) string {
	var b strings.Builder
	b.WriteString("# Managed by lakitu. Do not edit; regenerated on every ledger change.\n")
	for _, a := range snap.Assignments {
		if a.State.Terminal() {
			fmt.Fprintf(&b, "dhcp-host=%s,ignore\n", a.HardwareAddr)
			continue
		}
		fmt.Fprintf(&b, "dhcp-host=%s,%s,%s\n", a.HardwareAddr, a.Identity.Address, a.Identity.Label)
	}
	return b.String()
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".lakitu-dnsmasq-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
