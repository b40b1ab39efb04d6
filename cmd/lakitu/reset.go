package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pacorain/homelab/lakitu/internal/config"
	"github.com/pacorain/homelab/lakitu/internal/dnsmasq"
	"github.com/pacorain/homelab/lakitu/internal/engine"
	"github.com/pacorain/homelab/lakitu/internal/ledger"
)

func newResetCmd(configPath *string) *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard every assignment and return all identities to the pool",
		Long: `Reset clears the assignment ledger, restores the full identity pool,
and rewrites the dnsmasq projection to match. Every machine will be
treated as brand new on its next sighting. Requires --confirm.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("reset discards all assignments; re-run with --confirm")
			}
			return runReset(cmd, *configPath)
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "actually perform the reset")
	return cmd
}

func runReset(cmd *cobra.Command, configPath string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := ledger.Open(cfg.StatePath, cfg.Pool)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}

	writer := dnsmasq.NewWriter(cfg.Dnsmasq.WriterConfig(), logger)
	eng := engine.New(store, nil, writer, nil, logger, engine.SyncOptions{
		Retries:      cfg.Sync.Retries,
		InitialDelay: time.Duration(cfg.Sync.InitialDelay),
		MaxDelay:     time.Duration(cfg.Sync.MaxDelay),
	})

	if err := eng.Reset(cmd.Context()); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "ledger reset: %d identities back in the pool\n", store.PoolRemaining())
	return nil
}
