package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pacorain/homelab/lakitu/internal/domain"
	"github.com/pacorain/homelab/lakitu/internal/ledger"
)

func newStatusCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the assignment ledger of a running coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, server)
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://127.0.0.1:8080", "base URL of the coordinator")
	return cmd
}

func runStatus(cmd *cobra.Command, server string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(server + "/api/v0/status")
	if err != nil {
		return fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch status: unexpected response %s", resp.Status)
	}

	var snap ledger.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	byState := make(map[domain.State]int)
	for _, a := range snap.Assignments {
		byState[a.State]++
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "pool remaining: %d\n", len(snap.Pool))
	fmt.Fprintf(out, "installing: %d  provisioned: %d  failed: %d\n\n",
		byState[domain.StateInstalling], byState[domain.StateProvisioned], byState[domain.StateFailed])

	if len(snap.Assignments) == 0 {
		fmt.Fprintln(out, "no assignments")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MAC\tADDRESS\tLABEL\tSTATE\tATTEMPTS\tASSIGNED")
	for _, a := range snap.Assignments {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			a.HardwareAddr, a.Identity.Address, a.Identity.Label,
			a.State, a.AttemptCount, a.AssignedAt.Format(time.RFC3339))
	}
	return w.Flush()
}
