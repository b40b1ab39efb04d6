// Command lakitu runs the progressive provisioning coordinator: it hands
// each machine the DHCP server sights a network identity exactly once,
// serves its installer configuration, and parks it after the install
// completes.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "lakitu",
		Short:         "Progressive provisioning coordinator for PXE installs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "~/lakitu/config.yaml", "path to config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newResetCmd(&configPath))
	root.AddCommand(newStatusCmd())
	return root
}
