package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bcnelson/provisioner/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "provisioner",
	Short: "Bare-metal provisioning control plane",
	Long: `provisioner matches nodes that check in against tags and policies,
binds each node to the first eligible policy with free capacity, and
runs lifecycle hooks as nodes are registered, bound, reinstalled and
deleted.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(); err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return nil
	},
}

func main() {
	rootCmd.AddCommand(serveCmd(), workerCmd(), migrateCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
