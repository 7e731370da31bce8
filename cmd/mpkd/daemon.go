package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/harunnryd/mpkd/internal/daemon"
	"github.com/harunnryd/mpkd/internal/daemon/components"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start mpkd as a long-running service",
	Long:  `Starts mpkd using component lifecycle orchestration. Bundles in the apps directory are loaded on start and the HTTP API manages them afterwards.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		instance, _ := cmd.Flags().GetString("instance")
		forceClean, _ := cmd.Flags().GetBool("force-clean-locks")

		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		daemonMgr, err := daemon.NewDaemon(instance, cfg)
		if err != nil {
			return fmt.Errorf("failed to create daemon manager: %w", err)
		}
		daemonMgr.SetForceCleanup(forceClean)

		components.Wire(daemonMgr, cfg, instance)

		slog.Info("mpkd daemon starting up...", "port", cfg.Server.Port, "instance", instance)
		err = daemonMgr.Start(context.Background())
		if err != nil {
			// Cancellation via signal/context is a graceful shutdown case for CLI.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				slog.Info("mpkd daemon stopped gracefully", "instance", instance)
				return nil
			}
			return fmt.Errorf("daemon failed: %w", err)
		}

		slog.Info("mpkd daemon stopped gracefully", "instance", instance)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().String("instance", "mpkd", "Instance name recorded with the data root lock")
	daemonCmd.Flags().Bool("force-clean-locks", false, "Force cleanup of stale lock files (default: warn-only)")
}
