package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/harunnryd/mpkd/internal/config"
	"github.com/harunnryd/mpkd/internal/daemon/components"
	"github.com/harunnryd/mpkd/internal/events"
	"github.com/harunnryd/mpkd/internal/store"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <bundle>",
	Short: "Load and start one bundle in the foreground",
	Long:  `Loads a bundle into its sandbox, starts it and streams runtime events until the app stops or a signal arrives.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		purge, _ := cmd.Flags().GetBool("purge")
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		sig := NewSignalHandler(context.Background())
		sig.Start()
		defer sig.Stop()

		return runBundle(sig.Context(), cfg, args[0], purge, cmd.OutOrStdout())
	},
}

// runBundle holds the data root lock for the whole run, so it refuses to
// share a data root with a daemon.
func runBundle(ctx context.Context, cfg *config.Config, path string, purge bool, out io.Writer) error {
	dataRoot, err := store.ResolveDataRoot(cfg.Daemon.DataRoot)
	if err != nil {
		return err
	}
	lock, err := store.NewFileLock("mpkd-run", dataRoot, store.FileLockConfigFrom(cfg.Store))
	if err != nil {
		return err
	}
	defer lock.Unlock()

	stack, err := components.BuildStack(cfg, dataRoot)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.MustDuration(cfg.Daemon.ShutdownTimeout, config.DefaultDaemonShutdownTimeout))
		defer cancel()
		_ = stack.Close(shutdownCtx)
	}()

	unsubscribe := stack.Events.Subscribe("", func(evt events.Event) {
		printEvent(out, evt)
	})
	defer unsubscribe()

	appID, err := stack.Runtime.LoadApp(ctx, path)
	if err != nil {
		return err
	}

	stopped := make(chan struct{})
	var once sync.Once
	unsubscribeApp := stack.Events.Subscribe(appID, func(evt events.Event) {
		if evt.Type == events.AppStopped {
			once.Do(func() { close(stopped) })
		}
	})
	defer unsubscribeApp()

	if err := stack.Runtime.StartApp(ctx, appID); err != nil {
		return err
	}
	if !stack.Runtime.IsRunning(appID) {
		return finish(ctx, stack, appID, purge)
	}

	select {
	case <-ctx.Done():
	case <-stopped:
	}
	return finish(context.Background(), stack, appID, purge)
}

func finish(ctx context.Context, stack *components.Stack, appID string, purge bool) error {
	if !purge {
		return nil
	}
	return stack.Runtime.UnloadApp(ctx, appID)
}

func printEvent(w io.Writer, evt events.Event) {
	payload := ""
	if len(evt.Payload) > 0 {
		if data, err := json.Marshal(evt.Payload); err == nil {
			payload = string(data)
		}
	}
	fmt.Fprintf(w, "%s %-18s %s %s\n", evt.Time.Format(time.RFC3339), evt.Type, evt.AppID, payload)
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("purge", false, "Delete the app sandbox on exit")
}
