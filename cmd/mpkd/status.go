package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/harunnryd/mpkd/internal/policy"
	"github.com/harunnryd/mpkd/internal/runtime"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [app-id]",
	Short: "Show apps managed by a running daemon",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		client := &http.Client{}
		if len(args) == 1 {
			var st runtime.Status
			if err := getJSON(ctx, client, addr+"/apps/"+args[0], &st); err != nil {
				return err
			}
			renderStatuses(cmd.OutOrStdout(), []*runtime.Status{&st})
			return nil
		}

		var statuses []*runtime.Status
		if err := getJSON(ctx, client, addr+"/apps", &statuses); err != nil {
			return err
		}
		renderStatuses(cmd.OutOrStdout(), statuses)
		return nil
	},
}

func getJSON(ctx context.Context, client *http.Client, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("query daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error == "" {
			body.Error = resp.Status
		}
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, body.Error)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func renderStatuses(w io.Writer, statuses []*runtime.Status) {
	if len(statuses) == 0 {
		fmt.Fprintln(w, "No apps loaded")
		return
	}

	rows := make([][]string, 0, len(statuses))
	for _, st := range statuses {
		state := "stopped"
		if st.Running {
			state = "running"
		}
		rows = append(rows, []string{
			truncateString(st.AppID, 32),
			st.Version,
			string(st.CodeType),
			state,
			usageCell(st, policy.ResourceStorage),
			usageCell(st, policy.ResourceMemory),
			usageCell(st, policy.ResourceCPU),
			strconv.Itoa(len(st.Processes)),
		})
	}

	styles := newTableStyles()
	fmt.Fprintln(w, styles.listTable(
		[]string{"App", "Version", "Type", "State", "Storage", "Memory", "CPU", "Procs"},
		rows,
	))
}

func usageCell(st *runtime.Status, rt policy.ResourceType) string {
	pct, ok := st.Percentages[rt]
	if !ok {
		return "-"
	}
	return strconv.FormatInt(pct, 10) + "%"
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("addr", "", "Daemon base URL (default http://127.0.0.1:<server.port>)")
}
