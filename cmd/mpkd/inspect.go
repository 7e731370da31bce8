package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/harunnryd/mpkd/internal/bundle"
	"github.com/harunnryd/mpkd/internal/policy"

	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <bundle>",
	Short: "Show a bundle's manifest and members",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		defaults := policy.DefaultLimits()
		if cfg != nil {
			defaults = policy.LimitsFromConfig(cfg.Sandbox)
		}
		return inspectBundle(cmd.OutOrStdout(), args[0], defaults, asJSON)
	},
}

type inspection struct {
	Package *bundle.Package       `json:"manifest"`
	Limits  policy.ResourceLimits `json:"limits"`
	Members []*bundle.MemberInfo  `json:"members"`
}

func inspectBundle(w io.Writer, path string, defaults policy.ResourceLimits, asJSON bool) error {
	r, err := bundle.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	pkg := r.Package()
	result := inspection{Package: pkg, Limits: pkg.Limits(defaults)}
	for _, name := range r.Members() {
		info, err := r.Stat(name)
		if err != nil {
			return err
		}
		result.Members = append(result.Members, info)
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	styles := newTableStyles()
	fields := [][2]string{
		{"ID", pkg.ID},
		{"Name", pkg.Name},
		{"Version", pkg.Version.String()},
		{"Code type", string(pkg.CodeType)},
		{"Entry", pkg.EntryPath},
		{"Format", pkg.FormatVersion},
		{"Platform", pkg.Platform + " >= " + pkg.MinPlatformVersion},
		{"Permissions", strings.Join(pkg.Permissions, ", ")},
		{"Signed", strconv.FormatBool(pkg.HasSignature)},
		{"Storage limit", strconv.FormatInt(result.Limits.MaxStorageBytes, 10)},
		{"Memory limit", strconv.FormatInt(result.Limits.MaxMemoryBytes, 10)},
		{"Process limit", strconv.FormatInt(result.Limits.MaxProcesses, 10)},
	}
	if pkg.Description != "" {
		fields = append(fields, [2]string{"Description", truncateString(pkg.Description, 60)})
	}
	fmt.Fprintln(w, styles.fieldTable(fields))

	rows := make([][]string, 0, len(result.Members))
	for _, m := range result.Members {
		rows = append(rows, []string{
			truncateString(m.Name, 48),
			strconv.FormatInt(m.Size, 10),
			strconv.FormatInt(m.CompressedSize, 10),
			m.ContentType,
		})
	}
	fmt.Fprintln(w, styles.listTable([]string{"Member", "Size", "Packed", "Type"}, rows))
	return nil
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	inspectCmd.Flags().Bool("json", false, "Print the inspection as JSON")
}
