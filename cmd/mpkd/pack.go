package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/harunnryd/mpkd/internal/bundle"

	"github.com/spf13/cobra"
)

var packCmd = &cobra.Command{
	Use:   "pack <dir>",
	Short: "Build a bundle from a directory",
	Long:  `Packs every regular file under dir into a .mpk bundle. The directory must carry a manifest.json at its top level.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		zstd, _ := cmd.Flags().GetBool("zstd")
		return packDir(cmd.OutOrStdout(), args[0], output, zstd)
	},
}

// packDir writes the bundle and reopens it, so a directory that would not
// load is reported here rather than at install time.
func packDir(w io.Writer, dir, output string, zstd bool) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	b := bundle.NewBuilder().UseZstd(zstd)
	if err := b.AddDir(dir); err != nil {
		return err
	}

	if output == "" {
		output = filepath.Clean(dir) + ".mpk"
	}
	if err := b.WriteFile(output); err != nil {
		return err
	}

	r, err := bundle.Open(output)
	if err != nil {
		os.Remove(output)
		return fmt.Errorf("packed bundle does not load: %w", err)
	}
	defer r.Close()

	pkg := r.Package()
	fmt.Fprintf(w, "✓ Packed %s %s (%d members) into %s\n", pkg.ID, pkg.Version, len(r.Members()), output)
	return nil
}

func init() {
	rootCmd.AddCommand(packCmd)
	packCmd.Flags().StringP("output", "o", "", "Output path (default <dir>.mpk)")
	packCmd.Flags().Bool("zstd", false, "Compress members with zstd")
}
