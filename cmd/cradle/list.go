package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cradlehq/cradle/internal/config"
	"github.com/cradlehq/cradle/internal/extension"
)

// ExtensionRow holds one row of the list output.
type ExtensionRow struct {
	ID      string `json:"id,omitempty"`
	Version string `json:"version,omitempty"`
	Runtime string `json:"runtime,omitempty"`
	Dir     string `json:"dir"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// Row status values.
const (
	statusOK        = "ok"
	statusInvalid   = "invalid"
	statusDuplicate = "duplicate"
)

// listConfig holds configuration for the list command.
type listConfig struct {
	jsonOutput bool
}

// NewListCmd creates the list subcommand.
func NewListCmd() *cobra.Command {
	cfg := &listConfig{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List extensions under the configured roots",
		Long: `List every extension directory under the configured roots with its
manifest status. Invalid manifests and duplicate ids are reported the
way a serve scan would treat them: invalid directories are skipped,
duplicate ids lose to the first claimant.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(cmd, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output as JSON")
	cmd.Flags().StringSlice("roots", config.Default().Roots, "extension root directories (repeatable)")

	return cmd
}

// runList executes the list command.
func runList(cmd *cobra.Command, listCfg *listConfig) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	rows := collectRows(cfg.Roots)

	if listCfg.jsonOutput {
		data, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal listing: %w", err)
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Println(formatRowsTable(rows))
	return nil
}

// collectRows probes every immediate subdirectory of every root, in the
// same order a serve scan visits them.
func collectRows(roots []string) []ExtensionRow {
	rows := make([]ExtensionRow, 0, 8)
	seen := make(map[string]string) // id -> first claiming dir

	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			// A missing root is not an error; serve tolerates it too.
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(root, entry.Name())

			d, err := extension.Probe(dir)
			if errors.Is(err, fs.ErrNotExist) {
				continue // not an extension directory
			}
			if err != nil {
				rows = append(rows, ExtensionRow{
					Dir:    dir,
					Status: statusInvalid,
					Error:  extension.FormatSchemaError(err),
				})
				continue
			}

			ref, _ := d.Manifest.EntryRef()
			row := ExtensionRow{
				ID:      d.Manifest.ID,
				Version: d.Manifest.Version,
				Runtime: ref.Runtime,
				Dir:     dir,
				Status:  statusOK,
			}
			if firstDir, dup := seen[d.Manifest.ID]; dup {
				row.Status = statusDuplicate
				row.Error = fmt.Sprintf("id taken by %s", firstDir)
			} else {
				seen[d.Manifest.ID] = dir
			}
			rows = append(rows, row)
		}
	}
	return rows
}

// formatRowsTable formats the listing as a human-readable table.
func formatRowsTable(rows []ExtensionRow) string {
	var buf []byte
	w := tabwriter.NewWriter((*byteWriter)(&buf), 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "ID\tVERSION\tRUNTIME\tSTATUS\tDIR")
	_, _ = fmt.Fprintln(w, "--\t-------\t-------\t------\t---")

	for _, row := range rows {
		id, version, runtime := row.ID, row.Version, row.Runtime
		if id == "" {
			id, version, runtime = "-", "-", "-"
		}
		status := row.Status
		if row.Error != "" {
			status = fmt.Sprintf("%s (%s)", row.Status, row.Error)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", id, version, runtime, status, row.Dir)
	}

	_ = w.Flush()
	return string(buf)
}

// byteWriter is a simple writer that appends to a byte slice.
type byteWriter []byte

func (w *byteWriter) Write(p []byte) (int, error) {
	*w = append(*w, p...)
	return len(p), nil
}
