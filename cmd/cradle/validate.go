package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cradlehq/cradle/internal/extension"
)

// validateConfig holds configuration for the validate command.
type validateConfig struct {
	printSchema bool
}

// NewValidateCmd creates the validate subcommand.
func NewValidateCmd() *cobra.Command {
	cfg := &validateConfig{}

	cmd := &cobra.Command{
		Use:   "validate [dir ...]",
		Short: "Validate extension manifests without loading them",
		Long: `Validate the extension.yaml manifest in each given directory: schema
shape, id and version syntax, entry reference, dependency ranges and
action declarations, plus the presence of the entry unit on disk. No
extension code is executed.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.printSchema {
				return runPrintSchema(cmd)
			}
			if len(args) == 0 {
				return fmt.Errorf("provide at least one extension directory, or --print-schema")
			}
			return runValidate(cmd, args)
		},
	}

	cmd.Flags().BoolVar(&cfg.printSchema, "print-schema", false, "print the manifest JSON schema and exit")

	return cmd
}

// runPrintSchema prints the manifest JSON schema for editor tooling.
func runPrintSchema(cmd *cobra.Command) error {
	data, err := extension.GenerateSchema()
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}
	cmd.Println(string(data))
	return nil
}

// runValidate checks each directory and reports per-directory results.
// It fails when any manifest is invalid.
func runValidate(cmd *cobra.Command, dirs []string) error {
	failed := 0
	for _, dir := range dirs {
		if err := validateDir(dir); err != nil {
			failed++
			cmd.PrintErrf("%s: %s\n", dir, extension.FormatSchemaError(err))
			continue
		}
		cmd.Printf("%s: ok\n", dir)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d extensions failed validation", failed, len(dirs))
	}
	return nil
}

// validateDir validates one extension directory: its manifest plus the
// existence of the entry unit the manifest points at.
func validateDir(dir string) error {
	d, err := extension.Probe(dir)
	if err != nil {
		return err
	}

	ref, err := d.Manifest.EntryRef()
	if err != nil {
		return err
	}
	entry := filepath.Join(dir, ref.Path)
	if _, err := os.Stat(entry); err != nil {
		return fmt.Errorf("entry unit %s: %w", ref.Path, err)
	}
	return nil
}
