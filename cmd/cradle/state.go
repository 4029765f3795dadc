// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cradlehq/cradle/internal/config"
	"github.com/cradlehq/cradle/internal/state"
)

// NewStateCmd creates the state subcommand tree.
func NewStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and maintain extension state",
		Long: `Inspect and maintain the durable per-extension state store. Values are
JSON documents; keys are scoped to one extension's namespace. Unloading
an extension never touches its state: uninstall is the only operation
that deletes a namespace.`,
	}

	cmd.PersistentFlags().String("state-dir", config.Default().StateDir, "durable state store root")

	cmd.AddCommand(newStateGetCmd())
	cmd.AddCommand(newStateSetCmd())
	cmd.AddCommand(newStateDeleteCmd())
	cmd.AddCommand(newStateKeysCmd())
	cmd.AddCommand(newStateUninstallCmd())

	return cmd
}

// openStore loads configuration and opens the state store for a state
// subcommand.
func openStore(cmd *cobra.Command) (*state.Store, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	store, err := state.NewStore(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	return store, nil
}

func newStateGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <extension> <key>",
		Short: "Print one key's JSON document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}

			var doc json.RawMessage
			found, err := store.Load(cmd.Context(), args[0], args[1], &doc)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("key %q is not set for extension %q", args[1], args[0])
			}
			cmd.Println(string(doc))
			return nil
		},
	}
}

func newStateSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <extension> <key> <json>",
		Short: "Write one key's JSON document",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc := json.RawMessage(args[2])
			if !json.Valid(doc) {
				return fmt.Errorf("value is not valid JSON")
			}

			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			if err := store.Save(cmd.Context(), args[0], args[1], doc); err != nil {
				return err
			}
			cmd.Printf("set %s/%s\n", args[0], args[1])
			return nil
		},
	}
}

func newStateDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <extension> <key>",
		Short: "Delete one key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			if err := store.Delete(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			cmd.Printf("deleted %s/%s\n", args[0], args[1])
			return nil
		},
	}
}

func newStateKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys <extension>",
		Short: "List an extension's state keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			keys, err := store.Keys(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, key := range keys {
				cmd.Println(key)
			}
			return nil
		},
	}
}

func newStateUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <extension>",
		Short: "Delete an extension's entire state namespace",
		Long: `Delete every state document an extension has ever written. This is
irreversible; unloading or stopping an extension keeps its state, only
uninstall removes it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			if err := store.Uninstall(cmd.Context(), args[0]); err != nil {
				return err
			}
			cmd.Printf("uninstalled state for %s\n", args[0])
			return nil
		},
	}
}
