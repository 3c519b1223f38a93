package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ssoforge/idcore/keymod"
	"github.com/ssoforge/idcore/storage"
)

// commandCreateRootKey mints the bootstrap root credential directly against
// the configured storage driver. Root keys are deliberately not mintable
// through the API surface: the only path to one is this command, run by an
// operator with access to the database config.
func commandCreateRootKey() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:     "create-root-key [flags] [config file]",
		Short:   "Create the bootstrap root key",
		Example: "ssod create-root-key --name ops config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true

			cfg, err := loadConfig(args[0])
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Logger)
			if err != nil {
				return err
			}
			store, err := openStorage(cfg.Storage, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			now := time.Now().UTC()
			key, err := keymod.Create(context.Background(), store, storage.Key{
				Type:      storage.KeyRoot,
				IsEnabled: true,
				Name:      name,
				CreatedAt: now,
				UpdatedAt: now,
			})
			if err != nil {
				return fmt.Errorf("create root key: %w", err)
			}

			// The value is shown exactly once; it is never readable again.
			fmt.Fprintf(cmd.OutOrStdout(), "id:    %s\nvalue: %s\n", key.ID, key.Value)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "root", "display name for the key")
	return cmd
}
