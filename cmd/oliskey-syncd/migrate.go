package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Oliskey-School/offline-sync/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		defer st.Close()

		migrator := store.NewMigrator(st.DB(), store.DefaultMigrations)
		if err := migrator.Initialize(); err != nil {
			return err
		}
		before, err := migrator.CurrentVersion()
		if err != nil {
			return err
		}
		if err := migrator.Up(); err != nil {
			return err
		}
		after, err := migrator.CurrentVersion()
		if err != nil {
			return err
		}

		if after == before {
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date at version %d\n", after)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "schema migrated from version %d to %d\n", before, after)
		}
		return nil
	},
}
