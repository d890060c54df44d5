package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/onlyus/sync-server-go/internal/database"
)

func newMigrateCmd() *cobra.Command {
	var databaseURL string

	cmd := &cobra.Command{
		Use:       "migrate up|down",
		Short:     "Apply or roll back the Postgres schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if databaseURL == "" {
				return errors.New("set --database-url or DATABASE_URL")
			}
			run := database.MigrateUp
			if args[0] == "down" {
				run = database.MigrateDown
			}
			if err := run(databaseURL); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrate %s ok\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")
	return cmd
}
