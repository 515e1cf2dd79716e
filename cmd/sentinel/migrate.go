package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/sentinel/internal/infrastructure/db"
)

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if list {
				migrations, err := db.Migrations()
				if err != nil {
					return err
				}
				for _, m := range migrations {
					fmt.Fprintln(cmd.OutOrStdout(), m.Name)
				}
				return nil
			}
			if !cfg.Database.Enabled {
				return fmt.Errorf("database is disabled; set database.enabled or PG_ENABLED=true")
			}

			mgr, err := db.NewManager(cfg.Database)
			if err != nil {
				return err
			}
			defer mgr.Close()

			if err := mgr.RunMigrations(context.Background()); err != nil {
				return err
			}
			log.Info().Msg("Schema up to date")
			return nil
		},
	}
	cmd.Flags().BoolVar(&list, "list", false, "List embedded migrations without applying them")
	return cmd
}
