package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/freundallein/acm/backend/chassis/config"
	"github.com/freundallein/acm/backend/chassis/migrations"
)

func migrate(ctx context.Context, appCfg *config.AppConfig) error {
	db, err := migrations.Open(appCfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	return migrations.Apply(ctx, db)
}

var migrateCmd = &cobra.Command{
	Use: "migrate",

	Short: "Applies pending database migrations.",

	RunE: func(cmd *cobra.Command, args []string) error {
		appCfg, err := loadConfig("migrate")
		if err != nil {
			return err
		}
		return migrate(cmd.Context(), appCfg)
	},
}
