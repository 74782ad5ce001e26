package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/freundallein/acm/backend/entrypoint"
)

var startCmd = &cobra.Command{
	Use: "start",

	Short: "Runs migrate and collectstatic, then replaces itself with serve.",

	RunE: func(cmd *cobra.Command, args []string) error {
		appCfg, err := loadConfig("start")
		if err != nil {
			return err
		}
		if err := entrypoint.CheckUser(os.Getuid(), appCfg.Server.AllowRoot); err != nil {
			return err
		}
		final, err := entrypoint.Self("serve")
		if err != nil {
			return err
		}
		steps := []entrypoint.Step{
			{Name: "migrate", Run: func(ctx context.Context) error { return migrate(ctx, appCfg) }},
			{Name: "collectstatic", Run: func(ctx context.Context) error { return collectStatic(appCfg) }},
		}
		return entrypoint.Boot(cmd.Context(), steps, final, entrypoint.SysExec{})
	},
}
