package main

import (
	"github.com/spf13/cobra"

	"github.com/freundallein/acm/backend/chassis/config"
	log "github.com/freundallein/acm/backend/chassis/logging"
	"github.com/freundallein/acm/backend/entrypoint"
)

func collectStatic(appCfg *config.AppConfig) error {
	copied, err := entrypoint.CollectStatic(appCfg.Server.StaticRoot)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"event": "static_collected",
		"root":  appCfg.Server.StaticRoot,
	}).Info(copied, " static files copied")
	return nil
}

var collectStaticCmd = &cobra.Command{
	Use: "collectstatic",

	Short: "Copies static assets into server.staticRoot.",

	RunE: func(cmd *cobra.Command, args []string) error {
		appCfg, err := loadConfig("collectstatic")
		if err != nil {
			return err
		}
		return collectStatic(appCfg)
	},
}
