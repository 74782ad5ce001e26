package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/freundallein/acm/backend/chassis/config"
	log "github.com/freundallein/acm/backend/chassis/logging"
)

var mainCmd = &cobra.Command{
	Use: "acm",

	Short: "ACM platform backend.",

	SilenceUsage: true,

	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// loadConfig reads and validates CFG_PATH and initialises logging for module.
func loadConfig(module string) (*config.AppConfig, error) {
	appCfg, err := config.Read()
	if err != nil {
		return nil, err
	}
	log.Init(module, appCfg.LogLevel(module))
	if err := appCfg.Validate(); err != nil {
		return nil, err
	}
	return appCfg, nil
}

func main() {
	mainCmd.AddCommand(startCmd)
	mainCmd.AddCommand(serveCmd)
	mainCmd.AddCommand(migrateCmd)
	mainCmd.AddCommand(collectStaticCmd)
	mainCmd.AddCommand(healthcheckCmd)
	mainCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := mainCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
