package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/freundallein/acm/backend/chassis/config"
	"github.com/freundallein/acm/backend/entrypoint"
)

var probeTimeout time.Duration

var healthcheckCmd = &cobra.Command{
	Use: "healthcheck",

	Short: "Probes the running server once; exits non-zero when unhealthy.",

	RunE: func(cmd *cobra.Command, args []string) error {
		appCfg := &config.AppConfig{}
		if loaded, err := config.Read(); err == nil {
			appCfg = loaded
		} else {
			appCfg.SetDefaults()
		}
		return entrypoint.Probe(cmd.Context(), appCfg.Server.HealthURL, probeTimeout)
	},
}

func init() {
	healthcheckCmd.Flags().DurationVar(&probeTimeout, "timeout", 5*time.Second, "probe timeout")
}
