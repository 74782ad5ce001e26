package main

import (
	"context"
	"sync"

	"github.com/freundallein/acm/backend/app"
	"github.com/freundallein/acm/backend/chassis/config"
	log "github.com/freundallein/acm/backend/chassis/logging"
	"github.com/freundallein/acm/backend/supervisor"
)

func main() {
	appCfg, err := config.Read()
	if err != nil {
		log.WithFields(log.Fields{
			"event": "config_read_failed",
		}).Fatal(err)
	}
	log.Init("supervisor", appCfg.LogLevel("supervisor"))
	log.WithFields(log.Fields{
		"event": "init_service",
	}).Info("service initialized")

	ctx, cancel := app.SignalContext()
	deps, release, err := app.OpenDeps(ctx, appCfg)
	if err != nil {
		log.WithFields(log.Fields{
			"event": "init_storage_failed",
		}).Fatal(err)
	}
	defer release()
	// payment hooks must be registered before reconciling
	services := app.NewServices(appCfg, deps)
	cfg := app.SupervisorConfig(appCfg, deps.Store, services.Payments)

	var group sync.WaitGroup
	if err := supervisor.Run(ctx, cfg, &group); err != nil {
		log.WithFields(log.Fields{
			"event": "init_schedule_failed",
		}).Fatal(err)
	}
	srv := app.ServeMetrics(app.MetricsAddr)

	<-ctx.Done()
	cancel()
	if err := srv.Shutdown(context.Background()); err != nil {
		log.Error("Server Shutdown Failed: ", err)
	}
	group.Wait()
}
