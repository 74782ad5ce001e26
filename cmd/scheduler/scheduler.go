package main

import (
	"context"
	"sync"

	"github.com/freundallein/acm/backend/app"
	"github.com/freundallein/acm/backend/chassis/config"
	log "github.com/freundallein/acm/backend/chassis/logging"
	"github.com/freundallein/acm/backend/chassis/queue"
	"github.com/freundallein/acm/backend/scheduler"
)

func main() {
	appCfg, err := config.Read()
	if err != nil {
		log.WithFields(log.Fields{
			"event": "config_read_failed",
		}).Fatal(err)
	}
	log.Init("scheduler", appCfg.LogLevel("scheduler"))
	log.WithFields(log.Fields{
		"event": "init_service",
	}).Info("service initialized")

	ctx, cancel := app.SignalContext()
	repo, err := app.OpenStore(ctx, appCfg)
	if err != nil {
		log.WithFields(log.Fields{
			"event": "init_storage_failed",
		}).Fatal(err)
	}
	defer repo.Close()
	// Notifications queue
	queueClient, err := queue.InitAWSQueue(app.QueueConfig(appCfg, appCfg.Scheduler.Queuedst))
	if err != nil {
		log.WithFields(log.Fields{
			"event": "init_queue_failed",
		}).Fatal(err)
	}
	cfg := &scheduler.Config{
		Queue:      queueClient,
		Repository: repo,
		Workers:    appCfg.Scheduler.Workers,
		Monkey:     app.Monkey(appCfg),
	}

	var group sync.WaitGroup
	scheduler.Run(ctx, cfg, &group)
	srv := app.ServeMetrics(app.MetricsAddr)

	<-ctx.Done()
	cancel()
	if err := srv.Shutdown(context.Background()); err != nil {
		log.Error("Server Shutdown Failed: ", err)
	}
	group.Wait()
}
