package main

import (
	"context"
	"sync"

	"github.com/freundallein/acm/backend/app"
	"github.com/freundallein/acm/backend/chassis/config"
	log "github.com/freundallein/acm/backend/chassis/logging"
	"github.com/freundallein/acm/backend/chassis/queue"
	"github.com/freundallein/acm/backend/worker"
)

func main() {
	appCfg, err := config.Read()
	if err != nil {
		log.WithFields(log.Fields{
			"event": "config_read_failed",
		}).Fatal(err)
	}
	log.Init("worker", appCfg.LogLevel("worker"))
	log.WithFields(log.Fields{
		"event": "init_service",
	}).Info("service initialized")
	// Notifications queue
	queueSrcClient, err := queue.InitAWSQueue(app.QueueConfig(appCfg, appCfg.Worker.Queuesrc))
	if err != nil {
		log.WithFields(log.Fields{
			"event": "init_queue_failed",
		}).Fatal(err)
	}
	// Results queue
	queueDstClient, err := queue.InitAWSQueue(app.QueueConfig(appCfg, appCfg.Worker.Queuedst))
	if err != nil {
		log.WithFields(log.Fields{
			"event": "init_queue_failed",
		}).Fatal(err)
	}
	provider, err := app.EmailProvider(appCfg)
	if err != nil {
		log.WithFields(log.Fields{
			"event": "init_provider_failed",
		}).Fatal(err)
	}
	cfg := &worker.Config{
		QueueSrc: queueSrcClient,
		QueueDst: queueDstClient,
		Provider: provider,
		Workers:  appCfg.Worker.Workers,
		Monkey:   app.Monkey(appCfg),
	}

	var group sync.WaitGroup
	ctx, cancel := app.SignalContext()
	worker.Run(ctx, cfg, &group)
	srv := app.ServeMetrics(app.MetricsAddr)

	<-ctx.Done()
	cancel()
	if err := srv.Shutdown(context.Background()); err != nil {
		log.Error("Server Shutdown Failed: ", err)
	}
	group.Wait()
}
