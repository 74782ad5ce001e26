package main

import (
	"context"
	"sync"

	"github.com/freundallein/acm/backend/app"
	"github.com/freundallein/acm/backend/chassis/config"
	log "github.com/freundallein/acm/backend/chassis/logging"
	"github.com/freundallein/acm/backend/chassis/queue"
	"github.com/freundallein/acm/backend/resulter"
)

func main() {
	appCfg, err := config.Read()
	if err != nil {
		log.WithFields(log.Fields{
			"event": "config_read_failed",
		}).Fatal(err)
	}
	log.Init("resulter", appCfg.LogLevel("resulter"))
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
	// Results queue
	queueClient, err := queue.InitAWSQueue(app.QueueConfig(appCfg, appCfg.Resulter.Queuesrc))
	if err != nil {
		log.WithFields(log.Fields{
			"event": "init_queue_failed",
		}).Fatal(err)
	}
	cfg := &resulter.Config{
		Queue:      queueClient,
		Repository: repo,
		Workers:    appCfg.Resulter.Workers,
		Monkey:     app.Monkey(appCfg),
	}

	var group sync.WaitGroup
	resulter.Run(ctx, cfg, &group)
	srv := app.ServeMetrics(app.MetricsAddr)

	<-ctx.Done()
	cancel()
	if err := srv.Shutdown(context.Background()); err != nil {
		log.Error("Server Shutdown Failed: ", err)
	}
	group.Wait()
}
