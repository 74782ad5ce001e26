package app

import (
	"context"
	"sync"
	"time"

	"github.com/freundallein/acm/backend/chassis/config"
	"github.com/freundallein/acm/backend/chassis/queue"
	"github.com/freundallein/acm/backend/chassis/storage"
	"github.com/freundallein/acm/backend/notification"
	"github.com/freundallein/acm/backend/resulter"
	"github.com/freundallein/acm/backend/scheduler"
	"github.com/freundallein/acm/backend/submitter"
	"github.com/freundallein/acm/backend/supervisor"
	"github.com/freundallein/acm/backend/worker"
)

// Pipeline - every outbox stage running in one process over in-memory queues
type Pipeline struct {
	Inbound       *queue.MemoryQueue
	Notifications *queue.MemoryQueue
	Results       *queue.MemoryQueue
}

// NewPipeline ...
func NewPipeline(size int) *Pipeline {
	return &Pipeline{
		Inbound:       queue.NewMemoryQueue(size, time.Second),
		Notifications: queue.NewMemoryQueue(size, time.Second),
		Results:       queue.NewMemoryQueue(size, time.Second),
	}
}

// Run starts all stages and blocks until ctx is done and they exited.
func (p *Pipeline) Run(ctx context.Context, cfg *config.AppConfig, store storage.Store, provider notification.Provider, payments supervisor.Reconciler) error {
	chaos := Monkey(cfg)
	var group sync.WaitGroup
	if err := supervisor.Run(ctx, SupervisorConfig(cfg, store, payments), &group); err != nil {
		return err
	}
	submitter.Run(ctx, &submitter.Config{
		Queue:   p.Inbound,
		Service: notification.New(store),
		Workers: cfg.Submitter.Workers,
		Monkey:  chaos,
	}, &group)
	scheduler.Run(ctx, &scheduler.Config{
		Queue:      p.Notifications,
		Repository: store,
		Workers:    cfg.Scheduler.Workers,
		Monkey:     chaos,
	}, &group)
	worker.Run(ctx, &worker.Config{
		QueueSrc: p.Notifications,
		QueueDst: p.Results,
		Provider: provider,
		Workers:  cfg.Worker.Workers,
		Monkey:   chaos,
	}, &group)
	resulter.Run(ctx, &resulter.Config{
		Queue:      p.Results,
		Repository: store,
		Workers:    cfg.Resulter.Workers,
		Monkey:     chaos,
	}, &group)
	group.Wait()
	return nil
}

// SupervisorConfig ...
func SupervisorConfig(cfg *config.AppConfig, store storage.Notifications, payments supervisor.Reconciler) *supervisor.Config {
	return &supervisor.Config{
		Repository:        store,
		Payments:          payments,
		Workers:           cfg.Supervisor.Workers,
		StaleTimeout:      cfg.Supervisor.StaleTimeout,
		RepairBatchSize:   cfg.Supervisor.RepairBatchSize,
		Expiration:        cfg.Supervisor.Expiration,
		CleanSchedule:     cfg.Supervisor.CleanSchedule,
		ReconcileSchedule: cfg.Supervisor.ReconcileSchedule,
		ReconcileAge:      time.Duration(cfg.Supervisor.ReconcileAge) * time.Second,
		Monkey:            Monkey(cfg),
	}
}
