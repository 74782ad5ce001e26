package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	log "github.com/freundallein/acm/backend/chassis/logging"
	"github.com/freundallein/acm/backend/chassis/metrics"
	"github.com/freundallein/acm/backend/chassis/monkey"
	"github.com/freundallein/acm/backend/chassis/storage"
)

// Reconciler settles payments the gateway never called back for.
type Reconciler interface {
	Reconcile(ctx context.Context, age time.Duration, limit int) (int, error)
}

// Config ...
type Config struct {
	Repository      storage.Notifications
	Payments        Reconciler
	Workers         int
	StaleTimeout    int
	RepairBatchSize int
	Expiration      int
	// RepairInterval is 5s when zero.
	RepairInterval    time.Duration
	CleanSchedule     string
	ReconcileSchedule string
	ReconcileAge      time.Duration
	Monkey            *monkey.Monkey
}

// Repair returns stale ACQUIRED notifications to the retry path and
// refreshes the bulk jobs they belong to.
func Repair(ctx context.Context, cfg *Config, workerID int) (int, error) {
	repaired, jobs, err := cfg.Repository.RepairStaleNotifications(ctx, cfg.StaleTimeout, cfg.RepairBatchSize)
	err = cfg.Monkey.RandomizeError(err)
	if err != nil {
		log.WithFields(log.Fields{
			"event":  "stale_notification_repair_failed",
			"worker": workerID,
		}).Error(err)
		return 0, err
	}
	if repaired > 0 {
		metrics.Notification("supervisor", "repaired")
	}
	for _, id := range jobs {
		if _, err := cfg.Repository.RefreshBulkJob(ctx, id); err != nil {
			log.WithFields(log.Fields{
				"event":  "bulk_job_refresh_failed",
				"worker": workerID,
				"job":    id,
			}).Error(err)
			return repaired, err
		}
	}
	log.WithFields(log.Fields{
		"event":  "stale_notification_repair",
		"worker": workerID,
	}).Debug("select and repair stale notifications:", repaired)
	return repaired, nil
}

// Clean deletes delivered notifications older than the expiration.
func Clean(ctx context.Context, cfg *Config) (int, error) {
	cleaned, err := cfg.Repository.CleanOldNotifications(ctx, cfg.Expiration)
	err = cfg.Monkey.RandomizeError(err)
	if err != nil {
		log.WithFields(log.Fields{
			"event":  "clean_table_failed",
			"worker": "db_cleaner",
		}).Error(err)
		return 0, err
	}
	log.WithFields(log.Fields{
		"event":  "clean_table",
		"worker": "db_cleaner",
	}).Info("cleaned rows:", cleaned)
	return cleaned, nil
}

// Reconcile verifies stale pending payments.
func Reconcile(ctx context.Context, cfg *Config) (int, error) {
	if cfg.Payments == nil {
		return 0, nil
	}
	settled, err := cfg.Payments.Reconcile(ctx, cfg.ReconcileAge, cfg.RepairBatchSize)
	if err != nil {
		log.WithFields(log.Fields{
			"event":  "payment_reconcile_failed",
			"worker": "reconciler",
		}).Error(err)
		return settled, err
	}
	log.WithFields(log.Fields{
		"event":  "payment_reconcile",
		"worker": "reconciler",
	}).Info("settled payments:", settled)
	return settled, nil
}

func worker(ctx context.Context, cfg *Config, workerID int, group *sync.WaitGroup) {
	interval := cfg.RepairInterval
	if interval == 0 {
		interval = 5 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			log.WithFields(log.Fields{
				"event":  "ctx_canceled",
				"worker": workerID,
			}).Info("exit goroutine")
			group.Done()
			return
		case <-time.After(interval):
			Repair(ctx, cfg, workerID)
		}
	}
}

// Schedule registers the cleaner and the payment reconciler on c.
func Schedule(ctx context.Context, cfg *Config, c *cron.Cron) error {
	if _, err := c.AddFunc(cfg.CleanSchedule, func() { Clean(ctx, cfg) }); err != nil {
		return err
	}
	if cfg.Payments == nil || cfg.ReconcileSchedule == "" {
		return nil
	}
	_, err := c.AddFunc(cfg.ReconcileSchedule, func() { Reconcile(ctx, cfg) })
	return err
}

func scheduler(ctx context.Context, c *cron.Cron, group *sync.WaitGroup) {
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	log.WithFields(log.Fields{
		"event":  "ctx_canceled",
		"worker": "cron",
	}).Info("exit goroutine")
	group.Done()
}

// Run ...
func Run(ctx context.Context, cfg *Config, group *sync.WaitGroup) error {
	log.WithFields(log.Fields{
		"event": "start_service",
	}).Info("starting ", cfg.Workers, " workers with ", cfg.Expiration, "s expiration time")
	c := cron.New(cron.WithLocation(time.UTC))
	if err := Schedule(ctx, cfg, c); err != nil {
		return err
	}
	group.Add(1)
	go scheduler(ctx, c, group)
	for wrk := 1; wrk <= cfg.Workers; wrk++ {
		group.Add(1)
		go worker(ctx, cfg, wrk, group)
	}
	return nil
}
