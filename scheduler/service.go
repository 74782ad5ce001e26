package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	log "github.com/freundallein/acm/backend/chassis/logging"
	"github.com/freundallein/acm/backend/chassis/metrics"
	"github.com/freundallein/acm/backend/chassis/monkey"
	"github.com/freundallein/acm/backend/chassis/protocol"
	"github.com/freundallein/acm/backend/chassis/queue"
	"github.com/freundallein/acm/backend/chassis/storage"
	"github.com/freundallein/acm/backend/notification"
)

// Config ...
type Config struct {
	Queue      queue.Client
	Repository storage.Notifications
	Workers    int
	Monkey     *monkey.Monkey
	// Idle is the pause after an empty poll, 5s when zero.
	Idle time.Duration
}

// DeliveryRequest packs a rendered email for the worker.
func DeliveryRequest(n *storage.Notification, email *notification.Email) *protocol.Request {
	return &protocol.Request{
		ID:     strconv.FormatInt(n.ID, 10),
		Method: protocol.MethodDeliver,
		Params: map[string]string{
			"attempt": strconv.Itoa(n.Attempts),
			"to":      email.To,
			"subject": email.Subject,
			"html":    email.HTML,
			"text":    email.Text,
		},
	}
}

// Tick acquires one due notification and publishes it. It returns
// storage.ErrNotFound when nothing is due.
func Tick(ctx context.Context, cfg *Config, workerID int) error {
	repo := cfg.Repository
	n, err := repo.SelectNotification(ctx)
	err = cfg.Monkey.RandomizeError(err)
	if err != nil {
		return err
	}
	email, err := notification.RenderNotification(ctx, repo, n)
	if err != nil {
		log.WithFields(log.Fields{
			"event":        "render_failed",
			"worker":       workerID,
			"notification": n.ID,
			"template":     n.Template,
		}).Error(err)
		metrics.Notification("scheduler", "render_failed")
		_, resErr := notification.Record(ctx, repo, &storage.Result{ID: n.ID, Attempt: n.Attempts, Error: err.Error()})
		return resErr
	}
	jsonMsg, err := DeliveryRequest(n, email).JSON()
	err = cfg.Monkey.RandomizeError(err)
	if err != nil {
		return errors.Wrapf(err, "serialize notification %d", n.ID)
	}
	err = cfg.Queue.SendMessage(ctx, jsonMsg)
	err = cfg.Monkey.RandomizeError(err)
	if err != nil {
		// the row stays ACQUIRED until the supervisor repairs it
		return errors.Wrapf(err, "publish notification %d", n.ID)
	}
	log.WithFields(log.Fields{
		"event":        "notification_scheduled",
		"worker":       workerID,
		"notification": n.ID,
		"attempt":      n.Attempts,
	}).Info("send notification to queue")
	metrics.Notification("scheduler", "published")
	return nil
}

func worker(ctx context.Context, cfg *Config, workerID int, group *sync.WaitGroup) {
	idle := cfg.Idle
	if idle == 0 {
		idle = 5 * time.Second
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
		default:
			err := Tick(ctx, cfg, workerID)
			if err == nil {
				continue
			}
			if errors.Is(err, storage.ErrNotFound) {
				log.WithFields(log.Fields{
					"event":  "no_notifications",
					"worker": workerID,
				}).Debug("nothing to schedule")
			} else {
				log.WithFields(log.Fields{
					"event":  "schedule_failed",
					"worker": workerID,
				}).Error(err)
			}
			select {
			case <-ctx.Done():
			case <-time.After(idle):
			}
		}
	}
}

// Run ...
func Run(ctx context.Context, cfg *Config, group *sync.WaitGroup) {
	log.WithFields(log.Fields{
		"event": "start_service",
	}).Info("starting ", cfg.Workers, " workers")
	for wrk := 1; wrk <= cfg.Workers; wrk++ {
		group.Add(1)
		go worker(ctx, cfg, wrk, group)
	}
}
