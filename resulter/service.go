package resulter

import (
	"context"
	"strconv"
	"sync"

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
}

// ResultOf converts a worker response into a delivery result.
func ResultOf(response *protocol.Response) (*storage.Result, error) {
	id, err := strconv.ParseInt(response.ID, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "notification id %q", response.ID)
	}
	fields := response.Result
	if response.Failed() {
		fields = response.Error
	}
	attempt, err := strconv.Atoi(fields["attempt"])
	if err != nil {
		return nil, errors.Wrapf(err, "attempt %q", fields["attempt"])
	}
	result := &storage.Result{ID: id, Attempt: attempt}
	if response.Failed() {
		result.Error = response.Error["message"]
		if result.Error == "" {
			result.Error = "delivery failed"
		}
	}
	return result, nil
}

// Process handles one message; stale and broken results are dropped.
func Process(ctx context.Context, cfg *Config, workerID int) error {
	cli := cfg.Queue
	msg, err := cli.ReceiveMessage(ctx)
	err = cfg.Monkey.RandomizeError(err)
	if err != nil {
		return err
	}
	response := &protocol.Response{}
	result, err := func() (*storage.Result, error) {
		if err := response.FromJSON(msg.Body); err != nil {
			return nil, err
		}
		return ResultOf(response)
	}()
	if err != nil {
		log.WithFields(log.Fields{
			"event":  "received_broken_message",
			"worker": workerID,
		}).Error(err)
		return cli.Acknowledge(ctx, msg)
	}
	n, err := notification.Record(ctx, cfg.Repository, result)
	err = cfg.Monkey.RandomizeError(err)
	switch {
	case errors.Is(err, storage.ErrStaleResult):
		log.WithFields(log.Fields{
			"event":   "stale_result",
			"worker":  workerID,
			"taskID":  response.ID,
			"attempt": result.Attempt,
		}).Warn("result does not match an acquired notification")
	case err != nil:
		log.WithFields(log.Fields{
			"event":  "result_error",
			"worker": workerID,
			"taskID": response.ID,
		}).Error(err)
		return err
	default:
		log.WithFields(log.Fields{
			"event":  "result_to_storage",
			"worker": workerID,
			"taskID": response.ID,
			"state":  n.State,
		}).Info("save result to storage")
		metrics.Notification("resulter", string(n.State))
	}
	err = cli.Acknowledge(ctx, msg)
	return cfg.Monkey.RandomizeError(err)
}

func worker(ctx context.Context, cfg *Config, workerID int, group *sync.WaitGroup) {
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
			err := Process(ctx, cfg, workerID)
			if err != nil && !errors.Is(err, queue.ErrNoMessage) && ctx.Err() == nil {
				log.WithFields(log.Fields{
					"event":  "receive_failed",
					"worker": workerID,
				}).Error(err)
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
