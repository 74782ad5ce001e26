package worker

import (
	"context"
	"errors"
	"sync"

	log "github.com/freundallein/acm/backend/chassis/logging"
	"github.com/freundallein/acm/backend/chassis/monkey"
	"github.com/freundallein/acm/backend/chassis/protocol"
	"github.com/freundallein/acm/backend/chassis/queue"
	"github.com/freundallein/acm/backend/notification"
)

// Config ...
type Config struct {
	QueueSrc queue.Client
	QueueDst queue.Client
	Provider notification.Provider
	Workers  int
	Monkey   *monkey.Monkey
}

// Process handles one message from the source queue. Broken and unknown
// messages are acknowledged and dropped.
func Process(ctx context.Context, cfg *Config, workerID int, handlers map[string]Handler) error {
	cliSrc := cfg.QueueSrc
	msg, err := cliSrc.ReceiveMessage(ctx)
	err = cfg.Monkey.RandomizeError(err)
	if err != nil {
		return err
	}
	request := &protocol.Request{}
	if err := request.FromJSON(msg.Body); err != nil {
		log.WithFields(log.Fields{
			"event":  "receive_broken_message",
			"worker": workerID,
		}).Error(err)
		return cliSrc.Acknowledge(ctx, msg)
	}
	handler, ok := handlers[request.Method]
	if !ok {
		log.WithFields(log.Fields{
			"event":  "handler_not_found",
			"worker": workerID,
			"taskID": request.ID,
		}).Error(request.Method)
		return cliSrc.Acknowledge(ctx, msg)
	}
	log.WithFields(log.Fields{
		"event":  "receive_message",
		"worker": workerID,
	}).Info(request)
	response := handler(ctx, request)

	jsonMsg, err := response.JSON()
	err = cfg.Monkey.RandomizeError(err)
	if err != nil {
		return err
	}
	err = cfg.QueueDst.SendMessage(ctx, jsonMsg)
	err = cfg.Monkey.RandomizeError(err)
	if err != nil {
		log.WithFields(log.Fields{
			"event":  "result_send_failed",
			"worker": workerID,
			"taskID": request.ID,
		}).Error(err)
		return err
	}
	err = cliSrc.Acknowledge(ctx, msg)
	return cfg.Monkey.RandomizeError(err)
}

func worker(ctx context.Context, cfg *Config, workerID int, group *sync.WaitGroup) {
	handlers := map[string]Handler{
		protocol.MethodDeliver: HandleDeliver(cfg.Provider, workerID),
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
			err := Process(ctx, cfg, workerID, handlers)
			if err != nil && !errors.Is(err, queue.ErrNoMessage) && ctx.Err() == nil {
				log.WithFields(log.Fields{
					"event":  "process_failed",
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
