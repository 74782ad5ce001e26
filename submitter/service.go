package submitter

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/freundallein/acm/backend/chassis/apperr"
	log "github.com/freundallein/acm/backend/chassis/logging"
	"github.com/freundallein/acm/backend/chassis/metrics"
	"github.com/freundallein/acm/backend/chassis/monkey"
	"github.com/freundallein/acm/backend/chassis/protocol"
	"github.com/freundallein/acm/backend/chassis/queue"
	"github.com/freundallein/acm/backend/chassis/storage"
	"github.com/freundallein/acm/backend/notification"
)

// dataPrefix marks params copied into the template context.
const dataPrefix = "data."

// ErrUnsupported is returned for requests the submitter cannot queue.
var ErrUnsupported = errors.New("unsupported message")

// Config ...
type Config struct {
	Queue   queue.Client
	Service *notification.Service
	Workers int
	Monkey  *monkey.Monkey
}

func templateData(params map[string]string) map[string]string {
	data := map[string]string{}
	for key, value := range params {
		if strings.HasPrefix(key, dataPrefix) {
			data[strings.TrimPrefix(key, dataPrefix)] = value
		}
	}
	return data
}

// isClientError reports validation failures such as an unknown template.
func isClientError(err error) bool {
	_, ok := apperr.From(err)
	return ok
}

// Submit queues the email described by request.
//
//	email:single  to, template, subject?, data.*
//	email:status  to, status, data.*
func Submit(ctx context.Context, svc *notification.Service, request *protocol.Request) (*storage.Notification, error) {
	params := request.Params
	if params["to"] == "" {
		return nil, errors.Wrap(ErrUnsupported, "no recipient")
	}
	switch request.Method {
	case protocol.MethodSingle:
		if params["template"] == "" {
			return nil, errors.Wrap(ErrUnsupported, "no template")
		}
		return svc.Single(ctx, params["to"], params["template"], templateData(params), params["subject"])
	case protocol.MethodStatus:
		if params["status"] == "" {
			return nil, errors.Wrap(ErrUnsupported, "no status")
		}
		return svc.StatusChange(ctx, params["to"], params["status"], templateData(params))
	default:
		return nil, errors.Wrapf(ErrUnsupported, "method %q", request.Method)
	}
}

// Process handles one inbound message. Requests that can never be queued
// are acknowledged and dropped; storage failures leave the message for a
// redelivery.
func Process(ctx context.Context, cfg *Config, workerID int) error {
	cli := cfg.Queue
	msg, err := cli.ReceiveMessage(ctx)
	err = cfg.Monkey.RandomizeError(err)
	if err != nil {
		return err
	}
	request := protocol.Request{}
	if err := request.FromJSON(msg.Body); err != nil {
		log.WithFields(log.Fields{
			"event":  "received_broken_message",
			"worker": workerID,
		}).Error(err)
		return cli.Acknowledge(ctx, msg)
	}
	n, err := Submit(ctx, cfg.Service, &request)
	err = cfg.Monkey.RandomizeError(err)
	if err != nil {
		if errors.Is(err, ErrUnsupported) || isClientError(err) {
			log.WithFields(log.Fields{
				"event":  "unsupported_message",
				"worker": workerID,
				"method": request.Method,
			}).Error(err)
			metrics.Notification("submitter", "rejected")
			return cli.Acknowledge(ctx, msg)
		}
		log.WithFields(log.Fields{
			"event":  "submit_failed",
			"worker": workerID,
			"method": request.Method,
		}).Error(err)
		return err
	}
	log.WithFields(log.Fields{
		"event":        "submit_to_db",
		"worker":       workerID,
		"method":       request.Method,
		"notification": n.ID,
	}).Info("submit notification to storage")
	metrics.Notification("submitter", "queued")
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
