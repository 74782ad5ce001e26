package worker

import (
	"context"
	"errors"

	log "github.com/freundallein/acm/backend/chassis/logging"
	"github.com/freundallein/acm/backend/chassis/metrics"
	"github.com/freundallein/acm/backend/chassis/protocol"
	"github.com/freundallein/acm/backend/notification"
)

// Handler turns one request into its response.
type Handler func(ctx context.Context, request *protocol.Request) *protocol.Response

// HandleDeliver sends the email carried by request through provider.
func HandleDeliver(provider notification.Provider, workerID int) Handler {
	return func(ctx context.Context, request *protocol.Request) *protocol.Response {
		email := &notification.Email{
			To:      request.Params["to"],
			Subject: request.Params["subject"],
			HTML:    request.Params["html"],
			Text:    request.Params["text"],
		}
		if email.To == "" {
			return protocol.NewError(request, "1", errors.New("no recipient"))
		}
		if err := provider.Send(ctx, email); err != nil {
			log.WithFields(log.Fields{
				"event":        "send_failed",
				"worker":       workerID,
				"notification": request.ID,
				"attempt":      request.Params["attempt"],
			}).Error(err)
			metrics.Notification("worker", "failed")
			return protocol.NewError(request, "2", err)
		}
		log.WithFields(log.Fields{
			"event":        "notification_sent",
			"worker":       workerID,
			"notification": request.ID,
			"attempt":      request.Params["attempt"],
		}).Info("successfully sent email")
		metrics.Notification("worker", "sent")
		return protocol.NewResult(request, map[string]string{"result": "success"})
	}
}
