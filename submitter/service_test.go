package submitter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freundallein/acm/backend/chassis/protocol"
	"github.com/freundallein/acm/backend/chassis/queue"
	"github.com/freundallein/acm/backend/chassis/storage"
	"github.com/freundallein/acm/backend/chassis/storage/storagetest"
	"github.com/freundallein/acm/backend/notification"
)

func setup(t *testing.T) (*storagetest.MemoryStore, *Config) {
	store := storagetest.NewMemoryStore(storage.RetryPolicy{MaxAttempts: 3, Step: 1})
	ctx := context.Background()
	require.NoError(t, store.SaveTemplate(ctx, &storage.EmailTemplate{Code: "welcome", Subject: "Hi", HTML: "{{.name}}"}))
	require.NoError(t, store.SaveTemplate(ctx, &storage.EmailTemplate{Code: notification.TemplateStatusChange, Subject: "{{.status}}", HTML: "{{.status}}"}))
	return store, &Config{
		Queue:   queue.NewMemoryQueue(10, 10*time.Millisecond),
		Service: notification.New(store),
		Workers: 1,
	}
}

func push(t *testing.T, q queue.Client, request *protocol.Request) {
	body, err := request.JSON()
	require.NoError(t, err)
	require.NoError(t, q.SendMessage(context.Background(), body))
}

func TestSubmitSingleAndStatus(t *testing.T) {
	store, cfg := setup(t)
	ctx := context.Background()

	n, err := Submit(ctx, cfg.Service, &protocol.Request{Method: protocol.MethodSingle, Params: map[string]string{
		"to": "a@example.com", "template": "welcome", "subject": "Custom", "data.name": "Sara",
	}})
	require.NoError(t, err)
	stored, err := store.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "welcome", stored.Template)
	assert.Equal(t, "Custom", stored.SubjectOverride)
	assert.Equal(t, map[string]string{"name": "Sara"}, stored.Context)

	n, err = Submit(ctx, cfg.Service, &protocol.Request{Method: protocol.MethodStatus, Params: map[string]string{
		"to": "a@example.com", "status": "ACCEPTED",
	}})
	require.NoError(t, err)
	assert.Equal(t, notification.TemplateStatusChange, n.Template)
	assert.Equal(t, "ACCEPTED", n.Context["status"])

	_, err = Submit(ctx, cfg.Service, &protocol.Request{Method: "submit:export", Params: map[string]string{"to": "a@example.com"}})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestProcessAcknowledgesRejectedRequests(t *testing.T) {
	store, cfg := setup(t)
	ctx := context.Background()
	push(t, cfg.Queue, &protocol.Request{Method: protocol.MethodSingle, Params: map[string]string{"to": "a@example.com", "template": "nope"}})
	push(t, cfg.Queue, &protocol.Request{Method: protocol.MethodSingle, Params: map[string]string{"to": "a@example.com", "template": "welcome"}})

	require.NoError(t, Process(ctx, cfg, 1))
	require.NoError(t, Process(ctx, cfg, 1))
	assert.ErrorIs(t, Process(ctx, cfg, 1), queue.ErrNoMessage)

	n, err := store.SelectNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, "welcome", n.Template)
	_, err = store.SelectNotification(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
