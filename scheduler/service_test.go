package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freundallein/acm/backend/chassis/protocol"
	"github.com/freundallein/acm/backend/chassis/queue"
	"github.com/freundallein/acm/backend/chassis/storage"
	"github.com/freundallein/acm/backend/chassis/storage/storagetest"
)

func setup(t *testing.T) (*storagetest.MemoryStore, *queue.MemoryQueue, *Config) {
	store := storagetest.NewMemoryStore(storage.RetryPolicy{MaxAttempts: 2})
	require.NoError(t, store.SaveTemplate(context.Background(), &storage.EmailTemplate{
		Code:    "welcome",
		Subject: "Hi {{.name}}",
		HTML:    "<b>{{.name}}</b>",
		Text:    "{{.name}}",
	}))
	q := queue.NewMemoryQueue(10, 10*time.Millisecond)
	return store, q, &Config{Queue: q, Repository: store, Workers: 1, Idle: 10 * time.Millisecond}
}

func TestTickPublishesRenderedEmail(t *testing.T) {
	store, q, cfg := setup(t)
	ctx := context.Background()
	n := &storage.Notification{To: "a@example.com", Template: "welcome", Context: map[string]string{"name": "Sara"}}
	require.NoError(t, store.Enqueue(ctx, n))

	require.NoError(t, Tick(ctx, cfg, 1))
	msg, err := q.ReceiveMessage(ctx)
	require.NoError(t, err)
	request := &protocol.Request{}
	require.NoError(t, request.FromJSON(msg.Body))
	assert.Equal(t, protocol.MethodDeliver, request.Method)
	assert.Equal(t, "1", request.Params["attempt"])
	assert.Equal(t, "a@example.com", request.Params["to"])
	assert.Equal(t, "Hi Sara", request.Params["subject"])
	assert.Equal(t, "<b>Sara</b>", request.Params["html"])

	stored, err := store.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ACQUIRED, stored.State)

	assert.ErrorIs(t, Tick(ctx, cfg, 1), storage.ErrNotFound)
}

func TestTickFailsUnrenderableNotification(t *testing.T) {
	store, q, cfg := setup(t)
	ctx := context.Background()
	n := &storage.Notification{To: "a@example.com", Template: "missing"}
	require.NoError(t, store.Enqueue(ctx, n))

	require.NoError(t, Tick(ctx, cfg, 1))
	assert.Equal(t, 0, q.Len())
	stored, err := store.GetNotification(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ERROR, stored.State)
	assert.Contains(t, stored.Error, "missing")
}

func TestUnrenderableBulkJobFinishes(t *testing.T) {
	store := storagetest.NewMemoryStore(storage.RetryPolicy{MaxAttempts: 1})
	q := queue.NewMemoryQueue(10, 10*time.Millisecond)
	cfg := &Config{Queue: q, Repository: store, Workers: 1}
	ctx := context.Background()
	job := &storage.BulkJob{Template: "missing"}
	require.NoError(t, store.CreateBulkJob(ctx, job, []storage.BulkRecipient{{To: "a@example.com"}}))

	require.NoError(t, Tick(ctx, cfg, 1))
	assert.Equal(t, 0, q.Len())
	refreshed, err := store.GetBulkJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", refreshed.Status)
	assert.Equal(t, 1, refreshed.Failed)
	assert.NotNil(t, refreshed.FinishedAt)
}

func TestRunStopsOnCancel(t *testing.T) {
	store, q, cfg := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, store.Enqueue(ctx, &storage.Notification{To: "a@example.com", Template: "welcome"}))

	var group sync.WaitGroup
	Run(ctx, cfg, &group)
	assert.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	group.Wait()
}
