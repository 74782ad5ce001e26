package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freundallein/acm/backend/chassis/storage"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	return c.now
}

func newTestStore() (*MemoryStore, *clock) {
	c := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(storage.RetryPolicy{MaxAttempts: 2, Step: 5, MaxBackoff: 300})
	store.SetClock(c.Now)
	return store, c
}

func TestOutboxRetriesUntilCritical(t *testing.T) {
	ctx := context.Background()
	store, c := newTestStore()

	n := &storage.Notification{To: "a@example.com", Template: "otp_email", Context: map[string]string{"code": "123456"}}
	require.NoError(t, store.Enqueue(ctx, n))
	assert.Equal(t, storage.SCHEDULED, n.State)

	acquired, err := store.SelectNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ACQUIRED, acquired.State)
	assert.Equal(t, 1, acquired.Attempts)

	_, err = store.SelectNotification(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	failed, err := store.SetNotificationResult(ctx, &storage.Result{ID: n.ID, Attempt: 1, Error: "smtp down"})
	require.NoError(t, err)
	assert.Equal(t, storage.ERROR, failed.State)
	assert.Equal(t, "queued", failed.Status())

	// backoff of 5 seconds for the first attempt
	_, err = store.SelectNotification(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	c.now = c.now.Add(6 * time.Second)

	acquired, err = store.SelectNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, acquired.Attempts)

	_, err = store.SetNotificationResult(ctx, &storage.Result{ID: n.ID, Attempt: 1})
	assert.ErrorIs(t, err, storage.ErrStaleResult)

	failed, err = store.SetNotificationResult(ctx, &storage.Result{ID: n.ID, Attempt: 2, Error: "smtp down"})
	require.NoError(t, err)
	assert.Equal(t, storage.CRITICAL_ERROR, failed.State)
	assert.Equal(t, "failed", failed.Status())
}

func TestBulkJobAggregates(t *testing.T) {
	ctx := context.Background()
	store, c := newTestStore()

	job := &storage.BulkJob{Template: "reminder", JobType: "reminder"}
	recipients := []storage.BulkRecipient{{To: "a@example.com"}, {To: "b@example.com"}}
	require.NoError(t, store.CreateBulkJob(ctx, job, recipients))
	assert.Equal(t, 2, job.Total)
	assert.Equal(t, "queued", job.Status)

	first, err := store.SelectNotification(ctx)
	require.NoError(t, err)
	_, err = store.SetNotificationResult(ctx, &storage.Result{ID: first.ID, Attempt: 1})
	require.NoError(t, err)

	refreshed, err := store.RefreshBulkJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "running", refreshed.Status)
	assert.Equal(t, 1, refreshed.Sent)
	assert.Nil(t, refreshed.FinishedAt)

	c.now = c.now.Add(time.Hour)
	cleaned, err := store.CleanOldNotifications(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, 0, cleaned, "rows of running jobs are kept")

	second, err := store.SelectNotification(ctx)
	require.NoError(t, err)
	_, err = store.SetNotificationResult(ctx, &storage.Result{ID: second.ID, Attempt: 1})
	require.NoError(t, err)

	refreshed, err = store.RefreshBulkJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "done", refreshed.Status)
	assert.Equal(t, 2, refreshed.Sent)
	assert.NotNil(t, refreshed.FinishedAt)

	c.now = c.now.Add(time.Hour)
	cleaned, err = store.CleanOldNotifications(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, 2, cleaned)
}

func TestRepairStaleNotifications(t *testing.T) {
	ctx := context.Background()
	store, c := newTestStore()

	require.NoError(t, store.Enqueue(ctx, &storage.Notification{To: "a@example.com", Template: "status_change"}))
	_, err := store.SelectNotification(ctx)
	require.NoError(t, err)

	job := &storage.BulkJob{Template: "status_change"}
	require.NoError(t, store.CreateBulkJob(ctx, job, []storage.BulkRecipient{{To: "b@example.com"}}))
	_, err = store.SelectNotification(ctx)
	require.NoError(t, err)

	repaired, jobs, err := store.RepairStaleNotifications(ctx, 300, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, repaired)
	assert.Empty(t, jobs)

	c.now = c.now.Add(10 * time.Minute)
	repaired, jobs, err = store.RepairStaleNotifications(ctx, 300, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, repaired)
	assert.Equal(t, []int64{job.ID}, jobs)
}

func TestAtomicRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	user := &storage.User{Email: "a@example.com"}
	require.NoError(t, store.CreateUser(ctx, user))

	failure := errors.New("boom")
	err := store.Atomic(ctx, func(tx storage.Store) error {
		renamed := *user
		renamed.FirstName = "Ada"
		require.NoError(t, tx.UpdateUser(ctx, &renamed))
		require.NoError(t, tx.CreateUser(ctx, &storage.User{Email: "b@example.com"}))
		return failure
	})
	assert.Equal(t, failure, err)

	stored, err := store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.FirstName)
	_, err = store.GetUserByEmail(ctx, "b@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAtomicKeepCommits(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	failure := errors.New("gateway refused")
	err := store.Atomic(ctx, func(tx storage.Store) error {
		require.NoError(t, tx.CreateUser(ctx, &storage.User{Email: "a@example.com"}))
		return storage.Keep(failure)
	})
	assert.Equal(t, failure, err)
	_, err = store.GetUserByEmail(ctx, "a@example.com")
	assert.NoError(t, err)
}

func TestAtomicSavepoint(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	err := store.Atomic(ctx, func(tx storage.Store) error {
		require.NoError(t, tx.CreateUser(ctx, &storage.User{Email: "outer@example.com"}))
		inner := tx.Atomic(ctx, func(sp storage.Store) error {
			require.NoError(t, sp.CreateUser(ctx, &storage.User{Email: "inner@example.com"}))
			return errors.New("hook failed")
		})
		assert.Error(t, inner)
		return nil
	})
	require.NoError(t, err)

	_, err = store.GetUserByEmail(ctx, "outer@example.com")
	assert.NoError(t, err)
	_, err = store.GetUserByEmail(ctx, "inner@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCourseSeatsAndAccess(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	child := &storage.Course{Name: "Graphs", Slug: "graphs", Capacity: 1, IsActive: true}
	store.AddCourse(child)
	parent := &storage.Course{Name: "Algorithms", Slug: "algo", Capacity: 10, IsActive: true, ChildIDs: []int64{child.ID}}
	store.AddCourse(parent)

	reg := &storage.Registration{CourseID: parent.ID, UserID: 7, Status: storage.REG_FINAL}
	require.NoError(t, store.CreateRegistration(ctx, reg))
	require.NoError(t, store.ReplaceRegistrationItems(ctx, reg.ID, []storage.RegistrationItem{{ChildCourseID: child.ID, Price: 100}}))

	used, err := store.CountFinalSeats(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, used)

	owned, err := store.OwnedCourseIDs(ctx, 7)
	require.NoError(t, err)
	assert.True(t, owned[parent.ID])
	assert.True(t, owned[child.ID])

	ok, err := store.HasCourseAccess(ctx, 7, child.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.HasCourseAccess(ctx, 8, child.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	err = store.CreateRegistration(ctx, &storage.Registration{CourseID: parent.ID, UserID: 7})
	assert.ErrorIs(t, err, storage.ErrDuplicate)
}

func TestUsersAreCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	user := &storage.User{Email: "  Ada@Example.com ", IsActive: true}
	require.NoError(t, store.CreateUser(ctx, user))
	assert.Equal(t, "ada@example.com", user.Email)

	found, err := store.GetUserByEmail(ctx, "ADA@example.COM")
	require.NoError(t, err)
	assert.Equal(t, user.ID, found.ID)

	err = store.CreateUser(ctx, &storage.User{Email: "ada@example.com"})
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	_, err = store.GetUser(ctx, 999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
