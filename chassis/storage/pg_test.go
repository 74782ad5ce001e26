package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sqlQuerier serves the pgx querier interface from a database/sql handle
// so queries can be checked with sqlmock.
type sqlQuerier struct {
	db *sql.DB
}

func driverArgs(args []interface{}) []interface{} {
	out := make([]interface{}, len(args))
	for i, arg := range args {
		switch arg.(type) {
		case map[string]interface{}, map[string]string:
			bin, _ := json.Marshal(arg)
			out[i] = bin
		default:
			out[i] = arg
		}
	}
	return out
}

func (q *sqlQuerier) Exec(ctx context.Context, query string, args ...interface{}) (pgconn.CommandTag, error) {
	res, err := q.db.ExecContext(ctx, query, driverArgs(args)...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	return pgconn.CommandTag(fmt.Sprintf("UPDATE %d", n)), nil
}

func (q *sqlQuerier) Query(ctx context.Context, query string, args ...interface{}) (pgx.Rows, error) {
	rows, err := q.db.QueryContext(ctx, query, driverArgs(args)...)
	if err != nil {
		return nil, err
	}
	return &sqlRows{rows: rows}, nil
}

func (q *sqlQuerier) QueryRow(ctx context.Context, query string, args ...interface{}) pgx.Row {
	rows, err := q.db.QueryContext(ctx, query, driverArgs(args)...)
	return &sqlRow{rows: rows, err: err}
}

type sqlRows struct {
	pgx.Rows
	rows *sql.Rows
}

func (r *sqlRows) Next() bool {
	return r.rows.Next()
}

func (r *sqlRows) Err() error {
	return r.rows.Err()
}

func (r *sqlRows) Close() {
	r.rows.Close()
}

func (r *sqlRows) Scan(dest ...interface{}) error {
	return scanInto(r.rows, dest)
}

type sqlRow struct {
	rows *sql.Rows
	err  error
}

func (r *sqlRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	defer r.rows.Close()
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return err
		}
		return pgx.ErrNoRows
	}
	return scanInto(r.rows, dest)
}

func scanInto(rows *sql.Rows, dest []interface{}) error {
	raw := make([]interface{}, len(dest))
	holders := make([]interface{}, len(dest))
	for i := range raw {
		holders[i] = &raw[i]
	}
	if err := rows.Scan(holders...); err != nil {
		return err
	}
	for i, d := range dest {
		if err := assign(d, raw[i]); err != nil {
			return err
		}
	}
	return nil
}

// assign mimics pgx decoding for the column types the store reads.
func assign(dest interface{}, src interface{}) error {
	dv := reflect.ValueOf(dest).Elem()
	if src == nil {
		dv.Set(reflect.Zero(dv.Type()))
		return nil
	}
	if bin, ok := src.([]byte); ok && dv.Kind() == reflect.Map {
		return json.Unmarshal(bin, dest)
	}
	if dv.Kind() == reflect.Ptr {
		ptr := reflect.New(dv.Type().Elem())
		if err := assign(ptr.Interface(), src); err != nil {
			return err
		}
		dv.Set(ptr)
		return nil
	}
	sv := reflect.ValueOf(src)
	if sv.Type().ConvertibleTo(dv.Type()) {
		dv.Set(sv.Convert(dv.Type()))
		return nil
	}
	return fmt.Errorf("cannot scan %T into %T", src, dest)
}

func newMockStore(t *testing.T, retry RetryPolicy) (*PGStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &PGStore{db: &sqlQuerier{db: db}, retry: retry}, mock
}

var stamp = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

func notificationRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "channel", "recipient", "template", "context", "subject_override",
		"job_id", "state", "attempts", "error", "created_dt", "updated_dt", "sent_at"})
}

func paymentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "user_id", "target_type", "target_id", "amount", "currency", "status",
		"authority", "ref_id", "card_pan", "card_hash", "zarinpal_code", "zarinpal_message", "description",
		"metadata", "created_at", "updated_at"})
}

func TestSelectNotificationAcquires(t *testing.T) {
	store, mock := newMockStore(t, RetryPolicy{MaxAttempts: 3})
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("limit 1 for update skip locked")).
		WillReturnRows(notificationRows().AddRow(int64(7), "email", "a@b.co", "otp_email", []byte(`{"code":"123456"}`),
			"", int64(4), "ACQUIRED", int64(1), "", stamp, stamp, nil))
	n, err := store.SelectNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n.ID)
	assert.Equal(t, ACQUIRED, n.State)
	assert.Equal(t, 1, n.Attempts)
	assert.Equal(t, "123456", n.Context["code"])
	require.NotNil(t, n.JobID)
	assert.Equal(t, int64(4), *n.JobID)
	assert.Nil(t, n.SentAt)

	mock.ExpectQuery(regexp.QuoteMeta("limit 1 for update skip locked")).
		WillReturnRows(notificationRows())
	_, err = store.SelectNotification(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetNotificationResultUsesRetryPolicy(t *testing.T) {
	store, mock := newMockStore(t, RetryPolicy{MaxAttempts: 3, Step: 5, MaxBackoff: 60})
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("THEN 'ERROR' ELSE 'CRITICAL_ERROR' END")).
		WithArgs(3, "smtp down", 5, 60, int64(7), 2).
		WillReturnRows(notificationRows().AddRow(int64(7), "email", "a@b.co", "otp_email", []byte(`{}`),
			"", nil, "ERROR", int64(2), "smtp down", stamp, stamp, nil))
	n, err := store.SetNotificationResult(ctx, &Result{ID: 7, Attempt: 2, Error: "smtp down"})
	require.NoError(t, err)
	assert.Equal(t, ERROR, n.State)
	assert.Nil(t, n.JobID)

	mock.ExpectQuery(regexp.QuoteMeta("state = 'SUCCESS'")).
		WithArgs(int64(7), 1).
		WillReturnRows(notificationRows())
	_, err = store.SetNotificationResult(ctx, &Result{ID: 7, Attempt: 1})
	assert.Equal(t, ErrStaleResult, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepairStaleNotificationsReportsJobs(t *testing.T) {
	store, mock := newMockStore(t, RetryPolicy{MaxAttempts: 3, Step: 5, MaxBackoff: 60})

	mock.ExpectQuery(regexp.QuoteMeta("returning notifications.job_id")).
		WithArgs(300, 10, 3, 5, 60).
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}).
			AddRow(int64(4)).AddRow(nil).AddRow(int64(4)).AddRow(int64(9)))
	repaired, jobs, err := store.RepairStaleNotifications(context.Background(), 300, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, repaired)
	assert.Equal(t, []int64{4, 9}, jobs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanOldNotifications(t *testing.T) {
	store, mock := newMockStore(t, RetryPolicy{})
	mock.ExpectExec(regexp.QuoteMeta("delete from notifications n")).
		WithArgs(3600).
		WillReturnResult(sqlmock.NewResult(0, 5))
	cleaned, err := store.CleanOldNotifications(context.Background(), 3600)
	require.NoError(t, err)
	assert.Equal(t, 5, cleaned)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshBulkJob(t *testing.T) {
	store, mock := newMockStore(t, RetryPolicy{})
	mock.ExpectQuery(regexp.QuoteMeta("update bulk_jobs j")).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "job_type", "template", "status", "total", "sent", "failed",
			"created_at", "started_at", "finished_at"}).
			AddRow(int64(4), "generic", "status_change", "done", int64(2), int64(1), int64(1), stamp, stamp, stamp))
	job, err := store.RefreshBulkJob(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, "done", job.Status)
	assert.Equal(t, 1, job.Sent)
	assert.Equal(t, 1, job.Failed)
	require.NotNil(t, job.FinishedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentQueries(t *testing.T) {
	store, mock := newMockStore(t, RetryPolicy{})
	ctx := context.Background()
	row := func() *sqlmock.Rows {
		return paymentRows().AddRow(int64(3), int64(1), "COURSE", "12", int64(5000), "IRR", "PENDING", "A1",
			"", "", "", "", "", "", []byte(`{"reg_id":"12"}`), stamp, stamp)
	}

	mock.ExpectQuery(regexp.QuoteMeta("from payments where id = $1 for update")).
		WithArgs(int64(3)).
		WillReturnRows(row())
	p, err := store.LockPayment(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, PAYMENT_PENDING, p.Status)
	assert.Equal(t, TARGET_COURSE, p.TargetType)
	assert.Equal(t, "12", p.Metadata["reg_id"])

	mock.ExpectQuery(regexp.QuoteMeta("from payments where id = $1 for update")).
		WithArgs(int64(8)).
		WillReturnRows(paymentRows())
	_, err = store.LockPayment(ctx, 8)
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectQuery(`order by id limit \$2$`).
		WithArgs(sqlmock.AnyArg(), 50).
		WillReturnRows(row())
	stale, err := store.ListStalePendingPayments(ctx, stamp, 50)
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	mock.ExpectQuery(regexp.QuoteMeta("metadata ->> 'hook_error' is not null")).
		WithArgs(10).
		WillReturnRows(paymentRows())
	failed, err := store.ListHookFailedPayments(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePaymentDuplicate(t *testing.T) {
	store, mock := newMockStore(t, RetryPolicy{})
	mock.ExpectQuery(regexp.QuoteMeta("insert into payments")).
		WillReturnError(&pgconn.PgError{Code: uniqueViolation, ConstraintName: "payments_authority_key"})
	err := store.CreatePayment(context.Background(), &Payment{UserID: 1, Status: PAYMENT_PENDING, Authority: "A1"})
	assert.True(t, errors.Is(err, ErrDuplicate))
	assert.Contains(t, err.Error(), "payments_authority_key")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, Step: 5, MaxBackoff: 12}
	assert.Equal(t, 5, policy.Delay(1))
	assert.Equal(t, 10, policy.Delay(2))
	assert.Equal(t, 12, policy.Delay(3))
}

func TestPrefixed(t *testing.T) {
	assert.Equal(t, "j.id, j.status", prefixed("j", "id,\n\tstatus"))
}
