package storage

import (
	"context"

	"github.com/jackc/pgx/v4"
)

const notificationColumns = `id, channel, recipient, template, context, subject_override, job_id,
	state, attempts, error, created_dt, updated_dt, sent_at`

const bulkJobColumns = `id, job_type, template, status, total, sent, failed, created_at, started_at, finished_at`

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.Channel,
		&n.To,
		&n.Template,
		&n.Context,
		&n.SubjectOverride,
		&n.JobID,
		&n.State,
		&n.Attempts,
		&n.Error,
		&n.CreatedDt,
		&n.UpdatedDt,
		&n.SentAt,
	)
	if err != nil {
		return nil, err
	}
	if n.Context == nil {
		n.Context = map[string]string{}
	}
	return &n, nil
}

func scanBulkJob(row pgx.Row) (*BulkJob, error) {
	var j BulkJob
	err := row.Scan(&j.ID, &j.JobType, &j.Template, &j.Status, &j.Total, &j.Sent, &j.Failed, &j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// GetTemplate - ...
func (s *PGStore) GetTemplate(ctx context.Context, code string) (*EmailTemplate, error) {
	var t EmailTemplate
	err := s.db.QueryRow(ctx, `select id, code, subject, html, text from email_templates where code = $1`, code).
		Scan(&t.ID, &t.Code, &t.Subject, &t.HTML, &t.Text)
	if err != nil {
		return nil, translate(err, "get template %s", code)
	}
	return &t, nil
}

// SaveTemplate - insert or update by code
func (s *PGStore) SaveTemplate(ctx context.Context, t *EmailTemplate) error {
	query := `
	insert into email_templates(code, subject, html, text)
	values ($1, $2, $3, $4)
	on conflict (code) do update set
		subject = excluded.subject,
		html = excluded.html,
		text = excluded.text,
		updated_at = now()
	returning id`
	err := s.db.QueryRow(ctx, query, t.Code, t.Subject, t.HTML, t.Text).Scan(&t.ID)
	return translate(err, "save template %s", t.Code)
}

// Enqueue - ...
func (s *PGStore) Enqueue(ctx context.Context, n *Notification) error {
	if n.Channel == "" {
		n.Channel = "email"
	}
	if n.Context == nil {
		n.Context = map[string]string{}
	}
	query := `
	insert into notifications(channel, recipient, template, context, subject_override, job_id, state, delayed_dt)
	values ($1, $2, $3, $4, $5, $6, 'SCHEDULED', now())
	returning id, state, created_dt, updated_dt`
	err := s.db.QueryRow(ctx, query, n.Channel, n.To, n.Template, n.Context, n.SubjectOverride, n.JobID).
		Scan(&n.ID, &n.State, &n.CreatedDt, &n.UpdatedDt)
	return translate(err, "enqueue notification to %s", n.To)
}

// GetNotification - ...
func (s *PGStore) GetNotification(ctx context.Context, id int64) (*Notification, error) {
	n, err := scanNotification(s.db.QueryRow(ctx, `select `+notificationColumns+` from notifications where id = $1`, id))
	return n, translate(err, "get notification %d", id)
}

// SelectNotification - acquires one due record, ErrNotFound when idle
func (s *PGStore) SelectNotification(ctx context.Context) (*Notification, error) {
	query := `
	with task as (
		select id from notifications
		where state in ('SCHEDULED', 'ERROR')
			and (delayed_dt is null or delayed_dt <= now())
		order by id
		limit 1 for update skip locked
	) update notifications
	set
		state = 'ACQUIRED',
		updated_dt = now(),
		delayed_dt = null,
		attempts = notifications.attempts + 1
	from task
	where notifications.id = task.id
	returning ` + prefixed("notifications", notificationColumns)
	n, err := scanNotification(s.db.QueryRow(ctx, query))
	return n, translate(err, "select notification")
}

// SetNotificationResult - SUCCESS, or ERROR with backoff until the retry policy runs out
func (s *PGStore) SetNotificationResult(ctx context.Context, result *Result) (*Notification, error) {
	var row pgx.Row
	if result.Error == "" {
		query := `
		update notifications
		set
			state = 'SUCCESS',
			error = '',
			sent_at = now(),
			updated_dt = now(),
			delayed_dt = null
		where id = $1 and state = 'ACQUIRED' and attempts = $2
		returning ` + notificationColumns
		row = s.db.QueryRow(ctx, query, result.ID, result.Attempt)
	} else {
		query := `
		update notifications
		set
			state = CASE WHEN attempts < $1 THEN 'ERROR' ELSE 'CRITICAL_ERROR' END,
			error = $2,
			updated_dt = now(),
			delayed_dt = CASE WHEN attempts < $1
				THEN now() + least($3::int * attempts, $4::int) * interval '1 second'
				ELSE null END
		where id = $5 and state = 'ACQUIRED' and attempts = $6
		returning ` + notificationColumns
		row = s.db.QueryRow(ctx, query,
			s.retry.MaxAttempts, result.Error, s.retry.Step, s.retry.MaxBackoff, result.ID, result.Attempt)
	}
	n, err := scanNotification(row)
	if err == pgx.ErrNoRows {
		return nil, ErrStaleResult
	}
	return n, translate(err, "set result %d", result.ID)
}

// RepairStaleNotifications - ...
func (s *PGStore) RepairStaleNotifications(ctx context.Context, timeout int, batchSize int) (int, []int64, error) {
	query := `
	with tasks as (
		select id, attempts
		from notifications where state = 'ACQUIRED' and updated_dt < now() - $1::int * interval '1 second'
		limit $2 for update skip locked
	) update notifications
	set
		state = CASE WHEN notifications.attempts < $3 THEN 'ERROR' ELSE 'CRITICAL_ERROR' END,
		updated_dt = now(),
		delayed_dt = CASE WHEN notifications.attempts < $3
			THEN now() + least($4::int * notifications.attempts, $5::int) * interval '1 second'
			ELSE null END,
		error = 'stale delivery'
	from tasks
	where notifications.id = tasks.id
	returning notifications.job_id`
	rows, err := s.db.Query(ctx, query, timeout, batchSize, s.retry.MaxAttempts, s.retry.Step, s.retry.MaxBackoff)
	if err != nil {
		return 0, nil, translate(err, "repair stale notifications")
	}
	defer rows.Close()
	repaired := 0
	jobIDs := []int64{}
	seen := map[int64]bool{}
	for rows.Next() {
		var jobID *int64
		if err := rows.Scan(&jobID); err != nil {
			return 0, nil, translate(err, "scan repaired notification")
		}
		repaired++
		if jobID != nil && !seen[*jobID] {
			seen[*jobID] = true
			jobIDs = append(jobIDs, *jobID)
		}
	}
	return repaired, jobIDs, translate(rows.Err(), "repair stale notifications")
}

// CleanOldNotifications - deletes delivered records outside of unfinished bulk jobs
func (s *PGStore) CleanOldNotifications(ctx context.Context, expiration int) (int, error) {
	query := `
	delete from notifications n
	where
		n.state = 'SUCCESS' and
		n.updated_dt < now() - $1::int * interval '1 second' and
		(n.job_id is null or exists (
			select 1 from bulk_jobs j where j.id = n.job_id and j.status = 'done'
		))`
	tag, err := s.db.Exec(ctx, query, expiration)
	if err != nil {
		return 0, translate(err, "clean notifications")
	}
	return int(tag.RowsAffected()), nil
}

// CreateBulkJob - one outbox record per recipient
func (s *PGStore) CreateBulkJob(ctx context.Context, job *BulkJob, recipients []BulkRecipient) error {
	if job.JobType == "" {
		job.JobType = "generic"
	}
	job.Total = len(recipients)
	job.Status = "queued"
	query := `
	insert into bulk_jobs(job_type, template, status, total)
	values ($1, $2, $3, $4)
	returning id, created_at`
	if err := s.db.QueryRow(ctx, query, job.JobType, job.Template, job.Status, job.Total).Scan(&job.ID, &job.CreatedAt); err != nil {
		return translate(err, "create bulk job")
	}
	for _, r := range recipients {
		n := &Notification{
			To:       r.To,
			Template: job.Template,
			Context:  r.Context,
			JobID:    &job.ID,
		}
		if err := s.Enqueue(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// GetBulkJob - ...
func (s *PGStore) GetBulkJob(ctx context.Context, id int64) (*BulkJob, error) {
	job, err := scanBulkJob(s.db.QueryRow(ctx, `select `+bulkJobColumns+` from bulk_jobs where id = $1`, id))
	return job, translate(err, "get bulk job %d", id)
}

// RefreshBulkJob - recomputes counters from the outbox, done when nothing is pending
func (s *PGStore) RefreshBulkJob(ctx context.Context, id int64) (*BulkJob, error) {
	query := `
	with counts as (
		select
			count(*) filter (where state = 'SUCCESS') as sent,
			count(*) filter (where state = 'CRITICAL_ERROR') as failed,
			count(*) filter (where state in ('SCHEDULED', 'ACQUIRED', 'ERROR')) as pending
		from notifications where job_id = $1
	) update bulk_jobs j
	set
		sent = counts.sent,
		failed = counts.failed,
		status = CASE WHEN counts.pending = 0 THEN 'done' ELSE 'running' END,
		started_at = coalesce(j.started_at, now()),
		finished_at = CASE WHEN counts.pending = 0 THEN coalesce(j.finished_at, now()) ELSE null END
	from counts
	where j.id = $1
	returning ` + prefixed("j", bulkJobColumns)
	job, err := scanBulkJob(s.db.QueryRow(ctx, query, id))
	return job, translate(err, "refresh bulk job %d", id)
}
