// Package notification queues templated emails into the outbox and
// renders them for delivery.
package notification

import (
	"context"
	"net/http"

	"github.com/pkg/errors"

	"github.com/freundallein/acm/backend/chassis/apperr"
	log "github.com/freundallein/acm/backend/chassis/logging"
	"github.com/freundallein/acm/backend/chassis/storage"
)

// Template codes used across the backend.
const (
	TemplateOTP          = "otp_email"
	TemplateStatusChange = "status_change"

	ChannelEmail = "email"
)

// Bulk job types.
var JobTypes = []string{"generic", "reminder", "invite"}

// Notifier is what other domains use to send mail.
type Notifier interface {
	QueueSingle(ctx context.Context, to string, code string, data map[string]string) error
}

// Service wraps the outbox repository.
type Service struct {
	repo storage.Notifications
}

// New ...
func New(repo storage.Notifications) *Service {
	return &Service{repo: repo}
}

// WithRepo returns a Service writing through repo, used inside transactions.
func (s *Service) WithRepo(repo storage.Notifications) *Service {
	return &Service{repo: repo}
}

func (s *Service) template(ctx context.Context, code string) (*storage.EmailTemplate, error) {
	tpl, err := s.repo.GetTemplate(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.Newf(apperr.NotifTemplateNotFound, http.StatusNotFound, "Email template %q not found", code)
	}
	return tpl, err
}

// Enqueue validates the template and stores one outbox record.
func (s *Service) Enqueue(ctx context.Context, n *storage.Notification) (*storage.Notification, error) {
	if n.Channel == "" {
		n.Channel = ChannelEmail
	}
	if n.Channel != ChannelEmail {
		return nil, apperr.Newf(apperr.NotifChannelNotImplemented, http.StatusBadRequest, "Channel %q is not implemented", n.Channel)
	}
	if _, err := s.template(ctx, n.Template); err != nil {
		return nil, err
	}
	if err := s.repo.Enqueue(ctx, n); err != nil {
		return nil, errors.Wrap(err, "enqueue notification")
	}
	log.WithContext(ctx).WithFields(map[string]interface{}{
		"event":        "notification_queued",
		"notification": n.ID,
		"template":     n.Template,
	}).Debug("queued")
	return n, nil
}

// Single queues a templated email.
func (s *Service) Single(ctx context.Context, to string, code string, data map[string]string, subjectOverride string) (*storage.Notification, error) {
	return s.Enqueue(ctx, &storage.Notification{
		To:              to,
		Template:        code,
		Context:         data,
		SubjectOverride: subjectOverride,
	})
}

// QueueSingle implements Notifier.
func (s *Service) QueueSingle(ctx context.Context, to string, code string, data map[string]string) error {
	_, err := s.Single(ctx, to, code, data, "")
	return err
}

// StatusChange queues the template named after status, or the generic
// status_change template when no such template exists.
func (s *Service) StatusChange(ctx context.Context, to string, status string, extra map[string]string) (*storage.Notification, error) {
	data := make(map[string]string, len(extra)+1)
	data["status"] = status
	for k, v := range extra {
		data[k] = v
	}

	code := TemplateStatusChange
	if _, err := s.repo.GetTemplate(ctx, status); err == nil {
		code = status
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return s.Single(ctx, to, code, data, "")
}

// SendOTP queues a one-time code.
func (s *Service) SendOTP(ctx context.Context, channel string, to string, code string) (*storage.Notification, error) {
	return s.Enqueue(ctx, &storage.Notification{
		Channel:  channel,
		To:       to,
		Template: TemplateOTP,
		Context:  map[string]string{"code": code},
	})
}

// Bulk creates a job with one outbox record per recipient.
func (s *Service) Bulk(ctx context.Context, code string, jobType string, recipients []storage.BulkRecipient) (*storage.BulkJob, error) {
	if _, err := s.template(ctx, code); err != nil {
		return nil, err
	}
	job := &storage.BulkJob{JobType: jobType, Template: code}
	if err := s.repo.CreateBulkJob(ctx, job, recipients); err != nil {
		return nil, errors.Wrap(err, "create bulk job")
	}
	log.WithContext(ctx).WithFields(map[string]interface{}{
		"event":      "bulk_job_created",
		"job":        job.ID,
		"recipients": job.Total,
	}).Info("bulk job created")
	return job, nil
}

// BulkJob returns job progress.
func (s *Service) BulkJob(ctx context.Context, id int64) (*storage.BulkJob, error) {
	return s.repo.GetBulkJob(ctx, id)
}

// Notification ...
func (s *Service) Notification(ctx context.Context, id int64) (*storage.Notification, error) {
	return s.repo.GetNotification(ctx, id)
}

// RenderNotification loads the template of n and renders it.
func RenderNotification(ctx context.Context, repo storage.Notifications, n *storage.Notification) (*Email, error) {
	tpl, err := repo.GetTemplate(ctx, n.Template)
	if err != nil {
		return nil, errors.Wrapf(err, "template %s", n.Template)
	}
	rendered, err := Render(tpl, n.Context, n.SubjectOverride)
	if err != nil {
		return nil, err
	}
	return &Email{
		To:      n.To,
		Subject: rendered.Subject,
		HTML:    rendered.HTML,
		Text:    rendered.Text,
	}, nil
}

// Record stores a delivery result and refreshes the bulk job n belongs to.
func Record(ctx context.Context, repo storage.Notifications, result *storage.Result) (*storage.Notification, error) {
	n, err := repo.SetNotificationResult(ctx, result)
	if err != nil {
		return nil, err
	}
	if n.JobID != nil {
		if _, err := repo.RefreshBulkJob(ctx, *n.JobID); err != nil {
			return n, errors.Wrapf(err, "refresh bulk job %d", *n.JobID)
		}
	}
	return n, nil
}
