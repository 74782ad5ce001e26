package storage

import (
	"time"
)

// State - outbox record's possible states
type State string

const (
	SCHEDULED      State = "SCHEDULED"
	ACQUIRED       State = "ACQUIRED"
	SUCCESS        State = "SUCCESS"
	ERROR          State = "ERROR"
	CRITICAL_ERROR State = "CRITICAL_ERROR"
)

// Pending reports whether the record may still be delivered.
func (s State) Pending() bool {
	return s == SCHEDULED || s == ACQUIRED || s == ERROR
}

// EmailTemplate holds Go templates for subject, html and text bodies.
type EmailTemplate struct {
	ID      int64  `json:"id"`
	Code    string `json:"code"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// Notification - one outbound email in the outbox
type Notification struct {
	ID              int64             `json:"id"`
	Channel         string            `json:"channel"`
	To              string            `json:"to"`
	Template        string            `json:"template"`
	Context         map[string]string `json:"context"`
	SubjectOverride string            `json:"subject_override"`
	JobID           *int64            `json:"job_id,omitempty"`
	State           State             `json:"state"`
	Attempts        int               `json:"attempts"`
	Error           string            `json:"error"`
	CreatedDt       time.Time         `json:"created_at"`
	UpdatedDt       time.Time         `json:"updated_at"`
	SentAt          *time.Time        `json:"sent_at"`
}

// Status reports the queued/sent/failed view of the delivery state.
func (n *Notification) Status() string {
	switch n.State {
	case SUCCESS:
		return "sent"
	case CRITICAL_ERROR:
		return "failed"
	default:
		return "queued"
	}
}

// Result of one delivery attempt.
type Result struct {
	ID      int64
	Attempt int
	Error   string
}

// RetryPolicy - linear backoff until MaxAttempts
type RetryPolicy struct {
	MaxAttempts int
	Step        int
	MaxBackoff  int
}

// Delay before the next attempt, in seconds.
func (p RetryPolicy) Delay(attempts int) int {
	delay := p.Step * attempts
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

// BulkJob ...
type BulkJob struct {
	ID         int64      `json:"id"`
	JobType    string     `json:"job_type"`
	Template   string     `json:"template"`
	Status     string     `json:"status"`
	Total      int        `json:"total"`
	Sent       int        `json:"sent"`
	Failed     int        `json:"failed"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

// BulkRecipient ...
type BulkRecipient struct {
	To      string            `json:"to" validate:"required,email"`
	Context map[string]string `json:"context"`
}
