package notification

import (
	"context"
	"crypto/tls"
	"sync"

	"golang.org/x/time/rate"
	"gopkg.in/gomail.v2"

	log "github.com/freundallein/acm/backend/chassis/logging"
	"github.com/freundallein/acm/backend/chassis/monkey"
)

// Email - one rendered message addressed to one recipient
type Email struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Provider delivers rendered emails.
type Provider interface {
	Send(ctx context.Context, email *Email) error
}

// SMTPConfig ...
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	UseTLS   bool
	From     string
}

// SMTPProvider sends through an SMTP relay.
type SMTPProvider struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPProvider ...
func NewSMTPProvider(cfg *SMTPConfig) *SMTPProvider {
	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	if cfg.UseTLS {
		dialer.TLSConfig = &tls.Config{ServerName: cfg.Host}
	}
	return &SMTPProvider{dialer: dialer, from: cfg.From}
}

// Send ...
func (p *SMTPProvider) Send(ctx context.Context, email *Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.dialer.DialAndSend(buildMessage(p.from, email))
}

func buildMessage(from string, email *Email) *gomail.Message {
	msg := gomail.NewMessage()
	msg.SetHeader("From", from)
	msg.SetHeader("To", email.To)
	msg.SetHeader("Subject", email.Subject)
	if email.Text != "" {
		msg.SetBody("text/plain", email.Text)
		msg.AddAlternative("text/html", email.HTML)
	} else {
		msg.SetBody("text/html", email.HTML)
	}
	return msg
}

type limited struct {
	next    Provider
	limiter *rate.Limiter
}

// Limited throttles next to limit sends, shared across all callers.
func Limited(next Provider, limit rate.Limit) Provider {
	return &limited{next: next, limiter: rate.NewLimiter(limit, 1)}
}

func (p *limited) Send(ctx context.Context, email *Email) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return p.next.Send(ctx, email)
}

type chaos struct {
	next   Provider
	monkey *monkey.Monkey
}

// Chaos makes successful sends fail with the given chance.
func Chaos(next Provider, chance float64) Provider {
	m := monkey.New(chance)
	if m == nil {
		return next
	}
	return &chaos{next: next, monkey: m}
}

func (p *chaos) Send(ctx context.Context, email *Email) error {
	return p.monkey.RandomizeError(p.next.Send(ctx, email))
}

// LogProvider writes emails to the log instead of sending them.
type LogProvider struct{}

// Send ...
func (LogProvider) Send(ctx context.Context, email *Email) error {
	log.WithFields(log.Fields{
		"event":   "email_logged",
		"to":      email.To,
		"subject": email.Subject,
	}).Info(email.Text)
	return nil
}

// Outbox records emails instead of sending them.
type Outbox struct {
	mu   sync.Mutex
	sent []Email
	// Fail, when set, is returned for every recipient it names.
	Fail map[string]error
}

// Send ...
func (o *Outbox) Send(ctx context.Context, email *Email) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err, ok := o.Fail[email.To]; ok {
		return err
	}
	o.sent = append(o.sent, *email)
	return nil
}

// Sent returns a copy of delivered emails.
func (o *Outbox) Sent() []Email {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Email(nil), o.sent...)
}
