package queue

import (
	"context"
	"errors"
)

// ErrNoMessage is returned by ReceiveMessage when the wait elapsed empty.
var ErrNoMessage = errors.New("no message received")

// Config - unified configuration for queue service
type Config struct {
	Name string
	URL  string

	//AWS specified
	Region             string
	CredentialsFile    string
	CredentialsProfile string
	Retries            int
}

// RecvMessage unified presentation for queue message
type RecvMessage struct {
	ID      string
	Body    string
	Handler string
}

// Client interface for queue interaction (SQS Based)
type Client interface {
	SendMessage(ctx context.Context, message string) error
	ReceiveMessage(ctx context.Context) (*RecvMessage, error)
	Acknowledge(ctx context.Context, message *RecvMessage) error
}
