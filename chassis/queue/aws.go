package queue

import (
	"context"
	"fmt"

	log "github.com/freundallein/acm/backend/chassis/logging"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
)

// AWSQueue implementation
type AWSQueue struct {
	QueueURL string
	queue    sqsiface.SQSAPI
}

// InitAWSQueue ...
func InitAWSQueue(cfg Config) (Client, error) {
	ssn, err := session.NewSession(&aws.Config{
		Region:      aws.String(cfg.Region),
		Credentials: credentials.NewSharedCredentials(cfg.CredentialsFile, cfg.CredentialsProfile),
		MaxRetries:  aws.Int(cfg.Retries),
	})
	if err != nil {
		return nil, err
	}
	return NewAWSQueue(sqs.New(ssn), cfg), nil
}

// NewAWSQueue wraps an existing SQS client.
func NewAWSQueue(api sqsiface.SQSAPI, cfg Config) *AWSQueue {
	return &AWSQueue{
		queue:    api,
		QueueURL: fmt.Sprintf("%s/%s", cfg.URL, cfg.Name),
	}
}

// SendMessage ...
func (q *AWSQueue) SendMessage(ctx context.Context, message string) error {
	msg := &sqs.SendMessageInput{
		MessageBody:  aws.String(message),
		QueueUrl:     aws.String(q.QueueURL),
		DelaySeconds: aws.Int64(0),
	}
	sendResponse, err := q.queue.SendMessageWithContext(ctx, msg)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"event": "send_message",
		"queue": "aws_sqs",
	}).Debug(aws.StringValue(sendResponse.MessageId))
	return nil
}

// ReceiveMessage ...
func (q *AWSQueue) ReceiveMessage(ctx context.Context) (*RecvMessage, error) {
	receivedMsg := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.QueueURL),
		MaxNumberOfMessages: aws.Int64(1),
		WaitTimeSeconds:     aws.Int64(5),
	}
	receiveResponse, err := q.queue.ReceiveMessageWithContext(ctx, receivedMsg)
	if err != nil {
		return nil, err
	}
	if len(receiveResponse.Messages) == 0 {
		return nil, ErrNoMessage
	}
	msg := &RecvMessage{
		ID:      aws.StringValue(receiveResponse.Messages[0].MessageId),
		Body:    aws.StringValue(receiveResponse.Messages[0].Body),
		Handler: aws.StringValue(receiveResponse.Messages[0].ReceiptHandle),
	}
	log.WithFields(log.Fields{
		"event": "receive_message",
		"queue": "aws_sqs",
	}).Debug(msg.ID)
	return msg, nil
}

// Acknowledge ...
func (q *AWSQueue) Acknowledge(ctx context.Context, message *RecvMessage) error {
	deleteMsg := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.QueueURL),
		ReceiptHandle: aws.String(message.Handler),
	}
	if _, err := q.queue.DeleteMessageWithContext(ctx, deleteMsg); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"event": "delete_message",
		"queue": "aws_sqs",
	}).Debug(message.ID)
	return nil
}
