package queue

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	sqsiface.SQSAPI
	sent     []*sqs.SendMessageInput
	deleted  []*sqs.DeleteMessageInput
	messages []*sqs.Message
}

func (f *fakeSQS) SendMessageWithContext(ctx aws.Context, in *sqs.SendMessageInput, _ ...request.Option) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func (f *fakeSQS) ReceiveMessageWithContext(ctx aws.Context, in *sqs.ReceiveMessageInput, _ ...request.Option) (*sqs.ReceiveMessageOutput, error) {
	out := &sqs.ReceiveMessageOutput{Messages: f.messages}
	f.messages = nil
	return out, nil
}

func (f *fakeSQS) DeleteMessageWithContext(ctx aws.Context, in *sqs.DeleteMessageInput, _ ...request.Option) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, in)
	return &sqs.DeleteMessageOutput{}, nil
}

func TestAWSQueueRoundTrip(t *testing.T) {
	api := &fakeSQS{}
	q := NewAWSQueue(api, Config{Name: "notifications", URL: "http://sqs.local/000"})
	ctx := context.Background()

	require.NoError(t, q.SendMessage(ctx, `{"id":"1"}`))
	require.Len(t, api.sent, 1)
	assert.Equal(t, "http://sqs.local/000/notifications", aws.StringValue(api.sent[0].QueueUrl))

	_, err := q.ReceiveMessage(ctx)
	assert.Equal(t, ErrNoMessage, err)

	api.messages = []*sqs.Message{{
		MessageId:     aws.String("m-1"),
		Body:          aws.String(`{"id":"1"}`),
		ReceiptHandle: aws.String("rh-1"),
	}}
	msg, err := q.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"1"}`, msg.Body)

	require.NoError(t, q.Acknowledge(ctx, msg))
	require.Len(t, api.deleted, 1)
	assert.Equal(t, "rh-1", aws.StringValue(api.deleted[0].ReceiptHandle))
}

func TestMemoryQueue(t *testing.T) {
	q := NewMemoryQueue(4, 10*time.Millisecond)
	ctx := context.Background()

	_, err := q.ReceiveMessage(ctx)
	assert.Equal(t, ErrNoMessage, err)

	require.NoError(t, q.SendMessage(ctx, "a"))
	require.NoError(t, q.SendMessage(ctx, "b"))
	assert.Equal(t, 2, q.Len())

	first, err := q.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", first.Body)
	assert.NoError(t, q.Acknowledge(ctx, first))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	second, err := q.ReceiveMessage(cancelled)
	if err == nil {
		assert.Equal(t, "b", second.Body)
	} else {
		assert.Equal(t, context.Canceled, err)
	}
}
