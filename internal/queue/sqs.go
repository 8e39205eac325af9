// Package queue wraps SQS for the generation job queue. Delivery is
// at-least-once: a message not acked within its lease becomes eligible for
// redelivery to another consumer.
package queue

import (
	"context"
	"errors"
	"fmt"

	appconfig "app/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/smithy-go"
)

// ErrQueue is the single failure kind for underlying queue transport errors.
var ErrQueue = errors.New("queue failure")

// Message is a single received message. LeaseToken is the receipt handle used
// to ack or extend the lease.
type Message struct {
	MessageID  string
	LeaseToken string
	Body       []byte
}

// API is the subset of the SQS client the adapter uses.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Client is the queue adapter for one queue URL.
type Client struct {
	api      API
	queueURL string
}

// NewClient returns an adapter over the given API and queue URL.
func NewClient(api API, queueURL string) *Client {
	return &Client{api: api, queueURL: queueURL}
}

// NewFromConfig builds an SQS client from application config.
func NewFromConfig(ctx context.Context, cfg *appconfig.Config) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWSRegion)}
	if cfg.AWSAccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	api := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWSEndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWSEndpointURL)
		}
	})
	return NewClient(api, cfg.SQSQueueURL), nil
}

// Send pushes a message body onto the queue, optionally delayed, and returns
// the message id.
func (c *Client) Send(ctx context.Context, body []byte, delaySeconds int32) (string, error) {
	out, err := c.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(c.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySeconds,
	})
	if err != nil {
		return "", queueError("send message", err)
	}
	return aws.ToString(out.MessageId), nil
}

// Receive long-polls for up to waitSeconds and returns at most maxMessages.
// It may return fewer than requested, including none.
func (c *Client) Receive(ctx context.Context, maxMessages, waitSeconds int32) ([]Message, error) {
	out, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: maxMessages,
		WaitTimeSeconds:     waitSeconds,
	})
	if err != nil {
		return nil, queueError("receive messages", err)
	}
	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, Message{
			MessageID:  aws.ToString(m.MessageId),
			LeaseToken: aws.ToString(m.ReceiptHandle),
			Body:       []byte(aws.ToString(m.Body)),
		})
	}
	return msgs, nil
}

// Ack removes a message permanently.
func (c *Client) Ack(ctx context.Context, leaseToken string) error {
	_, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(leaseToken),
	})
	if err != nil {
		return queueError("delete message", err)
	}
	return nil
}

// ExtendLease postpones redelivery of a message without acking it.
func (c *Client) ExtendLease(ctx context.Context, leaseToken string, seconds int32) error {
	_, err := c.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(leaseToken),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return queueError("change message visibility", err)
	}
	return nil
}

func queueError(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %s: %s", ErrQueue, op, apiErr.ErrorMessage())
	}
	return fmt.Errorf("%w: %s: %v", ErrQueue, op, err)
}
