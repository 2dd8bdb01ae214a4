package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
)

type SQSClientInterface interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// ErrReceiptGone marks a delete whose receipt handle was already invalidated,
// either by visibility-timeout expiry or because the delivery is gone. Callers
// log it and move on; it is never fatal.
var ErrReceiptGone = errors.New("receipt handle no longer valid")

type QueueClientConfig struct {
	QueueURL          string
	DeadLetterURL     string // empty disables DLQ routing
	MaxMessages       int32  // 1..10, SQS hard limit
	WaitTimeSeconds   int32  // 0..20, long polling
	VisibilityTimeout int32
}

func (c QueueClientConfig) Validate() error {
	if c.QueueURL == "" {
		return errors.New("queue URL is required")
	}
	if c.MaxMessages < 1 || c.MaxMessages > 10 {
		return fmt.Errorf("max messages must be between 1 and 10, got %d", c.MaxMessages)
	}
	if c.WaitTimeSeconds < 0 || c.WaitTimeSeconds > 20 {
		return fmt.Errorf("wait time seconds must be between 0 and 20, got %d", c.WaitTimeSeconds)
	}
	if c.VisibilityTimeout < 0 {
		return fmt.Errorf("visibility timeout must be non-negative, got %d", c.VisibilityTimeout)
	}
	return nil
}

// QueueClient wraps the SQS API for one source queue and an optional
// dead-letter queue. It holds no per-call state and is safe for concurrent
// use by all workers.
type QueueClient struct {
	api SQSClientInterface
	cfg QueueClientConfig
}

func NewQueueClient(api SQSClientInterface, cfg QueueClientConfig) (*QueueClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &QueueClient{api: api, cfg: cfg}, nil
}

func (c *QueueClient) HasDeadLetter() bool {
	return c.cfg.DeadLetterURL != ""
}

// ReceiveBatch long-polls the source queue for up to MaxMessages messages.
// All messages in the batch share the visibility timeout applied here.
func (c *QueueClient) ReceiveBatch(ctx context.Context) ([]types.Message, error) {
	out, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages:   c.cfg.MaxMessages,
		WaitTimeSeconds:       c.cfg.WaitTimeSeconds,
		VisibilityTimeout:     c.cfg.VisibilityTimeout,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", c.cfg.QueueURL, err)
	}
	return out.Messages, nil
}

// Delete removes one delivery from the source queue. An expired or already
// consumed receipt handle is reported as ErrReceiptGone.
func (c *QueueClient) Delete(ctx context.Context, receiptHandle *string) error {
	_, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.cfg.QueueURL),
		ReceiptHandle: receiptHandle,
	})
	if err != nil {
		if isReceiptGone(err) {
			return ErrReceiptGone
		}
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// SendToDeadLetter forwards the original message body verbatim to the DLQ.
func (c *QueueClient) SendToDeadLetter(ctx context.Context, body string) error {
	if !c.HasDeadLetter() {
		return errors.New("no dead-letter queue configured")
	}
	_, err := c.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.cfg.DeadLetterURL),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("send to dead-letter queue: %w", err)
	}
	return nil
}

type QueueStats struct {
	Available string
	InFlight  string
	Delayed   string
}

func (c *QueueClient) Stats(ctx context.Context) (QueueStats, error) {
	out, err := c.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(c.cfg.QueueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return QueueStats{}, fmt.Errorf("get queue attributes: %w", err)
	}
	return QueueStats{
		Available: out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)],
		InFlight:  out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible)],
		Delayed:   out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessagesDelayed)],
	}, nil
}

func isReceiptGone(err error) bool {
	var invalid *types.ReceiptHandleIsInvalid
	if errors.As(err, &invalid) {
		return true
	}
	var api smithy.APIError
	if errors.As(err, &api) {
		switch api.ErrorCode() {
		case "ReceiptHandleIsInvalid", "InvalidParameterValue":
			return true
		}
	}
	return false
}
