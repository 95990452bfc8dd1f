package sqs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/lalithlochan/disparo/internal/queue"
)

// MaxVisibility is the longest visibility timeout SQS accepts (12 hours).
const MaxVisibility int32 = 12 * 60 * 60

// Delivery is one received job and the handle needed to acknowledge it.
type Delivery struct {
	Job           queue.Job
	ReceiptHandle string
	SQSMessageID  string
}

// ConsumerConfig tunes long polling.
type ConsumerConfig struct {
	MaxMessages       int32
	WaitTimeSeconds   int32
	VisibilityTimeout int32
}

// Consumer reads delivery jobs from SQS.
type Consumer struct {
	client   API
	queueURL string
	config   ConsumerConfig
	logger   *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(client API, queueURL string, cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	if cfg.WaitTimeSeconds <= 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 60
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", queueURL),
	)

	return &Consumer{
		client:   client,
		queueURL: queueURL,
		config:   cfg,
		logger:   logger,
	}
}

// Receive long-polls for up to MaxMessages jobs. Bodies that do not decode into a
// valid job are deleted so they cannot poison the queue.
func (c *Consumer) Receive(ctx context.Context) ([]Delivery, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.queueURL),
		MaxNumberOfMessages:   c.config.MaxMessages,
		WaitTimeSeconds:       c.config.WaitTimeSeconds,
		VisibilityTimeout:     c.config.VisibilityTimeout,
		MessageAttributeNames: []string{LabelAttribute},
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	deliveries := make([]Delivery, 0, len(result.Messages))
	for _, msg := range result.Messages {
		handle := aws.ToString(msg.ReceiptHandle)

		var job queue.Job
		err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &job)
		if err == nil {
			err = job.Validate()
		}
		if err != nil {
			c.logger.Error("dropping malformed message",
				zap.Error(err),
				zap.String("sqs_message_id", aws.ToString(msg.MessageId)),
			)
			if delErr := c.Delete(ctx, handle); delErr != nil {
				c.logger.Warn("failed to delete malformed message", zap.Error(delErr))
			}
			continue
		}

		deliveries = append(deliveries, Delivery{
			Job:           job,
			ReceiptHandle: handle,
			SQSMessageID:  aws.ToString(msg.MessageId),
		})
	}

	return deliveries, nil
}

// Delete removes a message from SQS after it has been handled.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	if _, err := c.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// ChangeVisibility hides a message for the given number of seconds, capped at MaxVisibility.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	input := &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: min(max(seconds, 0), MaxVisibility),
	}

	if _, err := c.client.ChangeMessageVisibility(ctx, input); err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
