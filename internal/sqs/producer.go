// Package sqs is the Amazon SQS realisation of the delay queue: a producer that
// implements queue.Transport and a consumer for the delivery worker.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/disparo/internal/queue"
)

const (
	// MaxBatch is the SendMessageBatch entry limit.
	MaxBatch = 10
	// MaxDelay is the longest DelaySeconds SQS accepts.
	MaxDelay = 15 * time.Minute

	// LabelAttribute carries the job label so it can be inspected without decoding the body.
	LabelAttribute = "label"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	// Endpoint overrides the AWS endpoint (localstack).
	Endpoint string
}

// API is the subset of the SQS client used here.
type API interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Tombstoner records a label cancellation. SQS cannot delete by label, so the
// consumer consults the tombstone instead.
type Tombstoner interface {
	Tombstone(ctx context.Context, label string, at time.Time) error
}

// NewClient builds an SQS client from the default AWS credential chain.
func NewClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Producer submits jobs to SQS.
type Producer struct {
	client     API
	queueURL   string
	tombstones Tombstoner
	now        func() time.Time
	logger     *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(client API, queueURL string, tombstones Tombstoner, logger *zap.Logger) *Producer {
	logger.Info("sqs producer initialized",
		zap.String("queue_url", queueURL),
	)

	return &Producer{
		client:     client,
		queueURL:   queueURL,
		tombstones: tombstones,
		now:        time.Now,
		logger:     logger,
	}
}

// Name implements queue.Transport.
func (p *Producer) Name() string { return "sqs" }

// MaxBatch implements queue.Transport.
func (p *Producer) MaxBatch() int { return MaxBatch }

// Submit sends one chunk with SendMessageBatch. Each job is delayed until its
// notBefore, up to the SQS maximum; the consumer holds back anything still early.
// A partial failure fails the whole chunk.
func (p *Producer) Submit(ctx context.Context, jobs []queue.Job) ([]queue.Receipt, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	if len(jobs) > MaxBatch {
		return nil, fmt.Errorf("%w: batch of %d exceeds %d", queue.ErrPermanent, len(jobs), MaxBatch)
	}

	now := p.now()
	entries := make([]types.SendMessageBatchRequestEntry, 0, len(jobs))
	for i, job := range jobs {
		body, err := json.Marshal(job)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal job %s: %v", queue.ErrPermanent, job.MessageID, err)
		}

		entries = append(entries, types.SendMessageBatchRequestEntry{
			Id:           aws.String(strconv.Itoa(i)),
			MessageBody:  aws.String(string(body)),
			DelaySeconds: DelaySeconds(job.NotBeforeTime(), now),
			MessageAttributes: map[string]types.MessageAttributeValue{
				LabelAttribute: {
					DataType:    aws.String("String"),
					StringValue: aws.String(job.Label),
				},
			},
		})
	}

	out, err := p.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(p.queueURL),
		Entries:  entries,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs send batch failed: %w", err)
	}

	if len(out.Failed) > 0 {
		first := out.Failed[0]
		p.logger.Warn("sqs batch partially failed",
			zap.Int("failed", len(out.Failed)),
			zap.Int("count", len(jobs)),
			zap.String("code", aws.ToString(first.Code)),
		)
		err := fmt.Errorf("sqs rejected %d of %d entries: %s: %s",
			len(out.Failed), len(jobs), aws.ToString(first.Code), aws.ToString(first.Message))
		if first.SenderFault {
			return nil, fmt.Errorf("%w: %v", queue.ErrPermanent, err)
		}
		return nil, err
	}

	receipts := make([]queue.Receipt, len(jobs))
	for i, job := range jobs {
		receipts[i] = queue.Receipt{MessageID: job.MessageID}
	}
	for _, ok := range out.Successful {
		i, err := strconv.Atoi(aws.ToString(ok.Id))
		if err != nil || i < 0 || i >= len(receipts) {
			continue
		}
		receipts[i].QueueID = aws.ToString(ok.MessageId)
	}

	return receipts, nil
}

// DeleteByLabel tombstones label at the current instant.
func (p *Producer) DeleteByLabel(ctx context.Context, label string) error {
	if p.tombstones == nil {
		return fmt.Errorf("sqs cannot delete label %s: no tombstone registry", label)
	}
	return p.tombstones.Tombstone(ctx, label, p.now())
}

// DelaySeconds clamps the time until notBefore to what SQS accepts.
func DelaySeconds(notBefore, now time.Time) int32 {
	d := notBefore.Sub(now)
	if d <= 0 {
		return 0
	}
	d = min(d, MaxDelay)
	// Round up so the message never becomes visible early.
	return int32((d + time.Second - 1) / time.Second)
}
