// Package sns publishes campaign lifecycle events to an SNS topic so that other
// services (billing, CRM sync, dashboards) can subscribe without polling.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// API is the subset of the SNS client used here.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher handles SNS topic publishing for lifecycle events
type Publisher struct {
	client   API
	topicARN string
	now      func() time.Time
	logger   *zap.Logger
}

// Envelope is the JSON body of every event.
type Envelope struct {
	EventType  string    `json:"event_type"`
	TenantID   string    `json:"tenant_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// NewClient builds an SNS client. A non-empty endpoint targets LocalStack.
func NewClient(ctx context.Context, region, endpoint string) (*sns.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(client API, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{
		client:   client,
		topicARN: topicARN,
		now:      time.Now,
		logger:   logger,
	}
}

// PublishEvent sends one event. event_type and tenant_id are also message
// attributes so subscriptions can filter on them.
func (p *Publisher) PublishEvent(ctx context.Context, eventType, tenantID string, payload any) error {
	body, err := json.Marshal(Envelope{
		EventType:  eventType,
		TenantID:   tenantID,
		OccurredAt: p.now().UTC(),
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(eventType),
			},
			"tenant_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(tenantID),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("event published",
		zap.String("event", eventType),
		zap.String("tenant_id", tenantID),
		zap.String("sns_message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
