package sns

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
)

type fakeSNS struct {
	inputs []*sns.PublishInput
	err    error
}

func (f *fakeSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("sns-1")}, nil
}

func TestPublisher_PublishEvent(t *testing.T) {
	client := &fakeSNS{}
	p := NewPublisher(client, "arn:aws:sns:us-east-1:123456789012:campaign-events", zap.NewNop())
	p.now = func() time.Time { return time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC) }

	payload := map[string]string{"campaign_id": "c-1", "status": "paused"}
	if err := p.PublishEvent(context.Background(), "campaign.paused", "tenant-1", payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(client.inputs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(client.inputs))
	}
	in := client.inputs[0]

	if aws.ToString(in.TopicArn) != "arn:aws:sns:us-east-1:123456789012:campaign-events" {
		t.Errorf("unexpected topic %s", aws.ToString(in.TopicArn))
	}
	if got := aws.ToString(in.MessageAttributes["event_type"].StringValue); got != "campaign.paused" {
		t.Errorf("event_type attribute = %s", got)
	}
	if got := aws.ToString(in.MessageAttributes["tenant_id"].StringValue); got != "tenant-1" {
		t.Errorf("tenant_id attribute = %s", got)
	}

	var decoded struct {
		EventType  string            `json:"event_type"`
		TenantID   string            `json:"tenant_id"`
		OccurredAt time.Time         `json:"occurred_at"`
		Payload    map[string]string `json:"payload"`
	}
	if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &decoded); err != nil {
		t.Fatalf("body is not an envelope: %v", err)
	}
	if decoded.EventType != "campaign.paused" || decoded.Payload["status"] != "paused" {
		t.Errorf("unexpected envelope: %+v", decoded)
	}
	if !decoded.OccurredAt.Equal(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("occurred_at = %v", decoded.OccurredAt)
	}
}

func TestPublisher_PublishError(t *testing.T) {
	p := NewPublisher(&fakeSNS{err: errors.New("throttled")}, "arn", zap.NewNop())
	if err := p.PublishEvent(context.Background(), "campaign.started", "t", nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestPublisher_UnmarshalablePayload(t *testing.T) {
	client := &fakeSNS{}
	p := NewPublisher(client, "arn", zap.NewNop())
	if err := p.PublishEvent(context.Background(), "campaign.started", "t", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
	if len(client.inputs) != 0 {
		t.Error("nothing should be published")
	}
}
