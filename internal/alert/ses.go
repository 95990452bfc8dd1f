// Package alert emails an operator when a campaign is stuck after a partial start.
package alert

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/disparo/internal/db"
)

// API is the subset of the SES client used here.
type API interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type Config struct {
	Region    string
	FromEmail string
	ToEmail   string
}

// SESAlerter sends operator alerts via AWS SES.
type SESAlerter struct {
	client API
	from   string
	to     string
	logger *zap.Logger
}

// NewClient builds an SES client from the default AWS credential chain.
func NewClient(ctx context.Context, region string) (*ses.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return ses.NewFromConfig(awsCfg), nil
}

func NewSESAlerter(client API, cfg Config, logger *zap.Logger) *SESAlerter {
	return &SESAlerter{
		client: client,
		from:   cfg.FromEmail,
		to:     cfg.ToEmail,
		logger: logger,
	}
}

// AlertStartFailure reports a campaign whose message jobs were persisted but
// could not be enqueued. The campaign stays pending until someone acts on it.
func (a *SESAlerter) AlertStartFailure(ctx context.Context, c *db.Campaign, cause error) error {
	subject := fmt.Sprintf("[disparo] campaign %q failed to start", c.Name)

	var body strings.Builder
	fmt.Fprintf(&body, "Campaign %s (tenant %s) was saved with %d message jobs but enqueueing them failed.\n\n",
		c.ID, c.TenantID, c.TotalMessages)
	fmt.Fprintf(&body, "Status: %s\n", c.Status)
	fmt.Fprintf(&body, "Created: %s\n", c.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&body, "Error: %v\n\n", cause)
	body.WriteString("Some jobs may already be on the queue. Cancel the campaign, or reprocess it once the queue is healthy.\n")

	input := &ses.SendEmailInput{
		Source: aws.String(a.from),
		Destination: &types.Destination{
			ToAddresses: []string{a.to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body.String()),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := a.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	a.logger.Info("start failure alert sent",
		zap.String("campaign_id", c.ID.String()),
		zap.String("to", a.to),
		zap.String("ses_message_id", aws.ToString(result.MessageId)),
	)

	return nil
}
