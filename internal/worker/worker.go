package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/disparo/internal/db"
	"github.com/lalithlochan/disparo/internal/metrics"
	"github.com/lalithlochan/disparo/internal/queue"
)

type Repository interface {
	GetMessageJob(ctx context.Context, id uuid.UUID) (*db.MessageJob, error)
	MarkMessageJobResult(ctx context.Context, id uuid.UUID, status, content string, errorMsg *string) (bool, error)
	CompleteCampaignIfDone(ctx context.Context, campaignID uuid.UUID) (bool, error)
}

// Reserver claims a message id for the duration of one delivery attempt.
type Reserver interface {
	ReserveDelivery(ctx context.Context, messageID string) (bool, error)
	ReleaseDelivery(ctx context.Context, messageID string) error
}

// Outcome is what Process did with a job.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Processor runs the delivery contract for one queue job: the message job row is
// read first and anything that is not queued is skipped, which makes redelivery
// and the pause/cancel races harmless.
type Processor struct {
	repo     Repository
	sender   Sender
	reserver Reserver
	now      func() time.Time
	logger   *zap.Logger
}

// NewProcessor creates a processor. reserver may be nil.
func NewProcessor(repo Repository, sender Sender, reserver Reserver, logger *zap.Logger) *Processor {
	return &Processor{
		repo:     repo,
		sender:   sender,
		reserver: reserver,
		now:      time.Now,
		logger:   logger,
	}
}

// Process delivers job. A returned error means the job should be redelivered,
// unless it wraps queue.ErrPermanent.
func (p *Processor) Process(ctx context.Context, job queue.Job) (Outcome, error) {
	if err := job.Validate(); err != nil {
		return OutcomeSkipped, err
	}
	id, err := uuid.Parse(job.MessageID)
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("%w: invalid messageId %q", queue.ErrPermanent, job.MessageID)
	}

	if p.reserver != nil {
		reserved, err := p.reserver.ReserveDelivery(ctx, job.MessageID)
		switch {
		case err != nil:
			// Redis down: the row status check below still guards against re-sends.
			p.logger.Warn("delivery reservation unavailable", zap.String("message_id", job.MessageID), zap.Error(err))
		case !reserved:
			return p.skip(job, "in_flight"), nil
		default:
			defer func() {
				if err := p.reserver.ReleaseDelivery(context.WithoutCancel(ctx), job.MessageID); err != nil {
					p.logger.Warn("failed to release delivery reservation", zap.String("message_id", job.MessageID), zap.Error(err))
				}
			}()
		}
	}

	row, err := p.repo.GetMessageJob(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return p.skip(job, "missing"), nil
	}
	if err != nil {
		return OutcomeSkipped, fmt.Errorf("load message job: %w", err)
	}

	if row.Status != db.StatusQueued {
		return p.skip(job, row.Status), nil
	}
	// A resume reschedules rows under the same id; a job still carrying the
	// pre-pause time is stale.
	if job.NotBefore < row.ScheduledFor.Unix() {
		return p.skip(job, "superseded"), nil
	}

	msgType := MessageType(&job)
	metrics.RecordDeliveryLateness(msgType, p.now().Sub(job.NotBeforeTime()))

	send := job
	sendErr := p.sender.Send(ctx, &send)

	outcome := OutcomeSent
	var errMsg *string
	if sendErr != nil {
		outcome = OutcomeFailed
		msg := sendErr.Error()
		errMsg = &msg
		p.logger.Error("failed to send message",
			zap.Error(sendErr),
			zap.String("message_id", job.MessageID),
			zap.String("campaign_id", job.CampaignID),
			zap.String("instance", job.InstanceName),
		)
	} else {
		p.logger.Info("message sent",
			zap.String("message_id", job.MessageID),
			zap.String("campaign_id", job.CampaignID),
		)
	}
	metrics.RecordDelivery(string(outcome), msgType)

	// The send already happened, so a failed write is logged rather than
	// returned: redelivering would message the contact twice.
	updated, err := p.repo.MarkMessageJobResult(context.WithoutCancel(ctx), id, string(outcome), send.MessageContent, errMsg)
	switch {
	case err != nil:
		p.logger.Error("failed to record delivery result",
			zap.String("message_id", job.MessageID),
			zap.String("status", string(outcome)),
			zap.Error(err),
		)
		return outcome, nil
	case !updated:
		p.logger.Warn("message job left queued state during send",
			zap.String("message_id", job.MessageID),
		)
	}

	if _, err := p.repo.CompleteCampaignIfDone(context.WithoutCancel(ctx), row.CampaignID); err != nil {
		p.logger.Warn("campaign completion check failed",
			zap.String("campaign_id", row.CampaignID.String()),
			zap.Error(err),
		)
	}

	return outcome, nil
}

func (p *Processor) skip(job queue.Job, reason string) Outcome {
	metrics.RecordDeliverySkipped(reason)
	p.logger.Info("delivery skipped",
		zap.String("message_id", job.MessageID),
		zap.String("reason", reason),
	)
	return OutcomeSkipped
}
