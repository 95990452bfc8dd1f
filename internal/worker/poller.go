package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/disparo/internal/metrics"
	"github.com/lalithlochan/disparo/internal/queue"
	"github.com/lalithlochan/disparo/internal/sqs"
)

// Queue is the consuming side of the SQS transport.
type Queue interface {
	Receive(ctx context.Context) ([]sqs.Delivery, error)
	Delete(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error
}

// LabelChecker reports whether a job's label was cancelled after it was enqueued.
type LabelChecker interface {
	Cancelled(ctx context.Context, label string, enqueuedAt int64) (bool, error)
}

type Config struct {
	Concurrency  int
	ErrorBackoff time.Duration
}

// Poller pulls jobs from SQS and hands them to a Processor. SQS cannot hold a
// message longer than 15 minutes, so jobs that arrive early are hidden again
// until their notBefore instant.
type Poller struct {
	queue     Queue
	processor *Processor
	labels    LabelChecker
	config    Config
	now       func() time.Time
	logger    *zap.Logger
	inFlight  atomic.Int64
}

func NewPoller(q Queue, processor *Processor, labels LabelChecker, cfg Config, logger *zap.Logger) *Poller {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.ErrorBackoff == 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}

	return &Poller{
		queue:     q,
		processor: processor,
		labels:    labels,
		config:    cfg,
		now:       time.Now,
		logger:    logger,
	}
}

// Start polls until ctx is cancelled, then waits for in-flight deliveries.
func (p *Poller) Start(ctx context.Context) {
	sem := make(chan struct{}, p.config.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker stopping")
			return
		default:
		}

		deliveries, err := p.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Error("failed to receive messages", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(p.config.ErrorBackoff):
			}
			continue
		}

		for _, d := range deliveries {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			metrics.SetSQSMessagesInFlight(int(p.inFlight.Add(1)))
			go func(d sqs.Delivery) {
				defer func() {
					metrics.SetSQSMessagesInFlight(int(p.inFlight.Add(-1)))
					<-sem
					wg.Done()
				}()
				// Deliveries in progress finish even if shutdown starts.
				p.Handle(context.WithoutCancel(ctx), d)
			}(d)
		}
	}
}

// Handle processes one received message and decides whether SQS should forget it.
func (p *Poller) Handle(ctx context.Context, d sqs.Delivery) {
	job := d.Job
	logger := p.logger.With(
		zap.String("message_id", job.MessageID),
		zap.String("label", job.Label),
	)

	if p.labels != nil {
		cancelled, err := p.labels.Cancelled(ctx, job.Label, job.EnqueuedAt)
		if err != nil {
			logger.Warn("label tombstone check failed", zap.Error(err))
		} else if cancelled {
			metrics.RecordDeliverySkipped("label_cancelled")
			p.delete(ctx, d, logger)
			return
		}
	}

	if remaining := job.NotBeforeTime().Sub(p.now()); remaining > 0 {
		seconds := int32((remaining + time.Second - 1) / time.Second)
		if err := p.queue.ChangeVisibility(ctx, d.ReceiptHandle, seconds); err != nil {
			logger.Warn("failed to defer early message", zap.Error(err))
		}
		return
	}

	outcome, err := p.processor.Process(ctx, job)
	if err != nil && !errors.Is(err, queue.ErrPermanent) {
		// Left on the queue; it reappears after the visibility timeout.
		logger.Error("delivery failed, will retry", zap.Error(err))
		return
	}
	if err != nil {
		logger.Error("dropping undeliverable job", zap.Error(err))
	}

	logger.Debug("delivery handled", zap.String("outcome", string(outcome)))
	p.delete(ctx, d, logger)
}

func (p *Poller) delete(ctx context.Context, d sqs.Delivery, logger *zap.Logger) {
	if err := p.queue.Delete(ctx, d.ReceiptHandle); err != nil {
		logger.Error("failed to delete message", zap.Error(err))
	}
}
