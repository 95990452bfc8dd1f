package queue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/lalithlochan/disparo/internal/metrics"
)

// Transport is one queue backend.
type Transport interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// MaxBatch is the most jobs one Submit call accepts.
	MaxBatch() int
	// Submit enqueues a chunk atomically from the caller's point of view: on
	// error the whole chunk is retried.
	Submit(ctx context.Context, jobs []Job) ([]Receipt, error)
	// DeleteByLabel drops every not-yet-delivered job carrying label.
	DeleteByLabel(ctx context.Context, label string) error
}

// Options tune the gateway.
type Options struct {
	ChunkSize  int
	MaxRetries int
	Backoff    time.Duration
}

// DefaultOptions: 100-job chunks, two retries.
var DefaultOptions = Options{
	ChunkSize:  100,
	MaxRetries: 2,
	Backoff:    500 * time.Millisecond,
}

// Gateway chunks, retries and submits jobs to a Transport.
type Gateway struct {
	transport  Transport
	chunkSize  int
	maxRetries int
	backoff    time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewGateway creates a gateway over transport.
func NewGateway(transport Transport, opts Options, logger *zap.Logger) *Gateway {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultOptions.ChunkSize
	}
	if limit := transport.MaxBatch(); limit > 0 && opts.ChunkSize > limit {
		opts.ChunkSize = limit
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Backoff < 0 {
		opts.Backoff = 0
	}

	return &Gateway{
		transport:  transport,
		chunkSize:  opts.ChunkSize,
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		now:        time.Now,
		logger:     logger,
	}
}

// Backend names the underlying transport.
func (g *Gateway) Backend() string {
	return g.transport.Name()
}

// Enqueue submits a single job.
func (g *Gateway) Enqueue(ctx context.Context, job Job) (Receipt, error) {
	receipts, err := g.EnqueueBatch(ctx, []Job{job})
	if err != nil {
		return Receipt{}, err
	}
	return receipts[0], nil
}

// EnqueueBatch submits jobs in sequential chunks. The first chunk that still fails
// after its retries aborts the batch; the returned error reports how many jobs were
// accepted before it, and the receipts for those jobs are returned alongside.
func (g *Gateway) EnqueueBatch(ctx context.Context, jobs []Job) ([]Receipt, error) {
	if len(jobs) == 0 {
		return []Receipt{}, nil
	}
	for i := range jobs {
		if err := jobs[i].Validate(); err != nil {
			return nil, fmt.Errorf("job %d: %w", i, err)
		}
	}

	enqueuedAt := g.now().UnixNano()
	receipts := make([]Receipt, 0, len(jobs))

	for start := 0; start < len(jobs); start += g.chunkSize {
		end := min(start+g.chunkSize, len(jobs))

		chunk := make([]Job, end-start)
		copy(chunk, jobs[start:end])
		for i := range chunk {
			chunk[i].EnqueuedAt = enqueuedAt
		}

		got, err := g.submitWithRetry(ctx, chunk)
		if err != nil {
			g.logger.Error("queue chunk failed, aborting batch",
				zap.String("backend", g.transport.Name()),
				zap.String("label", chunk[0].Label),
				zap.Int("accepted", len(receipts)),
				zap.Int("total", len(jobs)),
				zap.Error(err),
			)
			return receipts, fmt.Errorf("enqueue aborted after %d of %d jobs: %w", len(receipts), len(jobs), err)
		}
		receipts = append(receipts, got...)
	}

	g.logger.Debug("jobs enqueued",
		zap.String("backend", g.transport.Name()),
		zap.String("label", jobs[0].Label),
		zap.Int("count", len(receipts)),
	)
	return receipts, nil
}

func (g *Gateway) submitWithRetry(ctx context.Context, chunk []Job) ([]Receipt, error) {
	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.RecordQueueRetry(g.transport.Name())
			g.logger.Warn("retrying queue submit",
				zap.String("backend", g.transport.Name()),
				zap.Int("attempt", attempt),
				zap.Int("count", len(chunk)),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * g.backoff):
			}
		}

		receipts, err := g.transport.Submit(ctx, chunk)
		if err == nil {
			return receipts, nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsTransient(err) {
			break
		}
	}
	return nil, lastErr
}

// CancelAllByLabel drops every pending job for label. Coarse by nature: the queue
// cannot cancel individual jobs.
func (g *Gateway) CancelAllByLabel(ctx context.Context, label string) error {
	if label == "" {
		return fmt.Errorf("%w: empty label", ErrPermanent)
	}
	if err := g.transport.DeleteByLabel(ctx, label); err != nil {
		metrics.RecordQueueCancelFailure(g.transport.Name())
		return fmt.Errorf("cancel label %s: %w", label, err)
	}
	g.logger.Info("queue jobs cancelled by label",
		zap.String("backend", g.transport.Name()),
		zap.String("label", label),
	)
	return nil
}

// IsTransient reports whether a submit error is worth retrying: network failures,
// 5xx answers and AWS server faults are; 4xx answers and permanent errors are not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrPermanent) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorFault() != smithy.FaultClient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Unclassified transport failures (connection resets surfaced as plain errors).
	return true
}
