package circuitbreaker

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/disparo/internal/metrics"
	"github.com/lalithlochan/disparo/internal/queue"
)

// Sender mirrors the worker.Sender interface to avoid circular imports.
type Sender interface {
	Send(ctx context.Context, job *queue.Job) error
}

// ProtectedSender wraps a Sender with one circuit breaker per WhatsApp instance,
// so a single disconnected number fails fast without blocking the others.
type ProtectedSender struct {
	sender   Sender
	template Config
	logger   *zap.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewProtectedSender wraps sender. Each instance gets a breaker built from cfg,
// named after the instance.
func NewProtectedSender(sender Sender, cfg Config, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:   sender,
		template: cfg,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Send rejects with ErrCircuitOpen while the job's instance breaker is open.
func (p *ProtectedSender) Send(ctx context.Context, job *queue.Job) error {
	breaker := p.Breaker(job.InstanceName)

	if !breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("instance", job.InstanceName),
			zap.String("message_id", job.MessageID),
			zap.String("state", breaker.State().String()),
		)
		return fmt.Errorf("%w: instance %s unavailable", ErrCircuitOpen, job.InstanceName)
	}

	err := p.sender.Send(ctx, job)
	if err != nil {
		breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("instance", job.InstanceName),
			zap.Error(err),
		)
		return err
	}

	breaker.RecordSuccess()
	return nil
}

// Breaker returns the breaker for instance, creating it on first use.
func (p *ProtectedSender) Breaker(instance string) *CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b, ok := p.breakers[instance]; ok {
		return b
	}
	cfg := p.template
	cfg.Name = instance
	hook := cfg.OnStateChange
	cfg.OnStateChange = func(name string, to State) {
		metrics.SetInstanceCircuitState(name, int(to))
		if hook != nil {
			hook(name, to)
		}
	}
	b := New(cfg, p.logger)
	p.breakers[instance] = b
	return b
}

// Stats lists every instance breaker, ordered by instance name.
func (p *ProtectedSender) Stats() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make([]Stats, 0, len(p.breakers))
	for _, name := range slices.Sorted(maps.Keys(p.breakers)) {
		stats = append(stats, p.breakers[name].Stats())
	}
	return stats
}
