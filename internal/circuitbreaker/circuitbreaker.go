// Package circuitbreaker stops the delivery worker from hammering a WhatsApp
// instance that keeps failing (disconnected phone, banned number, gateway down).
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the health of one instance as seen by its breaker.
//
//	Closed   -> Open      after MaxFailures consecutive failed sends
//	Open     -> HalfOpen  once RecoveryTimeout has passed since the last failure
//	HalfOpen -> Closed    the probe send succeeded
//	HalfOpen -> Open      the probe send failed
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen means the send was refused without contacting the instance.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config tunes one instance breaker.
type Config struct {
	// Name is the WhatsApp instance name.
	Name string

	MaxFailures         int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int

	// OnStateChange, when set, is called with the lock held after every transition.
	OnStateChange func(name string, to State)
}

// DefaultConfig: five failed sends in a row take the instance out for 30s,
// then a single probe message decides whether it is back.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker tracks consecutive send failures of a single instance.
type CircuitBreaker struct {
	mu     sync.RWMutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state       State
	consecutive int
	probes      int
	lastFailure time.Time
	changedAt   time.Time

	sends     int64
	delivered int64
	failed    int64
	rejected  int64
}

// New builds a closed breaker, filling zero config values with the defaults.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}

	cb := &CircuitBreaker{config: cfg, logger: logger, now: time.Now}
	cb.changedAt = cb.now()
	return cb
}

// Allow reports whether the next message may go to the instance. Every call
// counts as a send attempt, refused or not.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.sends++

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.config.RecoveryTimeout {
		cb.moveTo(StateHalfOpen)
		cb.logger.Info("probing instance after cooldown",
			zap.String("instance", cb.config.Name),
		)
	}

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.probes < cb.config.HalfOpenMaxRequests {
			cb.probes++
			return true
		}
	}

	cb.rejected++
	return false
}

// RecordSuccess clears the failure streak; a successful probe brings the instance back.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.delivered++
	cb.consecutive = 0

	if cb.state == StateHalfOpen {
		cb.moveTo(StateClosed)
		cb.logger.Info("instance recovered",
			zap.String("instance", cb.config.Name),
		)
	}
}

// RecordFailure extends the failure streak. A failed probe reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failed++
	cb.consecutive++
	cb.lastFailure = cb.now()

	switch {
	case cb.state == StateHalfOpen:
		cb.moveTo(StateOpen)
		cb.logger.Warn("instance still failing, circuit re-opened",
			zap.String("instance", cb.config.Name),
		)
	case cb.state == StateClosed && cb.consecutive >= cb.config.MaxFailures:
		cb.moveTo(StateOpen)
		cb.logger.Warn("instance taken out of rotation",
			zap.String("instance", cb.config.Name),
			zap.Int("failures", cb.consecutive),
			zap.Duration("cooldown", cb.config.RecoveryTimeout),
		)
	}
}

// State returns the instance's current state without side effects; an open
// breaker whose cooldown has elapsed still reads as open until the next Allow.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats is one instance's row in the worker's /health/instances listing.
type Stats struct {
	Instance    string `json:"instance"`
	State       string `json:"state"`
	Consecutive int    `json:"consecutive_failures"`
	Sends       int64  `json:"sends"`
	Delivered   int64  `json:"delivered"`
	Failed      int64  `json:"failed"`
	Rejected    int64  `json:"rejected"`
	LastFailure string `json:"last_failure,omitempty"`
	ChangedAt   string `json:"changed_at"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	s := Stats{
		Instance:    cb.config.Name,
		State:       cb.state.String(),
		Consecutive: cb.consecutive,
		Sends:       cb.sends,
		Delivered:   cb.delivered,
		Failed:      cb.failed,
		Rejected:    cb.rejected,
		ChangedAt:   cb.changedAt.UTC().Format(time.RFC3339),
	}
	if !cb.lastFailure.IsZero() {
		s.LastFailure = cb.lastFailure.UTC().Format(time.RFC3339)
	}
	return s
}

// Reset puts the instance back into rotation, e.g. after its QR code was rescanned.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutive = 0
	cb.moveTo(StateClosed)
	cb.logger.Info("instance breaker reset",
		zap.String("instance", cb.config.Name),
	)
}

// moveTo requires cb.mu held.
func (cb *CircuitBreaker) moveTo(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.changedAt = cb.now()
	cb.probes = 0

	cb.logger.Debug("instance breaker transition",
		zap.String("instance", cb.config.Name),
		zap.String("from", prev.String()),
		zap.String("to", next.String()),
	)
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, next)
	}
}

func (cb *CircuitBreaker) String() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return fmt.Sprintf("instance %s: %s (%d/%d failures)",
		cb.config.Name, cb.state, cb.consecutive, cb.config.MaxFailures)
}
