// Package schedule computes per-message delivery timestamps.
package schedule

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrInvalidRange is returned for a delay range that cannot produce strictly increasing times.
var ErrInvalidRange = errors.New("invalid delay range")

// Default resume stagger: a fixed spacing plus a small jitter per job.
const (
	DefaultResumeStagger = 15 * time.Second
	DefaultResumeJitter  = 5 * time.Second
)

// Rand is the source of randomness for gaps. *rand.Rand satisfies it.
type Rand interface {
	Int64N(n int64) int64
}

type globalRand struct{}

func (globalRand) Int64N(n int64) int64 { return rand.Int64N(n) }

// Policy spaces deliveries out so a campaign never sends in bursts.
type Policy struct {
	ResumeStagger time.Duration
	ResumeJitter  time.Duration
	rng           Rand
}

// NewPolicy creates a policy. A nil rng uses the process-wide generator.
func NewPolicy(resumeStagger, resumeJitter time.Duration, rng Rand) *Policy {
	if resumeStagger < time.Second {
		resumeStagger = time.Second
	}
	if resumeJitter < 0 {
		resumeJitter = 0
	}
	if rng == nil {
		rng = globalRand{}
	}
	return &Policy{
		ResumeStagger: resumeStagger,
		ResumeJitter:  resumeJitter,
		rng:           rng,
	}
}

// DeliveryTimes returns count timestamps after base. Each gap is a whole number of
// seconds drawn uniformly from [delayMin, delayMax] and added to the running offset,
// so the first message lands at base+gap and the sequence is strictly increasing.
func (p *Policy) DeliveryTimes(base time.Time, count, delayMin, delayMax int) ([]time.Time, error) {
	if err := ValidateRange(delayMin, delayMax); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, nil
	}

	span := int64(delayMax - delayMin + 1)
	times := make([]time.Time, count)
	var offset int64
	for i := range times {
		offset += int64(delayMin) + p.rng.Int64N(span)
		times[i] = base.Add(time.Duration(offset) * time.Second)
	}
	return times, nil
}

// ResumeTimes returns count timestamps after the resume instant, spaced by the fixed
// resume stagger plus a jitter in [0, ResumeJitter], whole seconds. The campaign's
// original delay range is deliberately not consulted.
func (p *Policy) ResumeTimes(from time.Time, count int) []time.Time {
	if count <= 0 {
		return nil
	}

	stagger := int64(p.ResumeStagger / time.Second)
	jitterSpan := int64(p.ResumeJitter/time.Second) + 1
	times := make([]time.Time, count)
	var offset int64
	for i := range times {
		offset += stagger + p.rng.Int64N(jitterSpan)
		times[i] = from.Add(time.Duration(offset) * time.Second)
	}
	return times
}

// ValidateRange checks a campaign's delay bounds, in seconds.
func ValidateRange(delayMin, delayMax int) error {
	if delayMin < 1 {
		return fmt.Errorf("%w: delay_min must be at least 1 second, got %d", ErrInvalidRange, delayMin)
	}
	if delayMax < delayMin {
		return fmt.Errorf("%w: delay_max %d is below delay_min %d", ErrInvalidRange, delayMax, delayMin)
	}
	return nil
}
