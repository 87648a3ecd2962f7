// Package retry is the single retry policy shared by the batch writer, spool
// replay and session reconnects: bounded attempts, a wall-clock deadline,
// exponential backoff with jitter and a pluggable failure classifier.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrExhausted is returned when attempts or the deadline ran out while the
// failure was still retryable.
var ErrExhausted = errors.New("retry budget exhausted")

// Policy describes how an operation is retried.
type Policy struct {
	MaxAttempts  int           `yaml:"max_attempts"` // 0 = unlimited
	Deadline     time.Duration `yaml:"deadline"`     // 0 = unlimited
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"` // randomization factor, 0..1
}

// WriterDefaults is used for database flushes and spool replay.
func WriterDefaults() Policy {
	return Policy{
		MaxAttempts:  5,
		Deadline:     15 * time.Second,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
	}
}

// ReconnectDefaults is used for protocol session reconnects.
func ReconnectDefaults() Policy {
	return Policy{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		Jitter:       0.25,
	}
}

func (p Policy) withDefaults() Policy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Validate rejects policies that can never terminate or never wait.
func (p Policy) Validate() error {
	if p.MaxAttempts < 0 {
		return errors.New("max_attempts cannot be negative")
	}
	if p.Deadline < 0 || p.InitialDelay < 0 || p.MaxDelay < 0 {
		return errors.New("durations cannot be negative")
	}
	if p.MaxDelay > 0 && p.InitialDelay > p.MaxDelay {
		return errors.New("max_delay must be >= initial_delay")
	}
	return nil
}

// NewBackOff returns a fresh backoff sequence shaped by the policy. Callers
// that drive their own loop (the session manager) use this directly.
func (p Policy) NewBackOff() *backoff.ExponentialBackOff {
	p = p.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// Attempt describes a failed try that is about to be retried.
type Attempt struct {
	Number int
	Err    error
	Class  Class
	Delay  time.Duration
}

// Do runs fn until it succeeds, fails with a non-retryable class, or the
// policy's attempts/deadline are used up. The deadline only stops new
// attempts from being scheduled; fn itself is not cancelled by it.
func Do(ctx context.Context, p Policy, classify Classifier, fn func(context.Context) error, onRetry func(Attempt)) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	b := p.NewBackOff()
	start := time.Now()

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		class := ClassOf(err, classify)
		if !class.Retryable() {
			return WithClass(class, err)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, errors.Join(ctx.Err(), err))
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, WithClass(class, err))
		}

		delay := b.NextBackOff()
		if p.Deadline > 0 && time.Since(start)+delay > p.Deadline {
			return fmt.Errorf("%w: deadline %s reached after %d attempts: %w", ErrExhausted, p.Deadline, attempt, WithClass(class, err))
		}
		if onRetry != nil {
			onRetry(Attempt{Number: attempt, Err: err, Class: class, Delay: delay})
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff after %d attempts: %w", attempt, errors.Join(ctx.Err(), err))
		case <-timer.C:
		}
	}
}
