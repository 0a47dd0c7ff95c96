package mssql

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy retries transient failures with exponential backoff.
// Attempt i waits min(InitialBackoff * Multiplier^(i-1), MaxBackoff),
// randomised by ±50% when Jitter is on. Only errors classified
// transient are retried; the policy is applied at the connection
// establishment and pool checkout layers. Query retries are the
// caller's business: statements may not be idempotent.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         bool
}

// DefaultRetryPolicy matches the usual client guidance for transient
// SQL errors.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		Jitter:         true,
	}
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = p.Multiplier
	if p.Jitter {
		b.RandomizationFactor = 0.5
	} else {
		b.RandomizationFactor = 0
	}
	// The retry count bounds the schedule, not elapsed time.
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do runs op, retrying transient failures up to MaxRetries times.
// The last error is returned when attempts run out or the context is
// cancelled during a backoff sleep.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || p.MaxRetries <= 0 {
		return err
	}
	b := p.newBackOff()
	for attempt := 1; attempt <= p.MaxRetries; attempt++ {
		if !IsTransient(err) || IsTerminal(err) {
			return err
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		if err = op(); err == nil {
			return nil
		}
	}
	return err
}
