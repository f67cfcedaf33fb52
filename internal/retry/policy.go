package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

// Delay returns the wait before retry number attempt (zero based).
func (p Policy) Delay(attempt int) time.Duration {
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 2.0
	}
	raw := float64(p.InitialBackoff) * math.Pow(factor, float64(attempt))

	var backoff time.Duration
	if raw >= float64(p.MaxBackoff) || raw >= math.MaxInt64 {
		backoff = p.MaxBackoff
	} else {
		backoff = time.Duration(raw)
	}

	if p.Jitter && backoff > 0 {
		maxJitter := backoff / 4
		if maxJitter > 0 {
			backoff += time.Duration(rand.Int63n(int64(maxJitter)))
			if backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		}
	}

	return backoff
}

// SleepWithContext sleeps for d unless ctx is done first.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
