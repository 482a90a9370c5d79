package retry

import (
	"context"
	"time"
)

// Policy is a bounded retry schedule with exponential backoff. One policy is
// shared by all custodian call sites so retry behavior stays uniform.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is used for custodian capital movements.
var DefaultPolicy = Policy{
	MaxAttempts: 4,
	BaseDelay:   250 * time.Millisecond,
	MaxDelay:    5 * time.Second,
}

// Do runs op until it succeeds, the attempt budget is exhausted, or the
// context is cancelled. The last error is returned on exhaustion.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	delay := p.BaseDelay
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == p.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return lastErr
}
