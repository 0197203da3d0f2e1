package retry

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"cipherchat/pkg/logger"
)

// Policy describes an exponential backoff schedule
type Policy struct {
	// Attempts is the maximum number of tries; 0 means unlimited
	Attempts int
	// Initial is the delay before the second attempt
	Initial time.Duration
	// Max caps the per-attempt delay
	Max time.Duration
	// Multiplier grows the delay between attempts; defaults to 2
	Multiplier float64
	// Jitter adds up to this fraction of random delay on top of each wait
	Jitter float64
}

// DefaultQuery is the schedule for transient document-store failures:
// 3 attempts at 2s/4s/8s.
var DefaultQuery = Policy{Attempts: 3, Initial: 2 * time.Second, Max: 8 * time.Second, Multiplier: 2}

// Reconnect is the schedule for realtime transport reconnects: unlimited
// attempts, 1s growing to a 5s cap, with jitter so clients don't stampede.
var Reconnect = Policy{Attempts: 0, Initial: time.Second, Max: 5 * time.Second, Multiplier: 1.5, Jitter: 0.25}

// Do runs fn until it succeeds, the policy is exhausted, or ctx is done.
// The last error is returned when all attempts fail.
func Do(ctx context.Context, p Policy, operation string, fn func() error) error {
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}

	delay := p.Initial
	var lastErr error

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if p.Attempts > 0 && attempt >= p.Attempts {
			return lastErr
		}

		wait := delay
		if p.Jitter > 0 {
			wait += time.Duration(rand.Float64() * p.Jitter * float64(delay))
		}

		logger.Warn("operation failed, backing off",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(lastErr),
		)

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * mult)
		if delay > p.Max {
			delay = p.Max
		}
	}
}

// NextDelay returns the delay for the given zero-based attempt under p,
// including jitter. Used by callers that manage their own loop.
func (p Policy) NextDelay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}

	delay := p.Initial
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * mult)
		if delay >= p.Max {
			delay = p.Max
			break
		}
	}

	if p.Jitter > 0 {
		delay += time.Duration(rand.Float64() * p.Jitter * float64(delay))
	}
	return delay
}
