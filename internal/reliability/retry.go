package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy computes the wait before the next attempt.
// attempt is zero-based: NextDelay(0) is the wait after the first failure.
type BackoffPolicy interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff with an optional ceiling
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration // zero means uncapped
	Multiplier      float64
	Jitter          bool
}

// NewExponentialBackoff creates a doubling policy without jitter
func NewExponentialBackoff(initial, max time.Duration) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      2.0,
	}
}

// NextDelay implements BackoffPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	multiplier := e.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := float64(e.InitialInterval) * math.Pow(multiplier, float64(attempt))

	// Cap at max interval
	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}
	// Keep headroom for jitter below the int64 limit
	if delay > float64(math.MaxInt64/2) {
		delay = float64(math.MaxInt64 / 2)
	}

	// Add jitter if enabled
	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay // ±15% jitter
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// NewJitteredDelay waits around delay, spread by ±15% so that many clients
// restarting together do not reconnect in lockstep
func NewJitteredDelay(delay time.Duration) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: delay,
		MaxInterval:     delay,
		Multiplier:      1.0,
		Jitter:          true,
	}
}

// FixedDelay waits the same amount between every attempt
type FixedDelay struct {
	Delay time.Duration
}

// NewFixedDelay creates a new fixed delay policy
func NewFixedDelay(delay time.Duration) *FixedDelay {
	return &FixedDelay{Delay: delay}
}

// NextDelay implements BackoffPolicy
func (f *FixedDelay) NextDelay(int) time.Duration {
	return f.Delay
}

// Sleeper waits for a duration or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep implements Sleeper
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// TimerSleeper sleeps on a real timer.
var TimerSleeper Sleeper = SleeperFunc(func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
})
