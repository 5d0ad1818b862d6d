// Package reliability provides the retry timing primitives shared by the
// broker reconnect loop and the delivery coordinator.
//
//   - ExponentialBackoff: doubling delays with an optional ceiling and jitter
//   - FixedDelay: constant delay, used for broker reconnects
//   - Sleeper: an injectable wait so tests can run retry loops without real timers
//
// Example usage:
//
//	policy := NewExponentialBackoff(2*time.Second, 30*time.Second)
//	for attempt := 0; attempt < 3; attempt++ {
//	    if err := publish(); err == nil {
//	        break
//	    }
//	    _ = TimerSleeper.Sleep(ctx, policy.NextDelay(attempt))
//	}
package reliability
