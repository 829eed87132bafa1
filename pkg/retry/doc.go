// Package retry provides exponential backoff for transient failures.
//
// # Overview
//
// Two shapes are offered. Do wraps a single operation and retries it with
// exponential backoff up to a bounded number of attempts; the broker
// publisher uses it for each message. Backoff is the stateful form used by
// long-lived reconnect loops: the owner calls Next before every reconnect and
// Reset after a sustained healthy period.
//
// # Usage Examples
//
// Bounded retry:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func(attempt int) error {
//	    return js.Publish(ctx, subject, data)
//	})
//
// Reconnect loop:
//
//	b := retry.NewBackoff(retry.BackoffPolicy{Min: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.25})
//	for {
//	    if err := connect(); err == nil {
//	        b.Reset()
//	        break
//	    }
//	    if err := retry.Sleep(ctx, clk, b.Next()); err != nil {
//	        return err
//	    }
//	}
//
// # Testing
//
// Every sleep goes through a Clock. FakeClock fires immediately and records
// the requested durations, so backoff sequences can be asserted exactly.
//
// # Non-retryable errors
//
// Wrap an error with NonRetryable to make Do return it without further
// attempts. Do returns *ExhaustedError when all attempts fail.
package retry
