// Package testutil provides test subscribers and polling helpers.
package testutil

import (
	"testing"
	"time"
)

// WaitOptions configures WaitFor.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for WaitFor.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 5s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Timeout = d }
}

// WithInterval sets the polling interval (default: 10ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Interval = d }
}

// WaitFor polls condition until it holds or the timeout elapses. The
// condition is checked once more at the deadline.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()

	o := WaitOptions{Timeout: 5 * time.Second, Interval: 10 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}

	deadline := time.NewTimer(o.Timeout)
	defer deadline.Stop()
	tick := time.NewTicker(o.Interval)
	defer tick.Stop()

	for {
		if condition() {
			return true
		}
		select {
		case <-deadline.C:
			return condition()
		case <-tick.C:
		}
	}
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	start := time.Now()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatalf("condition not met after %v", time.Since(start).Round(time.Millisecond))
	}
}
