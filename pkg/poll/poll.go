// Package poll waits for a condition with a fixed short interval and an
// overall deadline. Browser automation helpers use it to wait until a script
// evaluated in a remote page returns true.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Interval is the fixed delay between condition checks.
const Interval = 50 * time.Millisecond

// ErrTimeout is returned when the condition never became true.
var ErrTimeout = errors.New("poll: condition not met before timeout")

// Condition reports whether the awaited state has been reached. A non-nil
// error stops polling immediately.
type Condition func(ctx context.Context) (bool, error)

// Until checks cond immediately and then every Interval until it returns
// true, returns an error, ctx is done, or timeout elapses. A timeout of zero
// or less checks exactly once.
func Until(ctx context.Context, timeout time.Duration, cond Condition) error {
	return until(ctx, Interval, timeout, cond)
}

func until(ctx context.Context, interval, timeout time.Duration, cond Condition) error {
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w (%s)", ErrTimeout, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// TryUntil is Until without the error: it reports whether cond became true.
func TryUntil(ctx context.Context, timeout time.Duration, cond Condition) bool {
	return Until(ctx, timeout, cond) == nil
}
