// Package scheduler runs the periodic re-assessment cycles: vulnerability
// re-checks and active-scan refreshes, each gated by a per-device window.
package scheduler

import (
	"context"
	"time"
)

// Due reports whether work last done at last should run again at now
func Due(last, now time.Time, window time.Duration) bool {
	return last.IsZero() || now.Sub(last) >= window
}

// PanicHandler receives values recovered from a panicking cycle
type PanicHandler func(recovered any)

// Loop calls fn on every tick of interval until ctx is done. A panic inside
// fn is recovered and handed to onPanic; the loop keeps going.
func Loop(ctx context.Context, clock Clock, interval time.Duration, fn func(context.Context), onPanic PanicHandler) error {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			runSafely(ctx, fn, onPanic)
		}
	}
}

func runSafely(ctx context.Context, fn func(context.Context), onPanic PanicHandler) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(r)
		}
	}()
	fn(ctx)
}
