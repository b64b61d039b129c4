package async

import (
	"context"
	"time"
)

// Run will run a function in a goroutine, returning its result via a channel.
func Run[T any](f func() T) <-chan T {
	c := make(chan T)
	go func() {
		c <- f()
	}()
	return c
}

// Retry runs op up to attempts times, stopping early on success or context
// cancellation. Between failed attempts it sleeps for delay (which may be
// zero). The final attempt's result is returned.
func Retry(ctx context.Context, attempts int, delay time.Duration, op func(context.Context) bool) bool {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return false
		}
		if op(ctx) {
			return true
		}
		if i < attempts-1 && delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return false
			}
		}
	}
	return false
}
