package async

import (
	"context"
	"testing"
	"time"

	assert_ "github.com/stretchr/testify/assert"
)

func TestRun(t *testing.T) {
	assert := assert_.New(t)
	c := Run(func() int { return 42 })
	assert.Equal(42, <-c)
}

func TestRetryStopsOnSuccess(t *testing.T) {
	assert := assert_.New(t)
	calls := 0
	ok := Retry(context.Background(), 5, 0, func(context.Context) bool {
		calls++
		return calls == 3
	})
	assert.True(ok)
	assert.Equal(3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	assert := assert_.New(t)
	calls := 0
	ok := Retry(context.Background(), 4, 0, func(context.Context) bool {
		calls++
		return false
	})
	assert.False(ok)
	assert.Equal(4, calls)
}

func TestRetryHonoursContext(t *testing.T) {
	assert := assert_.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	ok := Retry(ctx, 10, time.Hour, func(context.Context) bool {
		calls++
		cancel()
		return false
	})
	assert.False(ok)
	assert.Equal(1, calls)
}
