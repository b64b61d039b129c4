package sync_

import (
	"sync"
	"testing"
	"time"

	assert_ "github.com/stretchr/testify/assert"
)

func TestEventSync(t *testing.T) {
	assert := assert_.New(t)
	e := NewEvent()
	// Initial value should be unset
	assert.False(e.IsSet())
	// Waiting on the event should block
	select {
	case <-e.Wait():
		assert.Fail("<-e.Wait() should be blocking")
	default:
	}
	// Can we set the event?
	e.Set()
	assert.True(e.IsSet())
	// Waiting on the event should succeed immediately
	select {
	case <-e.Wait():
	default:
		assert.Fail("<-e.Wait() should not block")
	}
	// Setting the event should be idempotent
	e.Set()
	assert.True(e.IsSet())
	// Can we clear the event?
	e.Clear()
	assert.False(e.IsSet())
	// Clearing the event should be idempotent
	e.Clear()
	assert.False(e.IsSet())
}

func TestEventAsync(t *testing.T) {
	assert := assert_.New(t)
	e := NewEvent()
	wg := sync.WaitGroup{}

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-e.Wait()
		}()
	}

	blockedDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(blockedDone)
	}()

	select {
	case <-blockedDone:
		assert.Fail("event should be blocking all goroutines")
	case <-time.After(200 * time.Millisecond):
		// Give goroutines enough time to exit immediately if they weren't blocked
	}

	e.Set()
	select {
	case <-blockedDone:
	case <-time.After(5 * time.Second):
		assert.Fail("event should no longer be blocking all goroutines")
	}
}

func TestMutexed(t *testing.T) {
	assert := assert_.New(t)
	m := NewMutexed(map[string]int{"a": 1})
	_ = m.Locked(func(v map[string]int) error {
		v["b"] = 2
		return nil
	})
	assert.Equal(2, m.Get()["b"])
	old := m.Swap(map[string]int{})
	assert.Len(old, 2)
	assert.Len(m.Get(), 0)
}
