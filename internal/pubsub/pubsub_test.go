package pubsub

import (
	"testing"
	"time"

	assert_ "github.com/stretchr/testify/assert"
)

func TestPublishSubscribe(t *testing.T) {
	assert := assert_.New(t)
	p := NewPublisher[int]()
	a, err := p.Subscribe()
	assert.NoError(err)
	b, err := p.Subscribe()
	assert.NoError(err)

	p.Send(1)
	p.Send(2)
	assert.Equal(1, <-a.Receive())
	assert.Equal(2, <-a.Receive())
	assert.Equal(1, <-b.Receive())
	assert.Equal(2, <-b.Receive())
}

func TestUnsubscribe(t *testing.T) {
	assert := assert_.New(t)
	p := NewPublisher[string]()
	s, _ := p.Subscribe()
	s.Close()
	_, open := <-s.Receive()
	assert.False(open)
	// Sending after unsubscribe must not panic
	p.Send("x")
}

func TestCloseClosesSubscribers(t *testing.T) {
	assert := assert_.New(t)
	p := NewPublisher[int]()
	s, _ := p.Subscribe()
	p.Close()
	select {
	case _, open := <-s.Receive():
		assert.False(open)
	case <-time.After(time.Second):
		assert.Fail("subscriber channel should be closed")
	}
	_, err := p.Subscribe()
	assert.ErrorIs(err, ErrPublisherClosed)
	// Close is idempotent
	p.Close()
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	assert := assert_.New(t)
	p := NewPublisher[int]()
	s, _ := p.Subscribe()
	done := make(chan struct{})
	go func() {
		for i := 0; i < DefaultSubscriberBufSize*4; i++ {
			p.Send(i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		assert.Fail("publisher blocked on a slow subscriber")
	}
	// Earliest events are retained up to the buffer size
	assert.Equal(0, <-s.Receive())
}
