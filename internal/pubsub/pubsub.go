// Package pubsub provides a small fan-out publisher used to surface task and
// session events to observers (e.g. the CLI) without coupling the pipeline to
// any particular consumer.
package pubsub

import (
	"errors"
	"sync"
)

const DefaultSubscriberBufSize = 16

var ErrPublisherClosed = errors.New("publisher closed")

type Subscription[T any] struct {
	p  *Publisher[T]
	ch chan T
}

// Receive returns the channel events arrive on; it is closed when either the
// subscription or the publisher closes.
func (s *Subscription[T]) Receive() <-chan T {
	return s.ch
}

// Close detaches the subscription from its publisher.
func (s *Subscription[T]) Close() {
	s.p.unsubscribe(s)
}

type Publisher[T any] struct {
	mu     sync.Mutex
	subs   []*Subscription[T]
	closed bool
}

func NewPublisher[T any]() *Publisher[T] {
	return &Publisher[T]{}
}

// Send publishes the value to all subscribers without blocking: a subscriber
// whose buffer is full misses the event rather than stalling the pipeline.
func (p *Publisher[T]) Send(msg T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for _, s := range p.subs {
		select {
		case s.ch <- msg:
		default:
		}
	}
}

func (p *Publisher[T]) Subscribe() (*Subscription[T], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPublisherClosed
	}
	s := &Subscription[T]{p: p, ch: make(chan T, DefaultSubscriberBufSize)}
	p.subs = append(p.subs, s)
	return s, nil
}

func (p *Publisher[T]) unsubscribe(sub *Subscription[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.subs {
		if s == sub {
			p.subs = append(p.subs[:i], p.subs[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Close idempotently shuts down the publisher, closing all subscribers too.
func (p *Publisher[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, s := range p.subs {
		close(s.ch)
	}
	p.subs = nil
}
