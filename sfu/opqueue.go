package sfu

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

const defaultQueueSize = 64

var ErrQueueClosed = errors.New("operation queue is closed")

type op struct {
	name string
	fn   func() error
	done chan error
}

// Queue serializes negotiation operations against one transport handle.
// The transport's offer/answer state is not safe for concurrent mutation,
// so exactly one operation runs at a time, in submission order. A failed
// operation is logged and never blocks the ones behind it.
type Queue struct {
	logger zerolog.Logger
	ops    chan op

	mx       sync.RWMutex
	closed   bool
	shutdown chan struct{}
}

func NewQueue(logger *zerolog.Logger) *Queue {
	q := &Queue{
		logger:   logger.With().Str("component", "op-queue").Logger(),
		ops:      make(chan op, defaultQueueSize),
		shutdown: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	for {
		select {
		case <-q.shutdown:
			q.drain()
			return
		case o := <-q.ops:
			err := o.fn()
			if err != nil {
				q.logger.Warn().Err(err).Str("op", o.name).Msg("operation failed")
			}
			if o.done != nil {
				o.done <- err
			}
		}
	}
}

// drain fails operations that were admitted before Close but never ran, so
// no waiter is left hanging.
func (q *Queue) drain() {
	for {
		select {
		case o := <-q.ops:
			if o.done != nil {
				o.done <- ErrQueueClosed
			}
		default:
			return
		}
	}
}

func (q *Queue) enqueue(o op) bool {
	q.mx.RLock()
	defer q.mx.RUnlock()
	if q.closed {
		return false
	}
	q.ops <- o
	return true
}

// Do runs fn behind every previously submitted operation and returns its
// error. An operation always runs to completion once admitted.
func (q *Queue) Do(name string, fn func() error) error {
	done := make(chan error, 1)
	if !q.enqueue(op{name: name, fn: fn, done: done}) {
		return ErrQueueClosed
	}
	return <-done
}

// Submit enqueues fn without waiting for it. Failures surface in the log
// only.
func (q *Queue) Submit(name string, fn func() error) {
	q.enqueue(op{name: name, fn: fn})
}

func (q *Queue) Close() {
	q.mx.Lock()
	defer q.mx.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.shutdown)
}
