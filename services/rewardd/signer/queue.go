// Package signer serialises every transaction that spends from the shared
// payout account. All submissions share one nonce sequence, so exactly one job
// runs at a time.
package signer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned once the queue has been shut down.
var ErrClosed = errors.New("rewardd: signer queue closed")

// Job runs with exclusive access to the signer.
type Job func(ctx context.Context) error

type request struct {
	caller context.Context
	job    Job
	result chan error
}

// Queue is a single worker FIFO around the signer.
type Queue struct {
	requests chan request
	done     chan struct{}
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	depth   atomic.Int64
	onDepth func(int)
	logger  *slog.Logger
}

// Option customises a Queue.
type Option func(*Queue)

// WithDepthObserver reports the number of jobs waiting or running.
func WithDepthObserver(fn func(int)) Option {
	return func(q *Queue) {
		q.onDepth = fn
	}
}

// WithLogger overrides the queue logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// NewQueue starts the worker. buffer bounds how many callers may be queued
// before Do blocks.
func NewQueue(buffer int, opts ...Option) *Queue {
	if buffer < 0 {
		buffer = 0
	}
	q := &Queue{
		requests: make(chan request, buffer),
		done:     make(chan struct{}),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Do enqueues job and waits for its result. A caller whose ctx is done before
// the job starts gets ctx.Err(); once started the job runs to completion on a
// context that ignores the caller's cancellation, since a broadcast
// transaction cannot be recalled.
func (q *Queue) Do(ctx context.Context, job Job) error {
	if job == nil {
		return fmt.Errorf("signer: nil job")
	}
	req := request{caller: ctx, job: job, result: make(chan error, 1)}

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrClosed
	}
	q.adjustDepth(1)
	select {
	case q.requests <- req:
	case <-ctx.Done():
		q.mu.RUnlock()
		q.adjustDepth(-1)
		return ctx.Err()
	}
	q.mu.RUnlock()
	return <-req.result
}

// Depth returns the number of jobs waiting or running.
func (q *Queue) Depth() int { return int(q.depth.Load()) }

// Close stops accepting jobs, waits for the running job and fails the rest
// with ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
	q.wg.Wait()
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case req := <-q.requests:
			q.execute(req)
		case <-q.done:
			for {
				select {
				case req := <-q.requests:
					q.adjustDepth(-1)
					req.result <- ErrClosed
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) execute(req request) {
	err := q.runJob(req)
	q.adjustDepth(-1)
	req.result <- err
}

func (q *Queue) runJob(req request) (err error) {
	if err := req.caller.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("signer job panicked", slog.Any("panic", r))
			err = fmt.Errorf("signer: job panicked: %v", r)
		}
	}()
	return req.job(context.WithoutCancel(req.caller))
}

func (q *Queue) adjustDepth(delta int64) {
	depth := q.depth.Add(delta)
	if q.onDepth != nil {
		q.onDepth(int(depth))
	}
}
