// Package lane provides per-key serialization for chat traffic.
//
// Every key (a sender for inbound dispatch, a recipient for outbound sends)
// gets its own FIFO lane: tasks under one key run one at a time in enqueue
// order, while lanes for different keys run independently. A failing task
// never stalls its lane. Lanes that stay empty for the idle TTL are dropped
// so bookkeeping does not grow with sender churn.
package lane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/wecomrelay/internal/clock"
)

// DefaultIdleTTL is how long a drained lane is kept before eviction.
const DefaultIdleTTL = 5 * time.Minute

// ErrClosed is reported for tasks enqueued after Shutdown began.
var ErrClosed = errors.New("lane: queue closed")

// Task is one unit of work in a lane.
type Task func(ctx context.Context) error

type item struct {
	task Task
	done chan error
}

// lane is the bookkeeping for one key.
type lane struct {
	key     string
	pending []item
	running bool
	idle    clock.Timer
	idleGen int
}

// Queue runs tasks serially per key.
type Queue struct {
	name    string
	idleTTL time.Duration
	clock   clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithIdleTTL overrides DefaultIdleTTL.
func WithIdleTTL(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.idleTTL = d
		}
	}
}

// WithClock injects the time source used for idle timers.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = clock.OrReal(c) }
}

// New creates a queue. name only appears in logs.
func New(name string, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		name:    name,
		idleTTL: DefaultIdleTTL,
		clock:   clock.New(),
		ctx:     ctx,
		cancel:  cancel,
		lanes:   make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue schedules task after every task previously enqueued under key.
// The returned channel receives the task's result exactly once; callers that
// don't care may ignore it. After Shutdown the task is not run and the
// channel receives ErrClosed.
func (q *Queue) Enqueue(key string, task Task) <-chan error {
	done := make(chan error, 1)

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		slog.Warn("lane task rejected after shutdown", "queue", q.name, "key", key)
		done <- fmt.Errorf("lane %s: %w", q.name, ErrClosed)
		return done
	}

	l, ok := q.lanes[key]
	if !ok {
		l = &lane{key: key}
		q.lanes[key] = l
	}
	if l.idle != nil {
		l.idle.Stop()
		l.idle = nil
		l.idleGen++
	}
	l.pending = append(l.pending, item{task: task, done: done})
	if !l.running {
		l.running = true
		q.wg.Add(1)
		go q.drain(l)
	}
	return done
}

// drain runs a lane's tasks until it is empty, then arms the idle timer.
func (q *Queue) drain(l *lane) {
	defer q.wg.Done()

	q.mu.Lock()
	for len(l.pending) > 0 {
		it := l.pending[0]
		l.pending = l.pending[1:]
		q.mu.Unlock()

		err := q.run(l.key, it.task)

		q.mu.Lock()
		if len(l.pending) == 0 {
			// Settle lane state before reporting, so a caller woken by the
			// result always observes the idle timer already armed.
			l.running = false
			q.armIdleLocked(l)
		}
		it.done <- err
	}
	q.mu.Unlock()
}

func (q *Queue) run(key string, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lane %s: task panic: %v", q.name, r)
		}
		if err != nil {
			slog.Error("lane task failed", "queue", q.name, "key", key, "error", err)
		}
	}()
	return task(q.ctx)
}

func (q *Queue) armIdleLocked(l *lane) {
	l.idleGen++
	gen := l.idleGen
	l.idle = q.clock.AfterFunc(q.idleTTL, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		cur, ok := q.lanes[l.key]
		if !ok || cur != l || l.idleGen != gen || l.running || len(l.pending) > 0 {
			return
		}
		delete(q.lanes, l.key)
		slog.Debug("lane evicted", "queue", q.name, "key", l.key)
	})
}

// Len returns the number of keys with live bookkeeping.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// Active returns the number of lanes currently running a task.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, l := range q.lanes {
		if l.running {
			n++
		}
	}
	return n
}

// Shutdown stops accepting tasks, waits for running lanes to drain, or for
// ctx to expire, and then cancels the context handed to tasks. Tasks already
// queued still run. Idle timers are stopped.
func (q *Queue) Shutdown(ctx context.Context) error {
	// Closing under mu orders every wg.Add before the Wait below.
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("lane %s shutdown: %w", q.name, ctx.Err())
	}
	q.cancel()

	q.mu.Lock()
	for key, l := range q.lanes {
		if l.idle != nil {
			l.idle.Stop()
		}
		if !l.running {
			delete(q.lanes, key)
		}
	}
	q.mu.Unlock()
	return err
}
