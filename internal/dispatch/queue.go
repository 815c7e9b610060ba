// Package dispatch provides a serial execution context.
//
// A Queue runs every submitted function on one goroutine in submission order.
// Components that must not interleave with each other (final flag writes and
// the observers that render them) share a Queue the way UI code shares a main
// thread.
package dispatch

import (
	"sync"

	apperrors "github.com/devrev/settingsd/internal/errors"
	"go.uber.org/zap"
)

// Queue is a FIFO serial executor
type Queue struct {
	name   string
	tasks  chan func()
	logger *zap.Logger

	mu      sync.RWMutex
	stopped bool
	done    chan struct{}
}

// NewQueue starts a serial queue with the given buffer size
func NewQueue(name string, size int, logger *zap.Logger) *Queue {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		name:   name,
		tasks:  make(chan func(), size),
		logger: logger,
		done:   make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *Queue) loop() {
	defer close(q.done)
	for fn := range q.tasks {
		q.run(fn)
	}
}

func (q *Queue) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Dispatched function panicked",
				zap.String("queue", q.name),
				zap.Any("panic", r))
		}
	}()
	fn()
}

// Async enqueues fn and returns immediately. It blocks only while the buffer
// is full.
func (q *Queue) Async(fn func()) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return apperrors.Stopped("dispatch queue '" + q.name + "'")
	}
	q.tasks <- fn
	return nil
}

// Sync enqueues fn and waits until it has run.
// Calling Sync from a function already running on q deadlocks.
func (q *Queue) Sync(fn func()) error {
	finished := make(chan struct{})
	if err := q.Async(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	<-finished
	return nil
}

// Stop rejects new work, runs everything already queued and waits for the
// loop to exit
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		close(q.tasks)
	}
	q.mu.Unlock()
	<-q.done
}
