// Package inflight tracks operations that must be allowed to finish before the
// process exits.
package inflight

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Tracker counts in-flight operations and lets shutdown wait for them
type Tracker struct {
	mu      sync.Mutex
	active  map[string]int
	total   int
	drained chan struct{}
	logger  *zap.Logger
}

// NewTracker creates an empty tracker
func NewTracker(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	drained := make(chan struct{})
	close(drained)
	return &Tracker{
		active:  make(map[string]int),
		drained: drained,
		logger:  logger,
	}
}

// Acquire registers an operation and returns its release func.
// Release may be called any number of times; only the first call counts.
func (t *Tracker) Acquire(name string) (release func()) {
	t.mu.Lock()
	if t.total == 0 {
		t.drained = make(chan struct{})
	}
	t.total++
	t.active[name]++
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.release(name) })
	}
}

func (t *Tracker) release(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[name]--
	if t.active[name] <= 0 {
		delete(t.active, name)
	}
	t.total--
	if t.total == 0 {
		close(t.drained)
	}
}

// Count returns the number of operations currently in flight
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Wait blocks until no operation is in flight or ctx is done
func (t *Tracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	drained := t.drained
	pending := t.total
	t.mu.Unlock()

	if pending > 0 {
		t.logger.Info("Waiting for in-flight operations", zap.Int("count", pending))
	}

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
