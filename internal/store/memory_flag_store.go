package store

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// InMemoryFlagStore implements FlagStore using an in-memory map
type InMemoryFlagStore struct {
	data   map[string]bool
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewInMemoryFlagStore creates a new in-memory flag store seeded with initial
func NewInMemoryFlagStore(initial map[string]bool, logger *zap.Logger) *InMemoryFlagStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	data := make(map[string]bool, len(initial))
	for k, v := range initial {
		data[k] = v
	}
	return &InMemoryFlagStore{
		data:   data,
		logger: logger,
	}
}

// GetBool returns the value of key
func (s *InMemoryFlagStore) GetBool(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[key], nil
}

// SetBool stores value under key
func (s *InMemoryFlagStore) SetBool(ctx context.Context, key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	s.logger.Debug("Flag written", zap.String("key", key), zap.Bool("value", value))
	return nil
}

// Snapshot returns a copy of every stored flag
func (s *InMemoryFlagStore) Snapshot() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// Ping always succeeds
func (s *InMemoryFlagStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *InMemoryFlagStore) Close() error {
	return nil
}
