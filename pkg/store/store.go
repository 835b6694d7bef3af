// Package store defines the durable key/value contract used for map state,
// preferences, metadata cache snapshots and telemetry counters, together
// with the in-memory and Redis implementations. The SQL implementation lives
// in the database package so drivers stay out of this import graph.
package store

import (
	"context"
	"sync"
)

// Store persists opaque bytes under string keys.
// Get reports ok=false when the key does not exist.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// Memory is a process-local Store. It backs tests and single-binary demos
// where nothing needs to survive a restart.
type Memory struct {
	m sync.Map // string -> []byte
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory { return &Memory{} }

// Get returns a copy of the stored value.
func (s *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.m.Load(key)
	if !ok {
		return nil, false, nil
	}
	src := v.([]byte)
	out := make([]byte, len(src))
	copy(out, src)
	return out, true, nil
}

// Set stores a private copy so callers may reuse their buffer.
func (s *Memory) Set(_ context.Context, key string, value []byte) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	s.m.Store(key, buf)
	return nil
}

// Remove deletes the key; missing keys are not an error.
func (s *Memory) Remove(_ context.Context, key string) error {
	s.m.Delete(key)
	return nil
}
