// Package kvstore abstracts the distributed key/value tier behind the result
// cache. The Redis implementation is used in production; the in-process
// implementation backs single-node deployments and tests.
package kvstore

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Store is the external key/value contract consumed by the cache. TTL is
// enforced server-side where the backend supports it.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// Memory is a Store backed by a process-local map with lazy TTL expiry.
type Memory struct {
	mu sync.RWMutex
	m  map[string]memEntry
}

type memEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{m: make(map[string]memEntry)}
}

func (s *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	e, ok := s.m[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		s.mu.Lock()
		delete(s.m, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (s *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	e := memEntry{value: cp}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.m[key] = e
	s.mu.Unlock()
	return nil
}

func (s *Memory) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}

func (s *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k, e := range s.m {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if !e.expires.IsZero() && now.After(e.expires) {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *Memory) Close() error { return nil }
