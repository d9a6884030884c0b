// Package memory provides in-process implementations of driven ports for
// single-instance deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ericfisherdev/leadbridge/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.IdempotencyStore = (*IdempotencyStore)(nil)

// IdempotencyStore keeps claimed keys in a map until their TTL lapses. Expired
// keys are swept lazily on Claim.
type IdempotencyStore struct {
	mu        sync.Mutex
	expires   map[string]time.Time
	now       func() time.Time
	lastSweep time.Time
}

// sweepEvery bounds how often Claim scans for expired keys.
const sweepEvery = time.Minute

// NewIdempotencyStore creates an empty store.
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Claim records key for ttl. It returns false if key is already held.
func (s *IdempotencyStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweep(now)

	if exp, ok := s.expires[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.expires[key] = now.Add(ttl)
	return true, nil
}

// Release drops key so it can be claimed again.
func (s *IdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expires, key)
	return nil
}

// Len returns the number of held keys, including expired ones not yet swept.
func (s *IdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expires)
}

func (s *IdempotencyStore) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < sweepEvery {
		return
	}
	s.lastSweep = now
	for key, exp := range s.expires {
		if !now.Before(exp) {
			delete(s.expires, key)
		}
	}
}
