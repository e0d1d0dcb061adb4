// Package memorystore provides a keyed blob store used both as the agent
// result cache and the per-user config cache. It is modeled on
// core.MemoryStore's TTL-entry idiom, generalized to opaque []byte values,
// prefix deletion, and staleness-based GC.
package memorystore

import (
	"context"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/itsneelabh/paperflow/core"
)

// Entry is one stored blob plus its bookkeeping timestamps.
type Entry struct {
	Data      []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the MemoryStore contract: a keyed blob store with prefix
// deletion and staleness-based GC.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Put(ctx context.Context, key string, data []byte) error
	PutIfAbsent(ctx context.Context, key string, data []byte) (bool, error)
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
	DeleteStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// ResultCacheKey constructs the result-cache key for an agent invocation,
// per the fixed naming convention: agent_<kind>_cache_<fingerprint>.
func ResultCacheKey(agentKind, fingerprint string) string {
	return "agent_" + agentKind + "_cache_" + fingerprint
}

// ConfigCacheKey constructs the per-user config-cache key:
// user_<uid>_agent_<kind>.
func ConfigCacheKey(userID, agentKind string) string {
	return "user_" + userID + "_agent_" + agentKind
}

// Fingerprint computes the default deterministic digest used for cache
// keys and in-flight coalescing: an FNV-1a hash of the input's canonical
// byte representation. Callers that need cross-language-stable digests may
// supply their own fingerprinting function instead; this one is a
// reasonable default when the caller has no canonicalization requirements
// beyond "same bytes in, same fingerprint out".
func Fingerprint(data []byte) string {
	h := fnv.New128a()
	_, _ = h.Write(data)
	return string(h.Sum(nil))
}

// InMemoryStore is a mutex-guarded map implementation of Store.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	logger  core.Logger
}

func NewInMemoryStore(logger core.Logger) *InMemoryStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &InMemoryStore{entries: make(map[string]*Entry), logger: logger}
}

func (s *InMemoryStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	cp := *e
	return &cp, true, nil
}

func (s *InMemoryStore) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.entries[key]; ok {
		existing.Data = data
		existing.UpdatedAt = now
		return nil
	}
	s.entries[key] = &Entry{Data: data, CreatedAt: now, UpdatedAt: now}
	return nil
}

func (s *InMemoryStore) PutIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		return false, nil
	}
	now := time.Now()
	s.entries[key] = &Entry{Data: data, CreatedAt: now, UpdatedAt: now}
	return true, nil
}

func (s *InMemoryStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) DeleteStale(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	n := 0
	for k, e := range s.entries {
		if e.UpdatedAt.Before(cutoff) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

// Keys returns a sorted snapshot of all keys currently stored, for tests
// and diagnostics.
func (s *InMemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
