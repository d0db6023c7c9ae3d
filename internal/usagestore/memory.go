package usagestore

import (
	"sync"

	"github.com/broker/llmbroker/internal/ratelimit"
)

// Memory is the in-process UsageStore backend. Persist is a no-op; Entries
// iterates the live map in unspecified order.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]ratelimit.UsageBucket
}

// NewMemory creates an empty in-memory UsageStore.
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]ratelimit.UsageBucket)}
}

// Get returns the bucket for modelKey, creating a zeroed one on miss.
func (m *Memory) Get(modelKey string, now int64) ratelimit.UsageBucket {
	m.mu.RLock()
	b, ok := m.buckets[modelKey]
	m.mu.RUnlock()
	if ok {
		return b
	}

	fresh := ratelimit.NewBucket(now)
	m.mu.Lock()
	// Another caller may have created it first; keep whichever landed.
	if existing, ok := m.buckets[modelKey]; ok {
		m.mu.Unlock()
		return existing
	}
	m.buckets[modelKey] = fresh
	m.mu.Unlock()
	return fresh
}

// Set stores bucket under modelKey.
func (m *Memory) Set(modelKey string, bucket ratelimit.UsageBucket) {
	m.mu.Lock()
	m.buckets[modelKey] = bucket
	m.mu.Unlock()
}

// Entries returns a snapshot of all (modelKey, bucket) pairs.
func (m *Memory) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.buckets))
	for k, b := range m.buckets {
		out = append(out, Entry{ModelKey: k, Bucket: b})
	}
	return out
}

// Persist is a no-op for the memory backend; it always reports success.
func (m *Memory) Persist(_ int64) <-chan error {
	ch := make(chan error, 1)
	ch <- nil
	close(ch)
	return ch
}

// Dispose releases resources (none held by the memory backend).
func (m *Memory) Dispose() {}
