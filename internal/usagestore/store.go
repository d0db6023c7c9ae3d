// Package usagestore implements the persistent-or-volatile mapping from a
// model-key to a UsageBucket, with in-memory and remote-record-store
// backends sharing the same Store contract.
package usagestore

import "github.com/broker/llmbroker/internal/ratelimit"

// Entry is one (modelKey, bucket) pair yielded by Entries.
type Entry struct {
	ModelKey string
	Bucket   ratelimit.UsageBucket
}

// Store is the UsageStore contract. Get creates a zeroed bucket on
// miss, anchored at now. Persist is fire-and-forget: it returns a channel
// that receives at most one error (nil on success) and is always closed;
// callers that don't care may discard it.
type Store interface {
	Get(modelKey string, now int64) ratelimit.UsageBucket
	Set(modelKey string, bucket ratelimit.UsageBucket)
	Entries() []Entry
	Persist(now int64) <-chan error
	Dispose()
}
