package queue

import (
	"github.com/broker/llmbroker/internal/ratelimit"
)

// ItemState is the lifecycle stage of a QueueItem.
type ItemState string

const (
	StateEnqueued  ItemState = "enqueued"
	StateRunnable  ItemState = "runnable"
	StateExecuting ItemState = "executing"
	StateResolved  ItemState = "resolved"
	StateRejected  ItemState = "rejected"
)

// Result is the outcome of an execute closure.
type Result struct {
	Value any
	Err   error
}

// Future is the promise handed back by Add; Await blocks until the item's
// dispatch resolves or rejects.
type Future struct {
	done chan Result
}

func newFuture() *Future {
	return &Future{done: make(chan Result, 1)}
}

// Await blocks until the item completes and returns its result.
func (f *Future) Await() Result {
	return <-f.done
}

func (f *Future) settle(r Result) {
	f.done <- r
}

// Execute is the caller-supplied unit of work. It returns a value (typically
// a provider response) and an error; a non-nil error marks ProviderFailure.
type Execute func() (any, error)

// Item is one pending unit of work owned by a Queuer's FIFO. tokens is the
// estimated size used against token-based limits; zero if no estimator text
// was supplied.
type Item struct {
	id      string
	execute Execute
	model   string
	tokens  int
	state   ItemState
	future  *Future
}

func newItem(id string, execute Execute, model string, tokens int) *Item {
	return &Item{
		id:      id,
		execute: execute,
		model:   model,
		tokens:  tokens,
		state:   StateEnqueued,
		future:  newFuture(),
	}
}

// waitMs evaluates this item's runnability against bucket under limits.
func (it *Item) waitMs(now int64, limits []ratelimit.LimitSpec, bucket ratelimit.UsageBucket) ratelimit.WaitResult {
	return ratelimit.WaitMs(now, limits, bucket, it.tokens)
}
