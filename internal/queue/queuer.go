// Package queue implements the per-key RequestQueuer: a FIFO plus a
// cooperative dispatch loop that scans for the earliest runnable item
// instead of blocking on the head, so a throttled model never holds up a
// free one sharing the same key.
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/broker/llmbroker/internal/estimator"
	"github.com/broker/llmbroker/internal/logx"
	"github.com/broker/llmbroker/internal/metrics"
	"github.com/broker/llmbroker/internal/ratelimit"
	"github.com/broker/llmbroker/internal/usagestore"
)

// KeyConfig is the resolved configuration for one provider API key, as
// produced by the external key resolver.
type KeyConfig struct {
	Key             string
	Label           string
	DefaultLimits   []ratelimit.LimitSpec
	ModelLimits     map[string][]ratelimit.LimitSpec
	FallbackDelayMs *int64
}

// ActiveLimits returns the effective limit set for model: DefaultLimits
// with every matching type in ModelLimits[model] overridden, plus any
// ModelLimits[model] entries whose type was absent from the defaults.
func (c KeyConfig) ActiveLimits(model string) []ratelimit.LimitSpec {
	return ratelimit.MergeLimits(c.DefaultLimits, c.ModelLimits[model])
}

const (
	seedExecMs = 500.0
	ewmaAlpha  = 0.25

	minIdleSleep = 1 * time.Millisecond
	maxIdleSleep = 5000 * time.Millisecond
)

// Queuer is the per-key scheduler: one FIFO, one owned UsageStore, one
// cooperative dispatch loop guarded by isProcessing.
type Queuer struct {
	config    KeyConfig
	store     usagestore.Store
	estimator estimator.Estimator
	logger    *logx.Logger

	mu              sync.Mutex
	fifo            []*Item
	isProcessing    bool
	estimatedExecMs float64
}

// New creates a Queuer for config, backed by store. est may be nil, in which
// case token-based limits are disabled rather than the request failing.
func New(config KeyConfig, store usagestore.Store, est estimator.Estimator) *Queuer {
	return &Queuer{
		config:          config,
		store:           store,
		estimator:       est,
		logger:          logx.NewLogger(config.Label),
		estimatedExecMs: seedExecMs,
	}
}

// Label returns the queue's human-readable identifier.
func (q *Queuer) Label() string { return q.config.Label }

// QueueLength returns the number of pending items.
func (q *Queuer) QueueLength() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}

// IsProcessing reports whether a dispatch loop is currently active.
func (q *Queuer) IsProcessing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isProcessing
}

// Dispose releases the owned UsageStore.
func (q *Queuer) Dispose() {
	q.store.Dispose()
}

// ModelNames returns the sorted model names this Queuer's key carries
// explicit per-model limits for, excluding the synthetic "__default__" key
// some resolvers reserve for defaultLimits.
func (q *Queuer) ModelNames() []string {
	names := make([]string, 0, len(q.config.ModelLimits))
	for m := range q.config.ModelLimits {
		if m == "__default__" {
			continue
		}
		names = append(names, m)
	}
	sort.Strings(names)
	return names
}

func (q *Queuer) tokensFor(text string) int {
	if text == "" || q.estimator == nil {
		return 0
	}
	return q.estimator.Estimate(text)
}

// Add enqueues execute for dispatch, estimating tokens from tokenEstimateText
// with this Queuer's own estimator, and returns a Future for its result.
func (q *Queuer) Add(execute Execute, tokenEstimateText, modelName string) *Future {
	return q.AddTokens(execute, q.tokensFor(tokenEstimateText), modelName)
}

// AddTokens enqueues execute for dispatch with an already-known token count
// (used by callers, such as the Router, that estimate once and reuse the
// value for routing and dispatch alike). When modelName has no configured
// limits and no fallback delay is set, it runs execute immediately without
// touching the queue or the UsageStore — the fast path that keeps the
// Queuer transparent for unconstrained models.
func (q *Queuer) AddTokens(execute Execute, tokens int, modelName string) *Future {
	limits := q.config.ActiveLimits(modelName)

	if len(limits) == 0 && q.config.FallbackDelayMs == nil {
		f := newFuture()
		value, err := execute()
		if err != nil {
			f.settle(Result{Err: err})
			return f
		}
		f.settle(Result{Value: value})
		return f
	}

	item := newItem(uuid.NewString(), execute, modelName, tokens)

	q.mu.Lock()
	q.fifo = append(q.fifo, item)
	depth := len(q.fifo)
	start := !q.isProcessing
	if start {
		q.isProcessing = true
	}
	q.mu.Unlock()

	metrics.Global.SetQueueLength(q.config.Label, depth)

	if start {
		go q.dispatchLoop()
	}

	return item.future
}

// dispatchLoop is the single cooperative dispatcher for this Queuer. It
// exits (clearing isProcessing) once the FIFO drains.
func (q *Queuer) dispatchLoop() {
	for {
		q.mu.Lock()
		if len(q.fifo) == 0 {
			q.isProcessing = false
			q.mu.Unlock()
			return
		}

		now := time.Now().UnixMilli()
		idx, wait := q.selectRunnable(now)
		if idx < 0 {
			q.mu.Unlock()
			time.Sleep(clampIdle(wait))
			continue
		}

		item := q.fifo[idx]
		q.fifo = append(q.fifo[:idx], q.fifo[idx+1:]...)
		remaining := len(q.fifo)
		q.mu.Unlock()

		metrics.Global.SetQueueLength(q.config.Label, remaining)
		q.dispatchItem(item)

		if q.config.FallbackDelayMs != nil && remaining > 0 {
			time.Sleep(time.Duration(*q.config.FallbackDelayMs) * time.Millisecond)
		}
	}
}

// selectRunnable scans the FIFO in order for the first item whose waitMs is
// 0 under its own model's active limits. Must be called with q.mu held.
// Returns (-1, minObservedWait) if nothing is runnable yet.
func (q *Queuer) selectRunnable(now int64) (int, int64) {
	minWait := int64(-1)
	for i, item := range q.fifo {
		limits := q.config.ActiveLimits(item.model)
		bucket := q.store.Get(item.model, now)
		result := item.waitMs(now, limits, bucket)
		if result.WaitMs == 0 {
			return i, 0
		}
		if result.Binding != "" {
			metrics.Global.IncThrottle(q.config.Label, item.model, string(result.Binding))
		}
		if minWait < 0 || result.WaitMs < minWait {
			minWait = result.WaitMs
		}
	}
	if minWait < 0 {
		minWait = int64(maxIdleSleep / time.Millisecond)
	}
	return -1, minWait
}

// dispatchItem runs one selected item to completion, folds its wall-clock
// duration into the EWMA exec-time estimate, and records usage only on
// success — a rejection never consumes budget.
func (q *Queuer) dispatchItem(item *Item) {
	item.state = StateExecuting
	start := time.Now()
	value, err := item.execute()
	elapsed := time.Since(start)

	q.foldExecTime(elapsed)
	metrics.Global.ObserveExec(q.config.Label, item.model, elapsed)

	if err != nil {
		item.state = StateRejected
		metrics.Global.ObserveDispatch(q.config.Label, item.model, "rejected", elapsed)
		item.future.settle(Result{Err: err})
		return
	}

	now := time.Now().UnixMilli()
	bucket := q.store.Get(item.model, now)
	q.store.Set(item.model, ratelimit.Record(now, item.tokens, bucket))

	item.state = StateResolved
	metrics.Global.ObserveDispatch(q.config.Label, item.model, "resolved", elapsed)
	item.future.settle(Result{Value: value})
}

func (q *Queuer) foldExecTime(d time.Duration) {
	sample := float64(d.Milliseconds())
	q.mu.Lock()
	q.estimatedExecMs = ewmaAlpha*sample + (1-ewmaAlpha)*q.estimatedExecMs
	q.mu.Unlock()
}

// UsageSnapshot returns, per model-key, the current window counts for every
// model this Queuer's store has seen.
func (q *Queuer) UsageSnapshot() map[string]ratelimit.Snapshot {
	now := time.Now().UnixMilli()
	out := make(map[string]ratelimit.Snapshot)
	for _, e := range q.store.Entries() {
		out[e.ModelKey] = ratelimit.BuildSnapshot(now, e.Bucket)
	}
	return out
}

func clampIdle(ms int64) time.Duration {
	d := time.Duration(ms) * time.Millisecond
	if d < minIdleSleep {
		return minIdleSleep
	}
	if d > maxIdleSleep {
		return maxIdleSleep
	}
	return d
}
