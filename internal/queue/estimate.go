package queue

import (
	"time"

	"github.com/broker/llmbroker/internal/ratelimit"
)

// simItem is a lightweight stand-in for a pending Item during replay: only
// the fields WaitMs/Record need.
type simItem struct {
	model  string
	tokens int
}

// EstimateWaitMs simulates the current queue plus a hypothetical tail item
// for (modelName, tokensNeeded) against a sandbox copy of the UsageStore's
// buckets, replaying the same scan-or-sleep dispatch algorithm with
// estimatedExecMs standing in for each item's execution time. It never
// mutates the live store. The result is the simulated start time of the
// hypothetical item minus the real now.
func (q *Queuer) EstimateWaitMs(modelName string, tokensNeeded int) int64 {
	now := time.Now().UnixMilli()

	q.mu.Lock()
	items := make([]simItem, 0, len(q.fifo)+1)
	for _, it := range q.fifo {
		items = append(items, simItem{model: it.model, tokens: it.tokens})
	}
	fallback := q.config.FallbackDelayMs
	execMs := q.estimatedExecMs
	q.mu.Unlock()

	items = append(items, simItem{model: modelName, tokens: nonNegative(tokensNeeded)})
	target := len(items) - 1

	sandbox := q.snapshotBuckets(now, items)

	simNow := now
	for {
		idx, wait := q.selectRunnableSim(simNow, items, sandbox)
		if idx < 0 {
			simNow += int64(clampIdle(wait) / time.Millisecond)
			continue
		}
		if idx == target {
			return simNow - now
		}

		limits := q.config.ActiveLimits(items[idx].model)
		result := ratelimit.WaitMs(simNow, limits, sandbox[items[idx].model], items[idx].tokens)
		sandbox[items[idx].model] = ratelimit.Record(simNow, items[idx].tokens, result.Maintained)

		items = append(items[:idx], items[idx+1:]...)
		if idx < target {
			target--
		}

		simNow += int64(execMs)
		if fallback != nil && len(items) > 0 {
			simNow += *fallback
		}
	}
}

// snapshotBuckets copies every bucket currently known to the store by value
// and fills in a fresh zeroed bucket (never written back) for any model the
// replay references but the store hasn't seen yet. The copies share their
// timestamp slices with the store; ratelimit's functions never write into a
// bucket's slices in place, so the replay leaves the store untouched.
func (q *Queuer) snapshotBuckets(now int64, items []simItem) map[string]ratelimit.UsageBucket {
	sandbox := make(map[string]ratelimit.UsageBucket)
	for _, e := range q.store.Entries() {
		sandbox[e.ModelKey] = e.Bucket
	}
	for _, it := range items {
		if _, ok := sandbox[it.model]; !ok {
			sandbox[it.model] = ratelimit.NewBucket(now)
		}
	}
	return sandbox
}

// selectRunnableSim mirrors selectRunnable over the replay's item list and
// sandbox buckets instead of the live FIFO and store.
func (q *Queuer) selectRunnableSim(now int64, items []simItem, sandbox map[string]ratelimit.UsageBucket) (int, int64) {
	minWait := int64(-1)
	for i, it := range items {
		limits := q.config.ActiveLimits(it.model)
		result := ratelimit.WaitMs(now, limits, sandbox[it.model], it.tokens)
		if result.WaitMs == 0 {
			return i, 0
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

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
