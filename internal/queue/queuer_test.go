package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/broker/llmbroker/internal/ratelimit"
	"github.com/broker/llmbroker/internal/usagestore"
)

func TestScenarioS5RemoteSeedAndDispatch(t *testing.T) {
	// NewRemote tolerates an unreachable endpoint and starts with an empty
	// in-memory mirror; Get/Set/Entries never touch the network, so this
	// exercises the seed-snapshot-dispatch-persist flow without a live
	// SurrealDB instance.
	store := usagestore.NewRemote(context.Background(), usagestore.RemoteConfig{
		Label:    "q1",
		Endpoint: "ws://127.0.0.1:1/rpc",
	})

	now := time.Now().UnixMilli()
	seed := store.Get("m", now)
	seed.MonthRequestCount = 10
	store.Set("m", seed)

	limits := []ratelimit.LimitSpec{{Type: ratelimit.RPM, Limit: 1000}}
	q := New(KeyConfig{Key: "k", Label: "q1", DefaultLimits: limits}, store, nil)

	snap := q.UsageSnapshot()
	require.Contains(t, snap, "m")
	assert.Equal(t, 10, snap["m"].MonthReqs.Count)

	f := q.Add(noopExecute, "", "m")
	res := f.Await()
	require.NoError(t, res.Err)

	entries := store.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "m", entries[0].ModelKey)
	assert.Equal(t, 11, entries[0].Bucket.MonthRequestCount, "a successful dispatch must record against the seeded count")

	// The dirty entry is queued for the next flush; Persist against the
	// unreachable endpoint fails but never blocks or panics.
	err := <-store.Persist(time.Now().UnixMilli())
	assert.Error(t, err)
}

func noopExecute() (any, error) { return "ok", nil }

func TestFastPathTransparencyNeverTouchesStore(t *testing.T) {
	store := usagestore.NewMemory()
	q := New(KeyConfig{Key: "k", Label: "q"}, store, nil)

	called := false
	f := q.Add(func() (any, error) {
		called = true
		return 42, nil
	}, "", "unthrottled-model")

	res := f.Await()
	require.NoError(t, res.Err)
	assert.Equal(t, 42, res.Value)
	assert.True(t, called)
	assert.Empty(t, store.Entries(), "fast path must not create a bucket entry")
}

func TestNoBudgetForFailures(t *testing.T) {
	store := usagestore.NewMemory()
	limits := []ratelimit.LimitSpec{{Type: ratelimit.RPS, Limit: 1}}
	q := New(KeyConfig{Key: "k", Label: "q", DefaultLimits: limits}, store, nil)

	before := store.Get("m", time.Now().UnixMilli())

	f := q.Add(func() (any, error) {
		return nil, errors.New("boom")
	}, "", "m")
	res := f.Await()
	require.Error(t, res.Err)

	after := store.Get("m", time.Now().UnixMilli())
	assert.Equal(t, before.MonthRequestCount, after.MonthRequestCount)
	assert.Equal(t, len(before.SecondTs), len(after.SecondTs))
}

func TestFIFOPerModel(t *testing.T) {
	store := usagestore.NewMemory()
	limits := []ratelimit.LimitSpec{{Type: ratelimit.RPD, Limit: 1000}}
	q := New(KeyConfig{Key: "k", Label: "q", DefaultLimits: limits}, store, nil)

	var mu sync.Mutex
	var order []int

	var futures []*Future
	for i := 0; i < 5; i++ {
		i := i
		futures = append(futures, q.Add(func() (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		}, "", "same-model"))
	}

	for _, f := range futures {
		f.Await()
	}

	require.Len(t, order, 5)
	for i, v := range order {
		assert.Equal(t, i, v, "items enqueued for the same model must complete in FIFO order")
	}
}

func TestHeadOfLineAvoidance(t *testing.T) {
	store := usagestore.NewMemory()
	limits := []ratelimit.LimitSpec{{Type: ratelimit.RPS, Limit: 1}}
	modelLimits := map[string][]ratelimit.LimitSpec{
		"fast": {{Type: ratelimit.RPS, Limit: 100}},
	}
	q := New(KeyConfig{Key: "k", Label: "q", DefaultLimits: limits, ModelLimits: modelLimits}, store, nil)

	// Pin "slow" at its limit so the next slow item is not runnable.
	now := time.Now().UnixMilli()
	store.Set("slow", ratelimit.Record(now, 0, store.Get("slow", now)))

	slowDone := make(chan struct{})
	fastDone := make(chan struct{})

	q.Add(func() (any, error) {
		close(slowDone)
		return nil, nil
	}, "", "slow")
	q.Add(func() (any, error) {
		close(fastDone)
		return nil, nil
	}, "", "fast")

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast item should dispatch without waiting for slow's limit to clear")
	}

	select {
	case <-slowDone:
		t.Fatal("slow item should still be blocked")
	default:
	}
}

func TestEstimateWaitMsMonotoneInQueueLength(t *testing.T) {
	store := usagestore.NewMemory()
	limits := []ratelimit.LimitSpec{{Type: ratelimit.RPS, Limit: 1}}
	q := New(KeyConfig{Key: "k", Label: "q", DefaultLimits: limits}, store, nil)

	block := make(chan struct{})
	q.Add(func() (any, error) {
		<-block
		return nil, nil
	}, "", "m")

	// Give the dispatcher a moment to pick up the first (blocking) item.
	time.Sleep(20 * time.Millisecond)

	wait1 := q.EstimateWaitMs("m", 0)

	secondDone := make(chan struct{})
	q.Add(func() (any, error) {
		close(secondDone)
		return nil, nil
	}, "", "m")

	wait2 := q.EstimateWaitMs("m", 0)

	assert.GreaterOrEqual(t, wait2, wait1, "estimated wait must not decrease as the queue grows")

	close(block)
	<-secondDone
}

func TestScenarioS1RPSOne(t *testing.T) {
	store := usagestore.NewMemory()
	limits := []ratelimit.LimitSpec{{Type: ratelimit.RPS, Limit: 1}}
	q := New(KeyConfig{Key: "k", Label: "q", DefaultLimits: limits}, store, nil)

	start := time.Now()
	var completions []time.Duration
	var mu sync.Mutex

	var futures []*Future
	for i := 0; i < 3; i++ {
		futures = append(futures, q.Add(func() (any, error) {
			mu.Lock()
			completions = append(completions, time.Since(start))
			mu.Unlock()
			return nil, nil
		}, "", "m"))
	}
	for _, f := range futures {
		f.Await()
	}

	require.Len(t, completions, 3)
	assert.Less(t, completions[0], 200*time.Millisecond)
	assert.GreaterOrEqual(t, completions[1], 900*time.Millisecond)
	assert.GreaterOrEqual(t, completions[2], 1900*time.Millisecond)

	now := time.Now().UnixMilli()
	final := store.Get("m", now)
	assert.LessOrEqual(t, len(final.SecondTs), 1)
}

func TestScenarioS6ProviderErrorDoesNotBlockNext(t *testing.T) {
	store := usagestore.NewMemory()
	limits := []ratelimit.LimitSpec{{Type: ratelimit.RPD, Limit: 1000}}
	q := New(KeyConfig{Key: "k", Label: "q", DefaultLimits: limits}, store, nil)

	f1 := q.Add(func() (any, error) {
		return nil, errors.New("provider exploded")
	}, "", "m")
	res1 := f1.Await()
	require.Error(t, res1.Err)

	start := time.Now()
	f2 := q.Add(noopExecute, "", "m")
	res2 := f2.Await()
	require.NoError(t, res2.Err)
	assert.Less(t, time.Since(start), 200*time.Millisecond, "the item after a rejection should dispatch immediately")
}
