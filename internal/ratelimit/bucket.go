// Package ratelimit implements the broker's pure sliding-window and
// calendar-month rate-limit math. Every exported function here is total and
// side-effect free: it takes a bucket by value and returns a new bucket, so
// the same code path can run against a live Queuer's store or a sandboxed
// copy used by the wait estimator.
package ratelimit

import "time"

// Millisecond window lengths used throughout this package.
const (
	secondWindowMs = 1000
	minuteWindowMs = 60_000
	dayWindowMs    = 86_400_000
)

// LimitType identifies one of the six limit dimensions a KeyConfig can
// configure for a model.
type LimitType string

const (
	// RPS is requests per sliding 1-second window.
	RPS LimitType = "RPS"
	// RPm is requests per sliding 1-minute window.
	RPm LimitType = "RPm"
	// RPD is requests per sliding 1-day window.
	RPD LimitType = "RPD"
	// TPm is tokens per fixed (tumbling) 1-minute window.
	TPm LimitType = "TPm"
	// TPM is tokens per calendar month. Monthly, not per-minute.
	TPM LimitType = "TPM"
	// RPM is requests per calendar month. Monthly, not per-minute.
	RPM LimitType = "RPM"
)

// LimitSpec is one configured limit: a dimension and its numeric limit.
type LimitSpec struct {
	Type  LimitType
	Limit int
}

// UsageBucket is the entire counter state for one (queue, model) key. All
// timestamp fields are epoch milliseconds; the three Ts slices are kept
// sorted ascending and pruned to their window on every Maintain/WaitMs call.
type UsageBucket struct {
	SecondTs               []int64
	MinuteTs               []int64
	DayTs                  []int64
	MonthTokenCount        int
	MonthTokenResetAt      int64
	MonthRequestCount      int
	MonthRequestResetAt    int64
	MinuteTokenCount       int
	MinuteTokenWindowStart int64
}

// NewBucket creates a zeroed bucket anchored at now: both monthly windows
// reset at the start of the next UTC month and the tumbling token window
// starts now. Mirrors UsageStore.Get's creation-on-miss behaviour.
func NewBucket(now int64) UsageBucket {
	nextMonth := NextUTCMonthStartMs(now)
	return UsageBucket{
		MonthTokenResetAt:      nextMonth,
		MonthRequestResetAt:    nextMonth,
		MinuteTokenWindowStart: now,
	}
}

// NextUTCMonthStartMs returns the epoch-ms of the first instant of the UTC
// calendar month following now. Computed from the UTC calendar, never from
// 30-day arithmetic, so it is correct across months of varying length.
func NextUTCMonthStartMs(nowMs int64) int64 {
	t := time.UnixMilli(nowMs).UTC()
	year, month, _ := t.Date()
	next := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return next.UnixMilli()
}

// pruneSeq drops entries older than windowMs relative to now, preserving
// ascending order (the sequence is already sorted, so this is a simple
// drop-from-the-front scan).
func pruneSeq(now int64, seq []int64, windowMs int64) []int64 {
	i := 0
	for i < len(seq) && now-seq[i] >= windowMs {
		i++
	}
	if i == 0 {
		return seq
	}
	out := make([]int64, len(seq)-i)
	copy(out, seq[i:])
	return out
}

// pruneSliding prunes all three sliding-window sequences.
func pruneSliding(now int64, b UsageBucket) UsageBucket {
	b.SecondTs = pruneSeq(now, b.SecondTs, secondWindowMs)
	b.MinuteTs = pruneSeq(now, b.MinuteTs, minuteWindowMs)
	b.DayTs = pruneSeq(now, b.DayTs, dayWindowMs)
	return b
}

// applyMonthResets zeroes and re-anchors the two monthly counters once their
// reset-at has been reached.
func applyMonthResets(now int64, b UsageBucket) UsageBucket {
	if now >= b.MonthTokenResetAt {
		b.MonthTokenCount = 0
		b.MonthTokenResetAt = NextUTCMonthStartMs(now)
	}
	if now >= b.MonthRequestResetAt {
		b.MonthRequestCount = 0
		b.MonthRequestResetAt = NextUTCMonthStartMs(now)
	}
	return b
}

// applyMinuteTokenReset zeroes the tumbling token window once it goes stale.
func applyMinuteTokenReset(now int64, b UsageBucket) UsageBucket {
	if now-b.MinuteTokenWindowStart >= minuteWindowMs {
		b.MinuteTokenWindowStart = now
		b.MinuteTokenCount = 0
	}
	return b
}

// Maintain applies all four maintenance operations: pruning the three
// sliding sequences, resetting the two monthly counters, and resetting the
// tumbling token window. It is idempotent and safe to call on every
// admission check.
func Maintain(now int64, b UsageBucket) UsageBucket {
	b = pruneSliding(now, b)
	b = applyMonthResets(now, b)
	b = applyMinuteTokenReset(now, b)
	return b
}

// MergeLimits computes the active limit set: start from
// defaults, override matching types from overrides, then append override
// entries whose type was absent from defaults.
func MergeLimits(defaults, overrides []LimitSpec) []LimitSpec {
	merged := make([]LimitSpec, len(defaults))
	copy(merged, defaults)

	seen := make(map[LimitType]int, len(merged))
	for i, l := range merged {
		seen[l.Type] = i
	}

	for _, o := range overrides {
		if idx, ok := seen[o.Type]; ok {
			merged[idx] = o
			continue
		}
		merged = append(merged, o)
		seen[o.Type] = len(merged) - 1
	}

	return merged
}
