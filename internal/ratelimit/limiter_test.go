package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitMsRPS(t *testing.T) {
	limits := []LimitSpec{{Type: RPS, Limit: 1}}
	now := int64(0)
	b := NewBucket(now)

	res := WaitMs(now, limits, b, 0)
	assert.Zero(t, res.WaitMs)

	b = Record(now, 0, res.Maintained)

	res = WaitMs(now+10, limits, b, 0)
	require.Equal(t, RPS, res.Binding)
	assert.Equal(t, int64(990), res.WaitMs)

	res = WaitMs(now+1000, limits, b, 0)
	assert.Zero(t, res.WaitMs)
}

func TestWaitMsClampsToZero(t *testing.T) {
	limits := []LimitSpec{{Type: RPS, Limit: 1}}
	now := int64(0)
	b := Record(now, 0, NewBucket(now))

	res := WaitMs(now+5000, limits, b, 0)
	assert.Zero(t, res.WaitMs, "a stale timestamp outside the window must not block")
}

func TestWaitMsTakesMaximumAcrossDimensions(t *testing.T) {
	now := int64(0)
	limits := []LimitSpec{
		{Type: RPS, Limit: 1},
		{Type: TPM, Limit: 100},
	}
	b := NewBucket(now)
	b = Record(now, 100, b)

	res := WaitMs(now+10, limits, b, 1)
	assert.Equal(t, TPM, res.Binding, "monthly reset wait should dominate the 990ms RPS wait")
	assert.Greater(t, res.WaitMs, int64(990))
}

func TestTokenLimitsZeroTokensNeverBlock(t *testing.T) {
	now := int64(0)
	limits := []LimitSpec{{Type: TPM, Limit: 10}}
	b := NewBucket(now)
	b = Record(now, 10, b) // already at limit

	res := WaitMs(now+1, limits, b, 0)
	assert.Zero(t, res.WaitMs, "a request needing 0 tokens must never be blocked by a token limit")
}

func TestRecordAppendsAndPrunes(t *testing.T) {
	now := int64(0)
	b := NewBucket(now)
	b = Record(now, 5, b)
	require.Len(t, b.SecondTs, 1)
	require.Len(t, b.MinuteTs, 1)
	require.Len(t, b.DayTs, 1)
	assert.Equal(t, 5, b.MonthTokenCount)
	assert.Equal(t, 1, b.MonthRequestCount)
	assert.Equal(t, 5, b.MinuteTokenCount)

	res := WaitMs(now+2000, nil, b, 0)
	assert.Empty(t, res.Maintained.SecondTs, "entries older than 1s must be pruned")
	assert.Len(t, res.Maintained.MinuteTs, 1)
}

func TestMonthlyResetOnUTCBoundary(t *testing.T) {
	justBeforeFeb := time.Date(2026, time.January, 31, 23, 59, 59, 999_000_000, time.UTC).UnixMilli()
	limits := []LimitSpec{{Type: RPM, Limit: 5}}

	b := UsageBucket{
		MonthRequestCount:   5,
		MonthRequestResetAt: justBeforeFeb + 1,
		MonthTokenResetAt:   justBeforeFeb + 1,
	}

	res := WaitMs(justBeforeFeb, limits, b, 0)
	require.Equal(t, RPM, res.Binding)
	assert.LessOrEqual(t, res.WaitMs, int64(1))

	afterBoundary := justBeforeFeb + 2
	res = WaitMs(afterBoundary, limits, res.Maintained, 0)
	assert.Zero(t, res.WaitMs)
	assert.Zero(t, res.Maintained.MonthRequestCount)
	assert.Greater(t, res.Maintained.MonthRequestResetAt, afterBoundary)

	b2 := Record(afterBoundary, 0, res.Maintained)
	assert.Equal(t, 1, b2.MonthRequestCount)
}

func TestNextUTCMonthStartMsIsCalendarAware(t *testing.T) {
	feb := time.Date(2024, time.February, 15, 12, 0, 0, 0, time.UTC).UnixMilli() // leap year
	next := NextUTCMonthStartMs(feb)
	want := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, want, next)

	dec := time.Date(2025, time.December, 15, 0, 0, 0, 0, time.UTC).UnixMilli()
	next = NextUTCMonthStartMs(dec)
	want = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	assert.Equal(t, want, next)
}

func TestTPmTumblingWindow(t *testing.T) {
	now := int64(0)
	limits := []LimitSpec{{Type: TPm, Limit: 100}}
	b := NewBucket(now)
	b = Record(now, 90, b)

	// Still inside the window: 90+20 > 100 blocks.
	res := WaitMs(now+30_000, limits, b, 20)
	require.Equal(t, TPm, res.Binding)
	assert.Equal(t, int64(30_000), res.WaitMs)

	// Window goes stale after 60s: resets regardless of sliding concerns.
	res = WaitMs(now+60_001, limits, b, 20)
	assert.Zero(t, res.WaitMs)
	assert.Zero(t, res.Maintained.MinuteTokenCount)
}

func TestMergeLimitsOverridesAndAppends(t *testing.T) {
	defaults := []LimitSpec{{Type: RPS, Limit: 1}, {Type: RPM, Limit: 1000}}
	overrides := []LimitSpec{{Type: RPS, Limit: 100}, {Type: TPm, Limit: 5000}}

	merged := MergeLimits(defaults, overrides)

	byType := make(map[LimitType]int)
	for _, l := range merged {
		byType[l.Type] = l.Limit
	}
	assert.Equal(t, 100, byType[RPS], "override must replace the matching type")
	assert.Equal(t, 1000, byType[RPM], "unrelated default entries survive")
	assert.Equal(t, 5000, byType[TPm], "override types absent from defaults are appended")
	assert.Len(t, merged, 3)
}

func TestPruningIsMonotone(t *testing.T) {
	now := int64(0)
	b := NewBucket(now)
	for i := 0; i < 5; i++ {
		b = Record(now+int64(i)*100, 1, b)
	}

	res := WaitMs(now+10_000, nil, b, 0)
	for _, ts := range res.Maintained.SecondTs {
		assert.Less(t, now+10_000-ts, int64(secondWindowMs))
	}
}
