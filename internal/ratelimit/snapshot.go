package ratelimit

// WindowCount reports the current count and reset-in-ms for one window.
type WindowCount struct {
	Count      int   `json:"count"`
	ResetInMs  int64 `json:"resetInMs,omitempty"`
	ResetAtMs  int64 `json:"resetAtMs,omitempty"`
	WindowOpen int64 `json:"windowStart,omitempty"`
}

// Snapshot is the usage view returned by Queuer.UsageSnapshot for one model.
type Snapshot struct {
	Second      WindowCount `json:"second"`
	Minute      WindowCount `json:"minute"`
	Day         WindowCount `json:"day"`
	MinuteToken WindowCount `json:"minuteToken"`
	MonthToken  WindowCount `json:"monthToken"`
	MonthReqs   WindowCount `json:"monthRequests"`
}

// BuildSnapshot applies maintenance to bucket and renders the current
// window counts.
func BuildSnapshot(now int64, bucket UsageBucket) Snapshot {
	b := Maintain(now, bucket)
	return Snapshot{
		Second: WindowCount{Count: len(b.SecondTs)},
		Minute: WindowCount{Count: len(b.MinuteTs)},
		Day:    WindowCount{Count: len(b.DayTs)},
		MinuteToken: WindowCount{
			Count:      b.MinuteTokenCount,
			WindowOpen: b.MinuteTokenWindowStart,
			ResetInMs:  maxInt64(0, b.MinuteTokenWindowStart+minuteWindowMs-now),
		},
		MonthToken: WindowCount{
			Count:     b.MonthTokenCount,
			ResetAtMs: b.MonthTokenResetAt,
			ResetInMs: maxInt64(0, b.MonthTokenResetAt-now),
		},
		MonthReqs: WindowCount{
			Count:     b.MonthRequestCount,
			ResetAtMs: b.MonthRequestResetAt,
			ResetInMs: maxInt64(0, b.MonthRequestResetAt-now),
		},
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
