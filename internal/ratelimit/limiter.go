package ratelimit

// WaitResult is the outcome of an admission check: how long the caller must
// wait, and which limit dimension produced the binding wait (empty if none
// applied). Maintained is the bucket after maintenance has been applied;
// callers own reassigning it back into their store.
type WaitResult struct {
	Maintained UsageBucket
	Binding    LimitType
	WaitMs     int64
}

// WaitMs computes how long (from now) until a request needing tokensNeeded
// tokens is admissible under limits, given bucket's current state. It first
// applies the four maintenance operations, then evaluates every configured
// limit and returns the maximum of the candidate waits (ties broken by the
// max itself), clamped to >= 0. A request with tokensNeeded <= 0 never
// blocks on a token-based limit.
func WaitMs(now int64, limits []LimitSpec, bucket UsageBucket, tokensNeeded int) WaitResult {
	b := Maintain(now, bucket)

	var maxWait int64
	var binding LimitType

	consider := func(wait int64, t LimitType) {
		if wait < 0 {
			wait = 0
		}
		if wait > maxWait {
			maxWait = wait
			binding = t
		}
	}

	needed := tokensNeeded
	if needed < 0 {
		needed = 0
	}

	for _, l := range limits {
		switch l.Type {
		case RPS:
			if len(b.SecondTs) >= l.Limit {
				consider(secondWindowMs-(now-b.SecondTs[0]), RPS)
			}
		case RPm:
			if len(b.MinuteTs) >= l.Limit {
				consider(minuteWindowMs-(now-b.MinuteTs[0]), RPm)
			}
		case RPD:
			if len(b.DayTs) >= l.Limit {
				consider(dayWindowMs-(now-b.DayTs[0]), RPD)
			}
		case TPM:
			if b.MonthTokenCount+needed > l.Limit {
				consider(b.MonthTokenResetAt-now, TPM)
			}
		case RPM:
			if b.MonthRequestCount+1 > l.Limit {
				consider(b.MonthRequestResetAt-now, RPM)
			}
		case TPm:
			windowLive := now-b.MinuteTokenWindowStart < minuteWindowMs
			if windowLive && b.MinuteTokenCount+needed > l.Limit {
				consider(b.MinuteTokenWindowStart+minuteWindowMs-now, TPm)
			}
		}
	}

	return WaitResult{WaitMs: maxWait, Binding: binding, Maintained: b}
}

// Record applies the consumption of a just-dispatched request: appends now
// to all three sliding sequences, adds tokens (if positive) to the monthly
// and tumbling-window token counts, increments the monthly request count,
// and prunes. Only called after a successful execute — rejections never
// record (no budget is spent for failed calls).
func Record(now int64, tokens int, bucket UsageBucket) UsageBucket {
	b := applyMonthResets(now, bucket)
	b = applyMinuteTokenReset(now, b)

	b.SecondTs = appendTs(b.SecondTs, now)
	b.MinuteTs = appendTs(b.MinuteTs, now)
	b.DayTs = appendTs(b.DayTs, now)

	if tokens > 0 {
		b.MonthTokenCount += tokens
	}
	b.MonthRequestCount++

	if now-b.MinuteTokenWindowStart >= minuteWindowMs {
		b.MinuteTokenWindowStart = now
		b.MinuteTokenCount = 0
	}
	if tokens > 0 {
		b.MinuteTokenCount += tokens
	}

	return pruneSliding(now, b)
}

func appendTs(seq []int64, now int64) []int64 {
	out := make([]int64, len(seq)+1)
	copy(out, seq)
	out[len(seq)] = now
	return out
}
