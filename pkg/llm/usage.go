package llm

import "sync/atomic"

// UsageTracker aggregates token usage across concurrent requests.
type UsageTracker struct {
	calls            atomic.Int64
	promptTokens     atomic.Int64
	completionTokens atomic.Int64
}

// UsageSnapshot is a point-in-time copy of a tracker's counters.
type UsageSnapshot struct {
	Calls            int64 `json:"calls"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

func NewUsageTracker() *UsageTracker {
	return &UsageTracker{}
}

// Add records one completed call.
func (t *UsageTracker) Add(u Usage) {
	if t == nil {
		return
	}
	t.calls.Add(1)
	t.promptTokens.Add(int64(u.PromptTokens))
	t.completionTokens.Add(int64(u.CompletionTokens))
}

// Snapshot returns the current totals.
func (t *UsageTracker) Snapshot() UsageSnapshot {
	prompt := t.promptTokens.Load()
	completion := t.completionTokens.Load()
	return UsageSnapshot{
		Calls:            t.calls.Load(),
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}
