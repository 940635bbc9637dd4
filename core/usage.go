package core

import "sync"

// Usage captures token accounting returned by providers.
type Usage struct {
	InputTokens       int `json:"input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	CachedInputTokens int `json:"cached_input_tokens,omitempty"`
	TotalTokens       int `json:"total_tokens"`
}

// Add returns the element-wise sum of two usage records.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:       u.InputTokens + other.InputTokens,
		OutputTokens:      u.OutputTokens + other.OutputTokens,
		CachedInputTokens: u.CachedInputTokens + other.CachedInputTokens,
		TotalTokens:       u.TotalTokens + other.TotalTokens,
	}
}

// IsZero reports whether no counters have been recorded.
func (u Usage) IsZero() bool {
	return u == Usage{}
}

// UsageTally accumulates token usage across conversations. Callers construct
// one, hand it to the sessions that should report into it, and read or reset
// it whenever they choose. All methods are safe for concurrent use.
type UsageTally struct {
	mu      sync.Mutex
	byModel map[string]Usage
	total   Usage
}

// NewUsageTally returns an empty tally.
func NewUsageTally() *UsageTally {
	return &UsageTally{byModel: make(map[string]Usage)}
}

// Record adds a usage sample attributed to the given provider and model.
func (t *UsageTally) Record(provider, model string, u Usage) {
	if t == nil || u.IsZero() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byModel == nil {
		t.byModel = make(map[string]Usage)
	}
	key := provider + "/" + model
	t.byModel[key] = t.byModel[key].Add(u)
	t.total = t.total.Add(u)
}

// Total returns the cumulative usage across all recorded samples.
func (t *UsageTally) Total() Usage {
	if t == nil {
		return Usage{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// ByModel returns a copy of the per-model usage breakdown keyed by
// "provider/model".
func (t *UsageTally) ByModel() map[string]Usage {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Usage, len(t.byModel))
	for k, v := range t.byModel {
		out[k] = v
	}
	return out
}

// Reset clears all recorded usage.
func (t *UsageTally) Reset() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byModel = make(map[string]Usage)
	t.total = Usage{}
}
