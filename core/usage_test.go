package core

import (
	"sync"
	"testing"
)

func TestUsageTallyRecord(t *testing.T) {
	tally := NewUsageTally()
	tally.Record("openai", "gpt-4o-mini", Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15})
	tally.Record("openai", "gpt-4o-mini", Usage{InputTokens: 2, OutputTokens: 1, TotalTokens: 3})
	tally.Record("anthropic", "claude-sonnet", Usage{InputTokens: 7, OutputTokens: 7, TotalTokens: 14})

	total := tally.Total()
	if total.TotalTokens != 32 {
		t.Fatalf("unexpected total %+v", total)
	}
	byModel := tally.ByModel()
	if byModel["openai/gpt-4o-mini"].InputTokens != 12 {
		t.Fatalf("unexpected per-model usage %+v", byModel)
	}

	tally.Reset()
	if !tally.Total().IsZero() {
		t.Fatalf("expected empty tally after reset")
	}
}

func TestUsageTallyConcurrent(t *testing.T) {
	tally := NewUsageTally()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tally.Record("openai", "gpt-4o", Usage{InputTokens: 1, OutputTokens: 1, TotalTokens: 2})
		}()
	}
	wg.Wait()
	if got := tally.Total().TotalTokens; got != 100 {
		t.Fatalf("expected 100 tokens, got %d", got)
	}
}

func TestUsageTallyNilSafe(t *testing.T) {
	var tally *UsageTally
	tally.Record("openai", "gpt-4o", Usage{TotalTokens: 1})
	if !tally.Total().IsZero() {
		t.Fatalf("nil tally should report zero usage")
	}
}
