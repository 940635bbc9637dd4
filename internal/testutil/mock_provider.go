package testutil

import (
	"context"
	"sync"

	"github.com/parleyai/parley/core"
)

// MockProvider is a scriptable core.Provider for tests. Replies are served
// in order; once the script runs out the last reply repeats. Stream
// synthesizes events from the same script, so orchestration tests can run
// both paths against one setup.
type MockProvider struct {
	mu sync.Mutex

	// Replies scripts the responses, one per leg.
	Replies []*core.Reply

	// Err fails every call when set.
	Err error

	Caps core.Capabilities

	// Calls records every request seen by Generate or Stream.
	Calls []core.Request

	// Custom handlers override the scripted behavior entirely.
	OnGenerate func(ctx context.Context, req core.Request) (*core.Reply, error)
	OnStream   func(ctx context.Context, req core.Request) (*core.Stream, error)

	served int
}

// NewMockProvider creates a MockProvider with a single "mock response"
// scripted reply.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Replies: []*core.Reply{TextReply("mock response")},
		Caps: core.Capabilities{
			Streaming:         true,
			ParallelToolCalls: true,
			StrictJSON:        true,
			Images:            true,
			Provider:          "mock",
			Models:            []string{"mock-model"},
		},
	}
}

// TextReply builds a plain assistant reply with the mock's stock usage.
func TextReply(text string) *core.Reply {
	return &core.Reply{
		Turn:     core.AssistantTurn(core.Text{Text: text}),
		Model:    "mock-model",
		Provider: "mock",
		Usage:    core.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

// ToolReply builds an assistant reply that issues the given tool requests.
func ToolReply(requests ...core.ToolRequest) *core.Reply {
	parts := make([]core.Part, len(requests))
	for i, req := range requests {
		parts[i] = req
	}
	return &core.Reply{
		Turn:     core.AssistantTurn(parts...),
		Model:    "mock-model",
		Provider: "mock",
		Usage:    core.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

// StructuredReply builds an assistant reply carrying a structured value.
func StructuredReply(value any) *core.Reply {
	return &core.Reply{
		Turn:     core.AssistantTurn(core.Structured{Value: value}),
		Model:    "mock-model",
		Provider: "mock",
		Usage:    core.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}
}

// Script replaces the scripted replies and resets the serving position.
func (m *MockProvider) Script(replies ...*core.Reply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Replies = replies
	m.served = 0
}

// Generate implements core.Provider.
func (m *MockProvider) Generate(ctx context.Context, req core.Request) (*core.Reply, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req.Clone())
	m.mu.Unlock()

	if m.OnGenerate != nil {
		return m.OnGenerate(ctx, req)
	}
	if m.Err != nil {
		return nil, m.Err
	}

	reply := m.next()
	if reply == nil {
		return TextReply("mock response"), nil
	}
	clone := *reply
	return &clone, nil
}

// Stream implements core.Provider, replaying the next scripted reply as a
// start event, one text delta per text part, one event per tool request, and
// a finish event carrying the turn.
func (m *MockProvider) Stream(ctx context.Context, req core.Request) (*core.Stream, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, req.Clone())
	m.mu.Unlock()

	if m.OnStream != nil {
		return m.OnStream(ctx, req)
	}
	if m.Err != nil {
		return nil, m.Err
	}

	reply := m.next()
	if reply == nil {
		reply = TextReply("mock response")
	}
	return ReplyStream(ctx, reply), nil
}

func (m *MockProvider) next() *core.Reply {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Replies) == 0 {
		return nil
	}
	idx := m.served
	if idx >= len(m.Replies) {
		idx = len(m.Replies) - 1
	}
	m.served++
	return m.Replies[idx]
}

// Capabilities implements core.Provider.
func (m *MockProvider) Capabilities() core.Capabilities {
	return m.Caps
}

// Reset clears tracked calls and rewinds the script.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.served = 0
}

// ReplyStream turns a reply into a normalized event stream.
func ReplyStream(ctx context.Context, reply *core.Reply) *core.Stream {
	s := core.NewStream(ctx, 8)
	turn := reply.Turn
	go func() {
		s.Push(core.StreamEvent{Type: core.EventStart, Provider: reply.Provider, Model: reply.Model})
		for _, part := range turn.Parts {
			switch p := part.(type) {
			case core.Text:
				s.Push(core.StreamEvent{Type: core.EventTextDelta, TextDelta: p.Text, Provider: reply.Provider, Model: reply.Model})
			case core.ToolRequest:
				s.Push(core.StreamEvent{Type: core.EventToolRequest, ToolRequest: p, Provider: reply.Provider, Model: reply.Model})
			}
		}
		s.Push(core.StreamEvent{
			Type:     core.EventFinish,
			Turn:     &turn,
			Usage:    reply.Usage,
			Provider: reply.Provider,
			Model:    reply.Model,
		})
		_ = s.Close()
	}()
	return s
}

// FailedStream returns a stream that emits only the given error. Use it from
// OnStream to exercise mid-loop failures.
func FailedStream(ctx context.Context, err error) *core.Stream {
	s := core.NewStream(ctx, 1)
	go s.Fail(err)
	return s
}
