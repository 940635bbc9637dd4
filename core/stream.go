package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrStreamClosed indicates the stream has already been closed.
var ErrStreamClosed = errors.New("stream closed")

// EventType enumerates stream event types.
type EventType string

const (
	EventStart       EventType = "start"
	EventTextDelta   EventType = "text.delta"
	EventToolRequest EventType = "tool.request"
	EventToolResult  EventType = "tool.result"
	EventFinish      EventType = "finish"
	EventError       EventType = "error"
)

// StreamEvent models a single event within the normalized stream. Finish
// events carry the completed assistant turn.
type StreamEvent struct {
	Type      EventType `json:"type"`
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"ts"`
	StreamID  string    `json:"stream_id"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`

	TextDelta   string      `json:"text,omitempty"`
	ToolRequest ToolRequest `json:"tool_request,omitempty"`
	ToolResult  ToolResult  `json:"tool_result,omitempty"`
	Turn        *Turn       `json:"turn,omitempty"`
	Usage       Usage       `json:"usage,omitempty"`
	Error       error       `json:"-"`
}

// StreamMeta captures final metadata emitted on finish events.
type StreamMeta struct {
	Model    string
	Provider string
	Usage    Usage
}

// Stream represents a streaming response. Events are delivered in order on a
// single channel; the stream terminates with either a finish event followed by
// channel close, or an error event.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	id     string

	mu      sync.RWMutex
	events  chan StreamEvent
	seq     int
	err     error
	closed  bool
	meta    StreamMeta
	final   *Turn
	sending sync.WaitGroup
}

// NewStream constructs a Stream with the provided event buffer size.
func NewStream(ctx context.Context, buffer int) *Stream {
	if buffer <= 0 {
		buffer = 16
	}
	c, cancel := context.WithCancel(ctx)
	return &Stream{
		ctx:    c,
		cancel: cancel,
		id:     uuid.NewString(),
		events: make(chan StreamEvent, buffer),
	}
}

// ID returns the stream's correlation id.
func (s *Stream) ID() string { return s.id }

// Push appends a new event to the stream, stamping sequence, timestamp, and
// stream id. It is safe to call from multiple goroutines.
func (s *Stream) Push(event StreamEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.sending.Add(1)
	s.seq++
	event.Seq = s.seq
	event.StreamID = s.id
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Type == EventFinish {
		s.meta = StreamMeta{Model: event.Model, Provider: event.Provider, Usage: event.Usage}
		s.final = event.Turn
	}
	s.mu.Unlock()
	defer s.sending.Done()

	select {
	case s.events <- event:
	case <-s.ctx.Done():
	}
}

// Close closes the stream channel and cancels its context. Pushes that were
// in flight when Close began are allowed to finish; the channel is closed only
// after the last sender returns.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.sending.Wait()
	close(s.events)
	return nil
}

// Events returns a read-only channel of events.
func (s *Stream) Events() <-chan StreamEvent {
	return s.events
}

// Err returns the terminal error, if any.
func (s *Stream) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Meta returns metadata associated with the stream.
func (s *Stream) Meta() StreamMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta
}

// FinalTurn returns the completed assistant turn once a finish event has been
// pushed, and nil before that.
func (s *Stream) FinalTurn() *Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.final
}

// Wait blocks until the stream is closed and returns the terminal error.
func (s *Stream) Wait() error {
	<-s.ctx.Done()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Fail marks the stream as failed, emits an error event, and closes it.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	alreadyClosed := s.closed
	s.mu.Unlock()

	if err != nil && !alreadyClosed {
		s.Push(StreamEvent{Type: EventError, Error: err})
	}
	if !alreadyClosed {
		_ = s.Close()
	}
}
