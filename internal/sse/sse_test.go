package sse

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func collect(t *testing.T, raw string) []Event {
	t.Helper()
	dec := NewDecoder(strings.NewReader(raw))
	var events []Event
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		events = append(events, ev)
	}
}

func TestDecoderDataOnly(t *testing.T) {
	events := collect(t, "data: {\"a\":1}\n\ndata: [DONE]\n\n")
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if string(events[0].Data) != `{"a":1}` {
		t.Fatalf("unexpected payload %q", events[0].Data)
	}
	if string(events[1].Data) != "[DONE]" {
		t.Fatalf("unexpected sentinel %q", events[1].Data)
	}
}

func TestDecoderNamedEvents(t *testing.T) {
	raw := "event: message_start\ndata: {\"type\":\"message_start\"}\n\nevent: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"
	events := collect(t, raw)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Name != "message_start" || events[1].Name != "message_stop" {
		t.Fatalf("event names lost: %+v", events)
	}
}

func TestDecoderMultiLineData(t *testing.T) {
	events := collect(t, "data: line one\ndata: line two\n\n")
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].Data) != "line one\nline two" {
		t.Fatalf("multi-line join wrong: %q", events[0].Data)
	}
}

func TestDecoderSkipsComments(t *testing.T) {
	events := collect(t, ": keep-alive\n\ndata: real\n\n")
	if len(events) != 1 || string(events[0].Data) != "real" {
		t.Fatalf("comment handling wrong: %+v", events)
	}
}

func TestDecoderCRLF(t *testing.T) {
	events := collect(t, "data: payload\r\n\r\n")
	if len(events) != 1 || string(events[0].Data) != "payload" {
		t.Fatalf("crlf handling wrong: %+v", events)
	}
}

func TestDecoderUnterminatedFinalEvent(t *testing.T) {
	events := collect(t, "data: first\n\ndata: last")
	if len(events) != 2 {
		t.Fatalf("expected trailing event delivery, got %+v", events)
	}
	if string(events[1].Data) != "last" {
		t.Fatalf("trailing event wrong: %q", events[1].Data)
	}
}

func TestDecoderNoSpaceAfterColon(t *testing.T) {
	events := collect(t, "data:tight\n\n")
	if len(events) != 1 || string(events[0].Data) != "tight" {
		t.Fatalf("colon handling wrong: %+v", events)
	}
}
