package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/parleyai/parley/core"
	"github.com/parleyai/parley/internal/httpclient"
	"github.com/parleyai/parley/schema"
)

type roundTrip func(*http.Request) (*http.Response, error)

func (r roundTrip) RoundTrip(req *http.Request) (*http.Response, error) {
	return r(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func sseResponse(chunks []string) *http.Response {
	var b strings.Builder
	for _, chunk := range chunks {
		b.WriteString("data: ")
		b.WriteString(chunk)
		b.WriteString("\n\n")
	}
	return &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(strings.NewReader(b.String())),
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
	}
}

func testClient(transport roundTrip) *Client {
	return New(
		WithAPIKey("key"),
		WithModel("gpt-4o"),
		WithHTTPClient(&http.Client{Transport: transport}),
		WithRetryPolicy(httpclient.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond}),
	)
}

func TestGenerate(t *testing.T) {
	transport := roundTrip(func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("Authorization") != "Bearer key" {
			t.Fatalf("missing bearer token")
		}
		var payload chatRequest
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if payload.Model != "gpt-4o" {
			t.Fatalf("model = %s", payload.Model)
		}
		if payload.Stream {
			t.Fatalf("stream flag set on generate")
		}
		return jsonResponse(200, textResponseBody), nil
	})

	reply, err := testClient(transport).Generate(context.Background(), core.Request{
		Turns: []core.Turn{core.UserTextTurn("hi")},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply.Text() != "Hello there" {
		t.Fatalf("text = %q", reply.Text())
	}
	if reply.Model != "gpt-4o-2024-08-06" {
		t.Fatalf("model = %s", reply.Model)
	}
	if reply.Usage.InputTokens != 9 || reply.Usage.OutputTokens != 3 {
		t.Fatalf("usage = %+v", reply.Usage)
	}
	if reply.Provider != "openai" {
		t.Fatalf("provider = %s", reply.Provider)
	}
	if len(reply.Turn.Raw) == 0 {
		t.Fatalf("raw vendor payload not preserved")
	}
}

func TestGenerateDecodesAPIError(t *testing.T) {
	transport := roundTrip(func(req *http.Request) (*http.Response, error) {
		resp := jsonResponse(429, `{"error":{"message":"Rate limit reached","type":"tokens"}}`)
		resp.Header.Set("Retry-After", "7")
		return resp, nil
	})
	client := New(
		WithAPIKey("key"),
		WithModel("gpt-4o"),
		WithHTTPClient(&http.Client{Transport: transport}),
		WithRetryPolicy(httpclient.NoRetry()),
	)

	_, err := client.Generate(context.Background(), core.Request{
		Turns: []core.Turn{core.UserTextTurn("hi")},
	})
	if !core.IsRateLimited(err) {
		t.Fatalf("err = %v, want rate limited", err)
	}
	if !core.IsRetryable(err) {
		t.Fatalf("rate limit should be retryable")
	}
	if core.GetRetryAfter(err) != 7 {
		t.Fatalf("retry after = %d", core.GetRetryAfter(err))
	}
	if !strings.Contains(err.Error(), "Rate limit reached") {
		t.Fatalf("vendor message lost: %v", err)
	}
}

func TestGenerateFatalErrorKeepsVendorMessage(t *testing.T) {
	calls := 0
	transport := roundTrip(func(req *http.Request) (*http.Response, error) {
		calls++
		return jsonResponse(400, `{"error":{"message":"Invalid schema for function","type":"invalid_request_error"}}`), nil
	})

	_, err := testClient(transport).Generate(context.Background(), core.Request{
		Turns: []core.Turn{core.UserTextTurn("hi")},
	})
	if !core.IsBadRequest(err) {
		t.Fatalf("err = %v, want bad request", err)
	}
	if core.IsRetryable(err) {
		t.Fatalf("bad request must not be retryable")
	}
	if calls != 1 {
		t.Fatalf("fatal status retried: %d calls", calls)
	}
	if !strings.Contains(err.Error(), "Invalid schema for function") {
		t.Fatalf("vendor message lost: %v", err)
	}
}

func TestGenerateRetriesServerError(t *testing.T) {
	calls := 0
	transport := roundTrip(func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return jsonResponse(500, `{"error":{"message":"overloaded"}}`), nil
		}
		return jsonResponse(200, textResponseBody), nil
	})

	reply, err := testClient(transport).Generate(context.Background(), core.Request{
		Turns: []core.Turn{core.UserTextTurn("hi")},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if reply.Text() != "Hello there" {
		t.Fatalf("text = %q", reply.Text())
	}
}

func TestGenerateStructured(t *testing.T) {
	body := `{
		"id": "chatcmpl-s",
		"model": "gpt-4o",
		"choices": [{
			"index": 0,
			"message": {"role": "assistant", "content": "{\"answer\":\"Oslo\",\"confidence\":0.9}"},
			"finish_reason": "stop"
		}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 9, "total_tokens": 21}
	}`
	transport := roundTrip(func(req *http.Request) (*http.Response, error) {
		var payload map[string]any
		json.NewDecoder(req.Body).Decode(&payload)
		if _, ok := payload["response_format"]; !ok {
			t.Fatalf("response_format missing from structured request")
		}
		return jsonResponse(200, body), nil
	})

	node := schema.ObjectOf(
		schema.Prop("answer", schema.String()),
		schema.Prop("confidence", schema.Number()),
	)
	reply, err := testClient(transport).Generate(context.Background(), core.Request{
		Turns:  []core.Turn{core.UserTextTurn("capital of norway?")},
		Schema: node,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	value, ok := reply.StructuredValue()
	if !ok {
		t.Fatalf("no structured value")
	}
	obj, _ := value.(map[string]any)
	if obj["answer"] != "Oslo" {
		t.Fatalf("structured value = %v", value)
	}
}

func TestStream(t *testing.T) {
	transport := roundTrip(func(req *http.Request) (*http.Response, error) {
		var payload chatRequest
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if !payload.Stream || payload.StreamOptions == nil || !payload.StreamOptions.IncludeUsage {
			t.Fatalf("stream options not set: %+v", payload)
		}
		return sseResponse(textStreamChunks), nil
	})

	stream, err := testClient(transport).Stream(context.Background(), core.Request{
		Turns: []core.Turn{core.UserTextTurn("hi")},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var text strings.Builder
	var finish *core.StreamEvent
	lastSeq := 0
	for event := range stream.Events() {
		if event.Seq <= lastSeq {
			t.Fatalf("sequence not increasing: %d after %d", event.Seq, lastSeq)
		}
		lastSeq = event.Seq
		switch event.Type {
		case core.EventTextDelta:
			text.WriteString(event.TextDelta)
		case core.EventFinish:
			captured := event
			finish = &captured
		}
	}
	if stream.Err() != nil {
		t.Fatalf("stream error: %v", stream.Err())
	}
	if text.String() != "Hello there" {
		t.Fatalf("joined deltas = %q", text.String())
	}
	if finish == nil || finish.Turn == nil {
		t.Fatalf("no finish event with turn")
	}
	if finish.Turn.Text() != "Hello there" {
		t.Fatalf("final turn text = %q", finish.Turn.Text())
	}
	if finish.Usage.TotalTokens != 12 {
		t.Fatalf("final usage = %+v", finish.Usage)
	}
}

func TestStreamToolCalls(t *testing.T) {
	transport := roundTrip(func(req *http.Request) (*http.Response, error) {
		return sseResponse(toolStreamChunks), nil
	})

	stream, err := testClient(transport).Stream(context.Background(), core.Request{
		Turns: []core.Turn{core.UserTextTurn("weather and time")},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var toolEvents []core.ToolRequest
	var finalTurn *core.Turn
	for event := range stream.Events() {
		switch event.Type {
		case core.EventToolRequest:
			toolEvents = append(toolEvents, event.ToolRequest)
		case core.EventFinish:
			finalTurn = event.Turn
		}
	}
	if stream.Err() != nil {
		t.Fatalf("stream error: %v", stream.Err())
	}
	if len(toolEvents) != 2 {
		t.Fatalf("tool events = %d, want 2", len(toolEvents))
	}
	if toolEvents[0].ID != "call_A" || toolEvents[1].ID != "call_B" {
		t.Fatalf("tool order wrong: %+v", toolEvents)
	}
	if toolEvents[0].Args["city"] != "Oslo" {
		t.Fatalf("args not accumulated: %+v", toolEvents[0].Args)
	}
	if finalTurn == nil || len(finalTurn.ToolRequests()) != 2 {
		t.Fatalf("final turn missing tool requests")
	}
}

func TestStreamSurfacesConnectError(t *testing.T) {
	transport := roundTrip(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(401, `{"error":{"message":"Incorrect API key"}}`), nil
	})

	_, err := testClient(transport).Stream(context.Background(), core.Request{
		Turns: []core.Turn{core.UserTextTurn("hi")},
	})
	if !core.IsAuthentication(err) {
		t.Fatalf("err = %v, want authentication", err)
	}
}

func TestCollectStream(t *testing.T) {
	transport := roundTrip(func(req *http.Request) (*http.Response, error) {
		return sseResponse(textStreamChunks), nil
	})

	stream, err := testClient(transport).Stream(context.Background(), core.Request{
		Turns: []core.Turn{core.UserTextTurn("hi")},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	reply, err := core.CollectStream(stream)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if reply.Text() != "Hello there" {
		t.Fatalf("text = %q", reply.Text())
	}
	if reply.Usage.TotalTokens != 12 {
		t.Fatalf("usage = %+v", reply.Usage)
	}
}
