package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/parleyai/parley/core"
	"github.com/parleyai/parley/internal/httpclient"
	"github.com/parleyai/parley/internal/sse"
	"github.com/parleyai/parley/obs"
)

// Client implements core.Provider over Anthropic's messages API.
type Client struct {
	codec Codec
	http  *http.Client
	sse   *http.Client
	opts  options
}

// New constructs a new Anthropic client.
func New(opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = httpclient.New(httpclient.WithTimeout(o.timeout))
		if o.streamClient == nil {
			o.streamClient = httpclient.NewStreaming()
		}
	} else if o.streamClient == nil {
		o.streamClient = o.httpClient
	}
	return &Client{http: o.httpClient, sse: o.streamClient, opts: o}
}

// Adapter exposes the wire codec for reuse outside the client, such as batch
// payload construction.
func (c *Client) Adapter() core.Adapter { return c.codec }

func (c *Client) Generate(ctx context.Context, req core.Request) (_ *core.Reply, err error) {
	ctx, recorder := obs.StartRequest(ctx, "providers.anthropic.Generate",
		attribute.String("ai.provider", "anthropic"),
		attribute.String("ai.operation", "messages"),
	)
	var usage core.Usage
	defer func() { recorder.End(err, obs.UsageFromCore(usage)) }()

	model := chooseModel(req.Model, c.opts.model)
	req.Model = model
	recorder.AddAttributes(attribute.String("ai.model", model))

	payload, err := c.codec.BuildRequest(req, false)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	body, err := c.doJSON(ctx, "/messages", payload)
	if err != nil {
		return nil, err
	}

	turn, err := c.codec.ParseResponse(body)
	if err != nil {
		return nil, core.NewError(core.ErrInternal, "anthropic: malformed response", core.WithWrapped(err))
	}
	if req.Schema != nil {
		if err := attachStructured(turn, req.Schema); err != nil {
			return nil, err
		}
	}
	usage = turn.Usage

	return &core.Reply{
		Turn:      *turn,
		Model:     responseModel(body, model),
		Provider:  "anthropic",
		Usage:     turn.Usage,
		LatencyMS: time.Since(started).Milliseconds(),
	}, nil
}

func (c *Client) Stream(ctx context.Context, req core.Request) (*core.Stream, error) {
	ctx, recorder := obs.StartRequest(ctx, "providers.anthropic.Stream",
		attribute.String("ai.provider", "anthropic"),
		attribute.String("ai.operation", "messages.stream"),
	)

	model := chooseModel(req.Model, c.opts.model)
	req.Model = model
	recorder.AddAttributes(attribute.String("ai.model", model))

	payload, err := c.codec.BuildRequest(req, true)
	if err != nil {
		recorder.End(err, obs.UsageTokens{})
		return nil, err
	}

	resp, err := c.doStream(ctx, "/messages", payload)
	if err != nil {
		recorder.End(err, obs.UsageTokens{})
		return nil, err
	}

	stream := core.NewStream(ctx, 64)
	stream.Push(core.StreamEvent{Type: core.EventStart, Provider: "anthropic", Model: model})
	go func() {
		c.consume(ctx, resp.Body, stream, req, model)
		recorder.End(stream.Err(), obs.UsageFromCore(stream.Meta().Usage))
	}()
	return stream, nil
}

func (c *Client) Capabilities() core.Capabilities {
	return core.Capabilities{
		Streaming:         true,
		ParallelToolCalls: true,
		Batch:             true,
		Images:            true,
		Documents:         true,
		Caching:           true,
		Provider:          "anthropic",
	}
}

func (c *Client) consume(ctx context.Context, body io.ReadCloser, stream *core.Stream, req core.Request, model string) {
	defer body.Close()

	decoder := sse.NewDecoder(body)
	var acc map[string]any
	for {
		event, err := decoder.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				stream.Fail(core.NewError(core.ErrCanceled, "stream canceled", core.WithWrapped(ctx.Err())))
				return
			}
			stream.Fail(core.NewError(core.ErrStreamParse, "anthropic: read stream", core.WithWrapped(err)))
			return
		}
		delta, err := c.codec.ParseStreamEvent(event.Data)
		if err != nil {
			stream.Fail(core.NewError(core.ErrStreamParse, "anthropic: decode stream event", core.WithWrapped(err)))
			return
		}
		if delta == nil {
			continue
		}
		if delta.Terminal {
			break
		}
		if text := deltaText(delta.Fragment); text != "" {
			stream.Push(core.StreamEvent{Type: core.EventTextDelta, TextDelta: text, Provider: "anthropic", Model: model})
		}
		acc = c.codec.MergeChunks(acc, delta.Fragment)
	}

	if acc == nil {
		stream.Fail(core.NewError(core.ErrStreamParse, "anthropic: stream ended before any event"))
		return
	}
	turn, err := c.codec.Finalize(acc)
	if err != nil {
		stream.Fail(core.NewError(core.ErrStreamParse, "anthropic: finalize stream", core.WithWrapped(err)))
		return
	}
	if req.Schema != nil {
		if err := attachStructured(turn, req.Schema); err != nil {
			stream.Fail(err)
			return
		}
	}
	for _, tr := range turn.ToolRequests() {
		stream.Push(core.StreamEvent{Type: core.EventToolRequest, ToolRequest: tr, Provider: "anthropic", Model: model})
	}
	stream.Push(core.StreamEvent{
		Type:     core.EventFinish,
		Turn:     turn,
		Usage:    turn.Usage,
		Provider: "anthropic",
		Model:    model,
	})
	_ = stream.Close()
}

func (c *Client) doJSON(ctx context.Context, path string, payload []byte) ([]byte, error) {
	resp, err := httpclient.Do(ctx, c.http, c.opts.retry, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodPost, path, payload)
	})
	if err != nil {
		return nil, wrapTransport(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, core.NewError(core.ErrServerError, "anthropic: read response", core.WithWrapped(err), core.WithRetryable(true))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp.StatusCode, resp.Header, body)
	}
	return body, nil
}

// doStream posts the payload and hands the open response back for SSE
// consumption. Retry applies to the connection only; a stream that fails
// mid-flight is never reissued.
func (c *Client) doStream(ctx context.Context, path string, payload []byte) (*http.Response, error) {
	resp, err := httpclient.Do(ctx, c.sse, c.opts.retry, func() (*http.Request, error) {
		req, err := c.newRequest(ctx, http.MethodPost, path, payload)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "text/event-stream")
		return req, nil
	})
	if err != nil {
		return nil, wrapTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, decodeAPIError(resp.StatusCode, resp.Header, body)
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload []byte) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	url := path
	if !strings.HasPrefix(path, "http") {
		url = strings.TrimRight(c.opts.baseURL, "/") + path
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.apiKey != "" {
		req.Header.Set("X-API-Key", c.opts.apiKey)
	}
	req.Header.Set("anthropic-version", c.opts.version)
	for k, v := range c.opts.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func decodeAPIError(status int, header http.Header, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
	}
	opts := []core.ErrorOption{
		core.WithStatus(status),
		core.WithRetryable(core.RetryableStatus(status)),
	}
	if ra := header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			opts = append(opts, core.WithRetryAfter(int64(secs)))
		}
	}
	if envelope.Error.Type != "" {
		opts = append(opts, core.WithDetails(map[string]any{"type": envelope.Error.Type}))
	}
	return core.NewError(core.CodeForStatus(status), fmt.Sprintf("anthropic: %s", msg), opts...)
}

func wrapTransport(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return core.NewError(core.ErrCanceled, "anthropic: request canceled", core.WithWrapped(err))
	case errors.Is(err, context.DeadlineExceeded):
		return core.NewError(core.ErrTimeout, "anthropic: request deadline exceeded", core.WithWrapped(err), core.WithRetryable(true))
	default:
		return core.NewError(core.ErrServerError, "anthropic: request failed", core.WithWrapped(err), core.WithRetryable(true))
	}
}

func deltaText(fragment map[string]any) string {
	blocks, _ := fragment["content"].([]any)
	if len(blocks) == 0 {
		return ""
	}
	block, _ := blocks[0].(map[string]any)
	text, _ := block["text"].(string)
	return text
}

func responseModel(body []byte, fallback string) string {
	var meta struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &meta); err == nil && meta.Model != "" {
		return meta.Model
	}
	return fallback
}

func chooseModel(requestModel, defaultModel string) string {
	if requestModel != "" {
		return requestModel
	}
	return defaultModel
}
