package openai

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

// Client implements core.Provider over OpenAI's chat completions API.
type Client struct {
	codec Codec
	http  *http.Client
	sse   *http.Client
	opts  options
}

// New constructs a new OpenAI client.
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
	ctx, recorder := obs.StartRequest(ctx, "providers.openai.Generate",
		attribute.String("ai.provider", c.opts.provider),
		attribute.String("ai.operation", "chat.completions"),
	)
	var usage core.Usage
	defer func() { recorder.End(err, obs.UsageFromCore(usage)) }()

	model := chooseModel(req.Model, c.opts.model)
	req.Model = model
	recorder.AddAttributes(attribute.String("ai.model", model))
	warnings := profileWarnings(req, model)

	payload, err := c.codec.BuildRequest(req, false)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	body, _, err := c.doJSON(ctx, "/chat/completions", payload, false)
	if err != nil {
		return nil, err
	}

	turn, err := c.codec.ParseResponse(body)
	if err != nil {
		return nil, core.NewError(core.ErrInternal, c.opts.provider+": malformed response", core.WithWrapped(err))
	}
	if req.Schema != nil {
		if err := core.AttachStructured(turn, req.Schema); err != nil {
			return nil, err
		}
	}
	usage = turn.Usage

	return &core.Reply{
		Turn:      *turn,
		Model:     responseModel(body, model),
		Provider:  c.opts.provider,
		Usage:     turn.Usage,
		Warnings:  warnings,
		LatencyMS: time.Since(started).Milliseconds(),
	}, nil
}

func (c *Client) Stream(ctx context.Context, req core.Request) (*core.Stream, error) {
	ctx, recorder := obs.StartRequest(ctx, "providers.openai.Stream",
		attribute.String("ai.provider", c.opts.provider),
		attribute.String("ai.operation", "chat.completions.stream"),
	)

	model := chooseModel(req.Model, c.opts.model)
	req.Model = model
	recorder.AddAttributes(attribute.String("ai.model", model))

	payload, err := c.codec.BuildRequest(req, true)
	if err != nil {
		recorder.End(err, obs.UsageTokens{})
		return nil, err
	}

	resp, err := c.doStream(ctx, "/chat/completions", payload)
	if err != nil {
		recorder.End(err, obs.UsageTokens{})
		return nil, err
	}

	stream := core.NewStream(ctx, 64)
	stream.Push(core.StreamEvent{Type: core.EventStart, Provider: c.opts.provider, Model: model})
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
		StrictJSON:        true,
		Batch:             true,
		Images:            true,
		Documents:         true,
		Caching:           true,
		Provider:          c.opts.provider,
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
			stream.Fail(core.NewError(core.ErrStreamParse, c.opts.provider+": read stream", core.WithWrapped(err)))
			return
		}
		delta, err := c.codec.ParseStreamEvent(event.Data)
		if err != nil {
			stream.Fail(core.NewError(core.ErrStreamParse, c.opts.provider+": decode stream event", core.WithWrapped(err)))
			return
		}
		if delta == nil {
			continue
		}
		if delta.Terminal {
			break
		}
		if text := deltaText(delta.Fragment); text != "" {
			stream.Push(core.StreamEvent{Type: core.EventTextDelta, TextDelta: text, Provider: c.opts.provider, Model: model})
		}
		acc = c.codec.MergeChunks(acc, delta.Fragment)
	}

	if acc == nil {
		stream.Fail(core.NewError(core.ErrStreamParse, c.opts.provider+": stream ended before any chunk"))
		return
	}
	turn, err := c.codec.Finalize(acc)
	if err != nil {
		stream.Fail(core.NewError(core.ErrStreamParse, c.opts.provider+": finalize stream", core.WithWrapped(err)))
		return
	}
	if req.Schema != nil {
		if err := core.AttachStructured(turn, req.Schema); err != nil {
			stream.Fail(err)
			return
		}
	}
	for _, tr := range turn.ToolRequests() {
		stream.Push(core.StreamEvent{Type: core.EventToolRequest, ToolRequest: tr, Provider: c.opts.provider, Model: model})
	}
	stream.Push(core.StreamEvent{
		Type:     core.EventFinish,
		Turn:     turn,
		Usage:    turn.Usage,
		Provider: c.opts.provider,
		Model:    model,
	})
	_ = stream.Close()
}

// doJSON posts the payload and returns the response body, decoding vendor
// errors on non-200 statuses.
func (c *Client) doJSON(ctx context.Context, path string, payload []byte, stream bool) ([]byte, http.Header, error) {
	client := c.http
	if stream {
		client = c.sse
	}
	resp, err := httpclient.Do(ctx, client, c.opts.retry, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodPost, path, payload)
	})
	if err != nil {
		return nil, nil, c.wrapTransport(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, core.NewError(core.ErrServerError, c.opts.provider+": read response", core.WithWrapped(err), core.WithRetryable(true))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, c.decodeAPIError(resp.StatusCode, resp.Header, body)
	}
	return body, resp.Header, nil
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
		return nil, c.wrapTransport(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, c.decodeAPIError(resp.StatusCode, resp.Header, body)
	}
	return resp, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, payload []byte) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.opts.baseURL, "/")+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.apiKey)
	}
	if c.opts.organization != "" {
		req.Header.Set("OpenAI-Organization", c.opts.organization)
	}
	for k, v := range c.opts.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (c *Client) decodeAPIError(status int, header http.Header, body []byte) error {
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
		opts = append(opts, core.WithDetails(map[string]any{"type": envelope.Error.Type, "code": envelope.Error.Code}))
	}
	return core.NewError(core.CodeForStatus(status), fmt.Sprintf("%s: %s", c.opts.provider, msg), opts...)
}

func (c *Client) wrapTransport(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return core.NewError(core.ErrCanceled, c.opts.provider+": request canceled", core.WithWrapped(err))
	case errors.Is(err, context.DeadlineExceeded):
		return core.NewError(core.ErrTimeout, c.opts.provider+": request deadline exceeded", core.WithWrapped(err), core.WithRetryable(true))
	default:
		return core.NewError(core.ErrServerError, c.opts.provider+": request failed", core.WithWrapped(err), core.WithRetryable(true))
	}
}

func deltaText(fragment map[string]any) string {
	choices, _ := fragment["choices"].([]any)
	if len(choices) == 0 {
		return ""
	}
	choice, _ := choices[0].(map[string]any)
	delta, _ := choice["delta"].(map[string]any)
	text, _ := delta["content"].(string)
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
