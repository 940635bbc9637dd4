package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/parleyai/parley/core"
	"github.com/parleyai/parley/internal/httpclient"
	"github.com/parleyai/parley/internal/sse"
	"github.com/parleyai/parley/obs"
)

// Client implements core.Provider over the generateContent API.
type Client struct {
	codec Codec
	http  *http.Client
	sse   *http.Client
	opts  options
}

// New constructs a new Gemini client.
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

// Adapter exposes the wire codec for reuse outside the client.
func (c *Client) Adapter() core.Adapter { return c.codec }

func (c *Client) Generate(ctx context.Context, req core.Request) (_ *core.Reply, err error) {
	ctx, recorder := obs.StartRequest(ctx, "providers.gemini.Generate",
		attribute.String("ai.provider", "gemini"),
		attribute.String("ai.operation", "generateContent"),
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
	body, err := c.doJSON(ctx, modelPath(model, "generateContent"), payload)
	if err != nil {
		return nil, err
	}

	turn, err := c.codec.ParseResponse(body)
	if err != nil {
		var ce *core.Error
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, core.NewError(core.ErrInternal, "gemini: malformed response", core.WithWrapped(err))
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
		Provider:  "gemini",
		Usage:     turn.Usage,
		LatencyMS: time.Since(started).Milliseconds(),
	}, nil
}

func (c *Client) Stream(ctx context.Context, req core.Request) (*core.Stream, error) {
	ctx, recorder := obs.StartRequest(ctx, "providers.gemini.Stream",
		attribute.String("ai.provider", "gemini"),
		attribute.String("ai.operation", "streamGenerateContent"),
	)

	model := chooseModel(req.Model, c.opts.model)
	req.Model = model
	recorder.AddAttributes(attribute.String("ai.model", model))

	payload, err := c.codec.BuildRequest(req, true)
	if err != nil {
		recorder.End(err, obs.UsageTokens{})
		return nil, err
	}

	resp, err := c.doStream(ctx, modelPath(model, "streamGenerateContent")+"?alt=sse", payload)
	if err != nil {
		recorder.End(err, obs.UsageTokens{})
		return nil, err
	}

	stream := core.NewStream(ctx, 64)
	stream.Push(core.StreamEvent{Type: core.EventStart, Provider: "gemini", Model: model})
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
		Images:            true,
		Documents:         true,
		Caching:           true,
		Provider:          "gemini",
	}
}

// consume folds SSE chunks into the accumulator until the connection closes.
// The API ends the stream by closing it rather than sending a sentinel.
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
			stream.Fail(core.NewError(core.ErrStreamParse, "gemini: read stream", core.WithWrapped(err)))
			return
		}
		delta, err := c.codec.ParseStreamEvent(event.Data)
		if err != nil {
			stream.Fail(core.NewError(core.ErrStreamParse, "gemini: decode stream event", core.WithWrapped(err)))
			return
		}
		if delta == nil {
			continue
		}
		if delta.Terminal {
			break
		}
		if text := deltaText(delta.Fragment); text != "" {
			stream.Push(core.StreamEvent{Type: core.EventTextDelta, TextDelta: text, Provider: "gemini", Model: model})
		}
		acc = c.codec.MergeChunks(acc, delta.Fragment)
	}

	if acc == nil {
		stream.Fail(core.NewError(core.ErrStreamParse, "gemini: stream ended before any chunk"))
		return
	}
	turn, err := c.codec.Finalize(acc)
	if err != nil {
		stream.Fail(core.NewError(core.ErrStreamParse, "gemini: finalize stream", core.WithWrapped(err)))
		return
	}
	if req.Schema != nil {
		if err := core.AttachStructured(turn, req.Schema); err != nil {
			stream.Fail(err)
			return
		}
	}
	for _, tr := range turn.ToolRequests() {
		stream.Push(core.StreamEvent{Type: core.EventToolRequest, ToolRequest: tr, Provider: "gemini", Model: model})
	}
	stream.Push(core.StreamEvent{
		Type:     core.EventFinish,
		Turn:     turn,
		Usage:    turn.Usage,
		Provider: "gemini",
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
		return nil, core.NewError(core.ErrServerError, "gemini: read response", core.WithWrapped(err), core.WithRetryable(true))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp.StatusCode, resp.Header, body)
	}
	return body, nil
}

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

// newRequest appends the API key as a query parameter, which is how this
// vendor authenticates.
func (c *Client) newRequest(ctx context.Context, method, path string, payload []byte) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	endpoint := strings.TrimRight(c.opts.baseURL, "/") + path
	if c.opts.apiKey != "" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		endpoint += sep + "key=" + url.QueryEscape(c.opts.apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range c.opts.headers {
		req.Header.Set(key, value)
	}
	return req, nil
}

func modelPath(model, op string) string {
	return "/models/" + url.PathEscape(model) + ":" + op
}

func decodeAPIError(status int, header http.Header, body []byte) error {
	var envelope apiErrorEnvelope
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
	}
	opts := []core.ErrorOption{
		core.WithStatus(status),
		core.WithRetryable(core.RetryableStatus(status)),
	}
	if envelope.Error.Status != "" {
		opts = append(opts, core.WithDetails(map[string]any{"status": envelope.Error.Status}))
	}
	if after := header.Get("Retry-After"); after != "" {
		if seconds, err := strconv.ParseInt(after, 10, 64); err == nil {
			opts = append(opts, core.WithRetryAfter(seconds))
		}
	}
	return core.NewError(core.CodeForStatus(status), "gemini: "+message, opts...)
}

func wrapTransport(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return core.NewError(core.ErrCanceled, "request canceled", core.WithWrapped(err))
	case errors.Is(err, context.DeadlineExceeded):
		return core.NewError(core.ErrTimeout, "request timed out", core.WithWrapped(err), core.WithRetryable(true))
	default:
		return core.NewError(core.ErrServerError, "gemini: transport failure", core.WithWrapped(err), core.WithRetryable(true))
	}
}

func deltaText(fragment map[string]any) string {
	cands, _ := fragment["candidates"].([]any)
	if len(cands) == 0 {
		return ""
	}
	first, _ := cands[0].(map[string]any)
	content, _ := first["content"].(map[string]any)
	parts, _ := content["parts"].([]any)
	var b strings.Builder
	for _, elem := range parts {
		part, _ := elem.(map[string]any)
		if part == nil {
			continue
		}
		if thought, _ := part["thought"].(bool); thought {
			continue
		}
		if text, _ := part["text"].(string); text != "" {
			b.WriteString(text)
		}
	}
	return b.String()
}

func responseModel(body []byte, fallback string) string {
	var peek struct {
		ModelVersion string `json:"modelVersion"`
	}
	if err := json.Unmarshal(body, &peek); err == nil && peek.ModelVersion != "" {
		return peek.ModelVersion
	}
	return fallback
}

func chooseModel(request, fallback string) string {
	if request != "" {
		return request
	}
	return fallback
}
