package obs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	braintrust "github.com/braintrustdata/braintrust-go"
	"github.com/braintrustdata/braintrust-go/option"
	"github.com/braintrustdata/braintrust-go/packages/param"
	"github.com/braintrustdata/braintrust-go/shared"
)

const braintrustAPI = "https://api.braintrust.dev"

// braintrustSink batches completions and inserts them as Braintrust project
// log events, or dataset events when a dataset name is configured. LogCompletion
// only enqueues; a worker goroutine owns the flushing.
type braintrustSink struct {
	opts      BraintrustOptions
	in        chan Completion
	logs      *braintrust.ProjectLogService
	datasets  *braintrust.DatasetService
	projectID string
	datasetID string

	stop context.CancelFunc
	done sync.WaitGroup
}

func newBraintrustSink(ctx context.Context, opts BraintrustOptions) (*braintrustSink, error) {
	if opts.APIKey == "" {
		return nil, errors.New("braintrust api key required")
	}
	if opts.Project == "" && opts.ProjectID == "" {
		return nil, errors.New("braintrust project name or id required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 3 * time.Second
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 10 * time.Second
	}
	base := opts.BaseURL
	if base == "" {
		base = braintrustAPI
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithBaseURL(base),
		option.WithHTTPClient(&http.Client{Timeout: opts.HTTPTimeout}),
	}
	projects := braintrust.NewProjectService(reqOpts...)
	logs := braintrust.NewProjectLogService(reqOpts...)
	datasets := braintrust.NewDatasetService(reqOpts...)

	sink := &braintrustSink{
		opts:     opts,
		in:       make(chan Completion, opts.BatchSize*4),
		logs:     &logs,
		datasets: &datasets,
	}

	var err error
	sink.projectID, err = lookupProject(ctx, &projects, opts)
	if err != nil {
		return nil, err
	}
	if name := strings.TrimSpace(opts.Dataset); name != "" && name != "<auto>" {
		dataset, err := datasets.New(ctx, braintrust.DatasetNewParams{
			Name:      name,
			ProjectID: sink.projectID,
		})
		if err != nil {
			return nil, err
		}
		sink.datasetID = dataset.ID
	}

	workerCtx, cancel := context.WithCancel(ctx)
	sink.stop = cancel
	sink.done.Add(1)
	go sink.collect(workerCtx)
	return sink, nil
}

// LogCompletion enqueues without blocking; a full queue drops the event
// rather than stalling the request path.
func (b *braintrustSink) LogCompletion(ctx context.Context, c Completion) error {
	select {
	case b.in <- c:
		return nil
	default:
		return errors.New("braintrust queue full")
	}
}

func (b *braintrustSink) Shutdown(ctx context.Context) error {
	b.stop()
	close(b.in)

	drained := make(chan struct{})
	go func() {
		b.done.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *braintrustSink) collect(ctx context.Context) {
	defer b.done.Done()

	pending := make([]Completion, 0, b.opts.BatchSize)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := b.insert(ctx, pending); err != nil {
			log.Printf("braintrust flush error: %v", err)
		}
		pending = pending[:0]
	}

	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		case c, ok := <-b.in:
			if !ok {
				flush()
				return
			}
			pending = append(pending, c)
			if len(pending) >= b.opts.BatchSize {
				flush()
			}
		}
	}
}

func (b *braintrustSink) insert(ctx context.Context, batch []Completion) error {
	if b.datasetID != "" {
		events := make([]shared.InsertDatasetEventParam, len(batch))
		for i, c := range batch {
			events[i] = datasetEvent(c)
		}
		_, err := b.datasets.Insert(ctx, b.datasetID, braintrust.DatasetInsertParams{Events: events})
		return err
	}
	events := make([]shared.InsertProjectLogsEventParam, len(batch))
	for i, c := range batch {
		events[i] = projectLogEvent(c)
	}
	_, err := b.logs.Insert(ctx, b.projectID, braintrust.ProjectLogInsertParams{Events: events})
	return err
}

func lookupProject(ctx context.Context, svc *braintrust.ProjectService, opts BraintrustOptions) (string, error) {
	if opts.ProjectID != "" {
		return opts.ProjectID, nil
	}
	resp, err := svc.List(ctx, braintrust.ProjectListParams{
		Limit:       param.NewOpt[int64](1),
		ProjectName: param.NewOpt(opts.Project),
	})
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Objects) == 0 {
		return "", fmt.Errorf("braintrust project %q not found", opts.Project)
	}
	return resp.Objects[0].ID, nil
}

func projectLogEvent(c Completion) shared.InsertProjectLogsEventParam {
	event := shared.InsertProjectLogsEventParam{
		Input:  messagePayloads(c.Input),
		Output: messagePayload(c.Output),
	}
	if c.RequestID != "" {
		event.ID = param.NewOpt(c.RequestID)
	}
	if c.CreatedAtUTC != 0 {
		event.Created = param.NewOpt(time.UnixMilli(c.CreatedAtUTC).UTC())
	}
	if c.Error != "" {
		event.Error = c.Error
	}

	extras := copyMetadata(c.Metadata)
	if extras == nil {
		extras = map[string]any{}
	}
	if c.Provider != "" {
		extras["provider"] = c.Provider
	}
	if c.RequestID != "" {
		extras["request_id"] = c.RequestID
	}
	if len(c.ToolCalls) > 0 {
		extras["tool_calls"] = ToolCallsToAny(c.ToolCalls)
	}
	event.Metadata = shared.InsertProjectLogsEventMetadataParam{ExtraFields: extras}
	if c.Model != "" {
		event.Metadata.Model = param.NewOpt(c.Model)
	}
	event.Metrics = logMetrics(c)
	return event
}

func logMetrics(c Completion) shared.InsertProjectLogsEventMetricsParam {
	metrics := shared.InsertProjectLogsEventMetricsParam{}
	if c.Usage.InputTokens > 0 {
		metrics.PromptTokens = param.NewOpt(int64(c.Usage.InputTokens))
	}
	if c.Usage.OutputTokens > 0 {
		metrics.CompletionTokens = param.NewOpt(int64(c.Usage.OutputTokens))
	}
	if c.Usage.TotalTokens > 0 {
		metrics.Tokens = param.NewOpt(int64(c.Usage.TotalTokens))
	}
	extras := map[string]float64{}
	if c.LatencyMS > 0 {
		extras["latency_ms"] = float64(c.LatencyMS)
	}
	if c.Usage.CachedTokens > 0 {
		extras["cached_tokens"] = float64(c.Usage.CachedTokens)
	}
	if len(extras) > 0 {
		metrics.ExtraFields = extras
	}
	return metrics
}

func datasetEvent(c Completion) shared.InsertDatasetEventParam {
	input := map[string]any{"messages": messagePayloads(c.Input)}
	if c.Provider != "" {
		input["provider"] = c.Provider
	}
	if c.Model != "" {
		input["model"] = c.Model
	}

	event := shared.InsertDatasetEventParam{
		Input:    input,
		Expected: messagePayload(c.Output),
	}
	if c.RequestID != "" {
		event.ID = param.NewOpt(c.RequestID)
	}
	if c.CreatedAtUTC != 0 {
		event.Created = param.NewOpt(time.UnixMilli(c.CreatedAtUTC).UTC())
	}

	extras := copyMetadata(c.Metadata)
	if c.Error != "" || len(c.ToolCalls) > 0 {
		if extras == nil {
			extras = map[string]any{}
		}
	}
	if c.Error != "" {
		extras["error"] = c.Error
	}
	if len(c.ToolCalls) > 0 {
		extras["tool_calls"] = ToolCallsToAny(c.ToolCalls)
	}
	event.Metadata = shared.InsertDatasetEventMetadataParam{ExtraFields: extras}
	if c.Model != "" {
		event.Metadata.Model = param.NewOpt(c.Model)
	}
	return event
}

func messagePayloads(messages []Message) any {
	out := make([]map[string]any, len(messages))
	for i, msg := range messages {
		out[i] = messageBody(msg)
	}
	return out
}

func messagePayload(msg Message) any {
	if msg.Role == "" && msg.Text == "" && len(msg.Data) == 0 {
		return nil
	}
	return messageBody(msg)
}

func messageBody(msg Message) map[string]any {
	body := map[string]any{"role": msg.Role}
	if msg.Text != "" {
		body["text"] = msg.Text
	}
	if len(msg.Data) > 0 {
		body["data"] = msg.Data
	}
	return body
}

func copyMetadata(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
