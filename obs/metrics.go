package obs

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instruments bundles the request-level metric handles. Instrument creation
// errors leave the handle nil and the corresponding record a no-op.
type instruments struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	input    metric.Int64Histogram
	output   metric.Int64Histogram
	total    metric.Int64Histogram
}

func newInstruments(m metric.Meter) *instruments {
	inst := &instruments{}
	inst.requests, _ = m.Int64Counter("parley.requests",
		metric.WithDescription("Generation requests issued"))
	inst.latency, _ = m.Float64Histogram("parley.request.latency_ms",
		metric.WithDescription("Request latency in milliseconds"))
	inst.input, _ = m.Int64Histogram("parley.tokens.input",
		metric.WithDescription("Input tokens per request"))
	inst.output, _ = m.Int64Histogram("parley.tokens.output",
		metric.WithDescription("Output tokens per request"))
	inst.total, _ = m.Int64Histogram("parley.tokens.total",
		metric.WithDescription("Total tokens per request"))
	return inst
}

func (inst *instruments) request(attrs []attribute.KeyValue) {
	if inst == nil || inst.requests == nil {
		return
	}
	inst.requests.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (inst *instruments) recordLatency(ms float64, attrs []attribute.KeyValue) {
	if inst == nil || inst.latency == nil {
		return
	}
	inst.latency.Record(context.Background(), ms, metric.WithAttributes(attrs...))
}

func (inst *instruments) usage(u UsageTokens, attrs []attribute.KeyValue) {
	if inst == nil {
		return
	}
	ctx := context.Background()
	opt := metric.WithAttributes(attrs...)
	if inst.input != nil {
		inst.input.Record(ctx, int64(u.InputTokens), opt)
	}
	if inst.output != nil {
		inst.output.Record(ctx, int64(u.OutputTokens), opt)
	}
	if inst.total != nil {
		inst.total.Record(ctx, int64(u.TotalTokens), opt)
	}
}

// RecordUsage emits token metrics outside a RequestRecorder, for callers
// aggregating usage themselves.
func RecordUsage(u UsageTokens, attrs ...attribute.KeyValue) {
	if p := active; p != nil {
		p.inst.usage(u, attrs)
	}
}
