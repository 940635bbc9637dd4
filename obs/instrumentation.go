package obs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RequestRecorder tracks one provider call: a span opened at StartRequest
// plus the attribute set the request metrics are tagged with.
type RequestRecorder struct {
	span    trace.Span
	started time.Time
	attrs   []attribute.KeyValue
}

// StartRequest opens a span for a provider call, counts the request, and
// returns a recorder to close out with End.
func StartRequest(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *RequestRecorder) {
	ctx, span := Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
	if p := active; p != nil {
		p.inst.request(attrs)
	}
	return ctx, &RequestRecorder{span: span, started: time.Now(), attrs: attrs}
}

// AddAttributes tags the span and all later metric records. Useful for
// values only known after the request is built, like the resolved model.
func (r *RequestRecorder) AddAttributes(attrs ...attribute.KeyValue) {
	if r == nil {
		return
	}
	r.attrs = append(r.attrs, attrs...)
	r.span.SetAttributes(attrs...)
}

// End records the outcome: error status, latency, and token usage when the
// call produced any.
func (r *RequestRecorder) End(err error, usage UsageTokens) {
	if r == nil {
		return
	}
	if err != nil {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
	}

	elapsed := float64(time.Since(r.started).Microseconds()) / 1000
	p := active
	if p != nil {
		p.inst.recordLatency(elapsed, r.attrs)
	}

	if usage.InputTokens > 0 || usage.OutputTokens > 0 || usage.TotalTokens > 0 {
		r.span.SetAttributes(
			attribute.Int("ai.usage.input_tokens", usage.InputTokens),
			attribute.Int("ai.usage.output_tokens", usage.OutputTokens),
			attribute.Int("ai.usage.total_tokens", usage.TotalTokens),
		)
		if p != nil {
			p.inst.usage(usage, r.attrs)
		}
	}
	r.span.End()
}
