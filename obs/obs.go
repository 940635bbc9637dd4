// Package obs wires OpenTelemetry tracing and metrics around provider calls
// and fans completed conversations out to logging sinks. Everything degrades
// to a no-op when Init has not run, so library code can instrument
// unconditionally.
package obs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const scope = "github.com/parleyai/parley/obs"

// pipeline holds everything Init wired up: the OTEL providers, the
// instruments recording request metrics, and the completion sinks.
type pipeline struct {
	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
	tracer  trace.Tracer
	meter   metric.Meter
	inst    *instruments
	sinks   []Sink
}

var (
	active   *pipeline
	initOnce sync.Once
)

// Sink receives completed conversations for out-of-band logging.
type Sink interface {
	LogCompletion(context.Context, Completion) error
	Shutdown(context.Context) error
}

// Init installs global tracing and metrics per opts and starts the
// configured sinks. The returned function flushes and shuts everything down.
// Only the first call takes effect.
func Init(ctx context.Context, opts Options) (func(context.Context) error, error) {
	var initErr error
	initOnce.Do(func() { initErr = start(ctx, opts) })
	if initErr != nil {
		return nil, initErr
	}
	if active == nil {
		return nil, errors.New("observability already initialized")
	}
	return shutdownAll, nil
}

func start(ctx context.Context, opts Options) error {
	if opts.ServiceName == "" {
		opts.ServiceName = "parley"
	}
	if opts.SampleRatio <= 0 || opts.SampleRatio > 1 {
		opts.SampleRatio = 1
	}

	res, err := newResource(opts)
	if err != nil {
		return err
	}

	exporter, err := newSpanExporter(ctx, opts)
	if err != nil {
		return fmt.Errorf("build span exporter: %w", err)
	}
	traces := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(opts.SampleRatio)),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	p := &pipeline{
		traces: traces,
		tracer: traces.Tracer(scope),
	}
	if opts.DisableMetrics {
		p.meter = otel.Meter(scope)
	} else {
		p.metrics = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		p.meter = p.metrics.Meter(scope)
		p.inst = newInstruments(p.meter)
	}

	if opts.Braintrust.Enabled {
		sink, err := newBraintrustSink(ctx, opts.Braintrust)
		if err != nil {
			_ = traces.Shutdown(ctx)
			if p.metrics != nil {
				_ = p.metrics.Shutdown(ctx)
			}
			return err
		}
		p.sinks = append(p.sinks, sink)
	}

	otel.SetTracerProvider(traces)
	if p.metrics != nil {
		otel.SetMeterProvider(p.metrics)
	}
	active = p
	return nil
}

func shutdownAll(ctx context.Context) error {
	p := active
	if p == nil {
		return nil
	}
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, sink := range p.sinks {
		keep(sink.Shutdown(ctx))
	}
	if p.metrics != nil {
		keep(p.metrics.Shutdown(ctx))
	}
	keep(p.traces.Shutdown(ctx))
	return firstErr
}

func newResource(opts Options) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(opts.ServiceName)}
	if opts.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(opts.Environment))
	}
	if opts.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(opts.Version))
	}
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

func newSpanExporter(ctx context.Context, opts Options) (sdktrace.SpanExporter, error) {
	switch opts.Exporter {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterNone:
		return discardExporter{}, nil
	default:
		return newOTLPExporter(ctx, opts)
	}
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                            { return nil }

// Tracer returns the tracer Init configured, or the global one before Init.
func Tracer() trace.Tracer {
	if p := active; p != nil {
		return p.tracer
	}
	return otel.Tracer(scope)
}

// Meter returns the meter Init configured, for custom instrumentation.
func Meter() metric.Meter {
	if p := active; p != nil {
		return p.meter
	}
	return otel.Meter(scope)
}

// LogCompletion hands a completed conversation to every configured sink.
// Sink failures never propagate to the caller's request path.
func LogCompletion(ctx context.Context, completion Completion) {
	p := active
	if p == nil {
		return
	}
	for _, sink := range p.sinks {
		_ = sink.LogCompletion(ctx, completion)
	}
}
