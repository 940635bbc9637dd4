package obs

import (
	"context"
	"crypto/tls"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

const otlpConnectTimeout = 10 * time.Second

// newOTLPExporter connects to the collector over gRPC, falling back to the
// HTTP transport when the gRPC dial fails. Collectors commonly serve one or
// the other on the same endpoint family.
func newOTLPExporter(ctx context.Context, opts Options) (sdktrace.SpanExporter, error) {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	ctx, cancel := context.WithTimeout(ctx, otlpConnectTimeout)
	defer cancel()

	exporter, grpcErr := otlpGRPC(ctx, endpoint, opts)
	if grpcErr == nil {
		return exporter, nil
	}
	exporter, httpErr := otlpHTTP(ctx, endpoint, opts)
	if httpErr != nil {
		return nil, grpcErr
	}
	return exporter, nil
}

func otlpGRPC(ctx context.Context, endpoint string, opts Options) (sdktrace.SpanExporter, error) {
	dial := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithBlock()),
	}
	if opts.Insecure {
		dial = append(dial, otlptracegrpc.WithInsecure())
	} else {
		dial = append(dial, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{})))
	}
	if len(opts.Headers) > 0 {
		dial = append(dial, otlptracegrpc.WithHeaders(opts.Headers))
	}
	return otlptracegrpc.New(ctx, dial...)
}

func otlpHTTP(ctx context.Context, endpoint string, opts Options) (sdktrace.SpanExporter, error) {
	httpOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if opts.Insecure {
		httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
	}
	if len(opts.Headers) > 0 {
		httpOpts = append(httpOpts, otlptracehttp.WithHeaders(opts.Headers))
	}
	return otlptracehttp.New(ctx, httpOpts...)
}
