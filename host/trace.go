package host

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/colorfulnotion/fpinst/host"

// Tracer returns the host tracer from the global provider.
func Tracer() trace.Tracer { return otel.Tracer(tracerName) }

// SetupTracing installs a global tracer provider. With an endpoint, spans are
// exported over OTLP/HTTP; otherwise they are recorded and dropped. The
// returned function flushes and shuts the provider down.
func SetupTracing(ctx context.Context, endpoint string, insecure bool) (func(context.Context) error, error) {
	var opts []sdktrace.TracerProviderOption
	if endpoint != "" {
		exOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if insecure {
			exOpts = append(exOpts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, exOpts...)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter for %s: %w", endpoint, err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
