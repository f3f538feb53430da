// Package telemetry sets up OpenTelemetry tracing for the proxy. Upstream
// requests (provider API and CDN) and front-end requests are traced through
// otelhttp once a provider is installed.
package telemetry

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// EndpointEnv names the collector endpoint. Unset disables tracing.
const EndpointEnv = "OTEL_EXPORTER_OTLP_ENDPOINT"

// Shutdown flushes and stops the tracer provider.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Init installs the global tracer provider and propagator. Without a
// collector endpoint, or when the exporter cannot be built, it returns a
// no-op Shutdown and the proxy runs untraced.
func Init(ctx context.Context, serviceName string) (Shutdown, error) {
	endpoint := strings.TrimSpace(os.Getenv(EndpointEnv))
	if endpoint == "" {
		return noop, nil
	}

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(hostPort(endpoint)),
		otlptracehttp.WithTimeout(3 * time.Second),
		otlptracehttp.WithRetry(otlptracehttp.RetryConfig{Enabled: false}),
	}
	if !strings.HasPrefix(strings.ToLower(endpoint), "https://") {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(initCtx, opts...)
	if err != nil {
		log.Printf("telemetry: exporter %s: %v (tracing disabled)", endpoint, err)
		return noop, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	log.Printf("telemetry: exporting traces to %s", endpoint)
	return tp.Shutdown, nil
}

func hostPort(endpoint string) string {
	e := endpoint
	for _, p := range []string{"http://", "https://"} {
		if len(e) >= len(p) && strings.EqualFold(e[:len(p)], p) {
			e = e[len(p):]
		}
	}
	return strings.TrimSuffix(e, "/")
}
