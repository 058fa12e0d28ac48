// Package tracing provides shared OTel tracer initialization for the
// gateway's execution and event pipelines.
//
// Spans are exported only when OTEL_EXPORTER_OTLP_ENDPOINT is set; otherwise
// every tracer is a no-op and span calls cost nothing.
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const defaultServiceName = "vibekan-gateway"

var (
	initOnce sync.Once
	provider trace.TracerProvider = noop.NewTracerProvider()
	sdk      *sdktrace.TracerProvider
)

// Tracer returns a named tracer, initializing the provider on first use.
func Tracer(name string) trace.Tracer {
	initOnce.Do(setup)
	return provider.Tracer(name)
}

// Shutdown flushes pending spans. A no-op when tracing never initialized.
func Shutdown(ctx context.Context) error {
	if sdk == nil {
		return nil
	}
	return sdk.Shutdown(ctx)
}

func setup() {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return
	}

	ctx := context.Background()
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(stripScheme(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName())),
	)
	if err != nil {
		res = resource.Default()
	}

	sdk = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	provider = sdk
	otel.SetTracerProvider(provider)
}

func serviceName() string {
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		return name
	}
	return defaultServiceName
}

// stripScheme removes http(s):// because otlptracehttp wants a bare host.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}
