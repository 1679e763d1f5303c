// Package observability wires tracing and metrics for the service.
package observability

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

const defaultServiceName = "chronicle"

var tracerProvider *sdktrace.TracerProvider

// InitTracing configures the global tracer provider from the standard
// OpenTelemetry environment variables:
//
//   - OTEL_SERVICE_NAME: service name (default "chronicle")
//   - OTEL_TRACES_EXPORTER: "otlp", "stdout", or "none" (default "none")
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP/HTTP endpoint
//   - OTEL_EXPORTER_OTLP_HEADERS: "key1=value1,key2=value2"
//
// With "none" the global no-op provider stays in place, so spans started
// anywhere in the codebase cost nothing.
func InitTracing(ctx context.Context) error {
	serviceName := getEnv("OTEL_SERVICE_NAME", defaultServiceName)
	exporterType := getEnv("OTEL_TRACES_EXPORTER", "none")

	if exporterType == "none" {
		log.Debug().Msg("tracing disabled")
		return nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return fmt.Errorf("observability.InitTracing: resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch exporterType {
	case "otlp":
		opts := []otlptracehttp.Option{}
		if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
		}
		if headers := parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")); len(headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(headers))
		}
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
		if err != nil {
			return fmt.Errorf("observability.InitTracing: otlp exporter: %w", err)
		}
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("observability.InitTracing: stdout exporter: %w", err)
		}
	default:
		return fmt.Errorf("observability.InitTracing: unknown exporter type %q", exporterType)
	}

	tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)

	log.Info().Str("exporter", exporterType).Msg("tracing initialized")
	return nil
}

// ShutdownTracing flushes any buffered spans. No-op when tracing was
// never enabled.
func ShutdownTracing(ctx context.Context) error {
	if tracerProvider == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return tracerProvider.Shutdown(ctx)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		if k, v, ok := strings.Cut(pair, "="); ok {
			headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return headers
}
