package tracer

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	logx "github.com/Capmap-core-v1/server/pkg/logger"
)

// Config controls OTLP trace export. Tracing is disabled unless OTEL_ENABLED=true.
type Config struct {
	Enabled  bool   `envconfig:"OTEL_ENABLED" default:"false"`
	Endpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4318"`
	Insecure bool   `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"true"`
}

// InitTracer installs the global tracer provider and returns its shutdown func.
// Failures only disable tracing.
func InitTracer(ctx context.Context, cfg Config, serviceName, version string) func(context.Context) error {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		logx.Debug().Msg("OpenTelemetry tracing is disabled (set OTEL_ENABLED=true to enable)")
		return noop
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		logx.Warn().Err(err).Msg("Failed to create OTLP exporter; tracing disabled")
		return noop
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		)),
	)

	otel.SetTracerProvider(tp)
	logx.Info().Str("endpoint", cfg.Endpoint).Msg("OpenTelemetry tracer initialized")
	return tp.Shutdown
}
