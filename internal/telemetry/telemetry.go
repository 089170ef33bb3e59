// Package telemetry wires OpenTelemetry tracing for the node. Tracing is
// off unless OTEL_ENABLED is set; spans then flow to the configured OTLP
// gRPC collector, tagged with the site identity so one collector can serve
// several nodes.
package telemetry

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/burrowhq/burrow/internal/config"
)

// Init installs the global tracer provider and propagators. The returned
// shutdown function flushes pending spans; call it on graceful shutdown.
func Init(cfg *config.Config) (func(context.Context) error, error) {
	tc := cfg.Telemetry
	if !tc.Enabled || tc.OTLPEndpoint == "" {
		log.Info().Msg("🔕 OpenTelemetry disabled")
		return func(ctx context.Context) error { return nil }, nil
	}

	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(tc.OTLPEndpoint),
		otlptracegrpc.WithInsecure(), // TODO: TLS in production
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(tc.ServiceName),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
			attribute.String("site.host", cfg.ServerName),
			attribute.String("site.name", cfg.Owner.SiteName),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info().
		Str("endpoint", tc.OTLPEndpoint).
		Str("service", tc.ServiceName).
		Str("site", cfg.ServerName).
		Msg("📡 OpenTelemetry tracing initialized")

	return tp.Shutdown, nil
}
