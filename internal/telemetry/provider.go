// Package telemetry wires traces, metrics and logs to an OTLP collector and
// defines the service's metric instruments.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Providers owns the three SDK providers and the collector connection they share.
type Providers struct {
	Tracer *sdktrace.TracerProvider
	Meter  *sdkmetric.MeterProvider
	Logger *sdklog.LoggerProvider

	conn *grpc.ClientConn
}

// Setup connects to the OTLP collector at otlpEndpoint and installs global
// tracer, meter and logger providers. The returned logger bridges slog to
// OpenTelemetry. Providers are started in that order so the logger can
// correlate with traces.
func Setup(ctx context.Context, serviceName, otlpEndpoint, environment string) (*Providers, *slog.Logger, error) {
	conn, err := grpc.NewClient(otlpEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	p := &Providers{conn: conn}

	res, err := newResource(serviceName, environment)
	if err != nil {
		return nil, nil, errors.Join(err, p.Shutdown(ctx))
	}

	if p.Tracer, err = newTracerProvider(ctx, conn, res); err != nil {
		return nil, nil, errors.Join(err, p.Shutdown(ctx))
	}
	if p.Meter, err = newMeterProvider(ctx, conn, res); err != nil {
		return nil, nil, errors.Join(err, p.Shutdown(ctx))
	}

	var logger *slog.Logger
	if p.Logger, logger, err = newLoggerProvider(ctx, conn, res, serviceName); err != nil {
		return nil, nil, errors.Join(err, p.Shutdown(ctx))
	}

	return p, logger, nil
}

// Shutdown flushes and stops whichever providers were started, logger first,
// then closes the collector connection.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	if p.Logger != nil {
		if err := p.Logger.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("logger provider: %w", err))
		}
	}
	if p.Meter != nil {
		if err := p.Meter.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider: %w", err))
		}
	}
	if p.Tracer != nil {
		if err := p.Tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider: %w", err))
		}
	}
	if err := p.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("grpc connection: %w", err))
	}
	return errors.Join(errs...)
}

func newResource(serviceName, environment string) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.DeploymentEnvironment(environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}
