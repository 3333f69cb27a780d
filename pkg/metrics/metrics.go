// Package metrics bootstraps the OpenTelemetry MeterProvider used by the
// scheduler core and exposes the typed scheduler Instruments built on top of it.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// Config holds configuration for the metrics system.
type Config struct {
	OTLPEndpoint     string
	ExportIntervalMS int
	ServiceName      string
	ServiceVersion   string
	Enabled          bool
}

// Provider wraps a MeterProvider plus the scheduler's typed instrument set.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	Instruments   *Instruments
}

// Init constructs an OTLP-backed MeterProvider and the scheduler's Instruments.
// When cfg.Enabled is false, it returns a Provider backed by the no-op meter
// so every call site can record metrics unconditionally.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{Instruments: NewNoopInstruments()}, nil
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			exporter,
			sdkmetric.WithInterval(time.Duration(cfg.ExportIntervalMS)*time.Millisecond),
		)),
		sdkmetric.WithResource(res),
	)

	meterName := cfg.ServiceName
	if cfg.ServiceVersion != "" {
		meterName = cfg.ServiceName + "@" + cfg.ServiceVersion
	}

	inst, err := NewInstruments(provider.Meter(meterName))
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("create instruments: %w", err)
	}

	return &Provider{meterProvider: provider, Instruments: inst}, nil
}

// Shutdown flushes and stops the underlying MeterProvider, if any.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}
