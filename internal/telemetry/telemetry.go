// Package telemetry wires apack metrics and log events to an OTLP
// collector. Telemetry is off unless APACK_OTEL_METRICS_URL is set; with no
// provider installed every Record* call goes to the otel no-op globals.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const (
	// EnvMetricsURL is the OTLP/HTTP metrics endpoint. Setting it turns
	// telemetry on.
	EnvMetricsURL = "APACK_OTEL_METRICS_URL"
	// EnvLogsURL is the OTLP/HTTP logs endpoint. Optional.
	EnvLogsURL = "APACK_OTEL_LOGS_URL"

	serviceName    = "apack"
	exportInterval = 10 * time.Second
)

// Provider owns the installed SDK providers.
type Provider struct {
	meters *sdkmetric.MeterProvider
	logs   *sdklog.LoggerProvider
}

// Config selects the collector endpoints.
type Config struct {
	MetricsURL string
	LogsURL    string
	Version    string
}

// Init installs global meter and logger providers exporting to cfg's
// endpoints. It returns (nil, nil) when cfg.MetricsURL is empty.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.MetricsURL == "" {
		return nil, nil
	}
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	mexp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(cfg.MetricsURL))
	if err != nil {
		return nil, fmt.Errorf("metrics exporter: %w", err)
	}
	p := &Provider{
		meters: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(mexp, sdkmetric.WithInterval(exportInterval))),
		),
	}
	otel.SetMeterProvider(p.meters)

	if cfg.LogsURL != "" {
		lexp, err := otlploghttp.New(ctx, otlploghttp.WithEndpointURL(cfg.LogsURL))
		if err != nil {
			_ = p.meters.Shutdown(ctx)
			return nil, fmt.Errorf("logs exporter: %w", err)
		}
		p.logs = sdklog.NewLoggerProvider(
			sdklog.WithResource(res),
			sdklog.WithProcessor(sdklog.NewBatchProcessor(lexp)),
		)
		global.SetLoggerProvider(p.logs)
	}

	initInstruments()
	return p, nil
}

// Shutdown flushes and stops the providers. Safe on a nil Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs *multierror.Error
	if err := p.meters.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("meter provider: %w", err))
	}
	if p.logs != nil {
		if err := p.logs.Shutdown(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("logger provider: %w", err))
		}
	}
	return errs.ErrorOrNil()
}
