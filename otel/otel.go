// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/absmach/mqpush/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials"
)

const (
	exportTimeout  = 30 * time.Second
	exportInterval = 10 * time.Second
	spanBatchSize  = 512
	spanBatchDelay = 5 * time.Second
)

// Resource attribute keys describing the consumer process.
const (
	ConsumerGroupKey = attribute.Key("messaging.consumer.group")
	InstanceNameKey  = attribute.Key("mqpush.instance_name")
)

// Identity names the consumer process in exported telemetry.
type Identity struct {
	InstanceName string
	Namespace    string
	Group        string
}

// Provider is the telemetry pipeline of a consumer process. Metrics is never
// nil; it records nothing when metric export is disabled.
type Provider struct {
	Metrics  *Metrics
	shutdown []func(context.Context) error
}

// InitProvider sets up OTLP export as configured by cfg and installs the
// global tracer provider used for consume spans.
func InitProvider(ctx context.Context, cfg config.OtelConfig, id Identity) (*Provider, error) {
	res, err := newResource(ctx, cfg, id)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	col, err := newCollector(cfg)
	if err != nil {
		return nil, err
	}

	p := &Provider{}
	if cfg.TracesEnabled {
		tp, err := col.tracerProvider(ctx, cfg.TraceSampleRate, res)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		otel.SetTracerProvider(tp)
		p.shutdown = append(p.shutdown, tp.Shutdown)
	} else {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	var meter metric.Meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	if cfg.MetricsEnabled {
		mp, err := col.meterProvider(ctx, res)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
		}
		otel.SetMeterProvider(mp)
		p.shutdown = append(p.shutdown, mp.Shutdown)
		meter = mp.Meter(instrumentationName)
	}

	if p.Metrics, err = NewMetricsFromMeter(meter); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}
	return p, nil
}

// Shutdown flushes and stops the exporters in reverse start order.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.shutdown) - 1; i >= 0; i-- {
		if err := p.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdown = nil
	return errors.Join(errs...)
}

func newResource(ctx context.Context, cfg config.OtelConfig, id Identity) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		semconv.MessagingSystemKey.String("mqpush"),
		InstanceNameKey.String(id.InstanceName),
	}
	if id.Namespace != "" {
		attrs = append(attrs, semconv.ServiceNamespaceKey.String(id.Namespace))
	}
	if id.Group != "" {
		attrs = append(attrs, ConsumerGroupKey.String(id.Group))
	}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, semconv.HostNameKey.String(host))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

// collector holds the connection settings both OTLP exporters share.
type collector struct {
	endpoint string
	creds    credentials.TransportCredentials // nil sends plaintext
}

func newCollector(cfg config.OtelConfig) (collector, error) {
	tlsCfg, err := cfg.TLS.ClientTLS()
	if err != nil {
		return collector{}, fmt.Errorf("failed to load collector TLS config: %w", err)
	}
	col := collector{endpoint: cfg.Endpoint}
	if tlsCfg != nil {
		col.creds = credentials.NewTLS(tlsCfg)
	}
	return col, nil
}

func (c collector) traceOptions() []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(c.endpoint),
		otlptracegrpc.WithTimeout(exportTimeout),
	}
	if c.creds != nil {
		return append(opts, otlptracegrpc.WithTLSCredentials(c.creds))
	}
	return append(opts, otlptracegrpc.WithInsecure())
}

func (c collector) metricOptions() []otlpmetricgrpc.Option {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(c.endpoint),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	}
	if c.creds != nil {
		return append(opts, otlpmetricgrpc.WithTLSCredentials(c.creds))
	}
	return append(opts, otlpmetricgrpc.WithInsecure())
}

func (c collector) tracerProvider(ctx context.Context, sampleRate float64, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx, c.traceOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(spanBatchSize),
			sdktrace.WithBatchTimeout(spanBatchDelay),
		),
	), nil
}

func (c collector) meterProvider(ctx context.Context, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx, c.metricOptions()...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(exportInterval))),
	), nil
}
