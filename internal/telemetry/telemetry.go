// Package telemetry initializes OpenTelemetry metrics and records capture
// loop instruments.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/san-kum/simcap/internal/capture"
)

const scope = "github.com/san-kum/simcap"

type Shutdown func(ctx context.Context) error

// Init installs a global OTLP/HTTP meter provider. With an empty endpoint
// telemetry stays disabled and the global no-op provider is kept.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool, interval time.Duration) (Shutdown, error) {
	if endpoint == "" {
		return func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exp, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	if interval <= 0 {
		interval = 15 * time.Second
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}

func Meter() metric.Meter {
	return otel.GetMeterProvider().Meter(scope)
}

// Recorder holds the capture loop instruments.
type Recorder struct {
	ticks        metric.Int64Counter
	samples      metric.Int64Counter
	stepFailures metric.Int64Counter
	stepLatency  metric.Float64Histogram
}

func NewRecorder(m metric.Meter) (*Recorder, error) {
	var r Recorder
	var err error
	if r.ticks, err = m.Int64Counter("simcap.ticks",
		metric.WithDescription("Sealed capture ticks")); err != nil {
		return nil, err
	}
	if r.samples, err = m.Int64Counter("simcap.samples",
		metric.WithDescription("Sealed samples by series and status")); err != nil {
		return nil, err
	}
	if r.stepFailures, err = m.Int64Counter("simcap.step.failures",
		metric.WithDescription("Failed or timed out simulation steps")); err != nil {
		return nil, err
	}
	if r.stepLatency, err = m.Float64Histogram("simcap.step.duration",
		metric.WithDescription("Wall time of one successful advance"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *Recorder) Tick(ctx context.Context, res capture.TickResult, took time.Duration) {
	r.ticks.Add(ctx, 1)
	r.stepLatency.Record(ctx, took.Seconds())
	for id, smp := range res.Samples {
		status := "partial"
		if smp.Complete {
			status = "complete"
		}
		r.samples.Add(ctx, 1, metric.WithAttributes(
			attribute.String("series", id),
			attribute.String("status", status),
		))
	}
}

func (r *Recorder) StepError(ctx context.Context, err error) {
	kind := "failed"
	var timeout *capture.StepTimeoutError
	if errors.As(err, &timeout) {
		kind = "timeout"
	}
	r.stepFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
