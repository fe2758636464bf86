package infra

import (
	"context"
	"log"
	"time"

	"github.com/inkforge/inkforge-orchestrator/config"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TelemetryClient owns the meter/tracer providers plus the job-level
// instruments the orchestration core records into.
type TelemetryClient struct {
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	Tracer         trace.Tracer

	JobsStarted   metric.Int64Counter
	JobsSucceeded metric.Int64Counter
	JobsFailed    metric.Int64Counter
	JobsResumed   metric.Int64Counter
	StepDuration  metric.Float64Histogram
}

func InitTelemetryClient(cfg *config.EnvConfig) *TelemetryClient {
	t := &TelemetryClient{}
	ctx := context.Background()

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.Grafana.ServiceName),
		semconv.DeploymentEnvironment(cfg.Environment.Mode),
	)

	if cfg.Grafana.OTLPEndpoint != "" {
		metricExporter, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(cfg.Grafana.OTLPEndpoint),
			otlpmetrichttp.WithURLPath("/otlp/v1/metrics"),
		)
		if err != nil {
			log.Fatalf("OTLP metric exporter init failed: %v", err)
		}
		t.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
				sdkmetric.WithInterval(15*time.Second))),
		)
		otel.SetMeterProvider(t.meterProvider)

		traceExporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Grafana.OTLPEndpoint),
			otlptracehttp.WithURLPath("/otlp/v1/traces"),
		)
		if err != nil {
			log.Fatalf("OTLP trace exporter init failed: %v", err)
		}
		t.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(traceExporter),
		)
		otel.SetTracerProvider(t.tracerProvider)

		if err := runtime.Start(runtime.WithMeterProvider(t.meterProvider)); err != nil {
			log.Printf("runtime instrumentation start failed: %v", err)
		}
	}

	t.Tracer = otel.Tracer(cfg.Grafana.ServiceName)

	meter := otel.Meter(cfg.Grafana.ServiceName)
	var err error
	if t.JobsStarted, err = meter.Int64Counter("forge.jobs.started"); err != nil {
		log.Fatalf("meter init failed: %v", err)
	}
	if t.JobsSucceeded, err = meter.Int64Counter("forge.jobs.succeeded"); err != nil {
		log.Fatalf("meter init failed: %v", err)
	}
	if t.JobsFailed, err = meter.Int64Counter("forge.jobs.failed"); err != nil {
		log.Fatalf("meter init failed: %v", err)
	}
	if t.JobsResumed, err = meter.Int64Counter("forge.jobs.resumed"); err != nil {
		log.Fatalf("meter init failed: %v", err)
	}
	if t.StepDuration, err = meter.Float64Histogram("forge.step.duration_seconds"); err != nil {
		log.Fatalf("meter init failed: %v", err)
	}

	return t
}

// ObserveStep records one pipeline step execution duration.
func (t *TelemetryClient) ObserveStep(ctx context.Context, step string, seconds float64) {
	t.StepDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("step", step)))
}

func (t *TelemetryClient) Shutdown(ctx context.Context) {
	if t.meterProvider != nil {
		_ = t.meterProvider.Shutdown(ctx)
	}
	if t.tracerProvider != nil {
		_ = t.tracerProvider.Shutdown(ctx)
	}
}
