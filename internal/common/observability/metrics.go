package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Observability bundles the OpenTelemetry meter and tracer used by the
// orchestrator. The zero value is not usable; build one with New or Noop.
type Observability struct {
	meterProvider  *metric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	execCounter    otelmetric.Int64Counter
	execDuration   otelmetric.Float64Histogram
	stepDuration   otelmetric.Float64Histogram
}

// New wires a Prometheus-backed meter provider and an SDK tracer provider.
// reg may be nil to use the default registerer. Exporter failures fall back
// to no-op instruments rather than failing startup.
func New(serviceName string, reg prometheus.Registerer) *Observability {
	opts := []otelprom.Option{}
	if reg != nil {
		opts = append(opts, otelprom.WithRegisterer(reg))
	}

	tp := sdktrace.NewTracerProvider()
	o := &Observability{
		tracerProvider: tp,
		tracer:         tp.Tracer(serviceName),
	}

	var meter otelmetric.Meter
	exporter, err := otelprom.New(opts...)
	if err != nil {
		meter = noop.NewMeterProvider().Meter(serviceName)
	} else {
		o.meterProvider = metric.NewMeterProvider(metric.WithReader(exporter))
		otel.SetMeterProvider(o.meterProvider)
		meter = o.meterProvider.Meter(serviceName)
	}
	otel.SetTracerProvider(tp)

	o.initInstruments(meter)
	return o
}

// Noop returns instruments and a tracer that record nothing.
func Noop() *Observability {
	o := &Observability{tracer: tracenoop.NewTracerProvider().Tracer("noop")}
	o.initInstruments(noop.NewMeterProvider().Meter("noop"))
	return o
}

func (o *Observability) initInstruments(meter otelmetric.Meter) {
	o.execCounter, _ = meter.Int64Counter(
		"workflow.executions",
		otelmetric.WithDescription("Number of workflow executions"),
	)
	o.execDuration, _ = meter.Float64Histogram(
		"workflow.duration",
		otelmetric.WithDescription("Workflow execution duration"),
		otelmetric.WithUnit("ms"),
	)
	o.stepDuration, _ = meter.Float64Histogram(
		"workflow.step.duration",
		otelmetric.WithDescription("Step execution duration"),
		otelmetric.WithUnit("ms"),
	)
}

// StartSpan opens a span under ctx.
func (o *Observability) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (o *Observability) RecordExecution(ctx context.Context, workflow, status string, duration time.Duration) {
	attrs := otelmetric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("status", status),
	)
	if o.execCounter != nil {
		o.execCounter.Add(ctx, 1, attrs)
	}
	if o.execDuration != nil {
		o.execDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
}

func (o *Observability) RecordStep(ctx context.Context, step, status string, duration time.Duration) {
	if o.stepDuration != nil {
		o.stepDuration.Record(ctx, float64(duration.Milliseconds()), otelmetric.WithAttributes(
			attribute.String("step", step),
			attribute.String("status", status),
		))
	}
}

func (o *Observability) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if o.meterProvider != nil {
		_ = o.meterProvider.Shutdown(ctx)
	}
	if o.tracerProvider != nil {
		_ = o.tracerProvider.Shutdown(ctx)
	}
}
