package convstore

import (
	"context"
	"time"

	"github.com/rbaliyan/convstore/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/rbaliyan/convstore"
)

// Instrumented operations.
const (
	opSweep          = "sweep"
	opReindex        = "reindex"
	opCheck          = "check"
	opPayloadDelete  = "payload.delete"
	opMigrationRetry = "migration.retry"
	opDelivery       = "delivery.failure"
)

var instrumentedOps = []string{opSweep, opReindex, opCheck, opPayloadDelete, opMigrationRetry, opDelivery}

// opInstruments is the duration/count/errors triple kept per operation.
type opInstruments struct {
	latency metric.Float64Histogram
	count   metric.Int64Counter
	errors  metric.Int64Counter
}

// otelInstrumentation holds OpenTelemetry instrumentation for the service.
type otelInstrumentation struct {
	enabled bool

	tracingEnabled bool
	tracer         trace.Tracer

	metricsEnabled bool
	ops            map[string]opInstruments
	rebuilds       metric.Int64Counter
	deferred       metric.Int64Counter
}

// newOtelInstrumentation creates instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		enabled:        opts.tracingEnabled || opts.metricsEnabled,
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}
	if !o.enabled {
		return o, nil
	}

	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)
	o.ops = make(map[string]opInstruments, len(instrumentedOps))

	for _, op := range instrumentedOps {
		var (
			in  opInstruments
			err error
		)
		in.latency, err = meter.Float64Histogram(
			"convstore."+op+".duration",
			metric.WithDescription("Duration of "+op+" operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			return err
		}
		in.count, err = meter.Int64Counter(
			"convstore."+op+".count",
			metric.WithDescription("Number of "+op+" operations"),
		)
		if err != nil {
			return err
		}
		in.errors, err = meter.Int64Counter(
			"convstore."+op+".errors",
			metric.WithDescription("Number of "+op+" errors"),
		)
		if err != nil {
			return err
		}
		o.ops[op] = in
	}

	var err error
	o.rebuilds, err = meter.Int64Counter(
		"convstore.migration.rebuilds",
		metric.WithDescription("Partitions dropped and recreated after a failed upgrade"),
	)
	if err != nil {
		return err
	}
	o.deferred, err = meter.Int64Counter(
		"convstore.migration.deferred",
		metric.WithDescription("Identifier migrations deferred for lack of storage"),
	)
	return err
}

// startSpan starts a span if tracing is enabled and returns a func that ends it.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// record records one operation on a partition.
func (o *otelInstrumentation) record(ctx context.Context, op string, p store.Partition, duration time.Duration, err error) {
	if !o.metricsEnabled {
		return
	}
	in, ok := o.ops[op]
	if !ok {
		return
	}
	attrs := metric.WithAttributes(attribute.String("partition", p.String()))
	in.latency.Record(ctx, duration.Seconds(), attrs)
	in.count.Add(ctx, 1, attrs)
	if err != nil {
		in.errors.Add(ctx, 1, attrs)
	}
}

// recordMigration counts rebuilds and deferrals reported at open.
func (o *otelInstrumentation) recordMigration(ctx context.Context, p store.Partition, res store.MigrationResult) {
	if !o.metricsEnabled {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("partition", p.String()),
		attribute.Int("from_version", res.From),
	)
	if res.Rebuilt {
		o.rebuilds.Add(ctx, 1, attrs)
	}
	if res.Deferred {
		o.deferred.Add(ctx, 1, attrs)
	}
}
