// Package otel wraps a payload store with OpenTelemetry tracing and metrics.
package otel

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rbaliyan/convstore/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rbaliyan/convstore/store/payload/otel"

// instruments is the duration/count/errors triple kept per operation.
type instruments struct {
	duration metric.Float64Histogram
	count    metric.Int64Counter
	errors   metric.Int64Counter
}

// Store wraps a PayloadStore with tracing and metrics.
type Store struct {
	backend store.PayloadStore
	opts    *options
	tracer  trace.Tracer

	upload instruments
	load   instruments
	delete instruments
	bytes  metric.Int64Counter
}

// Ensure Store implements PayloadStore.
var _ store.PayloadStore = (*Store)(nil)

// New wraps backend.
func New(backend store.PayloadStore, opts ...Option) (*Store, error) {
	o := &options{
		tracingEnabled: true,
		metricsEnabled: true,
		serviceName:    "convstore",
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &Store{backend: backend, opts: o}
	if o.tracingEnabled {
		s.tracer = o.tracerProvider.Tracer(instrumentationName)
	}
	if o.metricsEnabled {
		if err := s.initMetrics(o.meterProvider.Meter(instrumentationName)); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
	}
	return s, nil
}

func newInstruments(meter metric.Meter, op string) (instruments, error) {
	var (
		in  instruments
		err error
	)
	in.duration, err = meter.Float64Histogram(
		"payload."+op+".duration",
		metric.WithDescription("Duration of payload "+op+" operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return in, err
	}
	in.count, err = meter.Int64Counter(
		"payload."+op+".count",
		metric.WithDescription("Number of payload "+op+" operations"),
	)
	if err != nil {
		return in, err
	}
	in.errors, err = meter.Int64Counter(
		"payload."+op+".errors",
		metric.WithDescription("Number of failed payload "+op+" operations"),
	)
	return in, err
}

func (s *Store) initMetrics(meter metric.Meter) error {
	var err error
	if s.upload, err = newInstruments(meter, "upload"); err != nil {
		return err
	}
	if s.load, err = newInstruments(meter, "load"); err != nil {
		return err
	}
	if s.delete, err = newInstruments(meter, "delete"); err != nil {
		return err
	}
	s.bytes, err = meter.Int64Counter(
		"payload.bytes",
		metric.WithDescription("Payload bytes transferred, by direction"),
		metric.WithUnit("By"),
	)
	return err
}

// start opens a span when tracing is on. The returned span may be nil.
func (s *Store) start(ctx context.Context, name string, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	return s.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

func (s *Store) record(ctx context.Context, in instruments, start time.Time, err error, attrs []attribute.KeyValue) {
	if !s.opts.metricsEnabled {
		return
	}
	set := metric.WithAttributes(attrs...)
	in.duration.Record(ctx, time.Since(start).Seconds(), set)
	in.count.Add(ctx, 1, set)
	if err != nil {
		in.errors.Add(ctx, 1, set)
	}
}

func (s *Store) addBytes(ctx context.Context, n int64, direction string) {
	if s.opts.metricsEnabled && n > 0 {
		s.bytes.Add(ctx, n, metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("service.name", s.opts.serviceName),
		))
	}
}

func endSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Upload implements store.PayloadStore.
func (s *Store) Upload(ctx context.Context, filename, contentType string, content io.Reader) (string, error) {
	attrs := []attribute.KeyValue{
		attribute.String("payload.content_type", contentType),
		attribute.String("service.name", s.opts.serviceName),
	}
	ctx, span := s.start(ctx, "payload.upload", attrs)
	start := time.Now()

	counter := &countingReader{reader: content}
	uri, err := s.backend.Upload(ctx, filename, contentType, counter)

	s.record(ctx, s.upload, start, err, attrs)
	s.addBytes(ctx, counter.bytes, "in")
	if span != nil && err == nil {
		span.SetAttributes(attribute.String("payload.uri", uri), attribute.Int64("payload.bytes", counter.bytes))
	}
	endSpan(span, err)
	return uri, err
}

// Load implements store.PayloadStore. The span stays open until the
// returned reader is closed.
func (s *Store) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", s.opts.serviceName),
	}
	ctx, span := s.start(ctx, "payload.load", attrs)
	if span != nil {
		span.SetAttributes(attribute.String("payload.uri", uri))
	}
	start := time.Now()

	r, err := s.backend.Load(ctx, uri)
	s.record(ctx, s.load, start, err, attrs)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	return &instrumentedReader{reader: r, span: span, store: s, ctx: ctx}, nil
}

// Delete implements store.PayloadStore.
func (s *Store) Delete(ctx context.Context, uri string) error {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", s.opts.serviceName),
	}
	ctx, span := s.start(ctx, "payload.delete", attrs)
	if span != nil {
		span.SetAttributes(attribute.String("payload.uri", uri))
	}
	start := time.Now()

	err := s.backend.Delete(ctx, uri)
	s.record(ctx, s.delete, start, err, attrs)
	endSpan(span, err)
	return err
}

type countingReader struct {
	reader io.Reader
	bytes  int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.bytes += int64(n)
	return n, err
}

type instrumentedReader struct {
	reader io.ReadCloser
	span   trace.Span
	store  *Store
	ctx    context.Context
	bytes  int64
	closed bool
}

func (r *instrumentedReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.bytes += int64(n)
	return n, err
}

func (r *instrumentedReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	err := r.reader.Close()
	r.store.addBytes(r.ctx, r.bytes, "out")
	if r.span != nil {
		r.span.SetAttributes(attribute.Int64("payload.bytes", r.bytes))
	}
	endSpan(r.span, err)
	return err
}
