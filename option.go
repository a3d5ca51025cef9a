package convstore

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/convstore/retry"
	"github.com/rbaliyan/convstore/store"
	"github.com/rbaliyan/event/v3/transport"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default configuration values.
const (
	DefaultShutdownTimeout = 30 * time.Second // default graceful shutdown timeout
	MinShutdownTimeout     = 1 * time.Second  // minimum shutdown timeout

	// Payload deletion
	DefaultMaxConcurrentDeletes = 4                // concurrent payload deletions per service
	DefaultPayloadTimeout       = 30 * time.Second // per-file deletion timeout, retries included

	// Delivery scheduling: 1m, 2m, 4m ... capped at 1h, five attempts.
	DefaultDeliveryRetries  = 5
	DefaultDeliveryBackoff  = time.Minute
	DefaultDeliveryMaxDelay = time.Hour
)

// options holds service configuration.
type options struct {
	stores   map[store.Partition]store.Store
	payloads store.PayloadStore
	logger   *slog.Logger
	unlocked bool

	// Concurrency
	maxConcurrentDeletes int
	payloadTimeout       time.Duration
	shutdownTimeout      time.Duration

	// Retry policies
	payloadRetry   retry.Config
	migrationRetry retry.Config
	deliveryRetry  retry.Config

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Event handling
	eventErrorsFatal      bool
	eventTransport        transport.Transport
	redisClient           redis.UniversalClient
	onEventPublishFailure EventPublishFailureFunc
}

// EventPublishFailureFunc is called when an event fails to publish.
// The eventName is the name of the event (e.g., "StoreRebuilt"), and err is the publish error.
type EventPublishFailureFunc func(eventName string, err error)

// safeEventPublishFailure calls the event failure callback with panic recovery.
func (o *options) safeEventPublishFailure(eventName string, err error) {
	if o.onEventPublishFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in event publish failure handler",
				"event", eventName,
				"original_error", err,
				"panic", r,
			)
		}
	}()
	o.onEventPublishFailure(eventName, err)
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		stores:               make(map[store.Partition]store.Store),
		logger:               slog.Default(),
		maxConcurrentDeletes: DefaultMaxConcurrentDeletes,
		payloadTimeout:       DefaultPayloadTimeout,
		shutdownTimeout:      DefaultShutdownTimeout,
		payloadRetry:         retry.DefaultConfig(),
		migrationRetry:       retry.DefaultConfig(),
		deliveryRetry: retry.Config{
			MaxRetries:     DefaultDeliveryRetries,
			InitialBackoff: DefaultDeliveryBackoff,
			MaxBackoff:     DefaultDeliveryMaxDelay,
			Multiplier:     2,
		},
		serviceName: "convstore",
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.onEventPublishFailure == nil {
		o.onEventPublishFailure = func(eventName string, err error) {
			o.logger.Error("failed to publish event", "event", eventName, "error", err)
		}
	}
	return o
}

// Option configures a Service.
type Option func(*options)

// --- Core Options ---

// WithStore sets the store for a partition. The device partition is required.
func WithStore(p store.Partition, s store.Store) Option {
	return func(o *options) {
		if s != nil {
			o.stores[p] = s
		}
	}
}

// WithPayloadStore sets where part payload files live. Without one,
// released payloads are logged and left in place.
func WithPayloadStore(ps store.PayloadStore) Option {
	return func(o *options) {
		if ps != nil {
			o.payloads = ps
		}
	}
}

// WithUnlocked opens the credential partition during Connect, for hosts
// where the user is already authenticated at start.
func WithUnlocked() Option {
	return func(o *options) {
		o.unlocked = true
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// --- Concurrency Options ---

// WithMaxConcurrentDeletes bounds how many payload files are deleted at once.
// Default is 4.
func WithMaxConcurrentDeletes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentDeletes = n
		}
	}
}

// WithPayloadTimeout bounds the deletion of one payload file, retries included.
// Default is 30 seconds.
func WithPayloadTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.payloadTimeout = d
		}
	}
}

// WithShutdownTimeout sets how long Close waits for in-flight payload
// deletions. Default is 30 seconds. Minimum is 1 second.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= MinShutdownTimeout {
			o.shutdownTimeout = d
		}
	}
}

// --- Retry Options ---

// WithPayloadRetry sets the retry policy for payload deletion.
func WithPayloadRetry(cfg retry.Config) Option {
	return func(o *options) {
		o.payloadRetry = cfg
	}
}

// WithMigrationRetry sets the retry policy used by RetryDeferredMigrations.
func WithMigrationRetry(cfg retry.Config) Option {
	return func(o *options) {
		o.migrationRetry = cfg
	}
}

// WithDeliveryRetry sets the schedule for failed deliveries. MaxRetries is
// the number of attempts after which a failure is treated as permanent.
func WithDeliveryRetry(cfg retry.Config) Option {
	return func(o *options) {
		o.deliveryRetry = cfg
	}
}

// --- OTel Options ---

// WithTracing enables or disables OpenTelemetry tracing.
// Default is disabled.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables or disables OpenTelemetry metrics.
// Default is disabled.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithOTel enables both OpenTelemetry tracing and metrics.
func WithOTel(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name for telemetry and the event bus.
// Default is "convstore".
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithTracerProvider sets a custom OpenTelemetry tracer provider.
// Default uses the global tracer provider from otel.GetTracerProvider().
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets a custom OpenTelemetry meter provider.
// Default uses the global meter provider from otel.GetMeterProvider().
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// --- Event Options ---

// WithEventErrorsFatal makes operations return an EventPublishError when
// their event cannot be published. By default failures are logged and the
// operation succeeds.
func WithEventErrorsFatal(fatal bool) Option {
	return func(o *options) {
		o.eventErrorsFatal = fatal
	}
}

// WithEventTransport sets the event transport.
// If not provided, a noop transport is used (events are silently dropped).
func WithEventTransport(t transport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.eventTransport = t
		}
	}
}

// WithRedisClient publishes events to Redis Streams through the given client.
//
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		if client != nil {
			o.redisClient = client
		}
	}
}

// WithEventPublishFailureHandler sets a callback for event publishing failures.
// By default, failures are logged using the configured logger.
func WithEventPublishFailureHandler(fn EventPublishFailureFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.onEventPublishFailure = fn
		}
	}
}
