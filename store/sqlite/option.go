package sqlite

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/convstore/store"
)

// Default configuration values.
const (
	DefaultTimeout     = 10 * time.Second
	DefaultBusyTimeout = 5 * time.Second
)

// FreeSpaceFunc reports the bytes available to the database file.
type FreeSpaceFunc func() (int64, error)

// options holds SQLite store configuration.
type options struct {
	timeout     time.Duration
	busyTimeout time.Duration
	logger      *slog.Logger

	// Payload relocation applied by the relocation migration step.
	relocateFrom string
	relocateTo   string

	// freeSpace gates the identifier migration; nil means unlimited.
	freeSpace FreeSpaceFunc

	releaser store.PayloadReleaser
}

func newOptions(opts ...Option) *options {
	o := &options{
		timeout:     DefaultTimeout,
		busyTimeout: DefaultBusyTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a SQLite store.
type Option func(*options)

// WithTimeout sets the operation timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithBusyTimeout sets how long a connection waits for the write lock.
// Only applies to stores created with Open.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.busyTimeout = d
		}
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

// WithPayloadRelocation sets the path roots rewritten by the payload
// relocation migration. Parts whose path begins with from are moved to to.
func WithPayloadRelocation(from, to string) Option {
	return func(o *options) {
		o.relocateFrom = from
		o.relocateTo = to
	}
}

// WithFreeSpaceFunc sets the probe consulted before the identifier
// migration copies tables. The migration is deferred when less space is
// available than the database currently occupies.
func WithFreeSpaceFunc(fn FreeSpaceFunc) Option {
	return func(o *options) {
		o.freeSpace = fn
	}
}

// WithPayloadReleaser sets the receiver of payload deletion intents.
func WithPayloadReleaser(r store.PayloadReleaser) Option {
	return func(o *options) {
		if r != nil {
			o.releaser = r
		}
	}
}
