package local

import (
	"log/slog"
	"os"
)

// options holds local store configuration.
type options struct {
	dir      string
	maxSize  int64
	filePerm os.FileMode
	logger   *slog.Logger
}

// Option configures the local store.
type Option func(*options)

// WithDir sets the directory payload files are written to.
// Default is "parts" under the system temp directory.
func WithDir(dir string) Option {
	return func(o *options) {
		if dir != "" {
			o.dir = dir
		}
	}
}

// WithMaxSize caps the total bytes held in the directory.
// Default is 0, meaning no limit. An upload that would exceed the cap
// fails with ErrQuotaExceeded and leaves nothing behind.
func WithMaxSize(size int64) Option {
	return func(o *options) {
		if size > 0 {
			o.maxSize = size
		}
	}
}

// WithFileMode sets the permissions of written payload files.
// Default is 0600.
func WithFileMode(mode os.FileMode) Option {
	return func(o *options) {
		if mode != 0 {
			o.filePerm = mode
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
