package convstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rbaliyan/convstore/retry"
	"github.com/rbaliyan/convstore/store"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

// payloadDispatcher deletes the payload files of removed parts. Stores hand
// it paths only after the removing transaction committed; each path is
// deleted in the background with retries, bounded by a semaphore.
type payloadDispatcher struct {
	store   store.PayloadStore
	sem     *semaphore.Weighted
	timeout time.Duration
	retry   retry.Config
	logger  *slog.Logger
	otel    *otelInstrumentation
	onDone  func(ctx context.Context, p store.Partition, path string)

	wg sync.WaitGroup
}

func newPayloadDispatcher(o *options, instr *otelInstrumentation, onDone func(context.Context, store.Partition, string)) *payloadDispatcher {
	cfg := o.payloadRetry
	isRetryable := cfg.IsRetryable
	cfg.IsRetryable = func(err error) bool {
		// Nothing left to delete.
		if errors.Is(err, store.ErrNotFound) {
			return false
		}
		if isRetryable != nil {
			return isRetryable(err)
		}
		return retry.DefaultIsRetryable(err)
	}
	return &payloadDispatcher{
		store:   o.payloads,
		sem:     semaphore.NewWeighted(int64(o.maxConcurrentDeletes)),
		timeout: o.payloadTimeout,
		retry:   cfg,
		logger:  o.logger,
		otel:    instr,
		onDone:  onDone,
	}
}

// releaser returns the store.PayloadReleaser for one partition.
func (d *payloadDispatcher) releaser(p store.Partition) store.PayloadReleaser {
	return store.PayloadReleaserFunc(func(ctx context.Context, paths []string) {
		d.dispatch(ctx, p, paths)
	})
}

func (d *payloadDispatcher) dispatch(ctx context.Context, p store.Partition, paths []string) {
	if len(paths) == 0 {
		return
	}
	if d.store == nil {
		d.logger.Warn("payloads released with no payload store configured, leaving files",
			"partition", p, "count", len(paths))
		return
	}

	// The write that released the paths may return and cancel its context
	// before the deletions run.
	bg := context.WithoutCancel(ctx)
	for _, path := range paths {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.sem.Acquire(bg, 1); err != nil {
				return
			}
			defer d.sem.Release(1)
			d.delete(bg, p, path)
		}()
	}
}

// delete removes one payload with retries. Failures are logged and the
// file is left behind; the part row referencing it is already gone.
func (d *payloadDispatcher) delete(ctx context.Context, p store.Partition, path string) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	ctx, endSpan := d.otel.startSpan(ctx, "convstore.payload.delete",
		attribute.String("partition", p.String()),
		attribute.String("payload.path", path),
	)

	err := retry.Do(ctx, d.retry, func(ctx context.Context) error {
		return d.store.Delete(ctx, path)
	})
	if errors.Is(err, store.ErrNotFound) {
		err = nil
	}

	endSpan(err)
	d.otel.record(ctx, opPayloadDelete, p, time.Since(start), err)

	if err != nil {
		d.logger.Warn("failed to delete payload",
			"error", &PayloadError{Partition: p, Path: path, Op: "delete", Err: err})
		return
	}
	d.logger.Debug("deleted payload", "partition", p, "path", path)
	if d.onDone != nil {
		d.onDone(ctx, p, path)
	}
}

// drain waits until every dispatched deletion has finished or ctx is done.
func (d *payloadDispatcher) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) publishPayloadReleased(ctx context.Context, p store.Partition, path string) {
	if s.events == nil {
		return
	}
	// Fatal event errors have no caller to reach here.
	_ = publish(ctx, s.opts, s.events.PayloadReleased, "PayloadReleased", PayloadReleasedEvent{
		Partition:  p.String(),
		Path:       path,
		ReleasedAt: time.Now().UTC(),
	})
}

// LoadPayload opens the payload file of one part of a rich message.
func (s *Service) LoadPayload(ctx context.Context, p store.Partition, messageID, partID int64) (io.ReadCloser, error) {
	if s.opts.payloads == nil {
		return nil, ErrPayloadStoreNotConfigured
	}
	if messageID <= 0 || partID <= 0 {
		return nil, ErrInvalidID
	}
	st, err := s.Store(p)
	if err != nil {
		return nil, err
	}
	parts, err := st.Parts(ctx, messageID)
	if err != nil {
		return nil, fromStore(err)
	}
	for _, part := range parts {
		if part.ID == partID && part.DataPath != "" {
			return s.opts.payloads.Load(ctx, part.DataPath)
		}
	}
	return nil, ErrNotFound
}

// AttachPayload uploads content and appends it to a rich message as a new
// part referencing the uploaded file. If the part cannot be written, the
// upload is deleted again.
func (s *Service) AttachPayload(ctx context.Context, p store.Partition, messageID int64, part store.Part, content io.Reader) (*store.Part, error) {
	if s.opts.payloads == nil {
		return nil, ErrPayloadStoreNotConfigured
	}
	st, err := s.Store(p)
	if err != nil {
		return nil, err
	}

	name := part.Name
	if name == "" {
		name = part.ContentLocation
	}
	uri, err := s.opts.payloads.Upload(ctx, name, part.ContentType, content)
	if err != nil {
		return nil, &PayloadError{Partition: p, Path: name, Op: "upload", Err: err}
	}

	part.DataPath = uri
	created, err := st.AddPart(ctx, messageID, part)
	if err != nil {
		if derr := s.opts.payloads.Delete(context.WithoutCancel(ctx), uri); derr != nil {
			s.logger.Warn("failed to remove upload after rejected part", "path", uri, "error", derr)
		}
		return nil, fromStore(err)
	}
	return created, nil
}
