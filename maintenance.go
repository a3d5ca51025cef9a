package convstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/convstore/retry"
	"github.com/rbaliyan/convstore/store"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// forEachOpen runs fn on every open partition concurrently. All partitions
// are attempted even if one fails; failures come back joined.
func (s *Service) forEachOpen(ctx context.Context, op string, fn func(ctx context.Context, p *partition) error) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, p := range s.openPartitions() {
		g.Go(func() error {
			start := time.Now()
			ctx, endSpan := s.otel.startSpan(ctx, "convstore."+op, attribute.String("partition", p.id.String()))
			err := fn(ctx, p)
			endSpan(err)
			s.otel.record(ctx, op, p.id, time.Since(start), err)
			if err != nil {
				mu.Lock()
				errs = append(errs, &PartitionError{Partition: p.id, Op: op, Err: fromStore(err)})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// SweepObsoleteThreads removes threads that no message references, along
// with addresses nothing references any more, in every open partition.
// Threads are normally reclaimed as their last message goes; the sweep
// catches what older schema versions left behind.
func (s *Service) SweepObsoleteThreads(ctx context.Context) (map[store.Partition]int64, error) {
	var mu sync.Mutex
	out := make(map[store.Partition]int64)
	err := s.forEachOpen(ctx, opSweep, func(ctx context.Context, p *partition) error {
		n, err := p.store.DeleteObsoleteThreads(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		out[p.id] = n
		mu.Unlock()
		if n > 0 {
			s.logger.Info("swept obsolete threads", "partition", p.id, "count", n)
		}
		return nil
	})
	return out, err
}

// Check runs a consistency check on every open partition.
func (s *Service) Check(ctx context.Context) (map[store.Partition]*store.CheckReport, error) {
	var mu sync.Mutex
	out := make(map[store.Partition]*store.CheckReport)
	err := s.forEachOpen(ctx, opCheck, func(ctx context.Context, p *partition) error {
		report, err := p.store.Check(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		out[p.id] = report
		mu.Unlock()
		return nil
	})
	return out, err
}

// RebuildIndex rebuilds the text index of one partition.
func (s *Service) RebuildIndex(ctx context.Context, p store.Partition) (int64, error) {
	st, err := s.Store(p)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	ctx, endSpan := s.otel.startSpan(ctx, "convstore."+opReindex, attribute.String("partition", p.String()))
	n, err := st.RebuildIndex(ctx)
	endSpan(err)
	s.otel.record(ctx, opReindex, p, time.Since(start), err)
	if err != nil {
		return 0, &PartitionError{Partition: p, Op: opReindex, Err: fromStore(err)}
	}
	s.logger.Info("rebuilt text index", "partition", p, "entries", n)
	return n, nil
}

// RecomputeThreads recomputes every thread aggregate of one partition.
func (s *Service) RecomputeThreads(ctx context.Context, p store.Partition) (int64, error) {
	st, err := s.Store(p)
	if err != nil {
		return 0, err
	}
	n, err := st.RecomputeThreads(ctx)
	if err != nil {
		return 0, &PartitionError{Partition: p, Op: "recompute", Err: fromStore(err)}
	}
	return n, nil
}

// RelocatePayloads rewrites the payload paths of one partition from
// oldRoot to newRoot, for when the payload directory has moved.
func (s *Service) RelocatePayloads(ctx context.Context, p store.Partition, oldRoot, newRoot string) (int64, error) {
	st, err := s.Store(p)
	if err != nil {
		return 0, err
	}
	n, err := st.RelocatePayloads(ctx, oldRoot, newRoot)
	if err != nil {
		return 0, &PartitionError{Partition: p, Op: "relocate", Err: fromStore(err)}
	}
	s.logger.Info("relocated payload paths", "partition", p, "from", oldRoot, "to", newRoot, "count", n)
	return n, nil
}

// RetryDeferredMigrations re-attempts deferred identifier migrations on
// every open partition. Errors are retried with backoff; a migration that
// is deferred again for lack of space is not an error. Returns true when
// nothing remains deferred anywhere.
func (s *Service) RetryDeferredMigrations(ctx context.Context) (bool, error) {
	var pending atomic.Bool
	err := s.forEachOpen(ctx, opMigrationRetry, func(ctx context.Context, p *partition) error {
		cfg := s.opts.migrationRetry
		cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
			s.logger.Warn("retrying deferred migration", "partition", p.id, "attempt", attempt, "wait", wait, "error", err)
		}
		done, err := retry.DoWithResult(ctx, cfg, func(ctx context.Context) (bool, error) {
			return p.store.RetryDeferredMigrations(ctx)
		})
		if err != nil {
			pending.Store(true)
			return err
		}
		if !done {
			pending.Store(true)
			s.logger.Warn("identifier migration still deferred", "partition", p.id)
			return nil
		}
		s.logger.Debug("no migrations deferred", "partition", p.id)
		return nil
	})
	return !pending.Load(), err
}
