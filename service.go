package convstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/convstore/store"
	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"golang.org/x/sync/errgroup"
)

// Connection states, used for the service and for each partition.
const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2
)

// partition is one configured store and whether it is open.
type partition struct {
	id    store.Partition
	store store.Store
	state int32
}

func (p *partition) open() bool {
	return atomic.LoadInt32(&p.state) == stateConnected
}

// Service owns the partitions of a conversation store and the work around
// them: payload deletion after commits, migration reporting, maintenance
// across partitions, and delivery failure scheduling.
//
// The device partition opens on Connect. The credential partition, if
// configured, opens on Unlock, or on Connect with WithUnlocked.
type Service struct {
	opts       *options
	logger     *slog.Logger
	partitions map[store.Partition]*partition
	state      int32
	otel       *otelInstrumentation
	payloads   *payloadDispatcher
	eventBus   *event.Bus
	events     *ServiceEvents
}

// NewService creates a service. Call Connect() to open the stores.
func NewService(opts ...Option) (*Service, error) {
	o := newOptions(opts...)

	if o.stores[store.PartitionDevice] == nil {
		return nil, ErrStoreRequired
	}

	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	s := &Service{
		opts:       o,
		logger:     o.logger,
		partitions: make(map[store.Partition]*partition, len(o.stores)),
		otel:       otelInstr,
	}
	for p, st := range o.stores {
		s.partitions[p] = &partition{id: p, store: st}
	}
	s.payloads = newPayloadDispatcher(o, otelInstr, s.publishPayloadReleased)
	return s, nil
}

// Events returns per-service event instances. It is nil before Connect.
func (s *Service) Events() *ServiceEvents {
	return s.events
}

// IsConnected returns true if the service is connected and ready.
func (s *Service) IsConnected() bool {
	return atomic.LoadInt32(&s.state) == stateConnected
}

// IsUnlocked reports whether the credential partition is open.
func (s *Service) IsUnlocked() bool {
	p, ok := s.partitions[store.PartitionCredential]
	return ok && p.open()
}

// Connect initializes the event bus and opens the device partition, plus
// the credential partition when WithUnlocked is set.
func (s *Service) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&s.state, stateConnected)
		} else {
			atomic.StoreInt32(&s.state, stateDisconnected)
		}
	}()

	// The bus comes first so that migration outcomes can be published.
	if err := s.initEventBus(ctx); err != nil {
		return fmt.Errorf("init event bus: %w", err)
	}

	targets := []store.Partition{store.PartitionDevice}
	if _, ok := s.partitions[store.PartitionCredential]; ok && s.opts.unlocked {
		targets = append(targets, store.PartitionCredential)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range targets {
		g.Go(func() error {
			return s.openPartition(gctx, s.partitions[p])
		})
	}
	if err := g.Wait(); err != nil {
		s.closePartitions(ctx)
		s.closeEventBus(ctx)
		return err
	}

	success = true
	s.logger.Info("conversation store service connected", "partitions", len(targets))
	return nil
}

// Unlock opens the credential partition.
func (s *Service) Unlock(ctx context.Context) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	p, ok := s.partitions[store.PartitionCredential]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPartition, store.PartitionCredential)
	}
	if p.open() {
		return ErrAlreadyUnlocked
	}
	if err := s.openPartition(ctx, p); err != nil {
		return err
	}
	s.logger.Info("credential partition unlocked")
	return nil
}

// openPartition connects one store with the payload dispatcher wired in,
// then reports how its schema migration went.
func (s *Service) openPartition(ctx context.Context, p *partition) error {
	if !atomic.CompareAndSwapInt32(&p.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	// Wired before Connect: the migrator can already release payloads.
	if n, ok := p.store.(store.PayloadReleaseNotifier); ok {
		n.SetPayloadReleaser(s.payloads.releaser(p.id))
	}

	if err := p.store.Connect(ctx); err != nil {
		atomic.StoreInt32(&p.state, stateDisconnected)
		if errors.Is(err, store.ErrMigrationFailed) {
			return &PartitionError{Partition: p.id, Op: "open", Err: fmt.Errorf("%w: %w", ErrMigrationFailed, err)}
		}
		return &PartitionError{Partition: p.id, Op: "open", Err: err}
	}
	atomic.StoreInt32(&p.state, stateConnected)

	return s.reportMigration(ctx, p.id, p.store.LastMigration())
}

// reportMigration turns a migration outcome into logs, metrics and events.
func (s *Service) reportMigration(ctx context.Context, p store.Partition, res store.MigrationResult) error {
	s.otel.recordMigration(ctx, p, res)
	now := time.Now().UTC()

	if res.Rebuilt {
		cause := ""
		if res.Err != nil {
			cause = res.Err.Error()
		}
		s.logger.Error("partition recreated empty after failed upgrade",
			"partition", p, "from", res.From, "to", res.To, "data_loss", true, "error", res.Err)
		if err := publish(ctx, s.opts, s.events.StoreRebuilt, "StoreRebuilt", StoreRebuiltEvent{
			Partition:   p.String(),
			FromVersion: res.From,
			ToVersion:   res.To,
			Cause:       cause,
			RebuiltAt:   now,
		}); err != nil {
			return err
		}
	} else if res.From != res.To {
		s.logger.Info("partition upgraded", "partition", p, "from", res.From, "to", res.To)
	}

	if res.Deferred {
		s.logger.Warn("identifier migration deferred", "partition", p, "version", res.To)
		if err := publish(ctx, s.opts, s.events.MigrationDeferred, "MigrationDeferred", MigrationDeferredEvent{
			Partition:  p.String(),
			Version:    res.To,
			DeferredAt: now,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Store returns the store of an open partition.
func (s *Service) Store(p store.Partition) (store.Store, error) {
	if !s.IsConnected() {
		return nil, ErrNotConnected
	}
	part, ok := s.partitions[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPartition, p)
	}
	if !part.open() {
		if p == store.PartitionCredential {
			return nil, ErrLocked
		}
		return nil, ErrNotConnected
	}
	return part.store, nil
}

// openPartitions returns the open partitions in a stable order.
func (s *Service) openPartitions() []*partition {
	out := make([]*partition, 0, len(s.partitions))
	for _, p := range s.partitions {
		if p.open() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

// initEventBus creates this service's bus and binds its events to it.
func (s *Service) initEventBus(ctx context.Context) error {
	busName := fmt.Sprintf("%s-%d", s.opts.serviceName, atomic.AddInt64(&busCounter, 1))

	var (
		bus *event.Bus
		err error
	)
	switch {
	case s.opts.eventTransport != nil:
		s.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(s.opts.eventTransport))
	case s.opts.redisClient != nil:
		s.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(s.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		s.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}
	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}

	events := newServiceEvents(busName)
	if err := registerServiceEvents(ctx, bus, events); err != nil {
		_ = bus.Close(ctx)
		return fmt.Errorf("register service events: %w", err)
	}
	s.eventBus = bus
	s.events = events
	return nil
}

func (s *Service) closeEventBus(ctx context.Context) error {
	// A noop bus holds nothing.
	if s.eventBus == nil || (s.opts.eventTransport == nil && s.opts.redisClient == nil) {
		return nil
	}
	return s.eventBus.Close(ctx)
}

func (s *Service) closePartitions(ctx context.Context) error {
	var errs []error
	for _, p := range s.partitions {
		if !atomic.CompareAndSwapInt32(&p.state, stateConnected, stateDisconnected) {
			continue
		}
		if err := p.store.Close(ctx); err != nil {
			errs = append(errs, &PartitionError{Partition: p.id, Op: "close", Err: err})
		}
	}
	return errors.Join(errs...)
}

// Close waits for in-flight payload deletions, then closes the event bus
// and every open partition.
func (s *Service) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	s.logger.Info("waiting for in-flight payload deletions", "timeout", s.opts.shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(ctx, s.opts.shutdownTimeout)
	defer cancel()
	if err := s.payloads.drain(shutdownCtx); err != nil {
		s.logger.Warn("timeout waiting for payload deletions, proceeding with shutdown", "error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	}

	if err := s.closeEventBus(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close event bus: %w", err))
	}
	if err := s.closePartitions(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
