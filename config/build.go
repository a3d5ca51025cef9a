package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rbaliyan/convstore"
	"github.com/rbaliyan/convstore/retry"
	"github.com/rbaliyan/convstore/store"
	"github.com/rbaliyan/convstore/store/payload/cached"
	"github.com/rbaliyan/convstore/store/payload/gcs"
	"github.com/rbaliyan/convstore/store/payload/local"
	payloadotel "github.com/rbaliyan/convstore/store/payload/otel"
	"github.com/rbaliyan/convstore/store/payload/s3"
	"github.com/rbaliyan/convstore/store/sqlite"
	"github.com/redis/go-redis/v9"
)

// Instance is a service built from a Config together with the clients it
// was built over.
type Instance struct {
	Service *convstore.Service
	Logger  *slog.Logger

	closers []func() error
}

// Close closes the service, then the clients behind it.
func (i *Instance) Close(ctx context.Context) error {
	errs := []error{i.Service.Close(ctx)}
	for j := len(i.closers) - 1; j >= 0; j-- {
		errs = append(errs, i.closers[j]())
	}
	return errors.Join(errs...)
}

// Build creates the stores, the payload backend and the event transport
// described by c and returns a service over them. The service is not
// connected yet.
func (c *Config) Build(ctx context.Context) (*Instance, error) {
	logger := c.Logger()
	inst := &Instance{Logger: logger}

	// Stores that never connected do not close their connection.
	var opened []*sqlite.Store
	fail := func(err error) (*Instance, error) {
		for j := len(inst.closers) - 1; j >= 0; j-- {
			_ = inst.closers[j]()
		}
		for _, st := range opened {
			_ = st.DB().Close()
		}
		return nil, err
	}

	opts := []convstore.Option{
		convstore.WithLogger(logger),
		convstore.WithServiceName(c.ServiceName),
		convstore.WithTracing(c.Telemetry.Tracing),
		convstore.WithMetrics(c.Telemetry.Metrics),
		convstore.WithEventErrorsFatal(c.Events.Fatal),
		convstore.WithMaxConcurrentDeletes(c.Payload.MaxConcurrentDeletes),
		convstore.WithPayloadTimeout(c.Payload.Timeout.Std()),
		convstore.WithShutdownTimeout(c.ShutdownTimeout.Std()),
	}
	if c.Unlocked {
		opts = append(opts, convstore.WithUnlocked())
	}
	if c.Delivery.MaxRetries > 0 || c.Delivery.Backoff > 0 || c.Delivery.MaxBackoff > 0 {
		opts = append(opts, convstore.WithDeliveryRetry(c.deliveryRetry()))
	}

	device, err := c.openPartition(c.Device, logger)
	if err != nil {
		return fail(fmt.Errorf("open device partition: %w", err))
	}
	opened = append(opened, device)
	opts = append(opts, convstore.WithStore(store.PartitionDevice, device))

	if c.Credential.Path != "" {
		cred, err := c.openPartition(c.Credential, logger)
		if err != nil {
			return fail(fmt.Errorf("open credential partition: %w", err))
		}
		opened = append(opened, cred)
		opts = append(opts, convstore.WithStore(store.PartitionCredential, cred))
	}

	payloads, closer, err := c.buildPayloadStore(ctx, logger)
	if err != nil {
		return fail(fmt.Errorf("build payload store: %w", err))
	}
	if closer != nil {
		inst.closers = append(inst.closers, closer)
	}
	if payloads != nil {
		opts = append(opts, convstore.WithPayloadStore(payloads))
	}

	if c.Events.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     c.Events.Redis.Addr,
			Password: c.Events.Redis.Password,
			DB:       c.Events.Redis.DB,
		})
		inst.closers = append(inst.closers, client.Close)
		opts = append(opts, convstore.WithRedisClient(client))
	}

	svc, err := convstore.NewService(opts...)
	if err != nil {
		return fail(err)
	}
	inst.Service = svc
	return inst, nil
}

func (c *Config) deliveryRetry() retry.Config {
	cfg := retry.Config{
		MaxRetries:     convstore.DefaultDeliveryRetries,
		InitialBackoff: convstore.DefaultDeliveryBackoff,
		MaxBackoff:     convstore.DefaultDeliveryMaxDelay,
		Multiplier:     2,
	}
	if c.Delivery.MaxRetries > 0 {
		cfg.MaxRetries = c.Delivery.MaxRetries
	}
	if c.Delivery.Backoff > 0 {
		cfg.InitialBackoff = c.Delivery.Backoff.Std()
	}
	if c.Delivery.MaxBackoff > 0 {
		cfg.MaxBackoff = c.Delivery.MaxBackoff.Std()
	}
	return cfg
}

func (c *Config) openPartition(p PartitionConfig, logger *slog.Logger) (*sqlite.Store, error) {
	opts := []sqlite.Option{
		sqlite.WithLogger(logger),
		sqlite.WithTimeout(p.Timeout.Std()),
		sqlite.WithBusyTimeout(p.BusyTimeout.Std()),
	}
	if c.Relocation.From != "" {
		opts = append(opts, sqlite.WithPayloadRelocation(c.Relocation.From, c.Relocation.To))
	}
	if p.CheckFreeSpace {
		opts = append(opts, sqlite.WithFreeSpaceFunc(freeSpace(p.Path)))
	}
	return sqlite.Open(p.Path, opts...)
}

// buildPayloadStore returns nil for the none backend. The returned closer,
// if any, releases the backend's client.
func (c *Config) buildPayloadStore(ctx context.Context, logger *slog.Logger) (store.PayloadStore, func() error, error) {
	var (
		ps     store.PayloadStore
		closer func() error
	)

	switch c.Payload.Backend {
	case BackendNone:
		return nil, nil, nil
	case BackendLocal:
		l, err := local.New(
			local.WithDir(c.Payload.Local.Dir),
			local.WithMaxSize(c.Payload.Local.MaxSize),
			local.WithLogger(logger),
		)
		if err != nil {
			return nil, nil, err
		}
		ps = l
	case BackendS3:
		cfg := c.Payload.S3
		opts := []s3.Option{
			s3.WithBucket(cfg.Bucket),
			s3.WithRegion(cfg.Region),
			s3.WithEndpoint(cfg.Endpoint),
			s3.WithPathStyle(cfg.PathStyle),
			s3.WithLogger(logger),
		}
		if cfg.Prefix != "" {
			opts = append(opts, s3.WithPrefix(cfg.Prefix))
		}
		if cfg.AccessKey != "" {
			opts = append(opts,
				s3.WithStaticCredentials(cfg.AccessKey, cfg.SecretKey),
				s3.WithSessionToken(cfg.SessionToken),
			)
		}
		if cfg.RoleARN != "" {
			opts = append(opts,
				s3.WithAssumeRole(cfg.RoleARN, cfg.SessionName),
				s3.WithExternalID(cfg.ExternalID),
			)
		}
		st, err := s3.New(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		ps = st
	case BackendGCS:
		cfg := c.Payload.GCS
		opts := []gcs.Option{
			gcs.WithBucket(cfg.Bucket),
			gcs.WithEndpoint(cfg.Endpoint),
			gcs.WithLogger(logger),
		}
		if cfg.Prefix != "" {
			opts = append(opts, gcs.WithPrefix(cfg.Prefix))
		}
		if cfg.CredentialsFile != "" {
			opts = append(opts, gcs.WithCredentialsFile(cfg.CredentialsFile))
		}
		if cfg.APIKey != "" {
			opts = append(opts, gcs.WithAPIKey(cfg.APIKey))
		}
		st, err := gcs.New(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		ps, closer = st, st.Close
	default:
		return nil, nil, fmt.Errorf("unknown payload backend %q", c.Payload.Backend)
	}

	if cc := c.Payload.Cache; cc.Dir != "" {
		cache, err := cached.New(ps,
			cached.WithDir(cc.Dir),
			cached.WithMaxSize(cc.MaxSize),
			cached.WithTTL(cc.TTL.Std()),
			cached.WithLogger(logger),
		)
		if err != nil {
			if closer != nil {
				_ = closer()
			}
			return nil, nil, fmt.Errorf("payload cache: %w", err)
		}
		backendCloser := closer
		closer = func() error {
			err := cache.Close()
			if backendCloser != nil {
				err = errors.Join(err, backendCloser())
			}
			return err
		}
		ps = cache
	}

	if !c.Payload.Instrument {
		return ps, closer, nil
	}
	wrapped, err := payloadotel.New(ps, payloadotel.WithServiceName(c.ServiceName))
	if err != nil {
		if closer != nil {
			_ = closer()
		}
		return nil, nil, fmt.Errorf("instrument payload store: %w", err)
	}
	return wrapped, closer, nil
}
