package convstore

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
)

// Event names for service events.
const (
	EventNameStoreRebuilt      = "convstore.store.rebuilt"
	EventNameMigrationDeferred = "convstore.migration.deferred"
	EventNamePayloadReleased   = "convstore.payload.released"
	EventNameDeliveryFailed    = "convstore.delivery.failed"
)

// StoreRebuiltEvent is published when a partition could not be upgraded and
// was recreated empty. Everything it held is gone.
type StoreRebuiltEvent struct {
	Partition   string    `json:"partition"`
	FromVersion int       `json:"from_version"`
	ToVersion   int       `json:"to_version"`
	Cause       string    `json:"cause,omitempty"`
	RebuiltAt   time.Time `json:"rebuilt_at"`
}

// MigrationDeferredEvent is published when the identifier migration was put
// off for lack of storage. The partition is usable; identifiers of deleted
// rows may be reused until RetryDeferredMigrations succeeds.
type MigrationDeferredEvent struct {
	Partition  string    `json:"partition"`
	Version    int       `json:"version"`
	DeferredAt time.Time `json:"deferred_at"`
}

// PayloadReleasedEvent is published after a payload file of a deleted part
// has been removed.
type PayloadReleasedEvent struct {
	Partition  string    `json:"partition"`
	Path       string    `json:"path"`
	ReleasedAt time.Time `json:"released_at"`
}

// DeliveryFailedEvent is published when a queued rich message fails
// permanently, either by classification or by running out of retries.
type DeliveryFailedEvent struct {
	Partition  string    `json:"partition"`
	MessageID  int64     `json:"message_id"`
	ErrType    int       `json:"err_type"`
	ErrCode    int       `json:"err_code"`
	RetryIndex int       `json:"retry_index"`
	FailedAt   time.Time `json:"failed_at"`
}

// ServiceEvents provides access to per-service event instances.
// Each service binds its own events to its own bus.
type ServiceEvents struct {
	// StoreRebuilt is published when a partition was recreated after a failed upgrade.
	StoreRebuilt event.Event[StoreRebuiltEvent]

	// MigrationDeferred is published when the identifier migration was put off.
	MigrationDeferred event.Event[MigrationDeferredEvent]

	// PayloadReleased is published after a released payload file was removed.
	PayloadReleased event.Event[PayloadReleasedEvent]

	// DeliveryFailed is published when a queued message fails permanently.
	DeliveryFailed event.Event[DeliveryFailedEvent]
}

func newServiceEvents(namePrefix string) *ServiceEvents {
	return &ServiceEvents{
		StoreRebuilt:      event.New[StoreRebuiltEvent](namePrefix + "." + EventNameStoreRebuilt),
		MigrationDeferred: event.New[MigrationDeferredEvent](namePrefix + "." + EventNameMigrationDeferred),
		PayloadReleased:   event.New[PayloadReleasedEvent](namePrefix + "." + EventNamePayloadReleased),
		DeliveryFailed:    event.New[DeliveryFailedEvent](namePrefix + "." + EventNameDeliveryFailed),
	}
}

func registerServiceEvents(ctx context.Context, bus *event.Bus, events *ServiceEvents) error {
	if err := event.Register(ctx, bus, events.StoreRebuilt); err != nil {
		return fmt.Errorf("register StoreRebuilt: %w", err)
	}
	if err := event.Register(ctx, bus, events.MigrationDeferred); err != nil {
		return fmt.Errorf("register MigrationDeferred: %w", err)
	}
	if err := event.Register(ctx, bus, events.PayloadReleased); err != nil {
		return fmt.Errorf("register PayloadReleased: %w", err)
	}
	if err := event.Register(ctx, bus, events.DeliveryFailed); err != nil {
		return fmt.Errorf("register DeliveryFailed: %w", err)
	}
	return nil
}

// publish sends data on ev. A failure is returned only when event errors
// are fatal; otherwise it goes to the failure handler.
func publish[T any](ctx context.Context, o *options, ev event.Event[T], name string, data T) error {
	if err := ev.Publish(ctx, data); err != nil {
		if o.eventErrorsFatal {
			return &EventPublishError{Event: name, Err: err}
		}
		o.safeEventPublishFailure(name, err)
	}
	return nil
}
