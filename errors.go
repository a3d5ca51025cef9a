package convstore

import (
	"errors"
	"fmt"

	"github.com/rbaliyan/convstore/store"
)

// Sentinel errors for the convstore package.
// Use errors.Is() to check for these errors.
//
// Errors that have a store-level counterpart wrap it, so an error matching
// convstore.ErrNotFound also matches store.ErrNotFound. Store errors are
// translated at the Service boundary.
var (
	// ErrNotFound is returned when a message, thread or entry cannot be found.
	ErrNotFound = fmt.Errorf("convstore: %w", store.ErrNotFound)

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = fmt.Errorf("convstore: %w", store.ErrNotConnected)

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = fmt.Errorf("convstore: %w", store.ErrAlreadyConnected)

	// ErrInvalidID is returned when an invalid ID is provided.
	ErrInvalidID = fmt.Errorf("convstore: %w", store.ErrInvalidID)

	// ErrDuplicateEntry is returned when a write would duplicate a unique row.
	ErrDuplicateEntry = fmt.Errorf("convstore: %w", store.ErrDuplicateEntry)

	// ErrInvalidThread is returned when a message references a missing thread.
	ErrInvalidThread = fmt.Errorf("convstore: %w", store.ErrInvalidThread)

	// ErrFilterInvalid is returned when a filter is invalid.
	ErrFilterInvalid = fmt.Errorf("convstore: %w", store.ErrFilterInvalid)

	// ErrMigrationFailed is returned when a partition could not be brought
	// to the current schema, not even by rebuilding it.
	ErrMigrationFailed = fmt.Errorf("convstore: %w", store.ErrMigrationFailed)

	// ErrStoreRequired is returned when no device partition store is configured.
	ErrStoreRequired = errors.New("convstore: store is required")

	// ErrUnknownPartition is returned for a partition with no configured store.
	ErrUnknownPartition = errors.New("convstore: unknown partition")

	// ErrLocked is returned when the credential partition is requested
	// before Unlock().
	ErrLocked = errors.New("convstore: credential partition is locked")

	// ErrAlreadyUnlocked is returned when Unlock() is called twice.
	ErrAlreadyUnlocked = errors.New("convstore: already unlocked")

	// ErrPayloadStoreNotConfigured is returned by operations that need a
	// payload store when none was configured.
	ErrPayloadStoreNotConfigured = errors.New("convstore: payload store not configured")

	// ErrNoPendingEntry is returned when a delivery failure is recorded for
	// a message that has nothing queued.
	ErrNoPendingEntry = fmt.Errorf("%w: no pending entry", ErrNotFound)
)

var storeErrors = []struct{ from, to error }{
	{store.ErrNotFound, ErrNotFound},
	{store.ErrNotConnected, ErrNotConnected},
	{store.ErrAlreadyConnected, ErrAlreadyConnected},
	{store.ErrInvalidID, ErrInvalidID},
	{store.ErrDuplicateEntry, ErrDuplicateEntry},
	{store.ErrInvalidThread, ErrInvalidThread},
	{store.ErrFilterInvalid, ErrFilterInvalid},
	{store.ErrMigrationFailed, ErrMigrationFailed},
}

// fromStore translates a store sentinel into its convstore counterpart.
// Other errors are returned unchanged.
func fromStore(err error) error {
	if err == nil {
		return nil
	}
	for _, m := range storeErrors {
		if errors.Is(err, m.from) {
			return m.to
		}
	}
	return err
}

// IsRetryableError reports whether err is worth retrying.
// Validation, lookup and migration failures are permanent; anything else,
// such as a busy database or an unreachable payload backend, is not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	permanent := []error{
		store.ErrNotFound,
		store.ErrInvalidID,
		store.ErrDuplicateEntry,
		store.ErrInvalidThread,
		store.ErrInvalidMessage,
		store.ErrEmptyAddresses,
		store.ErrFilterInvalid,
		store.ErrMigrationFailed,
		store.ErrAlreadyConnected,
		ErrStoreRequired,
		ErrUnknownPartition,
		ErrLocked,
		ErrPayloadStoreNotConfigured,
	}
	for _, p := range permanent {
		if errors.Is(err, p) {
			return false
		}
	}
	return true
}

// EventPublishError is returned when an event failed to publish and
// WithEventErrorsFatal is set. The operation itself succeeded.
type EventPublishError struct {
	Event string
	Err   error
}

func (e *EventPublishError) Error() string {
	return fmt.Sprintf("convstore: publish %s event: %v", e.Event, e.Err)
}

func (e *EventPublishError) Unwrap() error {
	return e.Err
}

// IsEventPublishError extracts an EventPublishError from err.
func IsEventPublishError(err error) (*EventPublishError, bool) {
	var e *EventPublishError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// PayloadError reports a payload file that could not be removed after the
// part referencing it was deleted. The file is left behind.
type PayloadError struct {
	Partition store.Partition
	Path      string
	Op        string
	Err       error
}

func (e *PayloadError) Error() string {
	return "payload " + e.Op + " " + e.Path + " (" + e.Partition.String() + "): " + e.Err.Error()
}

func (e *PayloadError) Unwrap() error {
	return e.Err
}

// PartitionError attributes a maintenance failure to one partition.
type PartitionError struct {
	Partition store.Partition
	Op        string
	Err       error
}

func (e *PartitionError) Error() string {
	return e.Op + " " + e.Partition.String() + " partition: " + e.Err.Error()
}

func (e *PartitionError) Unwrap() error {
	return e.Err
}
