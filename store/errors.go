package store

import "errors"

// Sentinel errors for the store package.
var (
	// ErrNotFound is returned when a message, part, thread or entry cannot be found.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidID is returned when an invalid ID is provided.
	ErrInvalidID = errors.New("store: invalid id")

	// ErrDuplicateEntry is returned when a write would violate a uniqueness
	// invariant, such as a second pending entry for the same message.
	ErrDuplicateEntry = errors.New("store: duplicate entry")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = errors.New("store: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("store: already connected")

	// ErrEmptyAddresses is returned when a thread is requested for no addresses.
	ErrEmptyAddresses = errors.New("store: empty address set")

	// ErrInvalidThread is returned when a message references a thread that
	// does not exist.
	ErrInvalidThread = errors.New("store: invalid thread")

	// ErrInvalidMessage is returned for messages that fail validation.
	ErrInvalidMessage = errors.New("store: invalid message")

	// ErrFilterInvalid is returned when a filter is invalid.
	ErrFilterInvalid = errors.New("store: invalid filter")

	// ErrTransactionFailed is returned when a database transaction fails.
	// This indicates the atomic operation could not complete and no changes were made.
	ErrTransactionFailed = errors.New("store: transaction failed")

	// ErrMigrationFailed is returned when a schema migration step fails.
	ErrMigrationFailed = errors.New("store: migration failed")
)

// Error checking helpers.

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsInvalidID(err error) bool {
	return errors.Is(err, ErrInvalidID)
}

func IsDuplicateEntry(err error) bool {
	return errors.Is(err, ErrDuplicateEntry)
}

func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}

func IsInvalidThread(err error) bool {
	return errors.Is(err, ErrInvalidThread)
}
