// Package store provides interfaces and types for the conversation store.
// The implementation lives in store/sqlite; payload collaborators live in
// store/payload.
//
// # Consistency Model
//
// Threads carry derived state: message count, snippet, date, read and
// error flags, and attachment presence. Messages carry a text index entry
// and, for rich messages needing network action, a pending delivery entry.
// None of this derived state is written by callers. Every message write
// brings it back in line inside the same transaction as the write itself,
// so a reader never sees a thread that disagrees with its committed
// messages.
//
// The write path runs, in order:
//
//  1. Thread aggregates: recomputed from scratch for every thread the
//     write touched.
//  2. Text index: one entry per simple message and per text part, kept in
//     place across body edits.
//  3. Retry queue: pending entries follow the rich message box state.
//  4. Orphan reclamation (deletes only): empty threads, unreferenced
//     addresses, and payload deletion intents.
//
// A failure anywhere aborts the transaction and the write has no effect.
package store

import (
	"context"
)

// Store is the storage interface for one partition of the conversation store.
//
// All operations must be safe for concurrent use. The implementation
// serializes writers and runs every derived-state update inside the
// writer's transaction.
type Store interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	SimpleStore
	RichStore
	ThreadStore
	IndexStore
	PendingStore
	MaintenanceStore
}

// SimpleStore provides the four operation families for simple messages.
type SimpleStore interface {
	// CreateSimple inserts a message into an existing thread and returns it
	// with its assigned ID.
	CreateSimple(ctx context.Context, msg SimpleMessage) (*SimpleMessage, error)

	// FindSimple returns simple messages matching the filters.
	FindSimple(ctx context.Context, filters []Filter, opts ListOptions) ([]*SimpleMessage, error)

	// CountSimple returns the number of simple messages matching the filters.
	CountSimple(ctx context.Context, filters []Filter) (int64, error)

	// UpdateSimple applies upd to every matching message and returns the
	// number of messages updated.
	UpdateSimple(ctx context.Context, filters []Filter, upd SimpleUpdate) (int64, error)

	// DeleteSimple removes every matching message and returns the count.
	// When more than one message matches, empty threads are swept once at
	// the end rather than per message.
	DeleteSimple(ctx context.Context, filters []Filter) (int64, error)
}

// RichMessageReader provides read operations for rich messages.
type RichMessageReader interface {
	// GetRich retrieves a rich message with its parts and addresses.
	// Returns ErrNotFound if the message doesn't exist.
	GetRich(ctx context.Context, id int64) (*RichMessage, error)

	// FindRich returns rich message headers matching the filters.
	// Parts and addresses are not loaded.
	FindRich(ctx context.Context, filters []Filter, opts ListOptions) ([]*RichMessage, error)

	// CountRich returns the number of rich messages matching the filters.
	CountRich(ctx context.Context, filters []Filter) (int64, error)

	// Parts returns the parts of a rich message ordered by sequence.
	Parts(ctx context.Context, messageID int64) ([]*Part, error)
}

// RichMessageMutator provides write operations for rich messages.
type RichMessageMutator interface {
	// CreateRich inserts a header with its parts and addresses.
	CreateRich(ctx context.Context, msg RichMessage) (*RichMessage, error)

	// UpdateRich applies upd to every matching header.
	UpdateRich(ctx context.Context, filters []Filter, upd RichUpdate) (int64, error)

	// DeleteRich removes every matching message with its parts and addresses.
	DeleteRich(ctx context.Context, filters []Filter) (int64, error)

	// AddPart appends a part to an existing rich message.
	AddPart(ctx context.Context, messageID int64, part Part) (*Part, error)

	// UpdatePart changes a part in place.
	UpdatePart(ctx context.Context, partID int64, upd PartUpdate) error

	// DeletePart removes one part.
	DeletePart(ctx context.Context, partID int64) error
}

// RichStore provides the four operation families for rich messages.
//
// Composed of:
//   - RichMessageReader: GetRich, FindRich, CountRich, Parts
//   - RichMessageMutator: CreateRich, UpdateRich, DeleteRich and part edits
type RichStore interface {
	RichMessageReader
	RichMessageMutator
}

// ThreadStore provides thread identity and thread level operations.
type ThreadStore interface {
	// GetOrCreateThread returns the thread for the address set and subject
	// key, creating it and registering its addresses when needed.
	// Addresses are normalized and deduplicated first.
	GetOrCreateThread(ctx context.Context, addresses []string, subjectKey string) (int64, error)

	// GetThread retrieves a thread.
	// Returns ErrNotFound if the thread doesn't exist.
	GetThread(ctx context.Context, id int64) (*Thread, error)

	// FindThreads returns threads matching the filters, newest first by default.
	FindThreads(ctx context.Context, filters []Filter, opts ListOptions) ([]*Thread, error)

	// ThreadAddresses returns the registry entries of a thread.
	ThreadAddresses(ctx context.Context, id int64) ([]Address, error)

	// SetThreadArchived sets the only client-writable thread attribute.
	SetThreadArchived(ctx context.Context, id int64, archived bool) error

	// MarkThreadRead marks every message of the thread read.
	MarkThreadRead(ctx context.Context, id int64) (int64, error)

	// DeleteThread removes every message of the thread, and with them the thread.
	DeleteThread(ctx context.Context, id int64) (int64, error)

	// DeleteObsoleteThreads removes every thread no message references and
	// the addresses left unreferenced. Returns the number of threads removed.
	DeleteObsoleteThreads(ctx context.Context) (int64, error)
}

// IndexStore provides access to the text search index.
type IndexStore interface {
	// Search returns index entries whose text contains query.
	Search(ctx context.Context, query string, opts ListOptions) ([]IndexEntry, error)

	// RebuildIndex discards the index and rebuilds it from the message
	// relations. Returns the number of entries written.
	RebuildIndex(ctx context.Context) (int64, error)
}

// PendingStore exposes the retry queue to the delivery scheduler.
// Entry presence is owned by the store; the scheduler only records attempts.
type PendingStore interface {
	// PendingEntries returns entries matching the filters, earliest due first.
	PendingEntries(ctx context.Context, filters []Filter, opts ListOptions) ([]*PendingEntry, error)

	// RecordDeliveryAttempt stores the outcome of a delivery attempt for a
	// rich message and refreshes its thread's error count.
	// Returns ErrNotFound if the message has no pending entry.
	RecordDeliveryAttempt(ctx context.Context, messageID int64, attempt DeliveryAttempt) error
}

// MaintenanceStore provides recovery and housekeeping operations.
type MaintenanceStore interface {
	// Check recomputes every derived value from scratch and reports
	// disagreements without changing anything.
	Check(ctx context.Context) (*CheckReport, error)

	// RecomputeThreads recomputes every thread's derived fields.
	RecomputeThreads(ctx context.Context) (int64, error)

	// RelocatePayloads rewrites part payload paths beginning with oldRoot
	// to begin with newRoot in one statement. Returns the rows rewritten.
	RelocatePayloads(ctx context.Context, oldRoot, newRoot string) (int64, error)

	// RetryDeferredMigrations re-attempts best-effort migrations that were
	// deferred. Returns true when nothing remains deferred.
	RetryDeferredMigrations(ctx context.Context) (bool, error)

	// LastMigration reports what happened to the schema when the store was opened.
	LastMigration() MigrationResult
}

// PayloadReleaseNotifier is an optional interface for stores that emit
// payload deletion intents. The service registers its dispatcher through it.
type PayloadReleaseNotifier interface {
	SetPayloadReleaser(r PayloadReleaser)
}
