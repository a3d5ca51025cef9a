package store

// ProtoKind is the message kind half of a pending delivery key.
type ProtoKind int

// Protocol kinds.
const (
	ProtoSimple ProtoKind = 0
	ProtoRich   ProtoKind = 1
)

// ErrTypePermanent is the lowest error classification treated as a
// permanent delivery failure. Entries at or above it count as thread errors.
const ErrTypePermanent = 10

// PendingEntry tracks a rich message that still needs network action.
type PendingEntry struct {
	ID          int64
	Proto       ProtoKind
	MessageID   int64
	MessageType ProtocolType
	ErrType     int
	ErrCode     int
	RetryIndex  int
	DueTime     int64
	LastTry     int64
}

// Permanent reports whether the entry's error classification is permanent.
func (e *PendingEntry) Permanent() bool {
	return e.ErrType >= ErrTypePermanent
}

// DeliveryAttempt is recorded by the delivery scheduler after an attempt.
type DeliveryAttempt struct {
	ErrType    int
	ErrCode    int
	RetryIndex int
	DueTime    int64
	LastTry    int64
}

// IndexSource tags which message kind an index entry was derived from.
type IndexSource int

// Index sources.
const (
	SourceSimple IndexSource = 1
	SourceRich   IndexSource = 2
)

func (s IndexSource) String() string {
	switch s {
	case SourceSimple:
		return "simple"
	case SourceRich:
		return "rich"
	default:
		return "unknown"
	}
}

// RichIndexOffset shifts rich part identifiers into their own range of
// index entry identifiers.
const RichIndexOffset int64 = 1 << 32

// IndexEntryID returns the index entry identifier for a source row.
func IndexEntryID(source IndexSource, sourceID int64) int64 {
	if source == SourceRich {
		return RichIndexOffset + sourceID
	}
	return sourceID
}

// IndexEntry is one text search index row.
type IndexEntry struct {
	ID       int64
	Text     string
	SourceID int64
	Source   IndexSource
}

// ThreadMismatch describes one derived field that disagrees with a
// from-scratch recomputation.
type ThreadMismatch struct {
	ThreadID int64
	Field    string
	Stored   any
	Expected any
}

// CheckReport is the outcome of a consistency check.
type CheckReport struct {
	ThreadsChecked   int64
	ThreadMismatches []ThreadMismatch
	MissingIndex     int64 // sources without an index entry
	StaleIndex       int64 // index entries without a source
	MissingPending   int64 // messages that need a pending entry but have none
	StalePending     int64 // pending entries that should not exist
	OrphanThreads    int64 // threads no message references
	OrphanAddresses  int64 // registry entries no thread references
	DanglingParts    int64
}

// Consistent reports whether the check found nothing to repair.
func (r *CheckReport) Consistent() bool {
	return len(r.ThreadMismatches) == 0 && r.MissingIndex == 0 && r.StaleIndex == 0 &&
		r.MissingPending == 0 && r.StalePending == 0 && r.OrphanThreads == 0 &&
		r.OrphanAddresses == 0 && r.DanglingParts == 0
}

// MigrationResult describes what happened when a store was opened.
type MigrationResult struct {
	From int
	To   int
	// Rebuilt is set when an upgrade step failed and the store was dropped
	// and recreated empty. User data was lost.
	Rebuilt bool
	// Deferred is set when the best-effort identifier migration was put off.
	Deferred bool
	// Err is the step failure that caused a rebuild, if any.
	Err error
}
