package store

// ThreadKind distinguishes point-to-point conversations from group ones.
type ThreadKind int

// Thread kinds.
const (
	ThreadPointToPoint ThreadKind = 0
	ThreadGroup        ThreadKind = 1
)

// Address is an entry of the address registry.
type Address struct {
	ID    int64
	Value string
}

// Thread is a conversation keyed by its address set and subject key.
// Everything except Archived is derived from the thread's messages.
type Thread struct {
	ID             int64
	RecipientIDs   []int64
	SubjectKey     string
	Date           int64 // milliseconds
	MessageCount   int64
	Snippet        string
	SnippetCharset int
	Read           bool
	Archived       bool
	HasAttachment  bool
	Error          int64
	Kind           ThreadKind
}

// Partition identifies one of the two physically separate stores.
type Partition int

// Partitions.
const (
	// PartitionDevice is readable before the user unlocks the device.
	PartitionDevice Partition = iota
	// PartitionCredential becomes available only after unlock.
	PartitionCredential
)

func (p Partition) String() string {
	switch p {
	case PartitionDevice:
		return "device"
	case PartitionCredential:
		return "credential"
	default:
		return "unknown"
	}
}
