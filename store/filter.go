package store

import (
	"fmt"
)

// SortOrder represents the sort direction.
type SortOrder int

const (
	// SortAsc sorts in ascending order.
	SortAsc SortOrder = 1
	// SortDesc sorts in descending order.
	SortDesc SortOrder = -1
)

// ListOptions configures listing.
type ListOptions struct {
	Limit     int
	Offset    int
	SortBy    string
	SortOrder SortOrder
}

// Scope names the relation a filter applies to.
type Scope int

// Filter scopes.
const (
	ScopeSimple Scope = iota + 1
	ScopeRich
	ScopeThread
	ScopePending
)

func (s Scope) String() string {
	switch s {
	case ScopeSimple:
		return "simple"
	case ScopeRich:
		return "rich"
	case ScopeThread:
		return "thread"
	case ScopePending:
		return "pending"
	default:
		return "unknown"
	}
}

// Filter represents a query filter with a field key, comparison operator, and value.
type Filter struct {
	scope    Scope
	key      string
	value    any
	operator string
}

// Scope returns the relation the filter was built for.
func (f Filter) Scope() Scope { return f.scope }

// Key returns the storage field key.
func (f Filter) Key() string { return f.key }

// Value returns the filter value.
func (f Filter) Value() any { return f.value }

// Operator returns the comparison operator (eq, ne, gt, gte, lt, lte, in, nin, exists, contains).
func (f Filter) Operator() string { return f.operator }

// FilterBuilder builds filters for a specific field.
// Use SimpleFilter, RichFilter, ThreadFilter or PendingFilter to create one,
// then chain a comparison method:
//
//	filter, err := store.SimpleFilter("Box").Equal(store.BoxInbox)
type FilterBuilder struct {
	scope Scope
	key   string
	err   error
}

// validOperators is the set of supported filter operators.
var validOperators = map[string]bool{
	"eq":       true,
	"ne":       true,
	"gt":       true,
	"gte":      true,
	"lt":       true,
	"lte":      true,
	"in":       true,
	"nin":      true,
	"exists":   true,
	"contains": true,
}

// NewFilter creates a filter for the given scope, key, operator, and value.
// Returns ErrFilterInvalid if the key or operator is invalid.
func NewFilter(scope Scope, key, operator string, value any) (Filter, error) {
	storageKey, ok := FieldKey(scope, key)
	if !ok {
		return Filter{}, fmt.Errorf("%w: unsupported %s field: %s", ErrFilterInvalid, scope, key)
	}
	if !validOperators[operator] {
		return Filter{}, fmt.Errorf("%w: unsupported operator: %s", ErrFilterInvalid, operator)
	}
	return Filter{scope: scope, key: storageKey, value: value, operator: operator}, nil
}

// FilterError represents an error in filter building.
type FilterError struct {
	Key string
	Err error
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("filter %s: %v", e.Key, e.Err)
}

func (e *FilterError) Unwrap() error {
	return e.Err
}

func (b *FilterBuilder) build(op string, v any) (Filter, error) {
	if b.err != nil {
		return Filter{}, &FilterError{Key: b.key, Err: b.err}
	}
	return Filter{scope: b.scope, key: b.key, value: v, operator: op}, nil
}

func (b *FilterBuilder) Equal(v any) (Filter, error)            { return b.build("eq", v) }
func (b *FilterBuilder) NotEqual(v any) (Filter, error)         { return b.build("ne", v) }
func (b *FilterBuilder) GreaterThan(v any) (Filter, error)      { return b.build("gt", v) }
func (b *FilterBuilder) GreaterThanEqual(v any) (Filter, error) { return b.build("gte", v) }
func (b *FilterBuilder) LessThan(v any) (Filter, error)         { return b.build("lt", v) }
func (b *FilterBuilder) LessThanEqual(v any) (Filter, error)    { return b.build("lte", v) }
func (b *FilterBuilder) In(v ...any) (Filter, error)            { return b.build("in", v) }
func (b *FilterBuilder) NotIn(v ...any) (Filter, error)         { return b.build("nin", v) }
func (b *FilterBuilder) Exists(v bool) (Filter, error)          { return b.build("exists", v) }
func (b *FilterBuilder) Contains(v string) (Filter, error)      { return b.build("contains", v) }

func newBuilder(scope Scope, field string) *FilterBuilder {
	key, ok := FieldKey(scope, field)
	if !ok {
		return &FilterBuilder{scope: scope, key: field, err: fmt.Errorf("%w: unsupported %s field: %s", ErrFilterInvalid, scope, field)}
	}
	return &FilterBuilder{scope: scope, key: key}
}

// SimpleFilter returns a filter builder for simple message fields.
func SimpleFilter(field string) *FilterBuilder { return newBuilder(ScopeSimple, field) }

// RichFilter returns a filter builder for rich message header fields.
func RichFilter(field string) *FilterBuilder { return newBuilder(ScopeRich, field) }

// ThreadFilter returns a filter builder for thread fields.
func ThreadFilter(field string) *FilterBuilder { return newBuilder(ScopeThread, field) }

// PendingFilter returns a filter builder for pending delivery entry fields.
func PendingFilter(field string) *FilterBuilder { return newBuilder(ScopePending, field) }

var fieldKeys = map[Scope]map[string]string{
	ScopeSimple: {
		"ID":        "_id",
		"ThreadID":  "thread_id",
		"Address":   "address",
		"Date":      "date",
		"DateSent":  "date_sent",
		"Box":       "type",
		"Read":      "read",
		"Seen":      "seen",
		"Locked":    "locked",
		"Status":    "status",
		"ErrorCode": "error_code",
		"Body":      "body",
		"Creator":   "creator",
	},
	ScopeRich: {
		"ID":            "_id",
		"ThreadID":      "thread_id",
		"Date":          "date",
		"DateSent":      "date_sent",
		"Box":           "msg_box",
		"Type":          "m_type",
		"Read":          "read",
		"Seen":          "seen",
		"Locked":        "locked",
		"TextOnly":      "text_only",
		"Subject":       "sub",
		"MessageRef":    "m_id",
		"TransactionID": "tr_id",
		"Creator":       "creator",
	},
	ScopeThread: {
		"ID":            "_id",
		"Date":          "date",
		"MessageCount":  "message_count",
		"SubjectKey":    "subject_key",
		"Snippet":       "snippet",
		"Read":          "read",
		"Archived":      "archived",
		"HasAttachment": "has_attachment",
		"Error":         "error",
		"Kind":          "type",
	},
	ScopePending: {
		"ID":          "_id",
		"Proto":       "proto_type",
		"MessageID":   "msg_id",
		"MessageType": "msg_type",
		"ErrType":     "err_type",
		"ErrCode":     "err_code",
		"RetryIndex":  "retry_index",
		"DueTime":     "due_time",
		"LastTry":     "last_try",
	},
}

// FieldKey maps a field name to its storage key for the given scope.
// Both the Go field name and the storage key are accepted.
func FieldKey(scope Scope, field string) (string, bool) {
	keys, ok := fieldKeys[scope]
	if !ok {
		return "", false
	}
	if k, ok := keys[field]; ok {
		return k, true
	}
	for _, k := range keys {
		if k == field {
			return k, true
		}
	}
	return "", false
}

// Convenience filter functions

// SimpleID returns a filter matching one simple message.
func SimpleID(id int64) Filter {
	f, _ := SimpleFilter("ID").Equal(id)
	return f
}

// SimpleInThread returns a filter for simple messages in a thread.
func SimpleInThread(threadID int64) Filter {
	f, _ := SimpleFilter("ThreadID").Equal(threadID)
	return f
}

// SimpleInBox returns a filter for simple messages in a box.
func SimpleInBox(b Box) Filter {
	f, _ := SimpleFilter("Box").Equal(b)
	return f
}

// RichID returns a filter matching one rich message.
func RichID(id int64) Filter {
	f, _ := RichFilter("ID").Equal(id)
	return f
}

// RichInThread returns a filter for rich messages in a thread.
func RichInThread(threadID int64) Filter {
	f, _ := RichFilter("ThreadID").Equal(threadID)
	return f
}

// RichInBox returns a filter for rich messages in a box.
func RichInBox(b Box) Filter {
	f, _ := RichFilter("Box").Equal(b)
	return f
}

// PendingFor returns a filter for the pending entry of a rich message.
func PendingFor(messageID int64) Filter {
	f, _ := PendingFilter("MessageID").Equal(messageID)
	return f
}
