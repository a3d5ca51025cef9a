package store

import "strings"

// Box is the mailbox a message lives in. Simple and rich messages share
// the numbering for the boxes both kinds support.
type Box int

// Box constants.
const (
	BoxAll    Box = 0
	BoxInbox  Box = 1
	BoxSent   Box = 2
	BoxDraft  Box = 3
	BoxOutbox Box = 4
	BoxFailed Box = 5
	BoxQueued Box = 6
)

// Valid reports whether b is a concrete box a message can be stored in.
func (b Box) Valid() bool {
	return b >= BoxInbox && b <= BoxQueued
}

func (b Box) String() string {
	switch b {
	case BoxAll:
		return "all"
	case BoxInbox:
		return "inbox"
	case BoxSent:
		return "sent"
	case BoxDraft:
		return "draft"
	case BoxOutbox:
		return "outbox"
	case BoxFailed:
		return "failed"
	case BoxQueued:
		return "queued"
	default:
		return "unknown"
	}
}

// ProtocolType is the protocol data unit type of a rich message.
type ProtocolType int

// Protocol types.
const (
	TypeSendRequest    ProtocolType = 128
	TypeSendConf       ProtocolType = 129
	TypeNotification   ProtocolType = 130
	TypeNotifyResp     ProtocolType = 131
	TypeRetrieveConf   ProtocolType = 132
	TypeAcknowledge    ProtocolType = 133
	TypeDeliveryReport ProtocolType = 134
	TypeReadRecord     ProtocolType = 135
	TypeReadOrig       ProtocolType = 136
)

// Counted reports whether messages of this type count toward a thread's
// message count.
func (t ProtocolType) Counted() bool {
	return t == TypeSendRequest || t == TypeNotification || t == TypeRetrieveConf
}

// NeedsNetwork reports whether inserting a message of this type requires a
// network round trip, and therefore a pending delivery entry.
func (t ProtocolType) NeedsNetwork() bool {
	return t == TypeNotification || t == TypeReadRecord
}

// AddrRole is the role of an address inside a rich message.
type AddrRole int

// Address roles.
const (
	AddrBCC  AddrRole = 129
	AddrCC   AddrRole = 130
	AddrFrom AddrRole = 137
	AddrTo   AddrRole = 151
)

// Character set identifiers (IANA MIBenum).
const (
	CharsetUnknown = 0
	CharsetUTF8    = 106
)

// Inline content types. Parts with any other content type are attachments.
const (
	ContentTypeText = "text/plain"
	ContentTypeSMIL = "application/smil"
)

// Conversational is implemented by both message kinds. It is all the thread
// aggregate logic needs to know about a message.
type Conversational interface {
	// Timestamp returns the message time in milliseconds.
	Timestamp() int64
	// Qualifies reports whether the message counts toward its thread.
	Qualifies() bool
	// SnippetSource returns the text shown as the thread snippet and its charset.
	SnippetSource() (string, int)
}

// SimpleMessage is a single-segment text message.
type SimpleMessage struct {
	ID        int64
	ThreadID  int64
	Address   string
	Date      int64 // milliseconds
	DateSent  int64
	Box       Box
	Read      bool
	Seen      bool
	Locked    bool
	Status    int
	ErrorCode int
	Body      string
	Creator   string
}

// Timestamp implements Conversational.
func (m *SimpleMessage) Timestamp() int64 { return m.Date }

// Qualifies implements Conversational. Drafts never count.
func (m *SimpleMessage) Qualifies() bool { return m.Box != BoxDraft }

// SnippetSource implements Conversational.
func (m *SimpleMessage) SnippetSource() (string, int) { return m.Body, CharsetUTF8 }

// RichMessage is a multi-part message: a header plus ordered content parts
// and the addresses it was exchanged with.
type RichMessage struct {
	ID             int64
	ThreadID       int64
	Date           int64 // seconds
	DateSent       int64
	Box            Box
	Type           ProtocolType
	Read           bool
	Seen           bool
	Locked         bool
	TextOnly       bool
	Subject        string
	SubjectCharset int
	MessageRef     string
	TransactionID  string
	Creator        string

	Parts []Part
	Addrs []MessageAddr
}

// Timestamp implements Conversational. Rich message dates are stored in
// seconds and scaled here.
func (m *RichMessage) Timestamp() int64 { return m.Date * 1000 }

// Qualifies implements Conversational.
func (m *RichMessage) Qualifies() bool {
	return m.Type.Counted() && m.Box != BoxDraft
}

// SnippetSource implements Conversational. The subject wins; a message
// without one falls back to its first text part.
func (m *RichMessage) SnippetSource() (string, int) {
	if m.Subject != "" {
		return m.Subject, m.SubjectCharset
	}
	for _, p := range m.Parts {
		if p.IsText() {
			return p.Text, p.Charset
		}
	}
	return "", CharsetUnknown
}

// Part is one content part of a rich message.
type Part struct {
	ID              int64
	MessageID       int64
	Seq             int
	ContentType     string
	Name            string
	Charset         int
	ContentID       string
	ContentLocation string
	// DataPath references file-backed payload; empty for inline parts.
	DataPath string
	Text     string
}

// IsText reports whether the part carries inline text that is indexed.
func (p *Part) IsText() bool {
	return strings.EqualFold(p.ContentType, ContentTypeText)
}

// IsAttachment reports whether the part counts as an attachment.
func (p *Part) IsAttachment() bool {
	return IsAttachmentType(p.ContentType)
}

// IsAttachmentType reports whether a content type is neither of the two
// inline kinds.
func IsAttachmentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct != ContentTypeText && ct != ContentTypeSMIL
}

// MessageAddr is an address recorded on a rich message.
type MessageAddr struct {
	ID        int64
	MessageID int64
	Address   string
	Role      AddrRole
	Charset   int
}

// SimpleUpdate describes an update applied to every simple message matching
// a predicate. Nil fields are left unchanged.
type SimpleUpdate struct {
	ThreadID  *int64
	Date      *int64
	Box       *Box
	Read      *bool
	Seen      *bool
	Locked    *bool
	Status    *int
	ErrorCode *int
	Body      *string
}

// IsEmpty reports whether the update changes nothing.
func (u SimpleUpdate) IsEmpty() bool {
	return u.ThreadID == nil && u.Date == nil && u.Box == nil && u.Read == nil &&
		u.Seen == nil && u.Locked == nil && u.Status == nil && u.ErrorCode == nil && u.Body == nil
}

// RichUpdate describes an update applied to every rich message header
// matching a predicate. Nil fields are left unchanged.
type RichUpdate struct {
	ThreadID       *int64
	Date           *int64
	Box            *Box
	Read           *bool
	Seen           *bool
	Locked         *bool
	Subject        *string
	SubjectCharset *int
}

// IsEmpty reports whether the update changes nothing.
func (u RichUpdate) IsEmpty() bool {
	return u.ThreadID == nil && u.Date == nil && u.Box == nil && u.Read == nil &&
		u.Seen == nil && u.Locked == nil && u.Subject == nil && u.SubjectCharset == nil
}

// PartUpdate describes an update to a single content part.
type PartUpdate struct {
	ContentType *string
	Charset     *int
	DataPath    *string
	Text        *string
}

// Bool returns a pointer to v, for building updates.
func Bool(v bool) *bool { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }

// BoxPtr returns a pointer to b.
func BoxPtr(b Box) *Box { return &b }
