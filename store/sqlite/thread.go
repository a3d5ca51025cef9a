package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/convstore/store"
)

// Qualifying predicates shared by every query that counts messages toward
// a thread. They must agree with the Qualifies methods on the message types.
var (
	simpleQualifies = fmt.Sprintf(`type <> %d`, store.BoxDraft)
	richQualifies   = fmt.Sprintf(`m_type IN (%d, %d, %d) AND msg_box <> %d`,
		store.TypeSendRequest, store.TypeNotification, store.TypeRetrieveConf, store.BoxDraft)
	attachmentPredicate = fmt.Sprintf(`lower(COALESCE(part.ct, '')) NOT IN ('%s', '%s')`,
		store.ContentTypeText, store.ContentTypeSMIL)

	aggregateQuery = `SELECT
	(SELECT COUNT(*) FROM sms WHERE thread_id = ?1 AND ` + simpleQualifies + `)
	+ (SELECT COUNT(*) FROM pdu WHERE thread_id = ?1 AND ` + richQualifies + `) AS message_count,
	(SELECT COUNT(*) FROM sms WHERE thread_id = ?1 AND read = 0 AND ` + simpleQualifies + `)
	+ (SELECT COUNT(*) FROM pdu WHERE thread_id = ?1 AND read = 0 AND ` + richQualifies + `) AS unread,
	(SELECT COUNT(*) FROM sms WHERE thread_id = ?1 AND type = ` + fmt.Sprint(int(store.BoxFailed)) + `)
	+ (SELECT COUNT(*) FROM pending_msgs p JOIN pdu ON pdu._id = p.msg_id
		WHERE p.proto_type = ` + fmt.Sprint(int(store.ProtoRich)) + ` AND pdu.thread_id = ?1
		AND p.err_type >= ` + fmt.Sprint(store.ErrTypePermanent) + `) AS errors,
	EXISTS (SELECT 1 FROM part JOIN pdu ON pdu._id = part.mid
		WHERE pdu.thread_id = ?1 AND ` + attachmentPredicate + `) AS has_attachment`

	latestSimpleQuery = `SELECT date, COALESCE(body, '') AS body FROM sms
	WHERE thread_id = ? AND ` + simpleQualifies + ` ORDER BY date DESC, _id DESC LIMIT 1`

	latestRichQuery = `SELECT _id, date, m_type, msg_box, COALESCE(sub, '') AS sub, sub_cs FROM pdu
	WHERE thread_id = ? AND ` + richQualifies + ` ORDER BY date DESC, _id DESC LIMIT 1`

	firstTextPartQuery = `SELECT COALESCE(text, '') AS text, chset FROM part
	WHERE mid = ? AND lower(ct) = '` + store.ContentTypeText + `' ORDER BY seq, _id LIMIT 1`
)

// threadAggregate is the derived state of one thread.
type threadAggregate struct {
	MessageCount   int64 `db:"message_count"`
	Unread         int64 `db:"unread"`
	Errors         int64 `db:"errors"`
	HasAttachment  bool  `db:"has_attachment"`
	Date           int64
	Snippet        string
	SnippetCharset int
}

// computeAggregate derives a thread's fields from its messages.
func computeAggregate(ctx context.Context, tx *sqlx.Tx, threadID int64) (threadAggregate, error) {
	var agg threadAggregate
	if err := tx.GetContext(ctx, &agg, aggregateQuery, threadID); err != nil {
		return agg, fmt.Errorf("aggregate thread %d: %w", threadID, err)
	}

	var candidates []store.Conversational

	// Rich first: latest keeps the earlier candidate on equal timestamps.
	var rich struct {
		ID      int64              `db:"_id"`
		Date    int64              `db:"date"`
		Type    store.ProtocolType `db:"m_type"`
		Box     store.Box          `db:"msg_box"`
		Subject string             `db:"sub"`
		Charset int                `db:"sub_cs"`
	}
	err := tx.GetContext(ctx, &rich, latestRichQuery, threadID)
	switch {
	case err == nil:
		msg := &store.RichMessage{Date: rich.Date, Type: rich.Type, Box: rich.Box, Subject: rich.Subject, SubjectCharset: rich.Charset}
		if msg.Subject == "" {
			var part struct {
				Text    string `db:"text"`
				Charset int    `db:"chset"`
			}
			perr := tx.GetContext(ctx, &part, firstTextPartQuery, rich.ID)
			if perr != nil && !errors.Is(perr, sql.ErrNoRows) {
				return agg, fmt.Errorf("snippet part: %w", perr)
			}
			if perr == nil {
				msg.Parts = []store.Part{{ContentType: store.ContentTypeText, Text: part.Text, Charset: part.Charset}}
			}
		}
		candidates = append(candidates, msg)
	case !errors.Is(err, sql.ErrNoRows):
		return agg, fmt.Errorf("latest rich message: %w", err)
	}

	var simple struct {
		Date int64  `db:"date"`
		Body string `db:"body"`
	}
	err = tx.GetContext(ctx, &simple, latestSimpleQuery, threadID)
	switch {
	case err == nil:
		candidates = append(candidates, &store.SimpleMessage{Date: simple.Date, Body: simple.Body})
	case !errors.Is(err, sql.ErrNoRows):
		return agg, fmt.Errorf("latest simple message: %w", err)
	}

	if m := latest(candidates...); m != nil {
		agg.Date = m.Timestamp()
		agg.Snippet, agg.SnippetCharset = m.SnippetSource()
	}
	return agg, nil
}

// latest returns the candidate with the greatest timestamp. On a tie the
// candidate listed first wins.
func latest(candidates ...store.Conversational) store.Conversational {
	var best store.Conversational
	for _, c := range candidates {
		if !c.Qualifies() {
			continue
		}
		if best == nil || c.Timestamp() > best.Timestamp() {
			best = c
		}
	}
	return best
}

// recomputeThread rewrites a thread's derived fields from scratch.
func recomputeThread(ctx context.Context, tx *sqlx.Tx, threadID int64) error {
	agg, err := computeAggregate(ctx, tx, threadID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE threads SET
		message_count = ?, date = ?, snippet = ?, snippet_cs = ?,
		read = ?, error = ?, has_attachment = ?
		WHERE _id = ?`,
		agg.MessageCount, agg.Date, agg.Snippet, agg.SnippetCharset,
		agg.Unread == 0, agg.Errors, agg.HasAttachment, threadID)
	if err != nil {
		return fmt.Errorf("update thread %d: %w", threadID, err)
	}
	return nil
}

// threadMaintainer keeps thread aggregates in line with message writes.
type threadMaintainer struct{}

func (threadMaintainer) name() string { return "thread" }

func (threadMaintainer) apply(ctx context.Context, tx *wtx, c change) error {
	switch r := c.subject().(type) {
	case *partRow:
		if r.cascade {
			return nil
		}
	default:
		if c.op == opUpdate && !affectsThread(c) {
			return nil
		}
	}

	for _, id := range c.threads() {
		if err := recomputeThread(ctx, tx.Tx, id); err != nil {
			return err
		}
	}

	if c.op == opInsert && arrivesInInbox(c.new) {
		if _, err := tx.ExecContext(ctx, `UPDATE threads SET archived = 0 WHERE _id = ? AND archived <> 0`,
			c.new.threadID()); err != nil {
			return fmt.Errorf("unarchive thread: %w", err)
		}
	}
	return nil
}

// affectsThread reports whether an update touched a field that feeds the
// thread aggregate.
func affectsThread(c change) bool {
	switch o := c.old.(type) {
	case *simpleRow:
		n := c.new.(*simpleRow)
		return o.ThreadID != n.ThreadID || o.Date != n.Date || o.Box != n.Box ||
			o.Read != n.Read || o.Body != n.Body
	case *richRow:
		n := c.new.(*richRow)
		return o.ThreadID != n.ThreadID || o.Date != n.Date || o.Box != n.Box ||
			o.Read != n.Read || o.Subject != n.Subject || o.SubjectCharset != n.SubjectCharset
	}
	return true
}

// arrivesInInbox reports whether a new row is a qualifying inbox message,
// which brings an archived thread back.
func arrivesInInbox(r record) bool {
	switch m := r.(type) {
	case *simpleRow:
		return m.Box == store.BoxInbox && m.Qualifies()
	case *richRow:
		return m.Box == store.BoxInbox && m.Qualifies()
	}
	return false
}

type threadRecord struct {
	ID             int64  `db:"_id"`
	Date           int64  `db:"date"`
	MessageCount   int64  `db:"message_count"`
	RecipientIDs   string `db:"recipient_ids"`
	SubjectKey     string `db:"subject_key"`
	Snippet        string `db:"snippet"`
	SnippetCharset int    `db:"snippet_cs"`
	Read           bool   `db:"read"`
	Archived       bool   `db:"archived"`
	HasAttachment  bool   `db:"has_attachment"`
	Error          int64  `db:"error"`
	Kind           int    `db:"type"`
}

const threadColumns = `_id, date, message_count, recipient_ids, subject_key, snippet, snippet_cs,
	read, archived, has_attachment, error, type`

func (r *threadRecord) toThread() *store.Thread {
	return &store.Thread{
		ID:             r.ID,
		RecipientIDs:   parseRecipientKey(r.RecipientIDs),
		SubjectKey:     r.SubjectKey,
		Date:           r.Date,
		MessageCount:   r.MessageCount,
		Snippet:        r.Snippet,
		SnippetCharset: r.SnippetCharset,
		Read:           r.Read,
		Archived:       r.Archived,
		HasAttachment:  r.HasAttachment,
		Error:          r.Error,
		Kind:           store.ThreadKind(r.Kind),
	}
}

// GetOrCreateThread implements store.ThreadStore.
func (s *Store) GetOrCreateThread(ctx context.Context, addresses []string, subjectKey string) (int64, error) {
	normalized := store.NormalizeAddresses(addresses)
	if len(normalized) == 0 {
		return 0, store.ErrEmptyAddresses
	}
	subjectKey = strings.TrimSpace(subjectKey)

	var id int64
	err := s.write(ctx, func(ctx context.Context, tx *wtx) error {
		ids, err := registerAddresses(ctx, tx.Tx, normalized)
		if err != nil {
			return err
		}
		key := recipientKey(ids)

		err = tx.GetContext(ctx, &id, `SELECT _id FROM threads WHERE recipient_ids = ? AND subject_key = ?`, key, subjectKey)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup thread: %w", err)
		}

		kind := store.ThreadPointToPoint
		if len(ids) > 1 {
			kind = store.ThreadGroup
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO threads (recipient_ids, subject_key, type) VALUES (?, ?, ?)`,
			key, subjectKey, int(kind))
		if err != nil {
			return fmt.Errorf("insert thread: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		for _, aid := range ids {
			if _, err := tx.ExecContext(ctx, `INSERT INTO thread_addresses (thread_id, address_id) VALUES (?, ?)`, id, aid); err != nil {
				return fmt.Errorf("link thread address: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("get or create thread: %w", err)
	}
	return id, nil
}

// GetThread implements store.ThreadStore.
func (s *Store) GetThread(ctx context.Context, id int64) (*store.Thread, error) {
	if id <= 0 {
		return nil, store.ErrInvalidID
	}
	var rec threadRecord
	err := s.read(ctx, func(ctx context.Context) error {
		err := s.db.GetContext(ctx, &rec, `SELECT `+threadColumns+` FROM threads WHERE _id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec.toThread(), nil
}

// FindThreads implements store.ThreadStore.
func (s *Store) FindThreads(ctx context.Context, filters []store.Filter, opts store.ListOptions) ([]*store.Thread, error) {
	where, args, err := buildWhereClause(store.ScopeThread, filters)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + threadColumns + ` FROM threads` + where +
		orderClause(store.ScopeThread, opts, "date", store.SortDesc) + limitClause(opts)

	var recs []threadRecord
	if err := s.read(ctx, func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &recs, query, args...)
	}); err != nil {
		return nil, fmt.Errorf("find threads: %w", err)
	}
	out := make([]*store.Thread, len(recs))
	for i := range recs {
		out[i] = recs[i].toThread()
	}
	return out, nil
}

// SetThreadArchived implements store.ThreadStore.
func (s *Store) SetThreadArchived(ctx context.Context, id int64, archived bool) error {
	if id <= 0 {
		return store.ErrInvalidID
	}
	return s.write(ctx, func(ctx context.Context, tx *wtx) error {
		res, err := tx.ExecContext(ctx, `UPDATE threads SET archived = ? WHERE _id = ?`, archived, id)
		if err != nil {
			return fmt.Errorf("archive thread: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

// MarkThreadRead implements store.ThreadStore.
func (s *Store) MarkThreadRead(ctx context.Context, id int64) (int64, error) {
	if id <= 0 {
		return 0, store.ErrInvalidID
	}
	simpleUnread, _ := store.SimpleFilter("Read").Equal(false)
	richUnread, _ := store.RichFilter("Read").Equal(false)

	var total int64
	err := s.write(ctx, func(ctx context.Context, tx *wtx) error {
		if err := threadExists(ctx, tx.Tx, id); err != nil {
			return err
		}
		n, err := s.updateSimple(ctx, tx, []store.Filter{store.SimpleInThread(id), simpleUnread},
			store.SimpleUpdate{Read: store.Bool(true), Seen: store.Bool(true)})
		if err != nil {
			return err
		}
		m, err := s.updateRich(ctx, tx, []store.Filter{store.RichInThread(id), richUnread},
			store.RichUpdate{Read: store.Bool(true), Seen: store.Bool(true)})
		if err != nil {
			return err
		}
		total = n + m
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("mark thread read: %w", err)
	}
	return total, nil
}

// DeleteThread implements store.ThreadStore.
func (s *Store) DeleteThread(ctx context.Context, id int64) (int64, error) {
	if id <= 0 {
		return 0, store.ErrInvalidID
	}
	var total int64
	err := s.write(ctx, func(ctx context.Context, tx *wtx) error {
		if err := threadExists(ctx, tx.Tx, id); err != nil {
			return err
		}
		tx.bulk = true
		tx.touch(id)
		n, err := s.deleteSimple(ctx, tx, []store.Filter{store.SimpleInThread(id)})
		if err != nil {
			return err
		}
		m, err := s.deleteRich(ctx, tx, []store.Filter{store.RichInThread(id)})
		if err != nil {
			return err
		}
		total = n + m
		return reclaimTouched(ctx, tx)
	})
	if err != nil {
		return 0, fmt.Errorf("delete thread: %w", err)
	}
	return total, nil
}

func threadExists(ctx context.Context, tx *sqlx.Tx, id int64) error {
	var ok bool
	if err := tx.GetContext(ctx, &ok, `SELECT EXISTS (SELECT 1 FROM threads WHERE _id = ?)`, id); err != nil {
		return fmt.Errorf("lookup thread: %w", err)
	}
	if !ok {
		return fmt.Errorf("thread %d: %w", id, store.ErrNotFound)
	}
	return nil
}
