package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/convstore/store"
)

type richRecord struct {
	ID             int64  `db:"_id"`
	ThreadID       int64  `db:"thread_id"`
	Date           int64  `db:"date"`
	DateSent       int64  `db:"date_sent"`
	Box            int    `db:"msg_box"`
	Type           int    `db:"m_type"`
	Read           bool   `db:"read"`
	Seen           bool   `db:"seen"`
	Subject        string `db:"sub"`
	SubjectCharset int    `db:"sub_cs"`
	MessageRef     string `db:"m_id"`
	TransactionID  string `db:"tr_id"`
	Locked         bool   `db:"locked"`
	TextOnly       bool   `db:"text_only"`
	Creator        string `db:"creator"`
}

const richColumns = `_id, thread_id, date, date_sent, msg_box, m_type, read, seen,
	COALESCE(sub, '') AS sub, sub_cs, COALESCE(m_id, '') AS m_id, COALESCE(tr_id, '') AS tr_id,
	locked, text_only, COALESCE(creator, '') AS creator`

func (r *richRecord) toMessage() *store.RichMessage {
	return &store.RichMessage{
		ID:             r.ID,
		ThreadID:       r.ThreadID,
		Date:           r.Date,
		DateSent:       r.DateSent,
		Box:            store.Box(r.Box),
		Type:           store.ProtocolType(r.Type),
		Read:           r.Read,
		Seen:           r.Seen,
		Locked:         r.Locked,
		TextOnly:       r.TextOnly,
		Subject:        r.Subject,
		SubjectCharset: r.SubjectCharset,
		MessageRef:     r.MessageRef,
		TransactionID:  r.TransactionID,
		Creator:        r.Creator,
	}
}

type partRecord struct {
	ID              int64  `db:"_id"`
	MessageID       int64  `db:"mid"`
	Seq             int    `db:"seq"`
	ContentType     string `db:"ct"`
	Name            string `db:"name"`
	Charset         int    `db:"chset"`
	ContentID       string `db:"cid"`
	ContentLocation string `db:"cl"`
	DataPath        string `db:"_data"`
	Text            string `db:"text"`
}

const partColumns = `part._id, part.mid, part.seq, COALESCE(part.ct, '') AS ct, COALESCE(part.name, '') AS name,
	part.chset, COALESCE(part.cid, '') AS cid, COALESCE(part.cl, '') AS cl,
	COALESCE(part._data, '') AS _data, COALESCE(part.text, '') AS text`

func (r *partRecord) toPart() *store.Part {
	return &store.Part{
		ID:              r.ID,
		MessageID:       r.MessageID,
		Seq:             r.Seq,
		ContentType:     r.ContentType,
		Name:            r.Name,
		Charset:         r.Charset,
		ContentID:       r.ContentID,
		ContentLocation: r.ContentLocation,
		DataPath:        r.DataPath,
		Text:            r.Text,
	}
}

// textOnlyQuery derives pdu.text_only: no attachment and at most one text part.
var textOnlyQuery = `UPDATE pdu SET text_only = (
	NOT EXISTS (SELECT 1 FROM part WHERE part.mid = pdu._id AND ` + attachmentPredicate + `)
	AND (SELECT COUNT(*) FROM part WHERE part.mid = pdu._id AND lower(part.ct) = '` + store.ContentTypeText + `') <= 1)`

func refreshTextOnly(ctx context.Context, tx *sqlx.Tx, msgID int64) error {
	if _, err := tx.ExecContext(ctx, textOnlyQuery+` WHERE _id = ?`, msgID); err != nil {
		return fmt.Errorf("refresh text_only: %w", err)
	}
	return nil
}

func textOnly(parts []store.Part) bool {
	texts := 0
	for i := range parts {
		if parts[i].IsAttachment() {
			return false
		}
		if parts[i].IsText() {
			texts++
		}
	}
	return texts <= 1
}

func applyRichUpdate(m store.RichMessage, upd store.RichUpdate) *store.RichMessage {
	if upd.ThreadID != nil {
		m.ThreadID = *upd.ThreadID
	}
	if upd.Date != nil {
		m.Date = *upd.Date
	}
	if upd.Box != nil {
		m.Box = *upd.Box
	}
	if upd.Read != nil {
		m.Read = *upd.Read
	}
	if upd.Seen != nil {
		m.Seen = *upd.Seen
	}
	if upd.Locked != nil {
		m.Locked = *upd.Locked
	}
	if upd.Subject != nil {
		m.Subject = *upd.Subject
	}
	if upd.SubjectCharset != nil {
		m.SubjectCharset = *upd.SubjectCharset
	}
	return &m
}

func applyPartUpdate(p store.Part, upd store.PartUpdate) *store.Part {
	if upd.ContentType != nil {
		p.ContentType = *upd.ContentType
	}
	if upd.Charset != nil {
		p.Charset = *upd.Charset
	}
	if upd.DataPath != nil {
		p.DataPath = *upd.DataPath
	}
	if upd.Text != nil {
		p.Text = *upd.Text
	}
	return &p
}

// CreateRich implements store.RichStore.
func (s *Store) CreateRich(ctx context.Context, msg store.RichMessage) (*store.RichMessage, error) {
	if msg.ThreadID <= 0 {
		return nil, store.ErrInvalidThread
	}
	if !msg.Box.Valid() {
		return nil, fmt.Errorf("%w: box %d", store.ErrInvalidMessage, msg.Box)
	}
	if msg.Type <= 0 {
		return nil, fmt.Errorf("%w: protocol type %d", store.ErrInvalidMessage, msg.Type)
	}
	if msg.Date == 0 {
		msg.Date = time.Now().Unix()
	}

	m := msg
	m.Parts = append([]store.Part(nil), msg.Parts...)
	m.Addrs = append([]store.MessageAddr(nil), msg.Addrs...)
	m.TextOnly = textOnly(m.Parts)

	err := s.write(ctx, func(ctx context.Context, tx *wtx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO pdu
			(thread_id, date, date_sent, msg_box, m_type, read, seen, sub, sub_cs, m_id, tr_id, locked, text_only, creator)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ThreadID, m.Date, m.DateSent, int(m.Box), int(m.Type), m.Read, m.Seen, m.Subject, m.SubjectCharset,
			m.MessageRef, m.TransactionID, m.Locked, m.TextOnly, m.Creator)
		if err != nil {
			return fmt.Errorf("insert rich message: %w", err)
		}
		if m.ID, err = res.LastInsertId(); err != nil {
			return err
		}

		for i := range m.Parts {
			if err := s.insertPart(ctx, tx, m.ID, m.ThreadID, &m.Parts[i], true); err != nil {
				return err
			}
		}
		for i := range m.Addrs {
			a := &m.Addrs[i]
			a.MessageID = m.ID
			res, err := tx.ExecContext(ctx, `INSERT INTO addr (msg_id, address, type, charset) VALUES (?, ?, ?, ?)`,
				m.ID, a.Address, int(a.Role), a.Charset)
			if err != nil {
				return fmt.Errorf("insert message address: %w", err)
			}
			if a.ID, err = res.LastInsertId(); err != nil {
				return err
			}
		}
		return s.pipe.run(ctx, tx, change{op: opInsert, new: &richRow{&m}})
	})
	if err != nil {
		return nil, fmt.Errorf("create rich message: %w", err)
	}
	return &m, nil
}

func (s *Store) insertPart(ctx context.Context, tx *wtx, msgID, threadID int64, p *store.Part, cascade bool) error {
	p.MessageID = msgID
	res, err := tx.ExecContext(ctx, `INSERT INTO part (mid, seq, ct, name, chset, cid, cl, _data, text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msgID, p.Seq, p.ContentType, p.Name, p.Charset, p.ContentID, p.ContentLocation, p.DataPath, p.Text)
	if err != nil {
		return fmt.Errorf("insert part: %w", err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	return s.pipe.run(ctx, tx, change{op: opInsert, new: &partRow{Part: p, thread: threadID, cascade: cascade}})
}

// GetRich implements store.RichStore.
func (s *Store) GetRich(ctx context.Context, id int64) (*store.RichMessage, error) {
	if id <= 0 {
		return nil, store.ErrInvalidID
	}
	var msg *store.RichMessage
	err := s.read(ctx, func(ctx context.Context) error {
		var rec richRecord
		err := s.db.GetContext(ctx, &rec, `SELECT `+richColumns+` FROM pdu WHERE _id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		msg = rec.toMessage()

		parts, err := loadParts(ctx, s.db, id)
		if err != nil {
			return err
		}
		msg.Parts = make([]store.Part, len(parts))
		for i, p := range parts {
			msg.Parts[i] = *p.toPart()
		}

		var addrs []struct {
			ID      int64  `db:"_id"`
			MsgID   int64  `db:"msg_id"`
			Address string `db:"address"`
			Role    int    `db:"type"`
			Charset int    `db:"charset"`
		}
		if err := s.db.SelectContext(ctx, &addrs, `SELECT _id, msg_id, COALESCE(address, '') AS address, type, charset
			FROM addr WHERE msg_id = ? ORDER BY _id`, id); err != nil {
			return fmt.Errorf("load message addresses: %w", err)
		}
		msg.Addrs = make([]store.MessageAddr, len(addrs))
		for i, a := range addrs {
			msg.Addrs[i] = store.MessageAddr{ID: a.ID, MessageID: a.MsgID, Address: a.Address, Role: store.AddrRole(a.Role), Charset: a.Charset}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func loadParts(ctx context.Context, q sqlx.QueryerContext, msgID int64) ([]partRecord, error) {
	var parts []partRecord
	if err := sqlx.SelectContext(ctx, q, &parts, `SELECT `+partColumns+` FROM part WHERE mid = ? ORDER BY seq, _id`, msgID); err != nil {
		return nil, fmt.Errorf("load parts: %w", err)
	}
	return parts, nil
}

// Parts implements store.RichStore.
func (s *Store) Parts(ctx context.Context, messageID int64) ([]*store.Part, error) {
	if messageID <= 0 {
		return nil, store.ErrInvalidID
	}
	var out []*store.Part
	err := s.read(ctx, func(ctx context.Context) error {
		var exists bool
		if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM pdu WHERE _id = ?)`, messageID); err != nil {
			return err
		}
		if !exists {
			return store.ErrNotFound
		}
		parts, err := loadParts(ctx, s.db, messageID)
		if err != nil {
			return err
		}
		out = make([]*store.Part, len(parts))
		for i := range parts {
			out[i] = parts[i].toPart()
		}
		return nil
	})
	return out, err
}

// FindRich implements store.RichStore.
func (s *Store) FindRich(ctx context.Context, filters []store.Filter, opts store.ListOptions) ([]*store.RichMessage, error) {
	where, args, err := buildWhereClause(store.ScopeRich, filters)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + richColumns + ` FROM pdu` + where +
		orderClause(store.ScopeRich, opts, "date", store.SortDesc) + limitClause(opts)

	var recs []richRecord
	if err := s.read(ctx, func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &recs, query, args...)
	}); err != nil {
		return nil, fmt.Errorf("find rich messages: %w", err)
	}
	out := make([]*store.RichMessage, len(recs))
	for i := range recs {
		out[i] = recs[i].toMessage()
	}
	return out, nil
}

// CountRich implements store.RichStore.
func (s *Store) CountRich(ctx context.Context, filters []store.Filter) (int64, error) {
	where, args, err := buildWhereClause(store.ScopeRich, filters)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.read(ctx, func(ctx context.Context) error {
		return s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM pdu`+where, args...)
	})
	if err != nil {
		return 0, fmt.Errorf("count rich messages: %w", err)
	}
	return n, nil
}

// UpdateRich implements store.RichStore.
func (s *Store) UpdateRich(ctx context.Context, filters []store.Filter, upd store.RichUpdate) (int64, error) {
	if upd.ThreadID != nil && *upd.ThreadID <= 0 {
		return 0, store.ErrInvalidThread
	}
	if upd.Box != nil && !upd.Box.Valid() {
		return 0, fmt.Errorf("%w: box %d", store.ErrInvalidMessage, *upd.Box)
	}
	if upd.IsEmpty() {
		return 0, nil
	}
	var n int64
	err := s.write(ctx, func(ctx context.Context, tx *wtx) error {
		var err error
		n, err = s.updateRich(ctx, tx, filters, upd)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("update rich messages: %w", err)
	}
	return n, nil
}

// DeleteRich implements store.RichStore.
func (s *Store) DeleteRich(ctx context.Context, filters []store.Filter) (int64, error) {
	var n int64
	err := s.write(ctx, func(ctx context.Context, tx *wtx) error {
		var err error
		n, err = s.deleteRich(ctx, tx, filters)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete rich messages: %w", err)
	}
	return n, nil
}

func (s *Store) selectRichTx(ctx context.Context, tx *wtx, filters []store.Filter) ([]richRecord, error) {
	where, args, err := buildWhereClause(store.ScopeRich, filters)
	if err != nil {
		return nil, err
	}
	var recs []richRecord
	if err := tx.SelectContext(ctx, &recs, `SELECT `+richColumns+` FROM pdu`+where+` ORDER BY _id`, args...); err != nil {
		return nil, fmt.Errorf("select rich messages: %w", err)
	}
	return recs, nil
}

func (s *Store) updateRich(ctx context.Context, tx *wtx, filters []store.Filter, upd store.RichUpdate) (int64, error) {
	recs, err := s.selectRichTx(ctx, tx, filters)
	if err != nil {
		return 0, err
	}
	finish := beginBulk(tx, len(recs))
	for i := range recs {
		old := recs[i].toMessage()
		m := applyRichUpdate(*old, upd)
		if _, err := tx.ExecContext(ctx, `UPDATE pdu SET
			thread_id = ?, date = ?, msg_box = ?, read = ?, seen = ?, locked = ?, sub = ?, sub_cs = ?
			WHERE _id = ?`,
			m.ThreadID, m.Date, int(m.Box), m.Read, m.Seen, m.Locked, m.Subject, m.SubjectCharset, m.ID); err != nil {
			return 0, fmt.Errorf("update rich message %d: %w", m.ID, err)
		}
		if err := s.pipe.run(ctx, tx, change{op: opUpdate, old: &richRow{old}, new: &richRow{m}}); err != nil {
			return 0, err
		}
	}
	if err := finish(ctx); err != nil {
		return 0, err
	}
	return int64(len(recs)), nil
}

// deleteRich removes parts, then addresses, then the header, running the
// pipeline for each part and for the header.
func (s *Store) deleteRich(ctx context.Context, tx *wtx, filters []store.Filter) (int64, error) {
	recs, err := s.selectRichTx(ctx, tx, filters)
	if err != nil {
		return 0, err
	}
	finish := beginBulk(tx, len(recs))
	for i := range recs {
		old := recs[i].toMessage()
		parts, err := loadParts(ctx, tx, old.ID)
		if err != nil {
			return 0, err
		}
		for j := range parts {
			p := parts[j].toPart()
			if _, err := tx.ExecContext(ctx, `DELETE FROM part WHERE _id = ?`, p.ID); err != nil {
				return 0, fmt.Errorf("delete part %d: %w", p.ID, err)
			}
			if err := s.pipe.run(ctx, tx, change{op: opDelete, old: &partRow{Part: p, thread: old.ThreadID, cascade: true}}); err != nil {
				return 0, err
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM addr WHERE msg_id = ?`, old.ID); err != nil {
			return 0, fmt.Errorf("delete message addresses: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pdu WHERE _id = ?`, old.ID); err != nil {
			return 0, fmt.Errorf("delete rich message %d: %w", old.ID, err)
		}
		if err := s.pipe.run(ctx, tx, change{op: opDelete, old: &richRow{old}}); err != nil {
			return 0, err
		}
	}
	if err := finish(ctx); err != nil {
		return 0, err
	}
	return int64(len(recs)), nil
}

func (s *Store) messageThread(ctx context.Context, tx *wtx, msgID int64) (int64, error) {
	var threadID int64
	err := tx.GetContext(ctx, &threadID, `SELECT thread_id FROM pdu WHERE _id = ?`, msgID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("rich message %d: %w", msgID, store.ErrNotFound)
	}
	return threadID, err
}

// AddPart implements store.RichStore.
func (s *Store) AddPart(ctx context.Context, messageID int64, part store.Part) (*store.Part, error) {
	if messageID <= 0 {
		return nil, store.ErrInvalidID
	}
	p := part
	err := s.write(ctx, func(ctx context.Context, tx *wtx) error {
		threadID, err := s.messageThread(ctx, tx, messageID)
		if err != nil {
			return err
		}
		if err := s.insertPart(ctx, tx, messageID, threadID, &p, false); err != nil {
			return err
		}
		return refreshTextOnly(ctx, tx.Tx, messageID)
	})
	if err != nil {
		return nil, fmt.Errorf("add part: %w", err)
	}
	return &p, nil
}

func (s *Store) partTx(ctx context.Context, tx *wtx, partID int64) (*store.Part, int64, error) {
	var rec struct {
		partRecord
		ThreadID int64 `db:"thread_id"`
	}
	err := tx.GetContext(ctx, &rec, `SELECT `+partColumns+`, pdu.thread_id
		FROM part JOIN pdu ON pdu._id = part.mid WHERE part._id = ?`, partID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("part %d: %w", partID, store.ErrNotFound)
	}
	if err != nil {
		return nil, 0, err
	}
	return rec.toPart(), rec.ThreadID, nil
}

// UpdatePart implements store.RichStore.
func (s *Store) UpdatePart(ctx context.Context, partID int64, upd store.PartUpdate) error {
	if partID <= 0 {
		return store.ErrInvalidID
	}
	err := s.write(ctx, func(ctx context.Context, tx *wtx) error {
		old, threadID, err := s.partTx(ctx, tx, partID)
		if err != nil {
			return err
		}
		p := applyPartUpdate(*old, upd)
		if _, err := tx.ExecContext(ctx, `UPDATE part SET ct = ?, chset = ?, _data = ?, text = ? WHERE _id = ?`,
			p.ContentType, p.Charset, p.DataPath, p.Text, partID); err != nil {
			return fmt.Errorf("update part %d: %w", partID, err)
		}
		c := change{
			op:  opUpdate,
			old: &partRow{Part: old, thread: threadID},
			new: &partRow{Part: p, thread: threadID},
		}
		if err := s.pipe.run(ctx, tx, c); err != nil {
			return err
		}
		return refreshTextOnly(ctx, tx.Tx, p.MessageID)
	})
	if err != nil {
		return fmt.Errorf("update part: %w", err)
	}
	return nil
}

// DeletePart implements store.RichStore.
func (s *Store) DeletePart(ctx context.Context, partID int64) error {
	if partID <= 0 {
		return store.ErrInvalidID
	}
	err := s.write(ctx, func(ctx context.Context, tx *wtx) error {
		old, threadID, err := s.partTx(ctx, tx, partID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM part WHERE _id = ?`, partID); err != nil {
			return fmt.Errorf("delete part %d: %w", partID, err)
		}
		if err := s.pipe.run(ctx, tx, change{op: opDelete, old: &partRow{Part: old, thread: threadID}}); err != nil {
			return err
		}
		return refreshTextOnly(ctx, tx.Tx, old.MessageID)
	})
	if err != nil {
		return fmt.Errorf("delete part: %w", err)
	}
	return nil
}
