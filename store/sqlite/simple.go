package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/convstore/store"
)

type simpleRecord struct {
	ID        int64  `db:"_id"`
	ThreadID  int64  `db:"thread_id"`
	Address   string `db:"address"`
	Date      int64  `db:"date"`
	DateSent  int64  `db:"date_sent"`
	Box       int    `db:"type"`
	Read      bool   `db:"read"`
	Seen      bool   `db:"seen"`
	Status    int    `db:"status"`
	Body      string `db:"body"`
	Locked    bool   `db:"locked"`
	ErrorCode int    `db:"error_code"`
	Creator   string `db:"creator"`
}

const simpleColumns = `_id, thread_id, COALESCE(address, '') AS address, date, date_sent, type, read, seen,
	status, COALESCE(body, '') AS body, locked, error_code, COALESCE(creator, '') AS creator`

func (r *simpleRecord) toMessage() *store.SimpleMessage {
	return &store.SimpleMessage{
		ID:        r.ID,
		ThreadID:  r.ThreadID,
		Address:   r.Address,
		Date:      r.Date,
		DateSent:  r.DateSent,
		Box:       store.Box(r.Box),
		Read:      r.Read,
		Seen:      r.Seen,
		Locked:    r.Locked,
		Status:    r.Status,
		ErrorCode: r.ErrorCode,
		Body:      r.Body,
		Creator:   r.Creator,
	}
}

func applySimpleUpdate(m store.SimpleMessage, upd store.SimpleUpdate) *store.SimpleMessage {
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
	if upd.Status != nil {
		m.Status = *upd.Status
	}
	if upd.ErrorCode != nil {
		m.ErrorCode = *upd.ErrorCode
	}
	if upd.Body != nil {
		m.Body = *upd.Body
	}
	return &m
}

func validateSimpleUpdate(upd store.SimpleUpdate) error {
	if upd.ThreadID != nil && *upd.ThreadID <= 0 {
		return store.ErrInvalidThread
	}
	if upd.Box != nil && !upd.Box.Valid() {
		return fmt.Errorf("%w: box %d", store.ErrInvalidMessage, *upd.Box)
	}
	return nil
}

// CreateSimple implements store.SimpleStore.
func (s *Store) CreateSimple(ctx context.Context, msg store.SimpleMessage) (*store.SimpleMessage, error) {
	if msg.ThreadID <= 0 {
		return nil, store.ErrInvalidThread
	}
	if !msg.Box.Valid() {
		return nil, fmt.Errorf("%w: box %d", store.ErrInvalidMessage, msg.Box)
	}
	if msg.Date == 0 {
		msg.Date = time.Now().UnixMilli()
	}

	m := msg
	err := s.write(ctx, func(ctx context.Context, tx *wtx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO sms
			(thread_id, address, date, date_sent, type, read, seen, status, body, locked, error_code, creator)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ThreadID, m.Address, m.Date, m.DateSent, int(m.Box), m.Read, m.Seen, m.Status, m.Body,
			m.Locked, m.ErrorCode, m.Creator)
		if err != nil {
			return fmt.Errorf("insert simple message: %w", err)
		}
		if m.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		return s.pipe.run(ctx, tx, change{op: opInsert, new: &simpleRow{&m}})
	})
	if err != nil {
		return nil, fmt.Errorf("create simple message: %w", err)
	}
	return &m, nil
}

// FindSimple implements store.SimpleStore.
func (s *Store) FindSimple(ctx context.Context, filters []store.Filter, opts store.ListOptions) ([]*store.SimpleMessage, error) {
	where, args, err := buildWhereClause(store.ScopeSimple, filters)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + simpleColumns + ` FROM sms` + where +
		orderClause(store.ScopeSimple, opts, "date", store.SortDesc) + limitClause(opts)

	var recs []simpleRecord
	if err := s.read(ctx, func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &recs, query, args...)
	}); err != nil {
		return nil, fmt.Errorf("find simple messages: %w", err)
	}
	out := make([]*store.SimpleMessage, len(recs))
	for i := range recs {
		out[i] = recs[i].toMessage()
	}
	return out, nil
}

// CountSimple implements store.SimpleStore.
func (s *Store) CountSimple(ctx context.Context, filters []store.Filter) (int64, error) {
	where, args, err := buildWhereClause(store.ScopeSimple, filters)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.read(ctx, func(ctx context.Context) error {
		return s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM sms`+where, args...)
	})
	if err != nil {
		return 0, fmt.Errorf("count simple messages: %w", err)
	}
	return n, nil
}

// UpdateSimple implements store.SimpleStore.
func (s *Store) UpdateSimple(ctx context.Context, filters []store.Filter, upd store.SimpleUpdate) (int64, error) {
	if err := validateSimpleUpdate(upd); err != nil {
		return 0, err
	}
	if upd.IsEmpty() {
		return 0, nil
	}
	var n int64
	err := s.write(ctx, func(ctx context.Context, tx *wtx) error {
		var err error
		n, err = s.updateSimple(ctx, tx, filters, upd)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("update simple messages: %w", err)
	}
	return n, nil
}

// DeleteSimple implements store.SimpleStore.
func (s *Store) DeleteSimple(ctx context.Context, filters []store.Filter) (int64, error) {
	var n int64
	err := s.write(ctx, func(ctx context.Context, tx *wtx) error {
		var err error
		n, err = s.deleteSimple(ctx, tx, filters)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete simple messages: %w", err)
	}
	return n, nil
}

func (s *Store) selectSimpleTx(ctx context.Context, tx *wtx, filters []store.Filter) ([]simpleRecord, error) {
	where, args, err := buildWhereClause(store.ScopeSimple, filters)
	if err != nil {
		return nil, err
	}
	var recs []simpleRecord
	if err := tx.SelectContext(ctx, &recs, `SELECT `+simpleColumns+` FROM sms`+where+` ORDER BY _id`, args...); err != nil {
		return nil, fmt.Errorf("select simple messages: %w", err)
	}
	return recs, nil
}

// updateSimple rewrites each matching row and runs the pipeline per row.
func (s *Store) updateSimple(ctx context.Context, tx *wtx, filters []store.Filter, upd store.SimpleUpdate) (int64, error) {
	recs, err := s.selectSimpleTx(ctx, tx, filters)
	if err != nil {
		return 0, err
	}
	finish := beginBulk(tx, len(recs))
	for i := range recs {
		old := recs[i].toMessage()
		m := applySimpleUpdate(*old, upd)
		if _, err := tx.ExecContext(ctx, `UPDATE sms SET
			thread_id = ?, date = ?, type = ?, read = ?, seen = ?, locked = ?, status = ?, error_code = ?, body = ?
			WHERE _id = ?`,
			m.ThreadID, m.Date, int(m.Box), m.Read, m.Seen, m.Locked, m.Status, m.ErrorCode, m.Body, m.ID); err != nil {
			return 0, fmt.Errorf("update simple message %d: %w", m.ID, err)
		}
		if err := s.pipe.run(ctx, tx, change{op: opUpdate, old: &simpleRow{old}, new: &simpleRow{m}}); err != nil {
			return 0, err
		}
	}
	if err := finish(ctx); err != nil {
		return 0, err
	}
	return int64(len(recs)), nil
}

// deleteSimple removes each matching row and runs the pipeline per row.
func (s *Store) deleteSimple(ctx context.Context, tx *wtx, filters []store.Filter) (int64, error) {
	recs, err := s.selectSimpleTx(ctx, tx, filters)
	if err != nil {
		return 0, err
	}
	finish := beginBulk(tx, len(recs))
	for i := range recs {
		old := recs[i].toMessage()
		if _, err := tx.ExecContext(ctx, `DELETE FROM sms WHERE _id = ?`, old.ID); err != nil {
			return 0, fmt.Errorf("delete simple message %d: %w", old.ID, err)
		}
		if err := s.pipe.run(ctx, tx, change{op: opDelete, old: &simpleRow{old}}); err != nil {
			return 0, err
		}
	}
	if err := finish(ctx); err != nil {
		return 0, err
	}
	return int64(len(recs)), nil
}
