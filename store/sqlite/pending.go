package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/convstore/store"
)

// pendingMaintainer keeps the retry queue in line with rich message state.
//
//	insert, type notification or read record   -> pending
//	insert or move into outbox, send request    -> pending
//	move out of outbox                          -> no entry
//	delete                                      -> no entry
type pendingMaintainer struct{}

func (pendingMaintainer) name() string { return "pending" }

func (pendingMaintainer) apply(ctx context.Context, tx *wtx, c change) error {
	switch c.op {
	case opInsert:
		r, ok := c.new.(*richRow)
		if !ok {
			return nil
		}
		if r.Type.NeedsNetwork() || entersOutbox(r.Type, r.Box) {
			return insertPending(ctx, tx.Tx, r.ID, r.Type)
		}
	case opUpdate:
		o, ok := c.old.(*richRow)
		if !ok {
			return nil
		}
		n := c.new.(*richRow)
		if o.Box == n.Box {
			return nil
		}
		if o.Box == store.BoxOutbox {
			return dequeue(ctx, tx, n.ID, n.ThreadID)
		}
		if entersOutbox(n.Type, n.Box) {
			return insertPending(ctx, tx.Tx, n.ID, n.Type)
		}
	case opDelete:
		if r, ok := c.old.(*richRow); ok {
			return deletePending(ctx, tx.Tx, r.ID)
		}
	}
	return nil
}

func entersOutbox(t store.ProtocolType, b store.Box) bool {
	return t == store.TypeSendRequest && b == store.BoxOutbox
}

func insertPending(ctx context.Context, tx *sqlx.Tx, msgID int64, t store.ProtocolType) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO pending_msgs (proto_type, msg_id, msg_type) VALUES (?, ?, ?)`,
		int(store.ProtoRich), msgID, int(t))
	if err != nil {
		return fmt.Errorf("queue message %d: %w", msgID, err)
	}
	return nil
}

// dequeue removes the entry of a message that stays in threadID. The
// thread maintainer already ran with the entry in place, so a permanent
// failure leaving the queue needs the thread recomputed again.
func dequeue(ctx context.Context, tx *wtx, msgID, threadID int64) error {
	var errType int
	err := tx.GetContext(ctx, &errType, `SELECT err_type FROM pending_msgs WHERE proto_type = ? AND msg_id = ?`,
		int(store.ProtoRich), msgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load pending entry %d: %w", msgID, err)
	}
	if err := deletePending(ctx, tx.Tx, msgID); err != nil {
		return err
	}
	if errType < store.ErrTypePermanent || threadID == 0 {
		return nil
	}
	return recomputeThread(ctx, tx.Tx, threadID)
}

func deletePending(ctx context.Context, tx *sqlx.Tx, msgID int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM pending_msgs WHERE proto_type = ? AND msg_id = ?`,
		int(store.ProtoRich), msgID)
	if err != nil {
		return fmt.Errorf("dequeue message %d: %w", msgID, err)
	}
	return nil
}

type pendingRecord struct {
	ID          int64 `db:"_id"`
	Proto       int   `db:"proto_type"`
	MessageID   int64 `db:"msg_id"`
	MessageType int   `db:"msg_type"`
	ErrType     int   `db:"err_type"`
	ErrCode     int   `db:"err_code"`
	RetryIndex  int   `db:"retry_index"`
	DueTime     int64 `db:"due_time"`
	LastTry     int64 `db:"last_try"`
}

const pendingColumns = `_id, proto_type, msg_id, msg_type, err_type, err_code, retry_index, due_time, last_try`

func (r *pendingRecord) toEntry() *store.PendingEntry {
	return &store.PendingEntry{
		ID:          r.ID,
		Proto:       store.ProtoKind(r.Proto),
		MessageID:   r.MessageID,
		MessageType: store.ProtocolType(r.MessageType),
		ErrType:     r.ErrType,
		ErrCode:     r.ErrCode,
		RetryIndex:  r.RetryIndex,
		DueTime:     r.DueTime,
		LastTry:     r.LastTry,
	}
}

// PendingEntries implements store.PendingStore.
func (s *Store) PendingEntries(ctx context.Context, filters []store.Filter, opts store.ListOptions) ([]*store.PendingEntry, error) {
	where, args, err := buildWhereClause(store.ScopePending, filters)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + pendingColumns + ` FROM pending_msgs` + where +
		orderClause(store.ScopePending, opts, "due_time", store.SortAsc) + limitClause(opts)

	var recs []pendingRecord
	if err := s.read(ctx, func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &recs, query, args...)
	}); err != nil {
		return nil, fmt.Errorf("pending entries: %w", err)
	}
	out := make([]*store.PendingEntry, len(recs))
	for i := range recs {
		out[i] = recs[i].toEntry()
	}
	return out, nil
}

// RecordDeliveryAttempt implements store.PendingStore.
func (s *Store) RecordDeliveryAttempt(ctx context.Context, messageID int64, attempt store.DeliveryAttempt) error {
	if messageID <= 0 {
		return store.ErrInvalidID
	}
	err := s.write(ctx, func(ctx context.Context, tx *wtx) error {
		res, err := tx.ExecContext(ctx, `UPDATE pending_msgs
			SET err_type = ?, err_code = ?, retry_index = ?, due_time = ?, last_try = ?
			WHERE proto_type = ? AND msg_id = ?`,
			attempt.ErrType, attempt.ErrCode, attempt.RetryIndex, attempt.DueTime, attempt.LastTry,
			int(store.ProtoRich), messageID)
		if err != nil {
			return fmt.Errorf("update pending entry: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrNotFound
		}

		var threadID int64
		if err := tx.GetContext(ctx, &threadID, `SELECT thread_id FROM pdu WHERE _id = ?`, messageID); err != nil {
			return fmt.Errorf("lookup message thread: %w", err)
		}
		return recomputeThread(ctx, tx.Tx, threadID)
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("record delivery attempt: %w", err)
	}
	return err
}
