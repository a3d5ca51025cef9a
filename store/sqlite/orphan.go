package sqlite

import (
	"context"
	"fmt"
	"slices"

	"github.com/jmoiron/sqlx"
)

// orphanReclaimer removes threads emptied by a delete or a move, releases
// their addresses, and collects payload deletion intents for removed parts.
type orphanReclaimer struct{}

func (orphanReclaimer) name() string { return "orphan" }

func (orphanReclaimer) apply(ctx context.Context, tx *wtx, c change) error {
	switch c.op {
	case opDelete:
		if p, ok := c.old.(*partRow); ok {
			if p.DataPath != "" {
				tx.intents = append(tx.intents, p.DataPath)
			}
			return nil
		}
		return reclaimOrTouch(ctx, tx, c.old.threadID())
	case opUpdate:
		if _, ok := c.old.(*partRow); ok {
			return nil
		}
		if from := c.old.threadID(); from != c.new.threadID() {
			return reclaimOrTouch(ctx, tx, from)
		}
	}
	return nil
}

func reclaimOrTouch(ctx context.Context, tx *wtx, threadID int64) error {
	if tx.bulk {
		tx.touch(threadID)
		return nil
	}
	_, err := reclaimIfEmpty(ctx, tx.Tx, threadID)
	return err
}

// reclaimIfEmpty deletes the thread when no message references it. A
// thread holding only drafts has message_count 0 but is kept: the drafts
// point at it through thread_id, and removing it would break that key.
// DeleteObsoleteThreads applies the same rule.
func reclaimIfEmpty(ctx context.Context, tx *sqlx.Tx, threadID int64) (bool, error) {
	var referenced bool
	err := tx.GetContext(ctx, &referenced, `SELECT
		EXISTS (SELECT 1 FROM sms WHERE thread_id = ?1) OR EXISTS (SELECT 1 FROM pdu WHERE thread_id = ?1)`, threadID)
	if err != nil {
		return false, fmt.Errorf("inspect thread %d: %w", threadID, err)
	}
	if referenced {
		return false, nil
	}
	if err := reclaimThread(ctx, tx, threadID); err != nil {
		return false, err
	}
	return true, nil
}

// reclaimThread deletes a thread and the registry addresses only it used.
func reclaimThread(ctx context.Context, tx *sqlx.Tx, threadID int64) error {
	var addrIDs []int64
	if err := tx.SelectContext(ctx, &addrIDs, `SELECT address_id FROM thread_addresses WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("thread %d addresses: %w", threadID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE _id = ?`, threadID); err != nil {
		return fmt.Errorf("delete thread %d: %w", threadID, err)
	}
	_, err := releaseAddresses(ctx, tx, addrIDs)
	return err
}

// reclaimTouched reclaims every thread a bulk write touched, once each.
func reclaimTouched(ctx context.Context, tx *wtx) error {
	ids := make([]int64, 0, len(tx.touched))
	for id := range tx.touched {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if _, err := reclaimIfEmpty(ctx, tx.Tx, id); err != nil {
			return err
		}
	}
	clear(tx.touched)
	return nil
}

// beginBulk switches the transaction to deferred reclamation when a write
// spans more than one row. The returned func finishes the bulk write; it is
// a no-op when an outer caller already owns the bulk state.
func beginBulk(tx *wtx, rows int) func(ctx context.Context) error {
	if tx.bulk || rows <= 1 {
		return func(context.Context) error { return nil }
	}
	tx.bulk = true
	return func(ctx context.Context) error {
		tx.bulk = false
		return reclaimTouched(ctx, tx)
	}
}

const unreferencedThreads = `SELECT _id FROM threads t
	WHERE NOT EXISTS (SELECT 1 FROM sms WHERE sms.thread_id = t._id)
	AND NOT EXISTS (SELECT 1 FROM pdu WHERE pdu.thread_id = t._id)
	ORDER BY _id`

const unreferencedAddresses = `NOT EXISTS (SELECT 1 FROM thread_addresses ta WHERE ta.address_id = canonical_addresses._id)`

// deleteObsoleteThreads removes every unreferenced thread and then every
// unreferenced address in one pass each.
func deleteObsoleteThreads(ctx context.Context, tx *sqlx.Tx) (threads, addresses int64, err error) {
	var ids []int64
	if err := tx.SelectContext(ctx, &ids, unreferencedThreads); err != nil {
		return 0, 0, fmt.Errorf("find obsolete threads: %w", err)
	}
	if len(ids) > 0 {
		query, args, err := sqlx.In(`DELETE FROM threads WHERE _id IN (?)`, ids)
		if err != nil {
			return 0, 0, err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return 0, 0, fmt.Errorf("delete obsolete threads: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM canonical_addresses WHERE `+unreferencedAddresses)
	if err != nil {
		return 0, 0, fmt.Errorf("delete obsolete addresses: %w", err)
	}
	addresses, err = res.RowsAffected()
	if err != nil {
		return 0, 0, err
	}
	return int64(len(ids)), addresses, nil
}

// DeleteObsoleteThreads implements store.ThreadStore.
func (s *Store) DeleteObsoleteThreads(ctx context.Context) (int64, error) {
	var threads, addresses int64
	err := s.write(ctx, func(ctx context.Context, tx *wtx) error {
		var err error
		threads, addresses, err = deleteObsoleteThreads(ctx, tx.Tx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete obsolete threads: %w", err)
	}
	if threads > 0 || addresses > 0 {
		s.logger.Info("swept obsolete threads", "threads", threads, "addresses", addresses)
	}
	return threads, nil
}
