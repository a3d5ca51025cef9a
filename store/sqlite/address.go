package sqlite

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/convstore/store"
)

// registerAddresses returns the registry ids of normalized addresses,
// creating entries on first use. The result is sorted.
func registerAddresses(ctx context.Context, tx *sqlx.Tx, normalized []string) ([]int64, error) {
	ids := make([]int64, 0, len(normalized))
	for _, a := range normalized {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO canonical_addresses (address) VALUES (?)`, a); err != nil {
			return nil, fmt.Errorf("register address: %w", err)
		}
		var id int64
		if err := tx.GetContext(ctx, &id, `SELECT _id FROM canonical_addresses WHERE address = ?`, a); err != nil {
			return nil, fmt.Errorf("lookup address: %w", err)
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// recipientKey renders sorted address ids in the space separated form
// stored in threads.recipient_ids.
func recipientKey(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, " ")
}

// parseRecipientKey is the inverse of recipientKey. Malformed tokens are
// skipped.
func parseRecipientKey(key string) []int64 {
	fields := strings.Fields(key)
	ids := make([]int64, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// releaseAddresses deletes those of ids no remaining thread references.
func releaseAddresses(ctx context.Context, tx *sqlx.Tx, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`DELETE FROM canonical_addresses
		WHERE _id IN (?)
		AND NOT EXISTS (SELECT 1 FROM thread_addresses ta WHERE ta.address_id = canonical_addresses._id)`, ids)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("release addresses: %w", err)
	}
	return res.RowsAffected()
}

// ThreadAddresses implements store.ThreadStore.
func (s *Store) ThreadAddresses(ctx context.Context, id int64) ([]store.Address, error) {
	if id <= 0 {
		return nil, store.ErrInvalidID
	}
	var out []store.Address
	err := s.read(ctx, func(ctx context.Context) error {
		var exists bool
		if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM threads WHERE _id = ?)`, id); err != nil {
			return fmt.Errorf("lookup thread: %w", err)
		}
		if !exists {
			return store.ErrNotFound
		}
		var rows []struct {
			ID      int64  `db:"_id"`
			Address string `db:"address"`
		}
		if err := s.db.SelectContext(ctx, &rows, `SELECT ca._id, ca.address
			FROM thread_addresses ta JOIN canonical_addresses ca ON ca._id = ta.address_id
			WHERE ta.thread_id = ? ORDER BY ca._id`, id); err != nil {
			return fmt.Errorf("list thread addresses: %w", err)
		}
		out = make([]store.Address, len(rows))
		for i, r := range rows {
			out[i] = store.Address{ID: r.ID, Value: r.Address}
		}
		return nil
	})
	return out, err
}
