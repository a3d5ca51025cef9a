package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/convstore/store"
)

// indexMaintainer keeps one words entry per simple message and per text part.
type indexMaintainer struct{}

func (indexMaintainer) name() string { return "index" }

func (indexMaintainer) apply(ctx context.Context, tx *wtx, c change) error {
	switch r := c.subject().(type) {
	case *simpleRow:
		return applySimpleIndex(ctx, tx.Tx, c, r)
	case *partRow:
		return applyPartIndex(ctx, tx.Tx, c)
	}
	return nil
}

func applySimpleIndex(ctx context.Context, tx *sqlx.Tx, c change, r *simpleRow) error {
	switch c.op {
	case opInsert:
		return insertIndexEntry(ctx, tx, store.SourceSimple, r.ID, r.Body)
	case opUpdate:
		if c.old.(*simpleRow).Body == r.Body {
			return nil
		}
		return updateIndexEntry(ctx, tx, store.SourceSimple, r.ID, r.Body)
	case opDelete:
		return deleteIndexEntry(ctx, tx, store.SourceSimple, r.ID)
	}
	return nil
}

func applyPartIndex(ctx context.Context, tx *sqlx.Tx, c change) error {
	var oldText, newText bool
	if c.old != nil {
		oldText = c.old.(*partRow).IsText()
	}
	if c.new != nil {
		newText = c.new.(*partRow).IsText()
	}

	switch {
	case !oldText && newText:
		p := c.new.(*partRow)
		return insertIndexEntry(ctx, tx, store.SourceRich, p.ID, p.Text)
	case oldText && !newText:
		return deleteIndexEntry(ctx, tx, store.SourceRich, c.old.(*partRow).ID)
	case oldText && newText:
		o, n := c.old.(*partRow), c.new.(*partRow)
		if o.Text == n.Text {
			return nil
		}
		return updateIndexEntry(ctx, tx, store.SourceRich, n.ID, n.Text)
	}
	return nil
}

func insertIndexEntry(ctx context.Context, tx *sqlx.Tx, source store.IndexSource, sourceID int64, text string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO words (_id, index_text, source_id, table_to_use) VALUES (?, ?, ?, ?)`,
		store.IndexEntryID(source, sourceID), text, sourceID, int(source))
	if err != nil {
		return fmt.Errorf("index %s %d: %w", source, sourceID, err)
	}
	return nil
}

// updateIndexEntry rewrites an entry in place so its identifier survives
// edits. A missing entry is created.
func updateIndexEntry(ctx context.Context, tx *sqlx.Tx, source store.IndexSource, sourceID int64, text string) error {
	res, err := tx.ExecContext(ctx, `UPDATE words SET index_text = ? WHERE source_id = ? AND table_to_use = ?`,
		text, sourceID, int(source))
	if err != nil {
		return fmt.Errorf("reindex %s %d: %w", source, sourceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return insertIndexEntry(ctx, tx, source, sourceID, text)
	}
	return nil
}

func deleteIndexEntry(ctx context.Context, tx *sqlx.Tx, source store.IndexSource, sourceID int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM words WHERE source_id = ? AND table_to_use = ?`,
		sourceID, int(source)); err != nil {
		return fmt.Errorf("unindex %s %d: %w", source, sourceID, err)
	}
	return nil
}

// Source queries for the index. They are shared by rebuild, the migration
// backfill, and the consistency check.
var (
	simpleIndexSource = fmt.Sprintf(`SELECT _id, COALESCE(body, ''), _id, %d FROM sms`, int(store.SourceSimple))
	richIndexSource   = fmt.Sprintf(`SELECT %d + _id, COALESCE(text, ''), _id, %d FROM part WHERE lower(ct) = '%s'`,
		store.RichIndexOffset, int(store.SourceRich), store.ContentTypeText)
)

// fillIndex writes entries for every indexable row. With ignore set,
// existing entries are kept.
func fillIndex(ctx context.Context, tx *sqlx.Tx, ignore bool) (int64, error) {
	verb := "INSERT"
	if ignore {
		verb = "INSERT OR IGNORE"
	}
	var total int64
	for _, src := range []string{simpleIndexSource, richIndexSource} {
		res, err := tx.ExecContext(ctx, verb+` INTO words (_id, index_text, source_id, table_to_use) `+src)
		if err != nil {
			return 0, fmt.Errorf("fill index: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Search implements store.IndexStore.
func (s *Store) Search(ctx context.Context, query string, opts store.ListOptions) ([]store.IndexEntry, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty search query", store.ErrFilterInvalid)
	}

	var rows []struct {
		ID       int64  `db:"_id"`
		Text     string `db:"index_text"`
		SourceID int64  `db:"source_id"`
		Source   int    `db:"table_to_use"`
	}
	err := s.read(ctx, func(ctx context.Context) error {
		return s.db.SelectContext(ctx, &rows, `SELECT _id, COALESCE(index_text, '') AS index_text, source_id, table_to_use
			FROM words WHERE index_text LIKE ? ESCAPE '\' ORDER BY _id`+limitClause(opts),
			"%"+escapeLike(query)+"%")
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	out := make([]store.IndexEntry, len(rows))
	for i, r := range rows {
		out[i] = store.IndexEntry{ID: r.ID, Text: r.Text, SourceID: r.SourceID, Source: store.IndexSource(r.Source)}
	}
	return out, nil
}

// RebuildIndex implements store.IndexStore.
func (s *Store) RebuildIndex(ctx context.Context) (int64, error) {
	var n int64
	err := s.write(ctx, func(ctx context.Context, tx *wtx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM words`); err != nil {
			return fmt.Errorf("clear index: %w", err)
		}
		var err error
		n, err = fillIndex(ctx, tx.Tx, false)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("rebuild index: %w", err)
	}
	s.logger.Info("rebuilt text index", "entries", n)
	return n, nil
}
