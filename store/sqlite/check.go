package sqlite

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/convstore/store"
)

// ErrEmptyRoot is returned when a payload relocation names no source root.
var ErrEmptyRoot = errors.New("sqlite: empty payload root")

// Parity queries used by Check. Each returns a single count.
var (
	missingIndexQuery = fmt.Sprintf(`SELECT
	(SELECT COUNT(*) FROM sms WHERE NOT EXISTS
		(SELECT 1 FROM words w WHERE w.source_id = sms._id AND w.table_to_use = %[1]d))
	+ (SELECT COUNT(*) FROM part WHERE lower(ct) = '%[3]s' AND NOT EXISTS
		(SELECT 1 FROM words w WHERE w.source_id = part._id AND w.table_to_use = %[2]d))`,
		int(store.SourceSimple), int(store.SourceRich), store.ContentTypeText)

	staleIndexCondition = fmt.Sprintf(`(w.table_to_use = %[1]d AND NOT EXISTS (SELECT 1 FROM sms WHERE sms._id = w.source_id))
	OR (w.table_to_use = %[2]d AND NOT EXISTS
		(SELECT 1 FROM part WHERE part._id = w.source_id AND lower(part.ct) = '%[3]s'))
	OR w.table_to_use NOT IN (%[1]d, %[2]d)`,
		int(store.SourceSimple), int(store.SourceRich), store.ContentTypeText)

	staleIndexQuery = `SELECT COUNT(*) FROM words w WHERE ` + staleIndexCondition

	missingPendingQuery = fmt.Sprintf(`SELECT COUNT(*) FROM pdu
	WHERE m_type = %d AND msg_box = %d AND NOT EXISTS
		(SELECT 1 FROM pending_msgs p WHERE p.proto_type = %d AND p.msg_id = pdu._id)`,
		int(store.TypeSendRequest), int(store.BoxOutbox), int(store.ProtoRich))

	stalePendingQuery = fmt.Sprintf(`SELECT COUNT(*) FROM pending_msgs p
	LEFT JOIN pdu ON pdu._id = p.msg_id
	WHERE p.proto_type = %d AND (pdu._id IS NULL OR (pdu.m_type = %d AND pdu.msg_box <> %d))`,
		int(store.ProtoRich), int(store.TypeSendRequest), int(store.BoxOutbox))

	orphanThreadsQuery   = `SELECT COUNT(*) FROM (` + unreferencedThreads + `)`
	orphanAddressesQuery = `SELECT COUNT(*) FROM canonical_addresses WHERE ` + unreferencedAddresses
	danglingPartsQuery   = `SELECT COUNT(*) FROM part WHERE NOT EXISTS (SELECT 1 FROM pdu WHERE pdu._id = part.mid)`
)

// Check implements store.MaintenanceStore.
func (s *Store) Check(ctx context.Context) (*store.CheckReport, error) {
	report := &store.CheckReport{}
	err := s.write(ctx, func(ctx context.Context, tx *wtx) error {
		var recs []threadRecord
		if err := tx.SelectContext(ctx, &recs, `SELECT `+threadColumns+` FROM threads ORDER BY _id`); err != nil {
			return fmt.Errorf("list threads: %w", err)
		}
		for i := range recs {
			agg, err := computeAggregate(ctx, tx.Tx, recs[i].ID)
			if err != nil {
				return err
			}
			report.ThreadMismatches = append(report.ThreadMismatches, compareThread(&recs[i], agg)...)
		}
		report.ThreadsChecked = int64(len(recs))

		counts := []struct {
			query string
			dst   *int64
		}{
			{missingIndexQuery, &report.MissingIndex},
			{staleIndexQuery, &report.StaleIndex},
			{missingPendingQuery, &report.MissingPending},
			{stalePendingQuery, &report.StalePending},
			{orphanThreadsQuery, &report.OrphanThreads},
			{orphanAddressesQuery, &report.OrphanAddresses},
			{danglingPartsQuery, &report.DanglingParts},
		}
		for _, c := range counts {
			if err := tx.GetContext(ctx, c.dst, c.query); err != nil {
				return fmt.Errorf("parity check: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("check: %w", err)
	}
	if !report.Consistent() {
		s.logger.Warn("consistency check found problems",
			"thread_mismatches", len(report.ThreadMismatches),
			"missing_index", report.MissingIndex,
			"stale_index", report.StaleIndex,
			"missing_pending", report.MissingPending,
			"stale_pending", report.StalePending,
			"orphan_threads", report.OrphanThreads,
			"orphan_addresses", report.OrphanAddresses,
			"dangling_parts", report.DanglingParts)
	}
	return report, nil
}

func compareThread(r *threadRecord, agg threadAggregate) []store.ThreadMismatch {
	var out []store.ThreadMismatch
	add := func(field string, stored, expected any) {
		if stored != expected {
			out = append(out, store.ThreadMismatch{ThreadID: r.ID, Field: field, Stored: stored, Expected: expected})
		}
	}
	add("message_count", r.MessageCount, agg.MessageCount)
	add("date", r.Date, agg.Date)
	add("snippet", r.Snippet, agg.Snippet)
	add("snippet_cs", r.SnippetCharset, agg.SnippetCharset)
	add("read", r.Read, agg.Unread == 0)
	add("error", r.Error, agg.Errors)
	add("has_attachment", r.HasAttachment, agg.HasAttachment)
	return out
}

// recomputeAllThreads recomputes every thread and returns how many there were.
func recomputeAllThreads(ctx context.Context, tx *sqlx.Tx) (int64, error) {
	var ids []int64
	if err := tx.SelectContext(ctx, &ids, `SELECT _id FROM threads ORDER BY _id`); err != nil {
		return 0, fmt.Errorf("list threads: %w", err)
	}
	for _, id := range ids {
		if err := recomputeThread(ctx, tx, id); err != nil {
			return 0, err
		}
	}
	return int64(len(ids)), nil
}

// RecomputeThreads implements store.MaintenanceStore.
func (s *Store) RecomputeThreads(ctx context.Context) (int64, error) {
	var n int64
	err := s.write(ctx, func(ctx context.Context, tx *wtx) error {
		var err error
		n, err = recomputeAllThreads(ctx, tx.Tx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("recompute threads: %w", err)
	}
	return n, nil
}

// relocatePayloads rewrites the root of every payload path under oldRoot
// in a single statement.
func relocatePayloads(ctx context.Context, tx *sqlx.Tx, oldRoot, newRoot string) (int64, error) {
	if oldRoot == "" {
		return 0, ErrEmptyRoot
	}
	res, err := tx.ExecContext(ctx, `UPDATE part SET _data = ?2 || substr(_data, length(?1) + 1)
		WHERE substr(_data, 1, length(?1)) = ?1`, oldRoot, newRoot)
	if err != nil {
		return 0, fmt.Errorf("relocate payloads: %w", err)
	}
	return res.RowsAffected()
}

// RelocatePayloads implements store.MaintenanceStore.
func (s *Store) RelocatePayloads(ctx context.Context, oldRoot, newRoot string) (int64, error) {
	var n int64
	err := s.write(ctx, func(ctx context.Context, tx *wtx) error {
		var err error
		n, err = relocatePayloads(ctx, tx.Tx, oldRoot, newRoot)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("relocated payloads", "from", oldRoot, "to", newRoot, "parts", n)
	return n, nil
}
