package sqlite

import (
	"context"
	"fmt"
	"slices"

	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/convstore/store"
)

// migrationStep upgrades the schema from version-1 to version. Steps must
// be idempotent: a step interrupted before its version bump is rerun.
type migrationStep struct {
	version int
	name    string
	apply   func(ctx context.Context, m *migrator, tx *wtx) error
}

type migrator struct {
	s     *Store
	steps []migrationStep
}

func newMigrator(s *Store) *migrator {
	return &migrator{s: s, steps: migrationSteps}
}

var migrationSteps = []migrationStep{
	{2, "locked flag", migrateLocked},
	{3, "thread error count", migrateThreadError},
	{4, "thread attachment flag", migrateHasAttachment},
	{5, "text index", migrateWords},
	{6, "retry queue", migratePending},
	{7, "thread archive flag", migrateArchived},
	{8, "text only flag", migrateTextOnly},
	{9, "message indexes", migrateIndexes},
	{10, "data repair", migrateRepair},
	{11, "thread addresses", migrateThreadAddresses},
	{12, "thread subject key", migrateSubjectKey},
	{13, "creator", migrateCreator},
	{14, "payload relocation", migrateRelocation},
}

// run brings the database to CurrentVersion. A failed step, an
// unversioned non-empty database, or a version from the future rebuilds
// the store empty. The returned error is set only when the rebuild itself
// fails.
func (m *migrator) run(ctx context.Context) (store.MigrationResult, error) {
	v, err := userVersion(ctx, m.s.db)
	if err != nil {
		return store.MigrationResult{}, err
	}
	res := store.MigrationResult{From: v, To: CurrentVersion}

	switch {
	case v == 0:
		tables, err := userTables(ctx, m.s.db)
		if err != nil {
			return res, fmt.Errorf("list tables: %w", err)
		}
		if len(tables) > 0 {
			return m.rebuild(ctx, res, fmt.Errorf("unversioned database with %d tables", len(tables)))
		}
		_, err = m.s.runTx(ctx, func(ctx context.Context, tx *wtx) error {
			if err := createCurrentSchema(ctx, tx.Tx); err != nil {
				return err
			}
			return setUserVersion(ctx, tx.Tx, CurrentVersion)
		})
		if err != nil {
			return res, fmt.Errorf("create schema: %w", err)
		}
		return res, nil
	case v > CurrentVersion:
		return m.rebuild(ctx, res, fmt.Errorf("database version %d is newer than %d", v, CurrentVersion))
	}

	for _, step := range m.steps {
		if step.version <= v {
			continue
		}
		intents, err := m.s.runTx(ctx, func(ctx context.Context, tx *wtx) error {
			if err := step.apply(ctx, m, tx); err != nil {
				return err
			}
			return setUserVersion(ctx, tx.Tx, step.version)
		})
		if err != nil {
			return m.rebuild(ctx, res, fmt.Errorf("upgrade to %d (%s): %w", step.version, step.name, err))
		}
		m.s.release(ctx, intents)
		m.s.logger.Debug("schema upgraded", "version", step.version, "step", step.name)
		v = step.version
	}
	return res, nil
}

// rebuild drops every relation and recreates the current schema empty.
func (m *migrator) rebuild(ctx context.Context, res store.MigrationResult, cause error) (store.MigrationResult, error) {
	m.s.logger.Error("schema upgrade failed, rebuilding empty store",
		"from", res.From, "to", CurrentVersion, "data_loss", true, "error", cause)

	_, err := m.s.runTx(ctx, func(ctx context.Context, tx *wtx) error {
		if _, err := tx.ExecContext(ctx, `PRAGMA defer_foreign_keys = ON`); err != nil {
			return err
		}
		tables, err := userTables(ctx, tx)
		if err != nil {
			return fmt.Errorf("list tables: %w", err)
		}
		for _, t := range tables {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, t)); err != nil {
				return fmt.Errorf("drop %s: %w", t, err)
			}
		}
		if err := createCurrentSchema(ctx, tx.Tx); err != nil {
			return err
		}
		return setUserVersion(ctx, tx.Tx, CurrentVersion)
	})
	if err != nil {
		return res, fmt.Errorf("%w: rebuild after %v: %v", store.ErrMigrationFailed, cause, err)
	}
	res.Rebuilt = true
	res.Err = cause
	return res, nil
}

func migrateLocked(ctx context.Context, _ *migrator, tx *wtx) error {
	for _, t := range []string{"sms", "pdu"} {
		if err := addColumn(ctx, tx.Tx, t, "locked", "INTEGER NOT NULL DEFAULT 0"); err != nil {
			return err
		}
	}
	return nil
}

func migrateThreadError(ctx context.Context, _ *migrator, tx *wtx) error {
	if err := addColumn(ctx, tx.Tx, "threads", "error", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `UPDATE threads SET error =
		(SELECT COUNT(*) FROM sms WHERE sms.thread_id = threads._id AND sms.type = ?)`, int(store.BoxFailed))
	return err
}

func migrateHasAttachment(ctx context.Context, _ *migrator, tx *wtx) error {
	if err := addColumn(ctx, tx.Tx, "threads", "has_attachment", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `UPDATE threads SET has_attachment = EXISTS (SELECT 1 FROM part
		JOIN pdu ON pdu._id = part.mid WHERE pdu.thread_id = threads._id AND `+attachmentPredicate+`)`)
	return err
}

func migrateWords(ctx context.Context, _ *migrator, tx *wtx) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(wordsTable, "words")); err != nil {
		return err
	}
	_, err := fillIndex(ctx, tx.Tx, true)
	return err
}

var pendingBackfill = fmt.Sprintf(`INSERT OR IGNORE INTO pending_msgs (proto_type, msg_id, msg_type)
	SELECT %d, _id, m_type FROM pdu WHERE m_type IN (%d, %d) OR (msg_box = %d AND m_type = %d)`,
	int(store.ProtoRich), int(store.TypeNotification), int(store.TypeReadRecord),
	int(store.BoxOutbox), int(store.TypeSendRequest))

func migratePending(ctx context.Context, _ *migrator, tx *wtx) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(pendingTable, "pending_msgs")); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, pendingBackfill); err != nil {
		return err
	}
	return addColumn(ctx, tx.Tx, "sms", "error_code", "INTEGER NOT NULL DEFAULT 0")
}

func migrateArchived(ctx context.Context, _ *migrator, tx *wtx) error {
	return addColumn(ctx, tx.Tx, "threads", "archived", "INTEGER NOT NULL DEFAULT 0")
}

func migrateTextOnly(ctx context.Context, _ *migrator, tx *wtx) error {
	if err := addColumn(ctx, tx.Tx, "pdu", "text_only", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, textOnlyQuery)
	return err
}

func migrateIndexes(ctx context.Context, _ *migrator, tx *wtx) error {
	tables := make([]string, 0, len(messageIndexes))
	for t := range messageIndexes {
		tables = append(tables, t)
	}
	slices.Sort(tables)
	for _, t := range tables {
		for _, idx := range messageIndexes[t] {
			if _, err := tx.ExecContext(ctx, idx); err != nil {
				return fmt.Errorf("create index on %s: %w", t, err)
			}
		}
	}
	return nil
}

// migrateRepair purges rows whose parent is gone, restores index and queue
// parity, and recomputes every thread. Payloads of purged parts are
// released after the step commits.
func migrateRepair(ctx context.Context, _ *migrator, tx *wtx) error {
	var paths []string
	if err := tx.SelectContext(ctx, &paths, `SELECT _data FROM part
		WHERE COALESCE(_data, '') <> '' AND NOT EXISTS (SELECT 1 FROM pdu WHERE pdu._id = part.mid)`); err != nil {
		return fmt.Errorf("collect orphan payloads: %w", err)
	}

	purges := []string{
		`DELETE FROM part WHERE NOT EXISTS (SELECT 1 FROM pdu WHERE pdu._id = part.mid)`,
		`DELETE FROM addr WHERE NOT EXISTS (SELECT 1 FROM pdu WHERE pdu._id = addr.msg_id)`,
		fmt.Sprintf(`DELETE FROM pending_msgs WHERE _id IN (SELECT p._id FROM pending_msgs p
			LEFT JOIN pdu ON pdu._id = p.msg_id
			WHERE p.proto_type = %d AND (pdu._id IS NULL OR (pdu.m_type = %d AND pdu.msg_box <> %d)))`,
			int(store.ProtoRich), int(store.TypeSendRequest), int(store.BoxOutbox)),
		`DELETE FROM words WHERE _id IN (SELECT w._id FROM words w WHERE ` + staleIndexCondition + `)`,
	}
	for _, q := range purges {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("purge orphans: %w", err)
		}
	}
	if _, err := fillIndex(ctx, tx.Tx, true); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, pendingBackfill); err != nil {
		return fmt.Errorf("restore retry queue: %w", err)
	}
	if _, err := recomputeAllThreads(ctx, tx.Tx); err != nil {
		return err
	}
	tx.intents = append(tx.intents, paths...)
	return nil
}

// migrateThreadAddresses builds the join relation from recipient_ids.
// Ids missing from the registry are dropped.
func migrateThreadAddresses(ctx context.Context, _ *migrator, tx *wtx) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(threadAddressesTable, "thread_addresses")); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, threadAddressesIndex); err != nil {
		return err
	}
	var threads []struct {
		ID  int64  `db:"_id"`
		Key string `db:"recipient_ids"`
	}
	if err := tx.SelectContext(ctx, &threads, `SELECT _id, recipient_ids FROM threads`); err != nil {
		return err
	}
	for _, t := range threads {
		for _, aid := range parseRecipientKey(t.Key) {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO thread_addresses (thread_id, address_id)
				SELECT ?, _id FROM canonical_addresses WHERE _id = ?`, t.ID, aid); err != nil {
				return fmt.Errorf("link thread %d: %w", t.ID, err)
			}
		}
	}
	return nil
}

// migrateSubjectKey canonicalizes recipient_ids, merges threads that share
// an address set into the oldest one, and enforces uniqueness.
func migrateSubjectKey(ctx context.Context, _ *migrator, tx *wtx) error {
	if err := addColumn(ctx, tx.Tx, "threads", "subject_key", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}

	var threads []struct {
		ID  int64  `db:"_id"`
		Key string `db:"recipient_ids"`
	}
	if err := tx.SelectContext(ctx, &threads, `SELECT _id, recipient_ids FROM threads`); err != nil {
		return err
	}
	for _, t := range threads {
		ids := parseRecipientKey(t.Key)
		slices.Sort(ids)
		if key := recipientKey(slices.Compact(ids)); key != t.Key {
			if _, err := tx.ExecContext(ctx, `UPDATE threads SET recipient_ids = ? WHERE _id = ?`, key, t.ID); err != nil {
				return err
			}
		}
	}

	var groups []struct {
		Key        string `db:"recipient_ids"`
		SubjectKey string `db:"subject_key"`
		Keep       int64  `db:"keep"`
	}
	if err := tx.SelectContext(ctx, &groups, `SELECT recipient_ids, subject_key, MIN(_id) AS keep
		FROM threads GROUP BY recipient_ids, subject_key HAVING COUNT(*) > 1`); err != nil {
		return fmt.Errorf("find duplicate threads: %w", err)
	}
	for _, g := range groups {
		if err := mergeThreads(ctx, tx.Tx, g.Key, g.SubjectKey, g.Keep); err != nil {
			return err
		}
	}

	_, err := tx.ExecContext(ctx, threadKeyIndex)
	return err
}

func mergeThreads(ctx context.Context, tx *sqlx.Tx, key, subjectKey string, keep int64) error {
	var dups []int64
	if err := tx.SelectContext(ctx, &dups, `SELECT _id FROM threads
		WHERE recipient_ids = ? AND subject_key = ? AND _id <> ?`, key, subjectKey, keep); err != nil {
		return err
	}
	if len(dups) == 0 {
		return nil
	}
	for _, q := range []string{
		`UPDATE sms SET thread_id = ? WHERE thread_id IN (?)`,
		`UPDATE pdu SET thread_id = ? WHERE thread_id IN (?)`,
	} {
		query, args, err := sqlx.In(q, keep, dups)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("repoint messages to thread %d: %w", keep, err)
		}
	}
	query, args, err := sqlx.In(`DELETE FROM threads WHERE _id IN (?)`, dups)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("delete merged threads: %w", err)
	}
	return recomputeThread(ctx, tx, keep)
}

func migrateCreator(ctx context.Context, _ *migrator, tx *wtx) error {
	for _, t := range []string{"sms", "pdu"} {
		if err := addColumn(ctx, tx.Tx, t, "creator", "TEXT"); err != nil {
			return err
		}
	}
	return nil
}

func migrateRelocation(ctx context.Context, m *migrator, tx *wtx) error {
	from, to := m.s.opts.relocateFrom, m.s.opts.relocateTo
	if from == "" {
		return nil
	}
	n, err := relocatePayloads(ctx, tx.Tx, from, to)
	if err != nil {
		return err
	}
	m.s.logger.Info("relocated payloads during upgrade", "from", from, "to", to, "parts", n)
	return nil
}
