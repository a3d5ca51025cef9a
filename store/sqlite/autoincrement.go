package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// autoincrementTables are the relations whose identifiers must never be
// reused after a delete.
var autoincrementTables = []string{"sms", "pdu", "part"}

// tablesWithoutAutoincrement returns the relations still created without
// AUTOINCREMENT.
func tablesWithoutAutoincrement(ctx context.Context, q sqlx.QueryerContext) ([]string, error) {
	var out []string
	for _, t := range autoincrementTables {
		var ddl string
		if err := sqlx.GetContext(ctx, q, &ddl, `SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, t); err != nil {
			return nil, fmt.Errorf("inspect %s: %w", t, err)
		}
		if !strings.Contains(strings.ToUpper(ddl), "AUTOINCREMENT") {
			out = append(out, t)
		}
	}
	return out, nil
}

// migrateAutoincrement copies each table lacking AUTOINCREMENT into a
// shadow table that has it. It needs about the size of the database in
// free space; with less available, or when SQLite runs out of room, it
// reports deferred and leaves the schema as it was.
func (s *Store) migrateAutoincrement(ctx context.Context) (deferred bool, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	pending, err := tablesWithoutAutoincrement(ctx, s.db)
	if err != nil || len(pending) == 0 {
		return false, err
	}

	if s.opts.freeSpace != nil {
		var pages, pageSize int64
		if err := s.db.GetContext(ctx, &pages, `PRAGMA page_count`); err != nil {
			return false, err
		}
		if err := s.db.GetContext(ctx, &pageSize, `PRAGMA page_size`); err != nil {
			return false, err
		}
		free, err := s.opts.freeSpace()
		if err != nil {
			return false, fmt.Errorf("probe free space: %w", err)
		}
		if need := pages * pageSize; free < need {
			s.logger.Warn("deferring identifier migration", "free", free, "need", need, "tables", pending)
			return true, nil
		}
	}

	// Foreign keys cannot be toggled inside a transaction, and dropping the
	// old tables with them on would cascade into the children.
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys = OFF`); err != nil {
		return false, err
	}
	defer func() {
		if _, ferr := conn.ExecContext(context.WithoutCancel(ctx), `PRAGMA foreign_keys = ON`); ferr != nil && err == nil {
			err = ferr
		}
	}()

	err = copyWithAutoincrement(ctx, conn, pending)
	if isFull(err) {
		s.logger.Warn("deferring identifier migration, storage full", "tables", pending, "error", err)
		return true, nil
	}
	if err != nil {
		return false, err
	}
	s.logger.Info("migrated identifiers to never-reused form", "tables", pending)
	return false, nil
}

func copyWithAutoincrement(ctx context.Context, conn *sqlx.Conn, tables []string) error {
	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, t := range tables {
		def, ok := lookupTable(t)
		if !ok {
			return fmt.Errorf("no definition for %s", t)
		}
		cols, err := tableColumns(ctx, tx, t)
		if err != nil {
			return err
		}
		shadow := t + "_new"
		list := strings.Join(cols, ", ")
		stmts := []string{
			`DROP TABLE IF EXISTS ` + shadow,
			tableSQL(def, shadow),
			fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM %s`, shadow, list, list, t),
			`DROP TABLE ` + t,
			fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, shadow, t),
		}
		stmts = append(stmts, messageIndexes[t]...)
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("copy %s: %w", t, err)
			}
		}
	}
	return tx.Commit()
}

// RetryDeferredMigrations implements store.MaintenanceStore.
func (s *Store) RetryDeferredMigrations(ctx context.Context) (bool, error) {
	if err := s.checkConnected(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	deferred, err := s.migrateAutoincrement(ctx)
	if err != nil {
		return false, fmt.Errorf("retry deferred migrations: %w", err)
	}
	s.mu.Lock()
	s.migration.Deferred = deferred
	s.mu.Unlock()
	return !deferred, nil
}
