package sqlite

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// CurrentVersion is the schema version this package creates and migrates to.
const CurrentVersion = 14

// Table definitions are templates over the table name so the identifier
// migration can create shadow copies with the same shape.
const (
	canonicalAddressesTable = `CREATE TABLE IF NOT EXISTS %s (
	_id INTEGER PRIMARY KEY,
	address TEXT NOT NULL UNIQUE
)`

	// recipient_ids holds the sorted, space separated address ids of the
	// thread. It is the lookup key and the cheap rendering form; membership
	// lives in thread_addresses.
	threadsTable = `CREATE TABLE IF NOT EXISTS %s (
	_id INTEGER PRIMARY KEY,
	date INTEGER NOT NULL DEFAULT 0,
	message_count INTEGER NOT NULL DEFAULT 0,
	recipient_ids TEXT NOT NULL DEFAULT '',
	snippet TEXT NOT NULL DEFAULT '',
	snippet_cs INTEGER NOT NULL DEFAULT 0,
	read INTEGER NOT NULL DEFAULT 1,
	type INTEGER NOT NULL DEFAULT 0,
	error INTEGER NOT NULL DEFAULT 0,
	has_attachment INTEGER NOT NULL DEFAULT 0,
	archived INTEGER NOT NULL DEFAULT 0,
	subject_key TEXT NOT NULL DEFAULT ''
)`

	threadAddressesTable = `CREATE TABLE IF NOT EXISTS %s (
	thread_id INTEGER NOT NULL REFERENCES threads(_id) ON DELETE CASCADE,
	address_id INTEGER NOT NULL REFERENCES canonical_addresses(_id),
	PRIMARY KEY (thread_id, address_id)
)`

	smsTable = `CREATE TABLE IF NOT EXISTS %s (
	_id INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id INTEGER NOT NULL REFERENCES threads(_id),
	address TEXT,
	date INTEGER NOT NULL DEFAULT 0,
	date_sent INTEGER NOT NULL DEFAULT 0,
	type INTEGER NOT NULL,
	read INTEGER NOT NULL DEFAULT 0,
	seen INTEGER NOT NULL DEFAULT 0,
	status INTEGER NOT NULL DEFAULT -1,
	body TEXT,
	locked INTEGER NOT NULL DEFAULT 0,
	error_code INTEGER NOT NULL DEFAULT 0,
	creator TEXT
)`

	pduTable = `CREATE TABLE IF NOT EXISTS %s (
	_id INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id INTEGER NOT NULL REFERENCES threads(_id),
	date INTEGER NOT NULL DEFAULT 0,
	date_sent INTEGER NOT NULL DEFAULT 0,
	msg_box INTEGER NOT NULL,
	m_type INTEGER NOT NULL,
	read INTEGER NOT NULL DEFAULT 0,
	seen INTEGER NOT NULL DEFAULT 0,
	sub TEXT,
	sub_cs INTEGER NOT NULL DEFAULT 0,
	m_id TEXT,
	tr_id TEXT,
	locked INTEGER NOT NULL DEFAULT 0,
	text_only INTEGER NOT NULL DEFAULT 0,
	creator TEXT
)`

	partTable = `CREATE TABLE IF NOT EXISTS %s (
	_id INTEGER PRIMARY KEY AUTOINCREMENT,
	mid INTEGER NOT NULL REFERENCES pdu(_id) ON DELETE CASCADE,
	seq INTEGER NOT NULL DEFAULT 0,
	ct TEXT,
	name TEXT,
	chset INTEGER NOT NULL DEFAULT 0,
	cid TEXT,
	cl TEXT,
	_data TEXT,
	text TEXT
)`

	addrTable = `CREATE TABLE IF NOT EXISTS %s (
	_id INTEGER PRIMARY KEY,
	msg_id INTEGER NOT NULL REFERENCES pdu(_id) ON DELETE CASCADE,
	address TEXT,
	type INTEGER NOT NULL,
	charset INTEGER NOT NULL DEFAULT 0
)`

	pendingTable = `CREATE TABLE IF NOT EXISTS %s (
	_id INTEGER PRIMARY KEY,
	proto_type INTEGER NOT NULL,
	msg_id INTEGER NOT NULL,
	msg_type INTEGER NOT NULL DEFAULT 0,
	err_type INTEGER NOT NULL DEFAULT 0,
	err_code INTEGER NOT NULL DEFAULT 0,
	retry_index INTEGER NOT NULL DEFAULT 0,
	due_time INTEGER NOT NULL DEFAULT 0,
	last_try INTEGER NOT NULL DEFAULT 0,
	UNIQUE (msg_id, proto_type)
)`

	// Rich part entries use _id = 2^32 + part id; simple entries use the
	// message id. table_to_use is 1 for simple and 2 for rich.
	wordsTable = `CREATE TABLE IF NOT EXISTS %s (
	_id INTEGER PRIMARY KEY,
	index_text TEXT,
	source_id INTEGER NOT NULL,
	table_to_use INTEGER NOT NULL
)`
)

// tableDef pairs a relation with its definition template.
type tableDef struct {
	name string
	def  string
}

// currentTables lists every relation in creation order. Parents come
// before the tables that reference them.
var currentTables = []tableDef{
	{"canonical_addresses", canonicalAddressesTable},
	{"threads", threadsTable},
	{"thread_addresses", threadAddressesTable},
	{"sms", smsTable},
	{"pdu", pduTable},
	{"part", partTable},
	{"addr", addrTable},
	{"pending_msgs", pendingTable},
	{"words", wordsTable},
}

// Index definitions, keyed by the table they belong to.
var (
	messageIndexes = map[string][]string{
		"sms":   {`CREATE INDEX IF NOT EXISTS idx_sms_thread ON sms(thread_id, date)`},
		"pdu":   {`CREATE INDEX IF NOT EXISTS idx_pdu_thread ON pdu(thread_id, date)`},
		"part":  {`CREATE INDEX IF NOT EXISTS idx_part_mid ON part(mid, seq)`},
		"addr":  {`CREATE INDEX IF NOT EXISTS idx_addr_msg ON addr(msg_id)`},
		"words": {`CREATE UNIQUE INDEX IF NOT EXISTS idx_words_source ON words(source_id, table_to_use)`},
	}
	threadAddressesIndex = `CREATE INDEX IF NOT EXISTS idx_thread_addresses_address ON thread_addresses(address_id)`
	threadKeyIndex       = `CREATE UNIQUE INDEX IF NOT EXISTS idx_threads_key ON threads(recipient_ids, subject_key)`
)

func tableSQL(def tableDef, name string) string {
	return fmt.Sprintf(def.def, name)
}

func lookupTable(name string) (tableDef, bool) {
	for _, t := range currentTables {
		if t.name == name {
			return t, true
		}
	}
	return tableDef{}, false
}

// createCurrentSchema creates every relation and index at the current version.
func createCurrentSchema(ctx context.Context, tx *sqlx.Tx) error {
	for _, t := range currentTables {
		if _, err := tx.ExecContext(ctx, tableSQL(t, t.name)); err != nil {
			return fmt.Errorf("create %s: %w", t.name, err)
		}
		for _, idx := range messageIndexes[t.name] {
			if _, err := tx.ExecContext(ctx, idx); err != nil {
				return fmt.Errorf("create index on %s: %w", t.name, err)
			}
		}
	}
	for _, idx := range []string{threadAddressesIndex, threadKeyIndex} {
		if _, err := tx.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// userTables returns the names of all non-internal tables.
func userTables(ctx context.Context, q sqlx.QueryerContext) ([]string, error) {
	var names []string
	err := sqlx.SelectContext(ctx, q, &names,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	return names, err
}

// columnExists reports whether table has a column named col.
func columnExists(ctx context.Context, q sqlx.QueryerContext, table, col string) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, q, &n,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, col)
	if err != nil {
		return false, fmt.Errorf("inspect %s.%s: %w", table, col, err)
	}
	return n > 0, nil
}

// tableColumns returns the column names of table in declaration order.
func tableColumns(ctx context.Context, q sqlx.QueryerContext, table string) ([]string, error) {
	var cols []string
	err := sqlx.SelectContext(ctx, q, &cols, `SELECT name FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", table, err)
	}
	return cols, nil
}

// addColumn adds a column unless it already exists.
func addColumn(ctx context.Context, tx *sqlx.Tx, table, col, decl string) error {
	ok, err := columnExists(ctx, tx, table, col)
	if err != nil || ok {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, col, decl)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, col, err)
	}
	return nil
}

func userVersion(ctx context.Context, q sqlx.QueryerContext) (int, error) {
	var v int
	if err := sqlx.GetContext(ctx, q, &v, `PRAGMA user_version`); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return v, nil
}

func setUserVersion(ctx context.Context, tx *sqlx.Tx, v int) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, v)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
