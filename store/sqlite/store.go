// Package sqlite provides the SQLite implementation of store.Store.
//
// One Store is one partition: a single database file holding every
// relation. Writers are serialized; each public write runs the mutation and
// all derived-state maintenance in a single transaction.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/rbaliyan/convstore/store"
)

// Compile-time checks
var (
	_ store.Store                  = (*Store)(nil)
	_ store.PayloadReleaseNotifier = (*Store)(nil)
)

// Store implements store.Store using SQLite.
type Store struct {
	db        *sqlx.DB
	opts      *options
	connected int32
	ownsDB    bool
	logger    *slog.Logger
	pipe      *pipeline

	// writeMu serializes writer transactions inside the process so that
	// concurrent writers queue instead of failing on the database lock.
	writeMu sync.Mutex

	mu        sync.RWMutex
	releaser  store.PayloadReleaser
	migration store.MigrationResult
}

// New creates a store over an existing connection. The connection must be
// opened with the sqlite3 driver and foreign keys enabled.
// Call Connect() to migrate the schema.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:       db,
		opts:     o,
		logger:   o.logger,
		pipe:     newPipeline(),
		releaser: o.releaser,
	}
}

// Open opens the database file at path and returns a store that owns the
// connection. Call Connect() to migrate the schema.
func Open(path string, opts ...Option) (*Store, error) {
	o := newOptions(opts...)
	db, err := sqlx.Open("sqlite3", DSN(path, o.busyTimeout.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	s := New(db, opts...)
	s.ownsDB = true
	return s, nil
}

// DSN builds a data source name enabling foreign keys, WAL journaling,
// immediate write transactions and the given busy timeout.
func DSN(path string, busyTimeoutMS int64) string {
	v := url.Values{}
	v.Set("_foreign_keys", "1")
	v.Set("_txlock", "immediate")
	v.Set("_busy_timeout", strconv.FormatInt(busyTimeoutMS, 10))
	if path != ":memory:" {
		v.Set("_journal_mode", "WAL")
	}
	return "file:" + path + "?" + v.Encode()
}

// Connect migrates the schema to the current version.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("sqlite: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("sqlite ping: %w", err)
	}

	s.writeMu.Lock()
	res, err := newMigrator(s).run(ctx)
	s.writeMu.Unlock()
	if err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("migrate schema: %w", err)
	}

	deferred, err := s.migrateAutoincrement(ctx)
	if err != nil {
		// Best-effort: the store is usable at its current shape.
		s.logger.Warn("identifier migration failed, will retry on next open", "error", err)
		deferred = true
	}
	res.Deferred = deferred

	s.mu.Lock()
	s.migration = res
	s.mu.Unlock()

	s.logger.Info("connected to SQLite", "version", res.To, "from", res.From, "rebuilt", res.Rebuilt, "deferred", res.Deferred)
	return nil
}

// Close marks the store as disconnected and closes the connection if the
// store opened it.
func (s *Store) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 1, 0) {
		return nil
	}
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying connection.
func (s *Store) DB() *sqlx.DB { return s.db }

// SetPayloadReleaser implements store.PayloadReleaseNotifier.
func (s *Store) SetPayloadReleaser(r store.PayloadReleaser) {
	s.mu.Lock()
	s.releaser = r
	s.mu.Unlock()
}

// LastMigration implements store.MaintenanceStore.
func (s *Store) LastMigration() store.MigrationResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.migration
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// wtx is the handle maintainers receive: the writer transaction plus the
// state collected while it runs.
type wtx struct {
	*sqlx.Tx

	// bulk defers empty-thread reclamation to the end of the transaction.
	bulk    bool
	touched map[int64]struct{}

	// intents are payload paths released once the transaction commits.
	intents []string
}

func newWtx(tx *sqlx.Tx) *wtx {
	return &wtx{Tx: tx, touched: make(map[int64]struct{})}
}

func (w *wtx) touch(threadID int64) {
	if threadID != 0 {
		w.touched[threadID] = struct{}{}
	}
}

// write runs fn inside a writer transaction and releases collected payload
// intents after commit.
func (s *Store) write(ctx context.Context, fn func(ctx context.Context, tx *wtx) error) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	intents, err := s.runTx(ctx, fn)
	if err != nil {
		return err
	}
	s.release(ctx, intents)
	return nil
}

// runTx runs fn in a transaction on the shared pool and returns the payload
// intents it collected. Callers hold writeMu.
func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context, tx *wtx) error) ([]string, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	w := newWtx(tx)
	if err := fn(ctx, w); err != nil {
		return nil, mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrTransactionFailed, mapError(err))
	}
	return w.intents, nil
}

// read runs fn with the operation timeout applied.
func (s *Store) read(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()
	return mapError(fn(ctx))
}

func (s *Store) release(ctx context.Context, paths []string) {
	if len(paths) == 0 {
		return
	}
	s.mu.RLock()
	r := s.releaser
	s.mu.RUnlock()
	if r == nil {
		s.logger.Debug("no payload releaser configured, dropping intents", "count", len(paths))
		return
	}
	r.ReleasePayloads(context.WithoutCancel(ctx), paths)
}

// mapError translates SQLite constraint failures into store errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %v", store.ErrDuplicateEntry, err)
		case sqlite3.ErrConstraintForeignKey:
			return fmt.Errorf("%w: %v", store.ErrInvalidThread, err)
		}
	}
	return err
}

// isFull reports whether err is SQLite running out of storage.
func isFull(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrFull
}
