// Package storage is the daemon's single SQLite-backed persistence engine.
// It owns migrations, serializes writes behind one mutex, and exposes a
// read path that many goroutines may use concurrently.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/conarylabs/mira/internal/merrors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Engine wraps two *sql.DB handles against the same file — one capped at
// a single connection for writes, one pooled for readers — and enforces
// the daemon's single-writer model on top: at most one write transaction
// runs at a time, while reads proceed through WAL against their own pool
// without contending with the writer.
//
// SQLite itself allows one writer; the mutex exists so callers queue
// predictably instead of contending on SQLITE_BUSY and retrying.
type Engine struct {
	readDB  *sql.DB
	writeDB *sql.DB
	log     *slog.Logger
	writeMu sync.Mutex
}

// Config configures Open.
type Config struct {
	// Path is the sqlite file path, or ":memory:" for tests.
	Path string
	// Logger defaults to slog.Default() if nil.
	Logger *slog.Logger
}

// Open opens (creating if necessary) the database at cfg.Path, applies any
// pending migrations in filename order, and returns a ready Engine.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "storage")

	dsn := cfg.Path
	if dsn != ":memory:" {
		dsn = fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	}
	writeDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, merrors.New(merrors.Backend, "storage.Open", err)
	}
	// Single physical connection keeps WAL + the engine's own write mutex
	// from fighting the pool over SQLITE_BUSY on concurrent writers.
	writeDB.SetMaxOpenConns(1)

	// Every connection to ":memory:" opens its own empty database, so an
	// in-memory engine reads through the writer's single connection.
	readDB := writeDB
	if cfg.Path != ":memory:" {
		readDB, err = sql.Open("sqlite", dsn)
		if err != nil {
			writeDB.Close()
			return nil, merrors.New(merrors.Backend, "storage.Open", err)
		}
		// WAL mode lets any number of readers run alongside the one writer;
		// size this pool for real concurrency instead of funneling reads
		// through the writer's single connection.
		readDB.SetMaxOpenConns(8)
	}

	e := &Engine{readDB: readDB, writeDB: writeDB, log: logger}
	if err := e.migrate(ctx); err != nil {
		readDB.Close()
		writeDB.Close()
		return nil, err
	}
	return e, nil
}

// Close releases the underlying database handles.
func (e *Engine) Close() error {
	rerr := e.readDB.Close()
	werr := e.writeDB.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

func (e *Engine) migrate(ctx context.Context) error {
	const op = "storage.migrate"

	if _, err := e.writeDB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`); err != nil {
		return merrors.New(merrors.Corruption, op, err)
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return merrors.New(merrors.Corruption, op, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var applied int
		row := e.writeDB.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE filename = ?`, name)
		if err := row.Scan(&applied); err != nil {
			return merrors.New(merrors.Corruption, op, err)
		}
		if applied > 0 {
			continue
		}

		sqlBytes, err := migrationFS.ReadFile(path.Join("migrations", name))
		if err != nil {
			return merrors.New(merrors.Corruption, op, err)
		}
		tx, err := e.writeDB.BeginTx(ctx, nil)
		if err != nil {
			return merrors.New(merrors.Backend, op, err)
		}
		if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
			tx.Rollback()
			return merrors.New(merrors.Corruption, op, fmt.Errorf("applying %s: %w", name, err))
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (filename) VALUES (?)`, name); err != nil {
			tx.Rollback()
			return merrors.New(merrors.Backend, op, err)
		}
		if err := tx.Commit(); err != nil {
			return merrors.New(merrors.Backend, op, err)
		}
		e.log.Info("applied migration", "file", name)
	}
	return nil
}

// AppliedMigrations lists every migration filename recorded in
// schema_migrations, in application order, for the CLI's migrate status
// command.
func (e *Engine) AppliedMigrations(ctx context.Context) ([]string, error) {
	rows, err := e.writeDB.QueryContext(ctx, `SELECT filename FROM schema_migrations ORDER BY applied_at, filename`)
	if err != nil {
		return nil, merrors.New(merrors.Backend, "storage.AppliedMigrations", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, merrors.New(merrors.Backend, "storage.AppliedMigrations", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Read runs fn against the read pool for a read-only operation. There is
// no locking here: SQLite's WAL mode lets any number of readers proceed
// concurrently, and against each other, while a write transaction is
// open on the writer's own connection.
func (e *Engine) Read(ctx context.Context, fn func(ctx context.Context, db *sql.DB) error) error {
	return fn(ctx, e.readDB)
}

// Write serializes fn behind the engine's write mutex and runs it inside a
// transaction. fn must not call Write or Read again (it would deadlock /
// reenter the same connection); pass the *sql.Tx down instead.
func (e *Engine) Write(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return merrors.New(merrors.Backend, "storage.Write", err)
	}
	if err := fn(ctx, tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return merrors.New(merrors.Backend, "storage.Write", err)
	}
	return nil
}

// WriteImmediate is like Write but opens the transaction with BEGIN
// IMMEDIATE, acquiring the write lock up front instead of on first write
// statement. Used for read-modify-write sequences — most notably
// upserting session_snapshots from multiple hooks — where two writers
// reading old state under DEFERRED isolation could race and clobber each
// other's merge. database/sql has no BEGIN IMMEDIATE option, so this grabs
// the writer pool's single connection directly and issues it by hand.
func (e *Engine) WriteImmediate(ctx context.Context, fn func(ctx context.Context, conn *sql.Conn) error) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	conn, err := e.writeDB.Conn(ctx)
	if err != nil {
		return merrors.New(merrors.Backend, "storage.WriteImmediate", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return merrors.New(merrors.Backend, "storage.WriteImmediate", err)
	}
	if err := fn(ctx, conn); err != nil {
		conn.ExecContext(ctx, "ROLLBACK")
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return merrors.New(merrors.Backend, "storage.WriteImmediate", err)
	}
	return nil
}

// DB exposes the writer handle for components (codeintel bulk loads) that
// need direct prepared-statement control outside the Read/Write helpers.
// Prefer Read/Write.
func (e *Engine) DB() *sql.DB { return e.writeDB }
