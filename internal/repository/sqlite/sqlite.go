// Package sqlite implements the repository interfaces as a JSON document
// store on top of SQLite.
//
// Each collection is one table holding the document body next to the two
// columns the store owns: the id and the etag. Writes are compare-and-swap on
// the etag column, which gives the optimistic concurrency the service layer
// relies on without holding locks across requests.
//
// WHY modernc.org/sqlite INSTEAD OF github.com/mattn/go-sqlite3?
// mattn/go-sqlite3 uses CGo, which means you need a C compiler installed and
// cross-compilation becomes painful. modernc.org/sqlite is a pure Go
// translation of the SQLite C code, so no C compiler is needed.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	// Registers the "sqlite" driver with database/sql.
	_ "modernc.org/sqlite"
)

// DefaultRequestTimeout bounds every store operation so a stalled database
// fails the request instead of hanging it.
const DefaultRequestTimeout = 15 * time.Second

// DB wraps a sql.DB connection pool and hands out collections.
//
// The DB owns the Initializer, so the "known collections" cache lives exactly
// as long as the connection pool does.
type DB struct {
	conn        *sql.DB
	collections *Initializer
	timeout     time.Duration
}

// Option configures a DB.
type Option func(*DB)

// WithRequestTimeout overrides DefaultRequestTimeout. Non-positive values are
// ignored.
func WithRequestTimeout(d time.Duration) Option {
	return func(db *DB) {
		if d > 0 {
			db.timeout = d
		}
	}
}

// New opens the SQLite database at dbPath.
//
// dbPath examples:
//   - "data/linelink.db"  → file-based database (persistent)
//   - ":memory:"          → in-memory database (tests)
//
// No tables are created here; collections are created lazily on first use.
func New(dbPath string, opts ...Option) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// Every pooled connection to ":memory:" would get its own empty database.
	if dbPath == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL mode allows concurrent reads while a write is happening.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}

	// Concurrent writers wait for the file lock instead of failing with SQLITE_BUSY.
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting busy timeout: %w", err)
	}

	db := &DB{
		conn:        conn,
		collections: NewInitializer(conn),
		timeout:     DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(db)
	}

	return db, nil
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Collections returns the initializer that guards table creation.
func (db *DB) Collections() *Initializer {
	return db.collections
}

// Collection returns a handle to the named collection. The table itself is
// created on the first operation, not here.
func (db *DB) Collection(name string) (*Collection, error) {
	if !validCollectionName(name) {
		return nil, fmt.Errorf("sqlite: collection %q: %w", name, errInvalidName)
	}
	return &Collection{db: db, name: name}, nil
}
