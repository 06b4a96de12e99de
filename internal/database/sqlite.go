package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a record is not found in the database.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidQuery is returned for malformed search input.
	ErrInvalidQuery = errors.New("invalid query")
)

// DefaultQueryLimit caps browse queries when the caller passes no limit.
const DefaultQueryLimit = 10000

// DB wraps the SQLite database instance and provides helper methods.
// Every statement group runs under the embedded lock so concurrent workers
// never interleave their writes.
type DB struct {
	db *sqlx.DB
	sync.RWMutex
	closeOnce sync.Once
	closeErr  error
}

// Open initializes and returns a DB instance, applying any pending migrations.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database at %s: %w", path, err)
	}

	dbWrapper := &DB{db: db}
	if err := dbWrapper.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	log.Debugf("SQLite database opened at %s", path)
	return dbWrapper, nil
}

// Close safely closes the database connection.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		d.Lock()
		defer d.Unlock()

		d.closeErr = d.db.Close()
		if d.closeErr != nil {
			log.Errorf("Error during database close operation: %v", d.closeErr)
		} else {
			log.Debug("Database closed successfully.")
		}
	})

	return d.closeErr
}

// withTx runs fn in a transaction under the write lock.
func (d *DB) withTx(fn func(tx *sqlx.Tx) error) error {
	d.Lock()
	defer d.Unlock()

	tx, err := d.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
