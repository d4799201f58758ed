package engine

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteFile is the database file name the sqlite backend keeps inside its
// directory.
const SQLiteFile = "shelf.db"

const sqliteSchema = `CREATE TABLE IF NOT EXISTS kv (
	key   BLOB PRIMARY KEY,
	value BLOB NOT NULL
) WITHOUT ROWID`

// SQLiteStore implements Engine on a single sqlite table using
// modernc.org/sqlite.
type SQLiteStore struct {
	path string

	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// OpenSQLite opens (or creates) dir/shelf.db.
func OpenSQLite(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, SQLiteFile)
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serialises writers inside the process; busy_timeout
	// covers writers in other processes.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{path: path, db: db}, nil
}

// Path returns the database file.
func (s *SQLiteStore) Path() string {
	return s.path
}

func (s *SQLiteStore) handle() (*sql.DB, error) {
	if s.closed {
		return nil, ErrClosed
	}
	return s.db, nil
}

func (s *SQLiteStore) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var val []byte
	err = db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	if val == nil {
		val = []byte{}
	}
	return val, nil
}

func (s *SQLiteStore) Set(key, value []byte) error {
	return s.Apply([]Op{SetOp(key, value)})
}

func (s *SQLiteStore) Delete(key []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return err
	}
	res, err := db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// Scan reads all matching rows before calling fn. With a single pooled
// connection, calling back into the store while rows are open would block.
func (s *SQLiteStore) Scan(prefix []byte, fn func(k, v []byte) error) error {
	s.mu.RLock()
	db, err := s.handle()
	if err != nil {
		s.mu.RUnlock()
		return err
	}
	var rows *sql.Rows
	switch end := prefixEnd(prefix); {
	case len(prefix) == 0:
		rows, err = db.Query(`SELECT key, value FROM kv ORDER BY key`)
	case end == nil:
		rows, err = db.Query(`SELECT key, value FROM kv WHERE key >= ? ORDER BY key`, prefix)
	default:
		rows, err = db.Query(`SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key`, prefix, end)
	}
	if err != nil {
		s.mu.RUnlock()
		return err
	}
	type entry struct{ k, v []byte }
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.k, &e.v); err != nil {
			rows.Close()
			s.mu.RUnlock()
			return err
		}
		entries = append(entries, e)
	}
	err = rows.Err()
	rows.Close()
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.v == nil {
			e.v = []byte{}
		}
		if err := fn(e.k, e.v); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Apply(ops []Op) error {
	if err := validateOps(ops); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		switch op.Code {
		case OpSet:
			value := op.Value
			if value == nil {
				value = []byte{}
			}
			_, err = tx.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value`, op.Key, value)
		case OpDelete:
			_, err = tx.Exec(`DELETE FROM kv WHERE key = ?`, op.Key)
		}
		if err != nil {
			return fmt.Errorf("%s %x: %w", op.Code, op.Key, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.handle()
	if err != nil {
		return err
	}
	_, err = db.Exec(`PRAGMA wal_checkpoint(FULL)`)
	return err
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
