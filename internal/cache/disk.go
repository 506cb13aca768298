package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	_ "github.com/mattn/go-sqlite3"
)

// Disk is the optional sqlite-backed tier. It lets cached listings survive
// a restart of the bridge.
type Disk struct {
	db *sql.DB
}

type row struct {
	data       []byte
	insertedAt time.Time
	ttl        time.Duration
}

// OpenDisk opens (or creates) the cache database at path
func OpenDisk(path string) (*Disk, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	// sqlite serialises writers; one connection avoids "database is locked"
	db.SetMaxOpenConns(1)

	createEntriesTable := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		inserted_at_ms INTEGER NOT NULL,
		ttl_ms INTEGER NOT NULL
	);`

	if _, err := db.Exec(createEntriesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache_entries table: %w", err)
	}

	return &Disk{db: db}, nil
}

func (d *Disk) load(key string) (row, bool, error) {
	var (
		r          row
		insertedMs int64
		ttlMs      int64
	)
	err := d.db.QueryRow(
		`SELECT value, inserted_at_ms, ttl_ms FROM cache_entries WHERE key = ?`, key,
	).Scan(&r.data, &insertedMs, &ttlMs)
	if errors.Is(err, sql.ErrNoRows) {
		return row{}, false, nil
	}
	if err != nil {
		return row{}, false, err
	}
	r.insertedAt = time.UnixMilli(insertedMs)
	r.ttl = time.Duration(ttlMs) * time.Millisecond
	return r, true, nil
}

func (d *Disk) store(key string, data []byte, insertedAt time.Time, ttl time.Duration) error {
	_, err := d.db.Exec(
		`INSERT INTO cache_entries (key, value, inserted_at_ms, ttl_ms) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, inserted_at_ms = excluded.inserted_at_ms, ttl_ms = excluded.ttl_ms`,
		key, data, insertedAt.UnixMilli(), ttl.Milliseconds(),
	)
	return err
}

func (d *Disk) delete(key string) error {
	_, err := d.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}

func (d *Disk) deletePrefix(prefix string) error {
	_, err := d.db.Exec(`DELETE FROM cache_entries WHERE substr(key, 1, ?) = ?`, utf8.RuneCountInString(prefix), prefix)
	return err
}

// Close closes the database
func (d *Disk) Close() error {
	return d.db.Close()
}
