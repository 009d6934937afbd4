package cache

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new private in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	memory := filename == ""
	if memory {
		filename = ":memory:"
	} else if !strings.Contains(filename, "?") {
		filename += "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, fmt.Errorf("cannot open cache db: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS generations (
			id TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			generation TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (generation, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, fmt.Errorf("cannot initialize cache db: %w", err)
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}

func (s SQLiteCache) Open(generation string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO generations (id, created_at) VALUES (?, ?)",
		generation, time.Now().UnixNano())
	return err
}

func (s SQLiteCache) Generations() ([]string, error) {
	rows, err := s.db.Query("SELECT id FROM generations ORDER BY rowid")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	generations := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		generations = append(generations, id)
	}
	return generations, rows.Err()
}

func (s SQLiteCache) DeleteGeneration(generation string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM entries WHERE generation = ?", generation); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec("DELETE FROM generations WHERE id = ?", generation); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s SQLiteCache) Get(generation, key string) (CacheEntry, bool, error) {
	entry := CacheEntry{Generation: generation, Key: key}
	var storedAt int64
	err := s.db.QueryRow("SELECT stored_at, bytes FROM entries WHERE generation = ? AND key = ?",
		generation, key).Scan(&storedAt, &entry.Bytes)
	if err == sql.ErrNoRows {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	entry.StoredAt = time.Unix(0, storedAt)
	return entry, true, nil
}

func (s SQLiteCache) Put(ce CacheEntry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.Exec(`INSERT OR REPLACE INTO entries
		(generation, key, stored_at, bytes)
		SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM generations WHERE id = ?)`,
		ce.Generation, ce.Key, ce.StoredAt.UnixNano(), ce.Bytes, ce.Generation)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrGenerationNotFound
	}
	return nil
}

func (s SQLiteCache) Delete(generation, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM entries WHERE generation = ? AND key = ?", generation, key)
	return err
}

func (s SQLiteCache) Keys(generation string, cb func(string)) error {
	rows, err := s.db.Query("SELECT key FROM entries WHERE generation = ?", generation)
	if err != nil {
		return err
	}
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, key)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	// rows are closed before calling back, the callback may write
	for _, key := range keys {
		cb(key)
	}
	return nil
}
