package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	_ "github.com/glebarez/go-sqlite"
)

type sqliteBackend struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// NewSQLite opens (or creates) a SQLite database file holding one row per key.
func NewSQLite(path string) (Backend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store: sqlite path required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: sqlite open %s: %w", path, err)
	}
	statements := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"CREATE TABLE IF NOT EXISTS records (key TEXT PRIMARY KEY, payload BLOB NOT NULL, updated INTEGER NOT NULL)",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: sqlite init %q: %w", stmt, err)
		}
	}
	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) Load(ctx context.Context, key string) ([]byte, bool, error) {
	var payload []byte
	err := b.db.QueryRowContext(ctx, "SELECT payload FROM records WHERE key = ?", key).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("store: sqlite select: %w", err)
	}
	return payload, true, nil
}

func (b *sqliteBackend) Save(ctx context.Context, key string, payload []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_, err := b.db.ExecContext(ctx, "INSERT OR REPLACE INTO records (key, payload, updated) VALUES (?, ?, ?)", key, payload, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store: sqlite upsert: %w", err)
	}
	return nil
}

func (b *sqliteBackend) Delete(ctx context.Context, key string) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := b.db.ExecContext(ctx, "DELETE FROM records WHERE key = ?", key); err != nil {
		return fmt.Errorf("store: sqlite delete: %w", err)
	}
	return nil
}

func (b *sqliteBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT key FROM records WHERE key >= ? ORDER BY key", prefix)
	if err != nil {
		return nil, fmt.Errorf("store: sqlite keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("store: sqlite scan: %w", err)
		}
		if !strings.HasPrefix(key, prefix) {
			break
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: sqlite keys: %w", err)
	}
	return keys, nil
}

func (b *sqliteBackend) Size(ctx context.Context, prefix string) (int64, error) {
	var n int64
	query := "SELECT COUNT(*) FROM records WHERE substr(key, 1, ?) = ?"
	if err := b.db.QueryRowContext(ctx, query, utf8.RuneCountInString(prefix), prefix).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: sqlite count: %w", err)
	}
	return n, nil
}

func (b *sqliteBackend) Close(context.Context) error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("store: sqlite close: %w", err)
	}
	return nil
}
