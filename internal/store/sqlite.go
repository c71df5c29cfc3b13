package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jmoiron/sqlx"
	"github.com/openmined/pfsync/internal/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    updated_at TEXT NOT NULL -- RFC3339
);
`

type dbRecord struct {
	Key       string `db:"key"`
	Value     []byte `db:"value"`
	UpdatedAt string `db:"updated_at"`
}

// SqliteStore persists records in a single SQLite table.
type SqliteStore struct {
	db     *sqlx.DB
	dbPath string
}

var _ Store = (*SqliteStore)(nil)

// OpenSqliteStore opens (and creates if needed) the store at dbPath. Use ":memory:" for tests.
func OpenSqliteStore(dbPath string) (*SqliteStore, error) {
	conn, err := db.NewSqliteDB(db.WithPath(dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize store schema: %w", err)
	}

	slog.Debug("store opened", "path", dbPath)
	return &SqliteStore{db: conn, dbPath: dbPath}, nil
}

func (s *SqliteStore) Load(ctx context.Context, key string) ([]byte, error) {
	var rec dbRecord
	err := s.db.GetContext(ctx, &rec, "SELECT key, value, updated_at FROM kv WHERE key = ?", key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	return rec.Value, nil
}

func (s *SqliteStore) Save(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	rec := dbRecord{
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	query := `INSERT OR REPLACE INTO kv (key, value, updated_at) VALUES (:key, :value, :updated_at)`
	if _, err := s.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	slog.Debug("store save", "key", key, "size", humanize.Bytes(uint64(len(value))))
	return nil
}

func (s *SqliteStore) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (s *SqliteStore) Keys(ctx context.Context) ([]string, error) {
	keys := []string{}
	if err := s.db.SelectContext(ctx, &keys, "SELECT key FROM kv ORDER BY key"); err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// UpdatedAt returns when key was last written.
func (s *SqliteStore) UpdatedAt(ctx context.Context, key string) (time.Time, error) {
	var ts string
	err := s.db.GetContext(ctx, &ts, "SELECT updated_at FROM kv WHERE key = ?", key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("load %s: %w", key, err)
	}
	return time.Parse(time.RFC3339, ts)
}

func (s *SqliteStore) Close() error {
	if err := s.db.Close(); err != nil {
		slog.Error("store close", "path", s.dbPath, "error", err)
		return err
	}
	return nil
}
