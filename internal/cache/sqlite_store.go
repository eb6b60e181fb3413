package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteTimeFormat = time.RFC3339Nano

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS namespaces (
	name       TEXT PRIMARY KEY,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	namespace   TEXT NOT NULL,
	key         TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	status      TEXT NOT NULL,
	header      TEXT NOT NULL,
	body        BLOB NOT NULL,
	stored_at   TEXT NOT NULL,
	PRIMARY KEY (namespace, key)
);
`

// SQLiteFileName 是 sqlite 驱动在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "pwa-hub.db"

// NewSQLiteStorage 在 dir 下打开（或创建）SQLite 缓存库并执行建表。
func NewSQLiteStorage(dir string) (Storage, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	dsn := filepath.Join(filepath.Clean(dir), SQLiteFileName) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接串行化写入，避免 SQLITE_BUSY。
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &sqliteStorage{db: sqlDB}, nil
}

type sqliteStorage struct {
	db *sql.DB
}

type sqliteStore struct {
	db        *sql.DB
	namespace string
}

func (s *sqliteStorage) Open(ctx context.Context, namespace string) (Store, error) {
	if namespace == "" {
		return nil, ErrInvalidKey
	}
	if err := ensureSQLiteNamespace(ctx, s.db, namespace); err != nil {
		return nil, err
	}
	return &sqliteStore{db: s.db, namespace: namespace}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, namespace string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM namespaces WHERE name = ?`, namespace).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *sqliteStorage) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM namespaces ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStorage) Delete(ctx context.Context, namespace string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE namespace = ?`, namespace); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM namespaces WHERE name = ?`, namespace)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Match(ctx context.Context, key string) (*Entry, error) {
	if err := validKey(s.namespace, key); err != nil {
		return nil, err
	}
	var (
		entry     Entry
		rawHeader string
		storedAt  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, status_code, status, header, body, stored_at FROM entries WHERE namespace = ? AND key = ?`,
		s.namespace, key,
	).Scan(&entry.Key, &entry.StatusCode, &entry.Status, &rawHeader, &entry.Body, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	entry.Header = http.Header{}
	if err := json.Unmarshal([]byte(rawHeader), &entry.Header); err != nil {
		return nil, fmt.Errorf("decode cached header: %w", err)
	}
	if parsed, err := time.Parse(sqliteTimeFormat, storedAt); err == nil {
		entry.StoredAt = parsed
	}
	return &entry, nil
}

func (s *sqliteStore) Put(ctx context.Context, key string, entry *Entry) error {
	if err := validKey(s.namespace, key); err != nil {
		return err
	}
	if entry == nil {
		return errors.New("cache entry required")
	}
	header := entry.Header
	if header == nil {
		header = http.Header{}
	}
	rawHeader, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode cached header: %w", err)
	}
	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	body := entry.Body
	if body == nil {
		body = []byte{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO namespaces (name, created_at) VALUES (?, ?)`,
		s.namespace, time.Now().UTC().Format(sqliteTimeFormat),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO entries (namespace, key, status_code, status, header, body, stored_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (namespace, key) DO UPDATE SET
	status_code = excluded.status_code,
	status      = excluded.status,
	header      = excluded.header,
	body        = excluded.body,
	stored_at   = excluded.stored_at`,
		s.namespace, key, entry.StatusCode, entry.Status, string(rawHeader), body,
		storedAt.UTC().Format(sqliteTimeFormat),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	if err := validKey(s.namespace, key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE namespace = ? AND key = ?`, s.namespace, key)
	return err
}

func (s *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM entries WHERE namespace = ? ORDER BY key`, s.namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func ensureSQLiteNamespace(ctx context.Context, db *sql.DB, namespace string) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO namespaces (name, created_at) VALUES (?, ?)`,
		namespace, time.Now().UTC().Format(sqliteTimeFormat),
	)
	return err
}
