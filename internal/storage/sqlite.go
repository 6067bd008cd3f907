package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/railhub/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pending_actions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	type       TEXT    NOT NULL,
	raw_type   TEXT    NOT NULL,
	payload    BLOB,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS pending_actions_type ON pending_actions(type);
CREATE TABLE IF NOT EXISTS offline_data (
	key       TEXT PRIMARY KEY,
	payload   BLOB,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS offline_data_timestamp ON offline_data(timestamp);
CREATE TABLE IF NOT EXISTS user_preferences (
	key   TEXT PRIMARY KEY,
	value BLOB
);
CREATE TABLE IF NOT EXISTS cache_generations (
	name TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS cache_entries (
	generation TEXT    NOT NULL,
	url        TEXT    NOT NULL,
	status     INTEGER NOT NULL,
	header     BLOB,
	body       BLOB,
	stored_at  INTEGER NOT NULL,
	hash32     INTEGER NOT NULL,
	PRIMARY KEY (generation, url)
);
`

// SQLiteStore persists every record kind in one SQLite database.
type SQLiteStore struct {
	sqlDB  *sql.DB
	closed atomic.Bool
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenSQLite opens a SQLite store at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps ListPending's read transaction and the writers
	// from tripping over SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	return s.sqlDB.Close()
}

func (s *SQLiteStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// ---- pending actions ----

func (s *SQLiteStore) AddPending(ctx context.Context, env types.Envelope) (types.Envelope, error) {
	if err := s.check(ctx); err != nil {
		return types.Envelope{}, err
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO pending_actions (type, raw_type, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(env.Type), env.RawType, []byte(env.Payload), toMillis(env.CreatedAt))
	if err != nil {
		return types.Envelope{}, fmt.Errorf("insert pending action: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return types.Envelope{}, fmt.Errorf("read pending action id: %w", err)
	}
	env.ID = types.ActionID(id)
	env.CreatedAt = fromMillis(toMillis(env.CreatedAt))
	return env, nil
}

func (s *SQLiteStore) ListPending(ctx context.Context) ([]types.Envelope, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	tx, err := s.sqlDB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, type, raw_type, payload, created_at FROM pending_actions ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query pending actions: %w", err)
	}
	defer rows.Close()

	out := make([]types.Envelope, 0)
	for rows.Next() {
		var (
			env       types.Envelope
			id        int64
			typ       string
			payload   []byte
			createdAt int64
		)
		if err := rows.Scan(&id, &typ, &env.RawType, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan pending action: %w", err)
		}
		env.ID = types.ActionID(id)
		env.Type = types.ActionType(typ)
		if len(payload) > 0 {
			env.Payload = json.RawMessage(payload)
		}
		env.CreatedAt = fromMillis(createdAt)
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending actions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) DeletePending(ctx context.Context, id types.ActionID) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM pending_actions WHERE id = ?`, int64(id)); err != nil {
		return fmt.Errorf("delete pending action %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) CountPending(ctx context.Context) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	var n int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_actions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending actions: %w", err)
	}
	return n, nil
}

// ---- offline data & preferences ----

func (s *SQLiteStore) PutOfflineData(ctx context.Context, key string, payload json.RawMessage) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO offline_data (key, payload, timestamp) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, timestamp = excluded.timestamp`,
		key, []byte(payload), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("put offline data %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) GetOfflineData(ctx context.Context, key string) (types.OfflineRecord, error) {
	if err := s.check(ctx); err != nil {
		return types.OfflineRecord{}, err
	}
	var (
		payload []byte
		ts      int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT payload, timestamp FROM offline_data WHERE key = ?`, key).Scan(&payload, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return types.OfflineRecord{}, ErrNotFound
	}
	if err != nil {
		return types.OfflineRecord{}, fmt.Errorf("get offline data %q: %w", key, err)
	}
	return types.OfflineRecord{Key: key, Payload: payload, Timestamp: fromMillis(ts)}, nil
}

func (s *SQLiteStore) PutPreference(ctx context.Context, key string, value json.RawMessage) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO user_preferences (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, []byte(value))
	if err != nil {
		return fmt.Errorf("put preference %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) GetPreference(ctx context.Context, key string) (types.Preference, error) {
	if err := s.check(ctx); err != nil {
		return types.Preference{}, err
	}
	var value []byte
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT value FROM user_preferences WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Preference{}, ErrNotFound
	}
	if err != nil {
		return types.Preference{}, fmt.Errorf("get preference %q: %w", key, err)
	}
	return types.Preference{Key: key, Value: value}, nil
}

// ---- cache generations ----

func (s *SQLiteStore) OpenCache(ctx context.Context, name string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_generations (name) VALUES (?)`, name); err != nil {
		return fmt.Errorf("open cache %q: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) CacheNames(ctx context.Context) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM cache_generations ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan cache name: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *SQLiteStore) CachePut(ctx context.Context, name string, resp types.CachedResponse) error {
	return s.CachePutAll(ctx, name, []types.CachedResponse{resp})
}

// CachePutAll writes every response in one transaction.
func (s *SQLiteStore) CachePutAll(ctx context.Context, name string, resps []types.CachedResponse) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cache put: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_generations (name) VALUES (?)`, name); err != nil {
		return fmt.Errorf("open cache %q: %w", name, err)
	}
	for _, resp := range resps {
		header, err := json.Marshal(resp.Header)
		if err != nil {
			return fmt.Errorf("encode header: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cache_entries (generation, url, status, header, body, stored_at, hash32)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(generation, url) DO UPDATE SET
			   status = excluded.status, header = excluded.header, body = excluded.body,
			   stored_at = excluded.stored_at, hash32 = excluded.hash32`,
			name, resp.URL, resp.Status, header, resp.Body, resp.StoredAt, int64(resp.Hash32)); err != nil {
			return fmt.Errorf("put cache entry %q: %w", resp.URL, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) CacheMatch(ctx context.Context, name, url string) (types.CachedResponse, bool, error) {
	if err := s.check(ctx); err != nil {
		return types.CachedResponse{}, false, err
	}
	query := `SELECT status, header, body, stored_at, hash32 FROM cache_entries
	          WHERE generation = ? AND url = ?`
	args := []any{name, url}
	if name == "" {
		query = `SELECT status, header, body, stored_at, hash32 FROM cache_entries
		         WHERE url = ? ORDER BY generation ASC LIMIT 1`
		args = []any{url}
	}

	var (
		resp   = types.CachedResponse{URL: url}
		header []byte
		hash   int64
	)
	err := s.sqlDB.QueryRowContext(ctx, query, args...).Scan(&resp.Status, &header, &resp.Body, &resp.StoredAt, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return types.CachedResponse{}, false, nil
	}
	if err != nil {
		return types.CachedResponse{}, false, fmt.Errorf("match cache entry %q: %w", url, err)
	}
	resp.Hash32 = uint32(hash)
	if len(header) > 0 {
		if err := json.Unmarshal(header, &resp.Header); err != nil {
			return types.CachedResponse{}, false, fmt.Errorf("decode header: %w", err)
		}
	}
	return resp, true, nil
}

func (s *SQLiteStore) CacheKeys(ctx context.Context, name string) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT url FROM cache_entries WHERE generation = ? ORDER BY url ASC`, name)
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan cache key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) DeleteCache(ctx context.Context, name string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin cache delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM cache_generations WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete cache %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE generation = ?`, name); err != nil {
		return false, fmt.Errorf("delete cache entries %q: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}
