package offline

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteCache is the disk-backed Cache backend. Entries survive process
// restarts and are sealed at rest with the cache subkey. Used for list and
// detail data with multi-minute-to-hour TTLs.
type SQLiteCache struct {
	db  *sql.DB
	key [32]byte
	log *slog.Logger
}

// OpenSQLiteCache opens/creates the cache database and runs migrations.
func OpenSQLiteCache(path string, keys Keys, logger *slog.Logger) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &SQLiteCache{db: db, key: keys.CacheKey, log: logger}
	if err := c.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLiteCache) migrate() error {
	_, err := c.db.Exec(`
CREATE TABLE IF NOT EXISTS cache_entries (
  key TEXT PRIMARY KEY,
  type_tag TEXT NOT NULL,
  nonce_b64 TEXT NOT NULL,
  ct_b64 TEXT NOT NULL,
  expires_at INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
`)
	return err
}

// Close closes the underlying database handle.
func (c *SQLiteCache) Close() error { return c.db.Close() }

func cacheAAD(key, typeTag string) []byte {
	return []byte("v1|" + key + "|" + typeTag)
}

// Get implements Cache. Expiry, a stale type tag, and an envelope that fails
// to open all delete the entry and read as a miss.
func (c *SQLiteCache) Get(ctx context.Context, key, typeTag string) ([]byte, bool) {
	var env Envelope
	var storedTag string
	var expiresAt int64
	err := c.db.QueryRowContext(ctx, `
SELECT type_tag, nonce_b64, ct_b64, expires_at FROM cache_entries WHERE key=?`,
		key).Scan(&storedTag, &env.NonceB64, &env.CTB64, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		c.log.Warn("cache read failed", "key", key, "error", err)
		return nil, false
	}

	if time.Now().UnixMilli() > expiresAt || !tagMatches(storedTag, typeTag) {
		_ = c.Remove(ctx, key)
		return nil, false
	}

	plain, err := OpenEnvelope(c.key, env, cacheAAD(key, storedTag))
	if err != nil {
		c.log.Warn("dropping unreadable cache entry", "key", key, "error", err)
		_ = c.Remove(ctx, key)
		return nil, false
	}
	return plain, true
}

// Set implements Cache, overwriting any existing entry for the key and
// stamping fresh updated_at/expires_at.
func (c *SQLiteCache) Set(ctx context.Context, key, typeTag string, payload []byte, ttl time.Duration) error {
	env, err := SealEnvelope(c.key, payload, cacheAAD(key, typeTag))
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = c.db.ExecContext(ctx, `
INSERT INTO cache_entries(key, type_tag, nonce_b64, ct_b64, expires_at, created_at, updated_at)
VALUES(?,?,?,?,?,?,?)
ON CONFLICT(key) DO UPDATE SET
  type_tag=excluded.type_tag,
  nonce_b64=excluded.nonce_b64,
  ct_b64=excluded.ct_b64,
  expires_at=excluded.expires_at,
  updated_at=excluded.updated_at`,
		key, typeTag, env.NonceB64, env.CTB64,
		now+ttl.Milliseconds(), now, now)
	return err
}

// Remove implements Cache.
func (c *SQLiteCache) Remove(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key=?`, key)
	return err
}

// Clear implements Cache.
func (c *SQLiteCache) Clear(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	return err
}

// Contains reports whether the backing store still holds a row for key,
// regardless of expiry. Used by tests to verify expiry-on-read deletion.
func (c *SQLiteCache) Contains(ctx context.Context, key string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE key=?`, key).Scan(&n)
	return n > 0, err
}

// Sweep removes every expired entry in one pass. Callers may run it
// periodically; Get already deletes expired entries lazily.
func (c *SQLiteCache) Sweep(ctx context.Context) (int, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at < ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
