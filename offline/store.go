package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// StoreConfig bounds the durable write queue.
type StoreConfig struct {
	MaxPending  int // maximum queued writes before Enqueue returns ErrQueueFull (default: 500)
	MaxAttempts int // delivery attempts before a write is left failed (default: 5)
	Logger      *slog.Logger
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.MaxPending <= 0 {
		c.MaxPending = 500
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Store persists pending writes locally. Payloads and server snapshots are
// sealed at rest; a row whose envelope fails to open is deleted rather than
// retried.
type Store struct {
	db  *sql.DB
	key [32]byte
	cfg StoreConfig
	log *slog.Logger
}

// OpenStore opens/creates the queue database, runs migrations, and re-arms
// any writes left in_progress by a previous process (crash recovery).
func OpenStore(path string, keys Keys, cfg StoreConfig) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	s := &Store{db: db, key: keys.QueueKey, cfg: cfg, log: cfg.Logger}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.resetInProgress(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS write_queue (
  id TEXT PRIMARY KEY,
  op TEXT NOT NULL,
  entity_type TEXT NOT NULL,
  entity_id TEXT NOT NULL DEFAULT '',
  nonce_b64 TEXT NOT NULL DEFAULT '',
  ct_b64 TEXT NOT NULL DEFAULT '',
  client_updated_at INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  last_attempt_at INTEGER NOT NULL DEFAULT 0,
  last_error TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'pending',
  conflict_reason TEXT NOT NULL DEFAULT '',
  snap_nonce_b64 TEXT NOT NULL DEFAULT '',
  snap_ct_b64 TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_write_queue_status
  ON write_queue(status, created_at);
`)
	return err
}

// resetInProgress re-arms writes interrupted mid-delivery. The write may have
// reached the server; the ID doubles as an idempotency key so redelivery is
// safe.
func (s *Store) resetInProgress(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE write_queue SET status=? WHERE status=?`,
		StatusPending, StatusInProgress)
	return err
}

func (s *Store) payloadAAD(w PendingWrite) []byte {
	return []byte("v1|" + w.ID + "|" + w.EntityType + "|" + string(w.Op))
}

func (s *Store) snapshotAAD(id string) []byte {
	return []byte("v1|" + id + "|snapshot")
}

// Enqueue persists a new pending write. Returns ErrQueueFull when the queue
// has reached MaxPending; callers prune oldest-first before retrying.
func (s *Store) Enqueue(ctx context.Context, w PendingWrite) error {
	count, err := s.Count(ctx)
	if err != nil {
		return err
	}
	if count >= s.cfg.MaxPending {
		return fmt.Errorf("%w: %d queued", ErrQueueFull, count)
	}

	env := Envelope{}
	if len(w.Payload) > 0 {
		env, err = SealEnvelope(s.key, w.Payload, s.payloadAAD(w))
		if err != nil {
			return err
		}
	}

	// A duplicate id errors out loudly; silently ignoring it would drop the
	// second mutation while the caller believes it is queued.
	_, err = s.db.ExecContext(ctx, `
INSERT INTO write_queue
  (id, op, entity_type, entity_id, nonce_b64, ct_b64, client_updated_at, created_at, status)
VALUES (?,?,?,?,?,?,?,?,?)`,
		w.ID, string(w.Op), w.EntityType, w.EntityID,
		env.NonceB64, env.CTB64,
		w.ClientUpdatedAt.UnixMilli(), w.CreatedAt.UnixMilli(), StatusPending,
	)
	return err
}

const writeColumns = `id, op, entity_type, entity_id, nonce_b64, ct_b64,
  client_updated_at, created_at, attempts, last_attempt_at, last_error,
  status, conflict_reason, snap_nonce_b64, snap_ct_b64`

func (s *Store) scanWrite(rows *sql.Rows) (PendingWrite, error) {
	var w PendingWrite
	var env, snap Envelope
	var clientUpdated, created, lastAttempt int64
	var op, status string
	if err := rows.Scan(
		&w.ID, &op, &w.EntityType, &w.EntityID, &env.NonceB64, &env.CTB64,
		&clientUpdated, &created, &w.Attempts, &lastAttempt, &w.LastError,
		&status, &w.ConflictReason, &snap.NonceB64, &snap.CTB64,
	); err != nil {
		return PendingWrite{}, err
	}
	w.Op = Op(op)
	w.Status = Status(status)
	w.ClientUpdatedAt = time.UnixMilli(clientUpdated).UTC()
	w.CreatedAt = time.UnixMilli(created).UTC()
	if lastAttempt > 0 {
		w.LastAttemptAt = time.UnixMilli(lastAttempt).UTC()
	}

	// On open failure the partially scanned write (with its ID) is returned
	// alongside the error so the caller can delete the row.
	if env.CTB64 != "" {
		plain, err := OpenEnvelope(s.key, env, s.payloadAAD(w))
		if err != nil {
			return w, fmt.Errorf("%w: %s: %v", ErrCorruptEntry, w.ID, err)
		}
		w.Payload = json.RawMessage(plain)
	}
	if snap.CTB64 != "" {
		plain, err := OpenEnvelope(s.key, snap, s.snapshotAAD(w.ID))
		if err != nil {
			return w, fmt.Errorf("%w: %s: %v", ErrCorruptEntry, w.ID, err)
		}
		w.ServerSnapshot = json.RawMessage(plain)
	}
	return w, nil
}

func (s *Store) queryWrites(ctx context.Context, where string, args ...any) ([]PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+writeColumns+` FROM write_queue `+where, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var writes []PendingWrite
	var corrupt []string
	for rows.Next() {
		w, err := s.scanWrite(rows)
		if err != nil {
			// A malformed entry is deleted rather than retried indefinitely.
			s.log.Warn("dropping corrupt queue entry", "id", w.ID, "error", err)
			if w.ID != "" {
				corrupt = append(corrupt, w.ID)
			}
			continue
		}
		writes = append(writes, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(corrupt) > 0 {
		if err := s.Delete(ctx, corrupt...); err != nil {
			return writes, err
		}
	}
	return writes, nil
}

// FetchPending returns pending writes ordered oldest-first.
func (s *Store) FetchPending(ctx context.Context) ([]PendingWrite, error) {
	return s.queryWrites(ctx,
		`WHERE status=? ORDER BY created_at ASC, rowid ASC`, StatusPending)
}

// Conflicts returns writes awaiting user resolution, oldest-first.
func (s *Store) Conflicts(ctx context.Context) ([]PendingWrite, error) {
	return s.queryWrites(ctx,
		`WHERE status=? ORDER BY created_at ASC, rowid ASC`, StatusConflict)
}

// Failed returns writes that exhausted their delivery attempts.
func (s *Store) Failed(ctx context.Context) ([]PendingWrite, error) {
	return s.queryWrites(ctx,
		`WHERE status=? ORDER BY created_at ASC, rowid ASC`, StatusFailed)
}

// Get fetches a single write by id.
func (s *Store) Get(ctx context.Context, id string) (PendingWrite, error) {
	writes, err := s.queryWrites(ctx, `WHERE id=?`, id)
	if err != nil {
		return PendingWrite{}, err
	}
	if len(writes) == 0 {
		return PendingWrite{}, fmt.Errorf("write %s: %w", id, ErrNotFound)
	}
	return writes[0], nil
}

// MarkInProgress transitions a pending write to in_progress. It reports
// whether the transition happened, guarding against a second processor pass
// picking up the same write.
func (s *Store) MarkInProgress(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE write_queue SET status=? WHERE id=? AND status=?`,
		StatusInProgress, id, StatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkDelivered removes a delivered write from the queue.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM write_queue WHERE id=?`, id)
	return err
}

// MarkConflict parks a write for user resolution, attaching the server's
// current version for display.
func (s *Store) MarkConflict(ctx context.Context, id, reason string, serverSnapshot []byte) error {
	snap := Envelope{}
	if len(serverSnapshot) > 0 {
		var err error
		snap, err = SealEnvelope(s.key, serverSnapshot, s.snapshotAAD(id))
		if err != nil {
			return err
		}
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE write_queue
SET status=?, conflict_reason=?, snap_nonce_b64=?, snap_ct_b64=?, last_attempt_at=?
WHERE id=?`,
		StatusConflict, reason, snap.NonceB64, snap.CTB64,
		time.Now().UnixMilli(), id)
	return err
}

// MarkFailed records a failed attempt, clearing in_progress. The write stays
// retry-eligible (pending) until attempts reach the configured ceiling, after
// which it is left failed for the user to inspect or delete.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE write_queue
SET attempts=attempts+1,
    last_attempt_at=?,
    last_error=?,
    status=CASE WHEN attempts+1 >= ? THEN ? ELSE ? END
WHERE id=?`,
		time.Now().UnixMilli(), errMsg,
		s.cfg.MaxAttempts, StatusFailed, StatusPending, id)
	return err
}

// Release returns an in_progress write to pending without touching its
// attempt count or last error. Used when a drain pass is interrupted before
// the write was attempted.
func (s *Store) Release(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE write_queue SET status=? WHERE id=? AND status=?`,
		StatusPending, id, StatusInProgress)
	return err
}

// Requeue re-arms a conflicted or failed write as pending with a fresh
// client_updated_at, so the next delivery attempt is evaluated against the
// server's current state.
func (s *Store) Requeue(ctx context.Context, id string, clientUpdatedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE write_queue
SET status=?, attempts=0, last_error='', conflict_reason='',
    snap_nonce_b64='', snap_ct_b64='', client_updated_at=?
WHERE id=?`,
		StatusPending, clientUpdatedAt.UnixMilli(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("write %s: %w", id, ErrNotFound)
	}
	return nil
}

// Delete removes writes by id (user cancellation, conflict resolution).
func (s *Store) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM write_queue WHERE id=?`)
	if err != nil {
		return err
	}
	defer func() {
		_ = stmt.Close()
	}()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// PruneOldest discards the oldest writes until at most keep remain. This is
// the backpressure valve against unbounded growth while offline.
func (s *Store) PruneOldest(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM write_queue WHERE id IN (
  SELECT id FROM write_queue
  ORDER BY created_at DESC, rowid DESC
  LIMIT -1 OFFSET ?
)`, keep)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Count returns the total number of queued writes in any status.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM write_queue`).Scan(&count)
	return count, err
}

// PendingCount returns the number of writes awaiting delivery.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM write_queue WHERE status=?`, StatusPending).Scan(&count)
	return count, err
}

// QueueStatus summarizes the queue for a pending-changes view.
type QueueStatus struct {
	Pending   int
	Conflicts int
	Failed    int
}

// Status returns per-state counts.
func (s *Store) Status(ctx context.Context) (QueueStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM write_queue GROUP BY status`)
	if err != nil {
		return QueueStatus{}, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var st QueueStatus
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return QueueStatus{}, err
		}
		switch Status(status) {
		case StatusPending, StatusInProgress:
			st.Pending += n
		case StatusConflict:
			st.Conflicts += n
		case StatusFailed:
			st.Failed += n
		}
	}
	return st, rows.Err()
}

// HasOlderUndelivered reports whether an undelivered write for the same
// entity precedes w. Used to preserve per-entity delivery order.
func (s *Store) HasOlderUndelivered(ctx context.Context, w PendingWrite) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM write_queue
WHERE entity_type=? AND entity_id=? AND entity_id != ''
  AND (created_at < ? OR (created_at = ? AND rowid < (SELECT rowid FROM write_queue WHERE id=?)))`,
		w.EntityType, w.EntityID,
		w.CreatedAt.UnixMilli(), w.CreatedAt.UnixMilli(), w.ID).Scan(&n)
	return n > 0, err
}
