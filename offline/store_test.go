package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testKeys(t *testing.T) Keys {
	t.Helper()
	var master [32]byte
	for i := range master {
		master[i] = 0x42
	}
	keys, err := DeriveKeys(master)
	if err != nil {
		t.Fatalf("derive keys: %v", err)
	}
	return keys
}

func newTestStore(t *testing.T, cfg StoreConfig) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "queue.db"), testKeys(t), cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func mustEnqueue(t *testing.T, store *Store, op Op, entityType, entityID string, payload any) PendingWrite {
	t.Helper()
	w, err := NewPendingWrite(op, entityType, entityID, payload)
	if err != nil {
		t.Fatalf("new write: %v", err)
	}
	if err := store.Enqueue(context.Background(), w); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return w
}

func TestStoreEnqueueFetchOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, StoreConfig{})

	first := mustEnqueue(t, store, OpUpdate, "note", "n1", map[string]any{"v": 1})
	second := mustEnqueue(t, store, OpUpdate, "note", "n1", map[string]any{"v": 2})
	third := mustEnqueue(t, store, OpCreate, "task", "", map[string]any{"title": "x"})

	writes, err := store.FetchPending(ctx)
	if err != nil {
		t.Fatalf("fetch pending: %v", err)
	}
	if len(writes) != 3 {
		t.Fatalf("expected 3 writes, got %d", len(writes))
	}
	for i, want := range []string{first.ID, second.ID, third.ID} {
		if writes[i].ID != want {
			t.Errorf("position %d: got %s, want %s", i, writes[i].ID, want)
		}
	}

	var payload map[string]int
	if err := json.Unmarshal(writes[0].Payload, &payload); err != nil {
		t.Fatalf("payload did not round-trip: %v", err)
	}
	if payload["v"] != 1 {
		t.Errorf("payload v = %d, want 1", payload["v"])
	}
}

func TestStorePayloadSealedAtRest(t *testing.T) {
	store := newTestStore(t, StoreConfig{})
	mustEnqueue(t, store, OpCreate, "note", "", map[string]any{"body": "secret text"})

	var ct string
	if err := store.db.QueryRow(`SELECT ct_b64 FROM write_queue`).Scan(&ct); err != nil {
		t.Fatalf("read raw row: %v", err)
	}
	if ct == "" {
		t.Fatal("expected sealed payload column")
	}
	if strings.Contains(ct, "secret text") {
		t.Error("payload stored in plaintext")
	}
}

func TestStoreMarkInProgressGuard(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, StoreConfig{})
	w := mustEnqueue(t, store, OpUpdate, "note", "n1", map[string]any{"v": 1})

	ok, err := store.MarkInProgress(ctx, w.ID)
	if err != nil {
		t.Fatalf("mark in progress: %v", err)
	}
	if !ok {
		t.Fatal("first transition should succeed")
	}

	ok, err = store.MarkInProgress(ctx, w.ID)
	if err != nil {
		t.Fatalf("second mark in progress: %v", err)
	}
	if ok {
		t.Error("second transition should be refused")
	}
}

func TestStoreMarkDeliveredRemoves(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, StoreConfig{})
	w := mustEnqueue(t, store, OpDelete, "task", "t1", nil)

	if err := store.MarkDelivered(ctx, w.ID); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
}

func TestStoreMarkConflictRoundTripsSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, StoreConfig{})
	w := mustEnqueue(t, store, OpUpdate, "note", "n1", map[string]any{"v": 1})

	snapshot := []byte(`{"id":"n1","body":"server version","updated_at":"2026-01-02T03:04:05Z"}`)
	if err := store.MarkConflict(ctx, w.ID, "stale version", snapshot); err != nil {
		t.Fatalf("mark conflict: %v", err)
	}

	conflicts, err := store.Conflicts(ctx)
	if err != nil {
		t.Fatalf("conflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(conflicts))
	}
	got := conflicts[0]
	if got.Status != StatusConflict {
		t.Errorf("status = %s, want %s", got.Status, StatusConflict)
	}
	if got.ConflictReason != "stale version" {
		t.Errorf("reason = %q", got.ConflictReason)
	}
	if string(got.ServerSnapshot) != string(snapshot) {
		t.Errorf("snapshot = %s, want %s", got.ServerSnapshot, snapshot)
	}
	// The local payload rides along for the resolution UI.
	if len(got.Payload) == 0 {
		t.Error("expected local payload to survive the conflict transition")
	}
}

func TestStoreMarkFailedAttemptsCeiling(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, StoreConfig{MaxAttempts: 2})
	w := mustEnqueue(t, store, OpUpdate, "note", "n1", map[string]any{"v": 1})

	if err := store.MarkFailed(ctx, w.ID, "timeout"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, err := store.Get(ctx, w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("after 1 attempt status = %s, want pending", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.LastError != "timeout" {
		t.Errorf("last error = %q", got.LastError)
	}

	if err := store.MarkFailed(ctx, w.ID, "timeout again"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, err = store.Get(ctx, w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("after ceiling status = %s, want failed", got.Status)
	}
}

func TestStoreRequeueClearsConflictState(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, StoreConfig{})
	w := mustEnqueue(t, store, OpUpdate, "note", "n1", map[string]any{"v": 1})

	if err := store.MarkConflict(ctx, w.ID, "stale", []byte(`{"id":"n1"}`)); err != nil {
		t.Fatalf("mark conflict: %v", err)
	}
	fresh := time.Now().UTC().Truncate(time.Millisecond)
	if err := store.Requeue(ctx, w.ID, fresh); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	got, err := store.Get(ctx, w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.ConflictReason != "" || len(got.ServerSnapshot) != 0 {
		t.Error("conflict metadata should be cleared")
	}
	if !got.ClientUpdatedAt.Equal(fresh) {
		t.Errorf("client_updated_at = %v, want %v", got.ClientUpdatedAt, fresh)
	}
}

func TestStoreQueueFullAndPrune(t *testing.T) {
	ctx := context.Background()
	const maxPending = 10
	store := newTestStore(t, StoreConfig{MaxPending: maxPending + 5})

	var ids []string
	for i := 0; i < maxPending+5; i++ {
		w := mustEnqueue(t, store, OpCreate, "note", "", map[string]any{"n": i})
		ids = append(ids, w.ID)
	}

	pruned, err := store.PruneOldest(ctx, maxPending)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 5 {
		t.Errorf("pruned = %d, want 5", pruned)
	}

	writes, err := store.FetchPending(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(writes) != maxPending {
		t.Fatalf("remaining = %d, want %d", len(writes), maxPending)
	}
	// The 5 oldest are gone; the most recently created survive.
	for i, w := range writes {
		if w.ID != ids[i+5] {
			t.Errorf("position %d: got %s, want %s", i, w.ID, ids[i+5])
		}
	}
}

func TestStoreEnqueueRejectsWhenFull(t *testing.T) {
	store := newTestStore(t, StoreConfig{MaxPending: 2})
	mustEnqueue(t, store, OpCreate, "note", "", map[string]any{"n": 1})
	mustEnqueue(t, store, OpCreate, "note", "", map[string]any{"n": 2})

	w, err := NewPendingWrite(OpCreate, "note", "", map[string]any{"n": 3})
	if err != nil {
		t.Fatalf("new write: %v", err)
	}
	err = store.Enqueue(context.Background(), w)
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
}

func TestStoreEnqueueDuplicateIDRejected(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, StoreConfig{})
	w := mustEnqueue(t, store, OpCreate, "note", "", map[string]any{"n": 1})

	// The id is the idempotency key; a repeat must fail loudly instead of
	// silently dropping the second mutation.
	if err := store.Enqueue(ctx, w); err == nil {
		t.Fatal("expected error for duplicate id")
	}
	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestStoreReleaseKeepsRetryHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, StoreConfig{})
	w := mustEnqueue(t, store, OpUpdate, "note", "n1", map[string]any{"v": 1})

	if err := store.MarkFailed(ctx, w.ID, "timeout"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if ok, err := store.MarkInProgress(ctx, w.ID); err != nil || !ok {
		t.Fatalf("mark in progress: ok=%v err=%v", ok, err)
	}
	if err := store.Release(ctx, w.ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	got, err := store.Get(ctx, w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	// Unlike Requeue, releasing an unattempted write preserves the record of
	// the earlier failure.
	if got.Attempts != 1 || got.LastError != "timeout" {
		t.Errorf("attempts = %d last error = %q, want 1/timeout", got.Attempts, got.LastError)
	}
}

func TestStoreReleaseOnlyTouchesInProgress(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, StoreConfig{})
	w := mustEnqueue(t, store, OpUpdate, "note", "n1", map[string]any{"v": 1})

	if err := store.MarkConflict(ctx, w.ID, "stale", nil); err != nil {
		t.Fatalf("mark conflict: %v", err)
	}
	if err := store.Release(ctx, w.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, err := store.Get(ctx, w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusConflict {
		t.Errorf("status = %s, conflicted write must stay parked", got.Status)
	}
}

func TestStoreDropsCorruptEntries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, StoreConfig{})
	good := mustEnqueue(t, store, OpUpdate, "note", "n1", map[string]any{"v": 1})
	bad := mustEnqueue(t, store, OpUpdate, "note", "n2", map[string]any{"v": 2})

	if _, err := store.db.Exec(`UPDATE write_queue SET ct_b64='dGFtcGVyZWQ=' WHERE id=?`, bad.ID); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	writes, err := store.FetchPending(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(writes) != 1 || writes[0].ID != good.ID {
		t.Fatalf("expected only the intact write, got %d", len(writes))
	}

	// The malformed entry is deleted, not retried indefinitely.
	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")
	keys := testKeys(t)

	store, err := OpenStore(path, keys, StoreConfig{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	w := mustEnqueue(t, store, OpUpdate, "note", "n1", map[string]any{"v": 1})
	if _, err := store.MarkInProgress(ctx, w.ID); err != nil {
		t.Fatalf("mark in progress: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenStore(path, keys, StoreConfig{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() {
		_ = reopened.Close()
	}()

	// The interrupted in_progress write is re-armed for delivery.
	writes, err := reopened.FetchPending(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(writes) != 1 || writes[0].ID != w.ID {
		t.Fatalf("expected recovered write, got %d", len(writes))
	}
}

func TestStoreStatusCounts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, StoreConfig{MaxAttempts: 1})

	mustEnqueue(t, store, OpCreate, "note", "", map[string]any{"n": 1})
	conflicted := mustEnqueue(t, store, OpUpdate, "note", "n2", map[string]any{"n": 2})
	failed := mustEnqueue(t, store, OpUpdate, "note", "n3", map[string]any{"n": 3})

	if err := store.MarkConflict(ctx, conflicted.ID, "stale", nil); err != nil {
		t.Fatalf("mark conflict: %v", err)
	}
	if err := store.MarkFailed(ctx, failed.ID, fmt.Sprintf("status %d", 422)); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	st, err := store.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Pending != 1 || st.Conflicts != 1 || st.Failed != 1 {
		t.Errorf("status = %+v, want 1/1/1", st)
	}
}
