// ABOUTME: Tests for user-driven conflict resolution.
// ABOUTME: Covers both choices, idempotence, and cache effects.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func newTestResolver(t *testing.T, cache Cache, observers *Observers) (*Resolver, *Store) {
	t.Helper()
	store := newTestStore(t, StoreConfig{})
	return NewResolver(store, cache, DefaultRegistry(), observers, nil), store
}

func conflictedWrite(t *testing.T, store *Store, entityID string, snapshot []byte) PendingWrite {
	t.Helper()
	w := mustEnqueue(t, store, OpUpdate, "note", entityID, map[string]any{"body": "local"})
	if err := store.MarkConflict(context.Background(), w.ID, "stale version", snapshot); err != nil {
		t.Fatalf("mark conflict: %v", err)
	}
	return w
}

func TestConflictsListsBothVersions(t *testing.T) {
	ctx := context.Background()
	resolver, store := newTestResolver(t, NewMemoryCache(), nil)
	snapshot := []byte(`{"id":"n1","body":"server"}`)
	w := conflictedWrite(t, store, "n1", snapshot)

	views, err := resolver.Conflicts(ctx)
	if err != nil {
		t.Fatalf("conflicts: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("got %d views, want 1", len(views))
	}
	v := views[0]
	if v.Write.ID != w.ID || v.Reason != "stale version" {
		t.Errorf("view = %+v", v)
	}
	if string(v.ServerSnapshot) != string(snapshot) {
		t.Errorf("server snapshot = %s", v.ServerSnapshot)
	}
	var local struct {
		Body string `json:"body"`
	}
	if err := json.Unmarshal(v.LocalPayload, &local); err != nil || local.Body != "local" {
		t.Errorf("local payload = %s", v.LocalPayload)
	}
}

func TestResolveKeepServerAdoptsSnapshot(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	reg := DefaultRegistry()

	var notified []string
	observers := NewObservers()
	observers.Subscribe("note", func(entityType, entityID string, data json.RawMessage) {
		notified = append(notified, entityID)
	})

	resolver, store := newTestResolver(t, cache, observers)
	snapshot := []byte(`{"id":"n1","body":"server"}`)
	w := conflictedWrite(t, store, "n1", snapshot)

	if err := CacheSet(ctx, cache, reg.ListKey("note"), noteList{Notes: []string{"stale"}}, time.Hour); err != nil {
		t.Fatalf("seed list: %v", err)
	}

	if err := resolver.Resolve(ctx, w.ID, KeepServer); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// The write is gone and the detail cache now holds the server's version.
	if _, err := store.Get(ctx, w.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after resolve = %v, want ErrNotFound", err)
	}
	got, ok := CacheGet[json.RawMessage](ctx, cache, reg.DetailKey("note", "n1"))
	if !ok {
		t.Fatal("detail cache should hold the adopted snapshot")
	}
	if string(got) != string(snapshot) {
		t.Errorf("cached detail = %s", got)
	}
	if _, ok := CacheGet[noteList](ctx, cache, reg.ListKey("note")); ok {
		t.Error("list entry should be invalidated")
	}
	if len(notified) != 1 || notified[0] != "n1" {
		t.Errorf("observer notifications = %v", notified)
	}
}

func TestResolveKeepServerSnapshotSurvivesTypedReads(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	reg := DefaultRegistry()
	resolver, store := newTestResolver(t, cache, nil)
	w := conflictedWrite(t, store, "n1", []byte(`{"id":"n1","body":"server"}`))

	if err := resolver.Resolve(ctx, w.ID, KeepServer); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// The adopted snapshot must be served by the same typed read path the
	// app uses, and the first read must not evict it.
	type note struct {
		ID   string `json:"id"`
		Body string `json:"body"`
	}
	for i := 0; i < 2; i++ {
		got, ok := CacheGet[note](ctx, cache, reg.DetailKey("note", "n1"))
		if !ok {
			t.Fatalf("read %d: expected the adopted snapshot from cache", i)
		}
		if got.Body != "server" {
			t.Errorf("read %d: body = %q", i, got.Body)
		}
	}
}

func TestResolveKeepLocalRequeues(t *testing.T) {
	ctx := context.Background()
	resolver, store := newTestResolver(t, NewMemoryCache(), nil)
	w := conflictedWrite(t, store, "n1", []byte(`{"id":"n1"}`))
	before := w.ClientUpdatedAt

	time.Sleep(5 * time.Millisecond) // millisecond timestamp resolution
	if err := resolver.Resolve(ctx, w.ID, KeepLocal); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got, err := store.Get(ctx, w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.ConflictReason != "" || len(got.ServerSnapshot) != 0 {
		t.Error("conflict metadata should be cleared on requeue")
	}
	// The capture timestamp is refreshed so the retry is judged against the
	// server's current state.
	if !got.ClientUpdatedAt.After(before) {
		t.Errorf("client_updated_at = %v, want later than %v", got.ClientUpdatedAt, before)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryCache()
	reg := DefaultRegistry()
	resolver, store := newTestResolver(t, cache, nil)
	snapshot := []byte(`{"id":"n1","body":"server"}`)
	w := conflictedWrite(t, store, "n1", snapshot)

	if err := resolver.Resolve(ctx, w.ID, KeepServer); err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	// Mutate the cached detail, then resolve again: the second call must be
	// a no-op and leave the cache untouched.
	if err := CacheSet(ctx, cache, reg.DetailKey("note", "n1"), json.RawMessage(`{"id":"n1","body":"edited"}`), time.Hour); err != nil {
		t.Fatalf("seed: %v", err)
	}
	err := resolver.Resolve(ctx, w.ID, KeepServer)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("second resolve = %v, want ErrNotFound", err)
	}
	got, ok := CacheGet[json.RawMessage](ctx, cache, reg.DetailKey("note", "n1"))
	if !ok || string(got) != `{"id":"n1","body":"edited"}` {
		t.Errorf("cache changed by a repeated resolution: %s ok=%v", got, ok)
	}
}

func TestResolveNonConflictedWrite(t *testing.T) {
	ctx := context.Background()
	resolver, store := newTestResolver(t, NewMemoryCache(), nil)
	w := mustEnqueue(t, store, OpUpdate, "note", "n1", map[string]any{"v": 1})

	err := resolver.Resolve(ctx, w.ID, KeepServer)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("resolving a pending write = %v, want ErrNotFound", err)
	}
	if got, err := store.Get(ctx, w.ID); err != nil || got.Status != StatusPending {
		t.Errorf("pending write should be untouched, got %+v err %v", got, err)
	}
}

func TestResolveUnknownChoice(t *testing.T) {
	ctx := context.Background()
	resolver, store := newTestResolver(t, NewMemoryCache(), nil)
	w := conflictedWrite(t, store, "n1", nil)

	if err := resolver.Resolve(ctx, w.ID, Choice("merge")); err == nil {
		t.Error("expected error for unknown choice")
	}
	if got, err := store.Get(ctx, w.ID); err != nil || got.Status != StatusConflict {
		t.Errorf("write should remain conflicted, got %+v err %v", got, err)
	}
}
