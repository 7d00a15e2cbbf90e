// ABOUTME: TTL read-through cache contract serving reads independent of
// ABOUTME: connectivity. Snapshots only; never the source of truth.
package offline

import (
	"context"
	"encoding/json"
	"reflect"
	"time"
)

// Cache stores serialized server response snapshots with per-entry expiry.
// Get treats a missing, expired, or wrongly tagged entry identically as a
// miss and never raises; expired or undecodable entries are deleted as a
// side effect. Entries stored under RawSnapshotTag serve any requested tag.
// Implementations must be safe for concurrent readers and a concurrent
// writer per key: a Get during a Set for the same key returns either the
// old or the new value, never a torn mix.
type Cache interface {
	Get(ctx context.Context, key, typeTag string) ([]byte, bool)
	Set(ctx context.Context, key, typeTag string, payload []byte, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}

// TypeTag names the logical shape of a cached payload. Entries written by an
// older app version with a different shape are rejected as misses.
func TypeTag[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}

// RawSnapshotTag marks an entry holding a raw server JSON snapshot, such as
// the adopted version of a resolved conflict. Backends match it against any
// requested tag; the reader's decode still validates the shape.
const RawSnapshotTag = "raw"

// tagMatches reports whether a stored entry may serve a read requesting tag.
func tagMatches(storedTag, requestedTag string) bool {
	return storedTag == requestedTag || storedTag == RawSnapshotTag
}

// CacheGet returns a decoded value if present, unexpired, and decodable as T.
// Any decode failure deletes the stale entry and reads as a miss.
func CacheGet[T any](ctx context.Context, c Cache, key string) (T, bool) {
	var zero T
	raw, ok := c.Get(ctx, key, TypeTag[T]())
	if !ok {
		return zero, false
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		_ = c.Remove(ctx, key)
		return zero, false
	}
	return v, true
}

// CacheSet serializes and stores a value, overwriting any existing entry.
func CacheSet[T any](ctx context.Context, c Cache, key string, v T, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, TypeTag[T](), raw, ttl)
}

// InvalidateList removes a list-shaped entry and, when an id is supplied, the
// corresponding detail entry. Write delivery and push-notification handlers
// both use this to keep cached collections consistent without re-fetching.
func InvalidateList(ctx context.Context, c Cache, listKey string, detailKeyFn func(id string) string, id string) error {
	if err := c.Remove(ctx, listKey); err != nil {
		return err
	}
	if id != "" && detailKeyFn != nil {
		return c.Remove(ctx, detailKeyFn(id))
	}
	return nil
}
