// ABOUTME: Surfaces conflicted writes and applies the user's resolution.
// ABOUTME: The engine never auto-resolves; silent resolution risks data loss.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Choice is the user's resolution for a conflicted write.
type Choice string

const (
	KeepLocal  Choice = "keep_local"  // retry the local mutation against the server's current state
	KeepServer Choice = "keep_server" // discard the local mutation, adopt the server's version
)

// ConflictView pairs a conflicted write's queued payload with the server's
// current version for display.
type ConflictView struct {
	Write          PendingWrite
	LocalPayload   json.RawMessage
	ServerSnapshot json.RawMessage
	Reason         string
}

// Resolver exposes the conflict read model and the single resolution entry
// point. Resolution is always user-initiated.
type Resolver struct {
	store     *Store
	cache     Cache
	registry  *Registry
	observers *Observers
	log       *slog.Logger
}

// NewResolver wires conflict resolution over the queue store and cache.
// observers may be nil.
func NewResolver(store *Store, cache Cache, registry *Registry, observers *Observers, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:     store,
		cache:     cache,
		registry:  registry,
		observers: observers,
		log:       logger,
	}
}

// Conflicts lists the writes currently awaiting resolution, oldest-first.
func (r *Resolver) Conflicts(ctx context.Context) ([]ConflictView, error) {
	writes, err := r.store.Conflicts(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]ConflictView, 0, len(writes))
	for _, w := range writes {
		views = append(views, ConflictView{
			Write:          w,
			LocalPayload:   w.Payload,
			ServerSnapshot: w.ServerSnapshot,
			Reason:         w.ConflictReason,
		})
	}
	return views, nil
}

// Resolve applies the user's choice to one conflicted write. Resolving an id
// that is no longer conflicted returns ErrNotFound and changes nothing, so a
// repeated resolution is harmless.
func (r *Resolver) Resolve(ctx context.Context, id string, choice Choice) error {
	w, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if w.Status != StatusConflict {
		return fmt.Errorf("write %s is %s, not conflicted: %w", id, w.Status, ErrNotFound)
	}

	switch choice {
	case KeepServer:
		return r.keepServer(ctx, w)
	case KeepLocal:
		// Re-arm with a fresh capture so the next delivery attempt is
		// evaluated against the server's current state instead of
		// re-triggering the same stale-version conflict.
		r.log.Info("conflict resolved", "id", id, "choice", choice)
		return r.store.Requeue(ctx, id, time.Now().UTC())
	default:
		return fmt.Errorf("unknown resolution choice %q", choice)
	}
}

func (r *Resolver) keepServer(ctx context.Context, w PendingWrite) error {
	if len(w.ServerSnapshot) > 0 && r.cache != nil && r.registry != nil {
		if key := r.registry.DetailKey(w.EntityType, w.EntityID); key != "" {
			ttl := r.registry.TTLFor(w.EntityType)
			// Stored under the raw tag so the typed read path can serve it.
			if err := r.cache.Set(ctx, key, RawSnapshotTag, w.ServerSnapshot, ttl); err != nil {
				return err
			}
		}
		if listKey := r.registry.ListKey(w.EntityType); listKey != "" {
			if err := r.cache.Remove(ctx, listKey); err != nil {
				return err
			}
		}
	}

	if err := r.store.Delete(ctx, w.ID); err != nil {
		return err
	}
	r.log.Info("conflict resolved", "id", w.ID, "choice", KeepServer)

	if r.observers != nil {
		r.observers.Notify(w.EntityType, w.EntityID, w.ServerSnapshot)
	}
	return nil
}
