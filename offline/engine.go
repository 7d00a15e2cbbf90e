// ABOUTME: Engine composes the queue store, cache, processor, resolver,
// ABOUTME: uploads, and change-feed listener behind one configuration.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
)

// Engine is the composition surface an app embeds: optimistic local writes,
// read-through cached reads, conflict resolution, and uploads.
type Engine struct {
	Store     *Store
	Cache     Cache
	Client    *APIClient
	Processor *Processor
	Resolver  *Resolver
	Uploads   *UploadManager
	Registry  *Registry
	Observers *Observers
	Events    *Events

	listener *Listener
	cfg      Config
}

// Open builds an engine rooted at cfg.StoreDir. The caller owns the master
// key; both on-disk stores are sealed with subkeys expanded from it.
func Open(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	keys, err := DeriveKeys(cfg.MasterKey)
	if err != nil {
		return nil, err
	}

	store, err := OpenStore(filepath.Join(cfg.StoreDir, "queue.db"), keys, StoreConfig{
		MaxPending:  cfg.MaxPending,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	var cache Cache
	if cfg.MemoryCacheOnly {
		cache = NewMemoryCache()
	} else {
		cache, err = OpenSQLiteCache(filepath.Join(cfg.StoreDir, "cache.db"), keys, cfg.Logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	apiCfg := APIConfig{
		BaseURL:           cfg.BaseURL,
		AuthToken:         cfg.AuthToken,
		DeviceID:          cfg.DeviceID,
		Timeout:           cfg.Timeout,
		PrecheckConflicts: cfg.PrecheckConflicts,
	}
	client := NewAPIClient(apiCfg)
	registry := DefaultRegistry()
	observers := NewObservers()
	events := &Events{}

	processor := NewProcessor(store, client, cache, registry, events, ProcessorConfig{
		Retry:        cfg.Retry,
		DispatchRate: cfg.DispatchRate,
		Logger:       cfg.Logger,
	})
	resolver := NewResolver(store, cache, registry, observers, cfg.Logger)
	uploads := NewUploadManager(UploadConfig{
		BaseURL:   cfg.BaseURL,
		AuthToken: cfg.AuthToken,
		Logger:    cfg.Logger,
	})
	listener := NewListener(apiCfg, cache, registry, observers, processor.Kick, cfg.Retry, cfg.Logger)

	return &Engine{
		Store:     store,
		Cache:     cache,
		Client:    client,
		Processor: processor,
		Resolver:  resolver,
		Uploads:   uploads,
		Registry:  registry,
		Observers: observers,
		Events:    events,
		listener:  listener,
		cfg:       cfg,
	}, nil
}

// Start launches the background drain loop and change-feed listener. Both
// stop when ctx is done.
func (e *Engine) Start(ctx context.Context) {
	go e.Processor.Run(ctx, e.cfg.DrainInterval)
	go func() {
		_ = e.listener.Run(ctx)
	}()
}

// Close releases the engine's resources. In-flight uploads are canceled;
// queued writes stay durable for the next session.
func (e *Engine) Close() error {
	e.Uploads.Close()
	cacheErr := e.Cache.Close()
	storeErr := e.Store.Close()
	if storeErr != nil {
		return storeErr
	}
	return cacheErr
}

// EnqueueWrite captures a mutation locally and kicks the drain loop. The
// list entry for the entity is invalidated immediately so reads reflect the
// optimistic local effect. When the queue is full the oldest writes are
// pruned once; the newest user action is never the one lost.
func (e *Engine) EnqueueWrite(ctx context.Context, op Op, entityType, entityID string, payload any) (PendingWrite, error) {
	w, err := NewPendingWrite(op, entityType, entityID, payload)
	if err != nil {
		return PendingWrite{}, err
	}

	err = e.Store.Enqueue(ctx, w)
	if errors.Is(err, ErrQueueFull) {
		max := e.Store.cfg.MaxPending
		if _, pruneErr := e.Store.PruneOldest(ctx, max-1); pruneErr != nil {
			return PendingWrite{}, pruneErr
		}
		err = e.Store.Enqueue(ctx, w)
	}
	if err != nil {
		return PendingWrite{}, err
	}

	if listKey := e.Registry.ListKey(entityType); listKey != "" {
		_ = InvalidateList(ctx, e.Cache, listKey, func(id string) string {
			return e.Registry.DetailKey(entityType, id)
		}, entityID)
	}

	e.Processor.Kick()
	return w, nil
}

// ReadThrough returns the cached value for an entity list (id == "") or
// detail record, falling back to a live fetch that repopulates the cache.
func ReadThrough[T any](ctx context.Context, e *Engine, entityType, id string) (T, error) {
	var zero T

	key := e.Registry.ListKey(entityType)
	if id != "" {
		key = e.Registry.DetailKey(entityType, id)
	}
	if key == "" {
		return zero, fmt.Errorf("%w: %q", ErrNoEndpoint, entityType)
	}

	if v, ok := CacheGet[T](ctx, e.Cache, key); ok {
		return v, nil
	}

	raw, err := e.Client.Fetch(ctx, entityType, id)
	if err != nil {
		return zero, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, fmt.Errorf("decode %s response: %w", entityType, err)
	}
	if err := CacheSet(ctx, e.Cache, key, v, e.Registry.TTLFor(entityType)); err != nil {
		return zero, err
	}
	return v, nil
}

// Drain runs one synchronous drain pass; the manual "retry all" surface.
func (e *Engine) Drain(ctx context.Context) (DrainStats, error) {
	return e.Processor.Drain(ctx)
}

// Status summarizes the queue for a pending-changes view.
func (e *Engine) Status(ctx context.Context) (QueueStatus, error) {
	return e.Store.Status(ctx)
}

// RetryFailed re-arms writes that exhausted their attempts, resetting their
// backoff. User-initiated; automatic retries stay bounded.
func (e *Engine) RetryFailed(ctx context.Context) (int, error) {
	failed, err := e.Store.Failed(ctx)
	if err != nil {
		return 0, err
	}
	for _, w := range failed {
		// The original capture timestamp is kept so a concurrent server-side
		// edit still surfaces as a conflict rather than an overwrite.
		if err := e.Store.Requeue(ctx, w.ID, w.ClientUpdatedAt); err != nil {
			return 0, err
		}
	}
	if len(failed) > 0 {
		e.Processor.Kick()
	}
	return len(failed), nil
}
