// ABOUTME: Drain loop delivering queued writes to the remote API.
// ABOUTME: Single-flight, per-entity ordered, with bounded backoff retries.
package offline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// InvalidateHook runs after a write is delivered, typically to drop the cache
// entries the mutation affects. body is the server's response.
type InvalidateHook func(ctx context.Context, w PendingWrite, body json.RawMessage)

type hookKey struct {
	entityType string
	op         Op
}

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Delivered int
	Conflicts int
	Failed    int
	Skipped   int  // writes held back by backoff or per-entity ordering
	InFlight  bool // true when the pass was a no-op because one was running
}

// ProcessorConfig tunes the drain loop.
type ProcessorConfig struct {
	Retry        RetryConfig
	DispatchRate float64 // deliveries per second, 0 = unlimited
	Logger       *slog.Logger
}

// Processor drains the write queue against the remote API: one write at a
// time per logical queue, classifying each response and either removing,
// rescheduling, or parking the write.
type Processor struct {
	store    *Store
	client   *APIClient
	cache    Cache
	registry *Registry
	events   *Events
	limiter  *rate.Limiter
	retry    RetryConfig
	log      *slog.Logger

	mu    sync.Mutex // single-flight guard around Drain
	kick  chan struct{}
	hooks map[hookKey]InvalidateHook
}

// NewProcessor wires a drain loop over the given store, client, and cache.
// events may be nil.
func NewProcessor(store *Store, client *APIClient, cache Cache, registry *Registry, events *Events, cfg ProcessorConfig) *Processor {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.DispatchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), 1)
	}
	return &Processor{
		store:    store,
		client:   client,
		cache:    cache,
		registry: registry,
		events:   events,
		limiter:  limiter,
		retry:    cfg.Retry,
		log:      cfg.Logger,
		kick:     make(chan struct{}, 1),
		hooks:    make(map[hookKey]InvalidateHook),
	}
}

// OnDelivered registers an extra invalidation hook for (entityType, op),
// replacing the default registry-driven invalidation for that pair.
func (p *Processor) OnDelivered(entityType string, op Op, hook InvalidateHook) {
	p.hooks[hookKey{entityType, op}] = hook
}

// Kick requests a drain pass: connectivity regained, app foregrounded, or a
// fresh enqueue. Coalesces when a request is already queued.
func (p *Processor) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run drives the drain loop until ctx is done: a periodic interval plus any
// Kick triggers. Drain errors are logged, never fatal.
func (p *Processor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.kick:
		}
		if _, err := p.Drain(ctx); err != nil {
			p.log.Warn("drain pass failed", "error", err)
		}
	}
}

// Drain performs one pass over the pending queue, oldest-first. A second
// call while a pass is in flight is a no-op. A single write's failure never
// blocks delivery of subsequent unrelated writes.
func (p *Processor) Drain(ctx context.Context) (DrainStats, error) {
	if !p.mu.TryLock() {
		return DrainStats{InFlight: true}, nil
	}
	defer p.mu.Unlock()

	writes, err := p.store.FetchPending(ctx)
	if err != nil {
		return DrainStats{}, err
	}
	if p.events != nil && p.events.OnStart != nil {
		p.events.OnStart(len(writes))
	}

	var stats DrainStats
	now := time.Now()
	blocked := make(map[string]bool) // entity keys whose earlier write didn't deliver this pass

	for _, w := range writes {
		if ctx.Err() != nil {
			break
		}

		key := w.EntityKey()
		if w.EntityID != "" && blocked[key] {
			stats.Skipped++
			continue
		}
		if w.EntityID != "" {
			// A parked conflict or still-queued predecessor for the same
			// entity must go first; this write waits for it.
			older, err := p.store.HasOlderUndelivered(ctx, w)
			if err != nil {
				return stats, err
			}
			if older {
				stats.Skipped++
				blocked[key] = true
				continue
			}
		}
		if wait := Backoff(p.retry, w.Attempts); w.Attempts > 0 && now.Sub(w.LastAttemptAt) < wait {
			stats.Skipped++
			if w.EntityID != "" {
				blocked[key] = true
			}
			continue
		}

		ok, err := p.store.MarkInProgress(ctx, w.ID)
		if err != nil {
			return stats, err
		}
		if !ok {
			continue
		}

		if err := p.limiter.Wait(ctx); err != nil {
			// Context canceled mid-pass. Return the write to pending without
			// touching its retry bookkeeping; it was never attempted.
			_ = p.store.Release(context.Background(), w.ID)
			break
		}

		if blockEntity := p.deliver(ctx, w, &stats); blockEntity && w.EntityID != "" {
			blocked[key] = true
		}
	}

	if p.events != nil && p.events.OnComplete != nil {
		p.events.OnComplete(stats)
	}
	return stats, nil
}

// deliver submits one write and applies its classified outcome. Returns true
// when later writes for the same entity must be held back.
func (p *Processor) deliver(ctx context.Context, w PendingWrite, stats *DrainStats) bool {
	outcome := p.client.Submit(ctx, w)

	switch outcome.Kind {
	case OutcomeDelivered:
		if err := p.store.MarkDelivered(ctx, w.ID); err != nil {
			p.log.Error("mark delivered failed", "id", w.ID, "error", err)
			return true
		}
		p.invalidate(ctx, w, outcome.Body)
		stats.Delivered++
		if p.events != nil && p.events.OnDelivered != nil {
			p.events.OnDelivered(w)
		}
		return false

	case OutcomeConflict:
		if err := p.store.MarkConflict(ctx, w.ID, outcome.Reason, outcome.ServerSnapshot); err != nil {
			p.log.Error("mark conflict failed", "id", w.ID, "error", err)
		}
		stats.Conflicts++
		p.log.Info("write conflicted", "id", w.ID, "entity", w.EntityType, "reason", outcome.Reason)
		if p.events != nil && p.events.OnConflict != nil {
			p.events.OnConflict(w, outcome.Reason)
		}
		return true

	case OutcomeRejected:
		if err := p.store.MarkFailed(ctx, w.ID, outcome.Message); err != nil {
			p.log.Error("mark failed failed", "id", w.ID, "error", err)
		}
		stats.Failed++
		p.log.Warn("write rejected", "id", w.ID, "entity", w.EntityType, "message", outcome.Message)
		if p.events != nil && p.events.OnFailed != nil {
			p.events.OnFailed(w, outcome.Message)
		}
		return true

	default: // OutcomeTransient
		msg := "network failure"
		if outcome.Err != nil {
			msg = outcome.Err.Error()
		}
		if err := p.store.MarkFailed(ctx, w.ID, msg); err != nil {
			p.log.Error("mark failed failed", "id", w.ID, "error", err)
		}
		stats.Failed++
		if p.events != nil && p.events.OnFailed != nil {
			p.events.OnFailed(w, msg)
		}
		return true
	}
}

// invalidate drops the cache entries a delivered write affects. Creates also
// invalidate the detail entry for the server-assigned id when the response
// carries one.
func (p *Processor) invalidate(ctx context.Context, w PendingWrite, body json.RawMessage) {
	if hook, ok := p.hooks[hookKey{w.EntityType, w.Op}]; ok {
		hook(ctx, w, body)
		return
	}
	if p.cache == nil || p.registry == nil {
		return
	}

	id := w.EntityID
	if id == "" && len(body) > 0 {
		var resp struct {
			ID   string `json:"id"`
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &resp); err == nil {
			if resp.ID != "" {
				id = resp.ID
			} else {
				id = resp.Data.ID
			}
		}
	}

	listKey := p.registry.ListKey(w.EntityType)
	if listKey == "" {
		return
	}
	err := InvalidateList(ctx, p.cache, listKey, func(id string) string {
		return p.registry.DetailKey(w.EntityType, id)
	}, id)
	if err != nil {
		p.log.Warn("cache invalidation failed", "entity", w.EntityType, "id", id, "error", err)
	}
}
