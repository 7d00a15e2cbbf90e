package offline

import (
	"encoding/json"
	"sync"
)

// Events provides hooks for observability during a drain pass. Any UI
// binding is the caller's responsibility; the engine only reports.
type Events struct {
	OnStart     func(pending int)                    // called when a pass begins
	OnDelivered func(w PendingWrite)                 // called after each delivered write
	OnConflict  func(w PendingWrite, reason string)  // called when a write parks as conflicted
	OnFailed    func(w PendingWrite, errMsg string)  // called after a failed attempt
	OnComplete  func(stats DrainStats)               // called when the pass finishes
}

// EntityObserver receives "state changed" notifications for a watched entity
// type: a resolved conflict adopting the server's version, or an incoming
// push-notification invalidation. payload is the server's snapshot when one
// is available, nil otherwise.
type EntityObserver func(entityType, entityID string, payload json.RawMessage)

// Observers is a subscription registry keyed by entity type.
type Observers struct {
	mu  sync.RWMutex
	fns map[string][]EntityObserver
}

// NewObservers returns an empty registry.
func NewObservers() *Observers {
	return &Observers{fns: make(map[string][]EntityObserver)}
}

// Subscribe registers fn for an entity type. The empty string subscribes to
// every type.
func (o *Observers) Subscribe(entityType string, fn EntityObserver) {
	o.mu.Lock()
	o.fns[entityType] = append(o.fns[entityType], fn)
	o.mu.Unlock()
}

// Notify fans a change out to subscribers of the entity type and to
// catch-all subscribers. Callbacks run on the caller's goroutine.
func (o *Observers) Notify(entityType, entityID string, payload json.RawMessage) {
	o.mu.RLock()
	fns := make([]EntityObserver, 0, len(o.fns[entityType])+len(o.fns[""]))
	fns = append(fns, o.fns[entityType]...)
	fns = append(fns, o.fns[""]...)
	o.mu.RUnlock()

	for _, fn := range fns {
		fn(entityType, entityID, payload)
	}
}
