package offline

import (
	"fmt"
	"time"
)

// Policy maps a logical resource to its cache key shape and TTL.
// Pure data; the registry derives concrete keys from it.
type Policy struct {
	ListKey   string        // key for the collection entry
	DetailKey string        // fmt template taking the entity id
	TTL       time.Duration // how long a snapshot serves reads
}

// Registry is the static mapping from entity type to cache policy.
// A delivered write invalidates exactly the entries its entity affects,
// without a full-table scan.
type Registry struct {
	policies map[string]Policy
}

// DefaultRegistry covers the resources the assistant app syncs.
func DefaultRegistry() *Registry {
	r := &Registry{policies: make(map[string]Policy)}
	r.Register("note", Policy{ListKey: "notes:tree", DetailKey: "notes:detail:%s", TTL: 30 * time.Minute})
	r.Register("task", Policy{ListKey: "tasks:list", DetailKey: "tasks:detail:%s", TTL: 15 * time.Minute})
	r.Register("website", Policy{ListKey: "websites:list", DetailKey: "websites:detail:%s", TTL: time.Hour})
	r.Register("file", Policy{ListKey: "files:list", DetailKey: "files:detail:%s", TTL: time.Hour})
	r.Register("chat", Policy{ListKey: "chats:list", DetailKey: "chats:detail:%s", TTL: 5 * time.Minute})
	return r
}

// Register adds or replaces the policy for an entity type.
func (r *Registry) Register(entityType string, p Policy) {
	r.policies[entityType] = p
}

// ListKey returns the collection cache key for an entity type, or "" when
// the type has no policy.
func (r *Registry) ListKey(entityType string) string {
	return r.policies[entityType].ListKey
}

// DetailKey returns the per-entity cache key, or "" when the type has no
// policy or no id is given.
func (r *Registry) DetailKey(entityType, id string) string {
	p, ok := r.policies[entityType]
	if !ok || id == "" {
		return ""
	}
	return fmt.Sprintf(p.DetailKey, id)
}

// TTLFor returns the configured TTL, defaulting to 15 minutes for unknown
// types so a missing policy never produces immortal entries.
func (r *Registry) TTLFor(entityType string) time.Duration {
	p, ok := r.policies[entityType]
	if !ok || p.TTL <= 0 {
		return 15 * time.Minute
	}
	return p.TTL
}
