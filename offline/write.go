package offline

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Op describes supported mutation operations.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Status tracks a pending write through the delivery lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusConflict   Status = "conflict"
	StatusFailed     Status = "failed"
)

// PendingWrite is a queued mutation awaiting delivery to the server.
// The ID doubles as the idempotency key the server uses to deduplicate
// retried deliveries.
type PendingWrite struct {
	ID              string          `json:"id"`
	Op              Op              `json:"op"`
	EntityType      string          `json:"entity_type"`
	EntityID        string          `json:"entity_id,omitempty"` // empty for not-yet-assigned creates
	Payload         json.RawMessage `json:"payload,omitempty"`
	ClientUpdatedAt time.Time       `json:"client_updated_at"`
	CreatedAt       time.Time       `json:"created_at"`
	Attempts        int             `json:"attempts"`
	LastAttemptAt   time.Time       `json:"last_attempt_at,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	Status          Status          `json:"status"`
	ConflictReason  string          `json:"conflict_reason,omitempty"`
	ServerSnapshot  json.RawMessage `json:"server_snapshot,omitempty"` // populated only when Status is conflict
}

// NewPendingWrite builds a write with a UUID and marshalled payload.
// The payload may be nil for deletes.
func NewPendingWrite(op Op, entityType, entityID string, payload any) (PendingWrite, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return PendingWrite{}, err
		}
		raw = b
	}
	now := time.Now().UTC()
	return PendingWrite{
		ID:              uuid.NewString(),
		Op:              op,
		EntityType:      entityType,
		EntityID:        entityID,
		Payload:         raw,
		ClientUpdatedAt: now,
		CreatedAt:       now,
		Status:          StatusPending,
	}, nil
}

// EntityKey identifies the logical queue a write belongs to. Writes sharing
// a key must be delivered in creation order.
func (w PendingWrite) EntityKey() string {
	return w.EntityType + "/" + w.EntityID
}
