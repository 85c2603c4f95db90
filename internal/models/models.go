package models

import (
	"errors"
	"time"

	"gorm.io/datatypes"
)

// MaxAttempts is the retry ceiling. A failed item that reached it is left
// for manual operator action.
const MaxAttempts = 5

// Status is the lifecycle state of a QueueItem
type Status string

// Status constants
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

var (
	// ErrNotFound is returned when a queue item does not exist (or was purged after completion).
	ErrNotFound = errors.New("queue item not found")
	// ErrStoreUnavailable wraps failures to reach the queue store at all.
	ErrStoreUnavailable = errors.New("queue store unavailable")
	// ErrStateConflict is returned when a conditional transition found the row in another state.
	ErrStateConflict = errors.New("queue item not in expected state")
)

// QueueItem represents one server provisioning request
type QueueItem struct {
	ID           string         `json:"id" gorm:"column:id;type:varchar(36);primaryKey"`
	Name         string         `json:"name" gorm:"column:name;not null"`
	Type         string         `json:"type" gorm:"column:type;not null"`
	RemoteID     *string        `json:"remote_id,omitempty" gorm:"column:remote_id"`
	Status       Status         `json:"status" gorm:"column:status;type:varchar(16);not null"`
	Attributes   datatypes.JSON `json:"attributes" gorm:"column:attributes;not null"`
	LastResponse datatypes.JSON `json:"last_response,omitempty" gorm:"column:last_response"`
	Attempts     int            `json:"attempts" gorm:"column:attempts;not null"`
	CreatedAt    time.Time      `json:"created_at" gorm:"column:created_at"`
	UpdatedAt    time.Time      `json:"updated_at" gorm:"column:updated_at"`
}

// TableName keeps the table name used by the purchase flow.
func (QueueItem) TableName() string { return "server_queue" }

// Eligible reports whether the dispatcher may hand the item to a worker.
func (q *QueueItem) Eligible() bool {
	return (q.Status == StatusPending || q.Status == StatusFailed) && q.Attempts < MaxAttempts
}

// Exhausted reports whether the item used up its retry budget.
func (q *QueueItem) Exhausted() bool {
	return q.Status == StatusFailed && q.Attempts >= MaxAttempts
}

// QueueStats holds queue counters for dashboards
type QueueStats struct {
	TotalItems      int64 `json:"total_items"`
	PendingItems    int64 `json:"pending_items"`
	ProcessingItems int64 `json:"processing_items"`
	FailedItems     int64 `json:"failed_items"`
	ExhaustedItems  int64 `json:"exhausted_items"`
	TotalAttempts   int64 `json:"total_attempts"`
}

// EnqueueRequest represents an enqueue request from the purchase/admin flow
type EnqueueRequest struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Attributes map[string]any `json:"attributes"`
}

// EventKind names a queue transition broadcast to listeners
type EventKind string

const (
	EventEnqueued   EventKind = "enqueued"
	EventProcessing EventKind = "processing"
	EventCompleted  EventKind = "completed"
	EventFailed     EventKind = "failed"
	EventExhausted  EventKind = "exhausted"
	EventDeleted    EventKind = "deleted"
)

// QueueEvent is emitted on every state change of an item.
type QueueEvent struct {
	Kind     EventKind `json:"kind"`
	ItemID   string    `json:"item_id"`
	Attempts int       `json:"attempts"`
	RemoteID string    `json:"remote_id,omitempty"`
	At       time.Time `json:"at"`
}
