package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every task status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

type EventType string

const (
	EventLocked      EventType = "locked"
	EventStarted     EventType = "started"
	EventSucceeded   EventType = "succeeded"
	EventFailed      EventType = "failed"
	EventCancelled   EventType = "cancelled"
	EventUnlocked    EventType = "unlocked"
	EventRescheduled EventType = "rescheduled"
)

// Task is a unit of deferred, retryable work.
//
// LockedBy/LockedAt are set only while Status is processing. NextRetryAt is set
// only while Status is failed and RetryCount < MaxRetries.
type Task struct {
	ID          string          `json:"id"`
	TaskName    string          `json:"task_name"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Priority    int             `json:"priority"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	MaxRetries  int             `json:"max_retries"`
	RetryCount  int             `json:"retry_count"`
	LastError   *string         `json:"last_error,omitempty"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	LockedBy    *string         `json:"locked_by,omitempty"`
	LockedAt    *time.Time      `json:"locked_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Terminal reports whether no further transition will be attempted.
func (t Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return t.RetryCount >= t.MaxRetries
	}
	return false
}

// TaskEvent is an immutable audit record of one lifecycle transition.
type TaskEvent struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	EventType EventType      `json:"event_type"`
	Message   string         `json:"message,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Stats holds a task count per status.
type Stats map[Status]int
