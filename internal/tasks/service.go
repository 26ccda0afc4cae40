// Package tasks holds the business rules behind the task API: creation
// defaults, validation, filtered listing, and the pending-only cancel and
// reschedule transitions.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"taskd/internal/domain"
	"taskd/internal/queue"
)

const (
	DefaultType       = "sample-task"
	DefaultMaxRetries = 3
	MaxPriority       = 10
)

var (
	ErrNotFound = errors.New("task not found")
	ErrConflict = errors.New("task state conflict")
)

// ValidationError rejects a request before it reaches the store.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Msg }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// CreateInput carries a new task. Nil pointers take the defaults.
type CreateInput struct {
	TaskName    string          `json:"task_name"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    *int            `json:"priority"`
	MaxRetries  *int            `json:"max_retries"`
	ScheduledAt *time.Time      `json:"scheduled_at"`
}

type Service struct {
	store queue.Store
	log   zerolog.Logger
	now   func() time.Time
	types map[string]bool
}

// NewService builds the service. When knownTypes is non-empty, tasks of any
// other type are rejected at creation.
func NewService(store queue.Store, log zerolog.Logger, knownTypes ...string) *Service {
	s := &Service{
		store: store,
		log:   log.With().Str("component", "tasks").Logger(),
		now:   time.Now,
	}
	if len(knownTypes) > 0 {
		s.types = make(map[string]bool, len(knownTypes))
		for _, t := range knownTypes {
			s.types[t] = true
		}
	}
	return s
}

func (s *Service) Create(ctx context.Context, in CreateInput) (domain.Task, error) {
	t := domain.Task{
		TaskName:   strings.TrimSpace(in.TaskName),
		Type:       in.Type,
		Payload:    in.Payload,
		Status:     domain.StatusPending,
		MaxRetries: DefaultMaxRetries,
	}
	if t.TaskName == "" {
		return domain.Task{}, invalid("task_name", "is required")
	}
	if t.Type == "" {
		t.Type = DefaultType
	}
	if s.types != nil && !s.types[t.Type] {
		return domain.Task{}, invalid("type", "unknown task type %q", t.Type)
	}
	if len(t.Payload) == 0 || string(t.Payload) == "null" {
		t.Payload = json.RawMessage(`{}`)
	} else {
		var obj map[string]any
		if err := json.Unmarshal(t.Payload, &obj); err != nil {
			return domain.Task{}, invalid("payload", "must be a JSON object")
		}
	}
	if in.Priority != nil {
		if *in.Priority < 0 || *in.Priority > MaxPriority {
			return domain.Task{}, invalid("priority", "must be between 0 and %d", MaxPriority)
		}
		t.Priority = *in.Priority
	}
	if in.MaxRetries != nil {
		if *in.MaxRetries < 0 {
			return domain.Task{}, invalid("max_retries", "must not be negative")
		}
		t.MaxRetries = *in.MaxRetries
	}
	if in.ScheduledAt != nil {
		t.ScheduledAt = *in.ScheduledAt
	} else {
		t.ScheduledAt = s.now()
	}

	created, err := s.store.Create(ctx, t)
	if err != nil {
		return domain.Task{}, fmt.Errorf("create task: %w", err)
	}
	s.log.Info().Str("task_id", created.ID).Str("task_name", created.TaskName).Str("type", created.Type).
		Time("scheduled_at", created.ScheduledAt).Msg("task created")
	return created, nil
}

func (s *Service) List(ctx context.Context, f queue.Filter) ([]domain.Task, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, invalid("status", "unknown status %q", f.Status)
	}
	if f.Priority != nil && (*f.Priority < 0 || *f.Priority > MaxPriority) {
		return nil, invalid("priority", "must be between 0 and %d", MaxPriority)
	}
	if f.Limit < 0 {
		return nil, invalid("limit", "must not be negative")
	}
	if f.Offset < 0 {
		return nil, invalid("offset", "must not be negative")
	}
	tasks, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Task, error) {
	t, err := s.store.GetByID(ctx, id)
	if errors.Is(err, queue.ErrNotFound) {
		return domain.Task{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return t, err
}

// Events returns the audit trail of a task, oldest first.
func (s *Service) Events(ctx context.Context, id string) ([]domain.TaskEvent, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, id)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []domain.TaskEvent{}
	}
	return events, nil
}

// Cancel moves a pending task to cancelled. Any other status is a conflict.
func (s *Service) Cancel(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != domain.StatusPending {
		return conflict("cancel", t.Status)
	}
	ok, err := s.store.Update(ctx, id, queue.Patch{queue.ColStatus: domain.StatusCancelled}, queue.Guard{Status: domain.StatusPending})
	if err != nil {
		return err
	}
	if !ok {
		return s.lostRace(ctx, "cancel", id)
	}
	s.appendEvent(ctx, id, domain.EventCancelled, "Task cancelled", nil)
	s.log.Info().Str("task_id", id).Msg("task cancelled")
	return nil
}

// Reschedule moves a pending task's scheduled time.
func (s *Service) Reschedule(ctx context.Context, id string, at time.Time) (domain.Task, error) {
	if at.IsZero() {
		return domain.Task{}, invalid("scheduled_at", "is required")
	}
	t, err := s.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.StatusPending {
		return domain.Task{}, conflict("reschedule", t.Status)
	}
	ok, err := s.store.Update(ctx, id, queue.Patch{queue.ColScheduledAt: at}, queue.Guard{Status: domain.StatusPending})
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, s.lostRace(ctx, "reschedule", id)
	}
	s.appendEvent(ctx, id, domain.EventRescheduled, "Task rescheduled", map[string]any{
		"previousScheduledAt": t.ScheduledAt.UTC().Format(time.RFC3339Nano),
		"scheduledAt":         at.UTC().Format(time.RFC3339Nano),
	})
	s.log.Info().Str("task_id", id).Time("scheduled_at", at).Msg("task rescheduled")
	return s.Get(ctx, id)
}

func (s *Service) Stats(ctx context.Context) (domain.Stats, error) {
	return s.store.Stats(ctx)
}

func conflict(op string, status domain.Status) error {
	return fmt.Errorf("%w: cannot %s task with status %q", ErrConflict, op, status)
}

// lostRace reports a guarded write that matched nothing because a worker
// claimed the task between the read and the write.
func (s *Service) lostRace(ctx context.Context, op, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return conflict(op, t.Status)
}

func (s *Service) appendEvent(ctx context.Context, id string, typ domain.EventType, msg string, meta map[string]any) {
	if err := s.store.AppendEvent(ctx, domain.TaskEvent{TaskID: id, EventType: typ, Message: msg, Metadata: meta}); err != nil {
		s.log.Error().Err(err).Str("task_id", id).Str("event_type", string(typ)).Msg("failed to record task event")
	}
}
