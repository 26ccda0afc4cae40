package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"taskd/internal/domain"
)

var ErrNotFound = errors.New("task not found")

// Column names a task column that may appear in a Patch.
type Column string

const (
	ColStatus      Column = "status"
	ColScheduledAt Column = "scheduled_at"
	ColRetryCount  Column = "retry_count"
	ColLastError   Column = "last_error"
	ColNextRetryAt Column = "next_retry_at"
	ColLockedBy    Column = "locked_by"
	ColLockedAt    Column = "locked_at"
)

var patchable = map[Column]bool{
	ColStatus: true, ColScheduledAt: true, ColRetryCount: true, ColLastError: true,
	ColNextRetryAt: true, ColLockedBy: true, ColLockedAt: true,
}

// Patch is an atomic partial update. A nil value writes NULL.
// updated_at is always refreshed.
type Patch map[Column]any

// Guard restricts an update to rows still in the expected state.
// Zero fields are not checked.
type Guard struct {
	Status   domain.Status
	LockedBy string
}

// Filter selects tasks for listing. Results are ordered scheduled_at ASC, priority ASC.
type Filter struct {
	TaskName        string
	Type            string
	Status          domain.Status
	Priority        *int
	ScheduledAfter  *time.Time
	ScheduledBefore *time.Time
	CreatedAfter    *time.Time
	CreatedBefore   *time.Time
	Limit           int
	Offset          int
}

// EventLog is the append-only audit trail of task transitions.
type EventLog interface {
	AppendEvent(ctx context.Context, e domain.TaskEvent) error
	ListEvents(ctx context.Context, taskID string) ([]domain.TaskEvent, error)
}

// Store is the durable record of tasks and their lifecycle fields.
type Store interface {
	EventLog

	Create(ctx context.Context, t domain.Task) (domain.Task, error)
	GetByID(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, f Filter) ([]domain.Task, error)
	// Update applies p to the task if it matches g. It reports whether a row was written.
	Update(ctx context.Context, id string, p Patch, g Guard) (bool, error)
	Begin(ctx context.Context) (Tx, error)
	Stats(ctx context.Context) (domain.Stats, error)
	// ReleaseStale returns processing tasks locked before cutoff to pending and
	// reports their ids.
	ReleaseStale(ctx context.Context, cutoff time.Time) ([]string, error)
	// Purge deletes terminal tasks (and their events) last updated before cutoff.
	Purge(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Tx is a store transaction used by the claim protocol.
type Tx interface {
	// SelectDue returns up to limit eligible tasks ordered priority ASC,
	// scheduled_at ASC, locking them against other transactions.
	SelectDue(ctx context.Context, now time.Time, limit int) ([]domain.Task, error)
	Update(ctx context.Context, id string, p Patch, g Guard) (bool, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

const taskColumns = `id,task_name,type,payload,status,priority,scheduled_at,max_retries,retry_count,last_error,next_retry_at,locked_by,locked_at,created_at,updated_at`

const dueWhere = `(status='pending' AND scheduled_at <= %[1]s) OR (status='failed' AND next_retry_at <= %[1]s AND retry_count < max_retries)`

const terminalWhere = `(status IN ('completed','cancelled') OR (status='failed' AND retry_count >= max_retries))`

// dialect captures the SQL differences between the SQLite and Postgres stores.
type dialect struct {
	placeholder func(n int) string
	timeArg     func(t time.Time) any
	like        string
}

func (d dialect) arg(v any) any {
	switch x := v.(type) {
	case domain.Status:
		return string(x)
	case time.Time:
		return d.timeArg(x)
	case *time.Time:
		if x == nil {
			return nil
		}
		return d.timeArg(*x)
	case *string:
		if x == nil {
			return nil
		}
		return *x
	}
	return v
}

func (d dialect) updateSQL(id string, p Patch, g Guard, now time.Time) (string, []any, error) {
	if len(p) == 0 {
		return "", nil, errors.New("empty patch")
	}
	cols := make([]string, 0, len(p))
	for c := range p {
		if !patchable[c] {
			return "", nil, fmt.Errorf("column %q is not patchable", c)
		}
		cols = append(cols, string(c))
	}
	sort.Strings(cols)

	var b strings.Builder
	args := make([]any, 0, len(cols)+4)
	b.WriteString("UPDATE tasks SET ")
	for _, c := range cols {
		args = append(args, d.arg(p[Column(c)]))
		fmt.Fprintf(&b, "%s=%s, ", c, d.placeholder(len(args)))
	}
	args = append(args, d.timeArg(now))
	fmt.Fprintf(&b, "updated_at=%s", d.placeholder(len(args)))

	args = append(args, id)
	fmt.Fprintf(&b, " WHERE id=%s", d.placeholder(len(args)))
	if g.Status != "" {
		args = append(args, string(g.Status))
		fmt.Fprintf(&b, " AND status=%s", d.placeholder(len(args)))
	}
	if g.LockedBy != "" {
		args = append(args, g.LockedBy)
		fmt.Fprintf(&b, " AND locked_by=%s", d.placeholder(len(args)))
	}
	return b.String(), args, nil
}

func (d dialect) listSQL(f Filter) (string, []any) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, d.placeholder(len(args))))
	}
	if f.TaskName != "" {
		add("task_name "+d.like+" %s", "%"+f.TaskName+"%")
	}
	if f.Type != "" {
		add("type = %s", f.Type)
	}
	if f.Status != "" {
		add("status = %s", string(f.Status))
	}
	if f.Priority != nil {
		add("priority = %s", *f.Priority)
	}
	if f.ScheduledAfter != nil {
		add("scheduled_at >= %s", d.timeArg(*f.ScheduledAfter))
	}
	if f.ScheduledBefore != nil {
		add("scheduled_at <= %s", d.timeArg(*f.ScheduledBefore))
	}
	if f.CreatedAfter != nil {
		add("created_at >= %s", d.timeArg(*f.CreatedAfter))
	}
	if f.CreatedBefore != nil {
		add("created_at <= %s", d.timeArg(*f.CreatedBefore))
	}

	q := "SELECT " + taskColumns + " FROM tasks"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY scheduled_at ASC, priority ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += " LIMIT " + d.placeholder(len(args))
		args = append(args, f.Offset)
		q += " OFFSET " + d.placeholder(len(args))
	}
	return q, args
}

func zeroStats() domain.Stats {
	st := make(domain.Stats, len(domain.Statuses))
	for _, s := range domain.Statuses {
		st[s] = 0
	}
	return st
}
