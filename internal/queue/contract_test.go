package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskd/internal/domain"
)

// runStoreContract exercises behaviour every Store implementation must share.
// open must return an empty store.
func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	t.Run("create and get", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		created, err := s.Create(ctx, domain.Task{TaskName: "hello", Type: "console-log", MaxRetries: 3})
		require.NoError(t, err)
		assert.Contains(t, created.ID, "tsk_")
		assert.Equal(t, domain.StatusPending, created.Status)
		assert.JSONEq(t, `{}`, string(created.Payload))

		got, err := s.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "hello", got.TaskName)
		assert.Equal(t, 3, got.MaxRetries)
		assert.Nil(t, got.LockedBy)
		assert.Nil(t, got.NextRetryAt)
		assert.WithinDuration(t, created.ScheduledAt, got.ScheduledAt, time.Millisecond)

		_, err = s.GetByID(ctx, "tsk_missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("select due orders by priority then schedule", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		now := time.Now()
		past := now.Add(-time.Minute)

		mk := func(name string, mut func(*domain.Task)) string {
			tk := domain.Task{TaskName: name, Type: "x", MaxRetries: 3, ScheduledAt: now}
			mut(&tk)
			c, err := s.Create(ctx, tk)
			require.NoError(t, err)
			return c.ID
		}
		a := mk("a", func(t *domain.Task) { t.Priority = 5; t.ScheduledAt = now.Add(-10 * time.Second) })
		b := mk("b", func(t *domain.Task) { t.Priority = 1; t.ScheduledAt = now.Add(-5 * time.Second) })
		c := mk("c", func(t *domain.Task) { t.Priority = 1; t.ScheduledAt = now.Add(-20 * time.Second) })
		mk("future", func(t *domain.Task) { t.ScheduledAt = now.Add(time.Hour) })
		e := mk("retry", func(t *domain.Task) {
			t.Priority = 3
			t.ScheduledAt = now.Add(-time.Hour)
			t.Status = domain.StatusFailed
			t.RetryCount = 1
			t.NextRetryAt = &past
		})
		mk("retry-later", func(t *domain.Task) {
			later := now.Add(time.Hour)
			t.Status = domain.StatusFailed
			t.RetryCount = 1
			t.NextRetryAt = &later
		})
		mk("exhausted", func(t *domain.Task) {
			t.Status = domain.StatusFailed
			t.RetryCount = 3
			t.NextRetryAt = &past
		})
		mk("done", func(t *domain.Task) { t.Status = domain.StatusCompleted; t.ScheduledAt = past })
		mk("cancelled", func(t *domain.Task) { t.Status = domain.StatusCancelled; t.ScheduledAt = past })

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		due, err := tx.SelectDue(ctx, now, 10)
		require.NoError(t, err)
		require.NoError(t, tx.Commit(ctx))

		ids := make([]string, 0, len(due))
		for _, d := range due {
			ids = append(ids, d.ID)
		}
		assert.Equal(t, []string{c, b, e, a}, ids)

		tx, err = s.Begin(ctx)
		require.NoError(t, err)
		due, err = tx.SelectDue(ctx, now, 2)
		require.NoError(t, err)
		require.NoError(t, tx.Rollback(ctx))
		assert.Len(t, due, 2)
	})

	t.Run("update respects guard", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		tk, err := s.Create(ctx, domain.Task{TaskName: "g", Type: "x", MaxRetries: 1})
		require.NoError(t, err)

		now := time.Now()
		ok, err := s.Update(ctx, tk.ID, Patch{ColStatus: domain.StatusProcessing, ColLockedBy: "w1", ColLockedAt: now}, Guard{Status: domain.StatusPending})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Update(ctx, tk.ID, Patch{ColStatus: domain.StatusCancelled}, Guard{Status: domain.StatusPending})
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.Update(ctx, tk.ID, Patch{ColStatus: domain.StatusCompleted, ColLockedBy: nil, ColLockedAt: nil}, Guard{Status: domain.StatusProcessing, LockedBy: "w2"})
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.Update(ctx, tk.ID, Patch{ColStatus: domain.StatusCompleted, ColLockedBy: nil, ColLockedAt: nil}, Guard{Status: domain.StatusProcessing, LockedBy: "w1"})
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetByID(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, got.Status)
		assert.Nil(t, got.LockedBy)
		assert.Nil(t, got.LockedAt)

		_, err = s.Update(ctx, tk.ID, Patch{"payload": "{}"}, Guard{})
		assert.Error(t, err)
	})

	t.Run("rollback discards claim", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		tk, err := s.Create(ctx, domain.Task{TaskName: "r", Type: "x", ScheduledAt: time.Now().Add(-time.Second)})
		require.NoError(t, err)

		tx, err := s.Begin(ctx)
		require.NoError(t, err)
		due, err := tx.SelectDue(ctx, time.Now(), 5)
		require.NoError(t, err)
		require.Len(t, due, 1)
		_, err = tx.Update(ctx, tk.ID, Patch{ColStatus: domain.StatusProcessing, ColLockedBy: "w", ColLockedAt: time.Now()}, Guard{})
		require.NoError(t, err)
		require.NoError(t, tx.Rollback(ctx))

		got, err := s.GetByID(ctx, tk.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Nil(t, got.LockedBy)
	})

	t.Run("stats are zero filled", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		_, err := s.Create(ctx, domain.Task{TaskName: "p", Type: "x"})
		require.NoError(t, err)
		_, err = s.Create(ctx, domain.Task{TaskName: "c", Type: "x", Status: domain.StatusCompleted})
		require.NoError(t, err)

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.Stats{
			domain.StatusPending:    1,
			domain.StatusProcessing: 0,
			domain.StatusCompleted:  1,
			domain.StatusFailed:     0,
			domain.StatusCancelled:  0,
		}, st)
	})

	t.Run("events keep insertion order", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		tk, err := s.Create(ctx, domain.Task{TaskName: "e", Type: "x"})
		require.NoError(t, err)

		at := time.Now()
		require.NoError(t, s.AppendEvent(ctx, domain.TaskEvent{TaskID: tk.ID, EventType: domain.EventLocked, Message: "locked", Metadata: map[string]any{"workerId": "w1"}, CreatedAt: at}))
		require.NoError(t, s.AppendEvent(ctx, domain.TaskEvent{TaskID: tk.ID, EventType: domain.EventStarted, CreatedAt: at}))
		require.NoError(t, s.AppendEvent(ctx, domain.TaskEvent{TaskID: tk.ID, EventType: domain.EventFailed, Metadata: map[string]any{"retryCount": 1}, CreatedAt: at}))

		events, err := s.ListEvents(ctx, tk.ID)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, domain.EventLocked, events[0].EventType)
		assert.Equal(t, "locked", events[0].Message)
		assert.Equal(t, "w1", events[0].Metadata["workerId"])
		assert.Equal(t, domain.EventStarted, events[1].EventType)
		assert.Empty(t, events[1].Message)
		assert.Nil(t, events[1].Metadata)
		assert.EqualValues(t, 1, events[2].Metadata["retryCount"])

		err = s.AppendEvent(ctx, domain.TaskEvent{TaskID: "tsk_missing", EventType: domain.EventStarted})
		assert.Error(t, err)
	})

	t.Run("release stale locks", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		old := time.Now().Add(-time.Hour)
		fresh := time.Now()
		w := "w1"

		stale, err := s.Create(ctx, domain.Task{TaskName: "stale", Type: "x", Status: domain.StatusProcessing, LockedBy: &w, LockedAt: &old})
		require.NoError(t, err)
		_, err = s.Create(ctx, domain.Task{TaskName: "busy", Type: "x", Status: domain.StatusProcessing, LockedBy: &w, LockedAt: &fresh})
		require.NoError(t, err)

		ids, err := s.ReleaseStale(ctx, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{stale.ID}, ids)

		got, err := s.GetByID(ctx, stale.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Nil(t, got.LockedBy)
		assert.Nil(t, got.LockedAt)
	})

	t.Run("purge removes terminal tasks and their events", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		done, err := s.Create(ctx, domain.Task{TaskName: "done", Type: "x", Status: domain.StatusCompleted})
		require.NoError(t, err)
		require.NoError(t, s.AppendEvent(ctx, domain.TaskEvent{TaskID: done.ID, EventType: domain.EventSucceeded}))
		_, err = s.Create(ctx, domain.Task{TaskName: "dead", Type: "x", Status: domain.StatusFailed, MaxRetries: 1, RetryCount: 1})
		require.NoError(t, err)
		retrying, err := s.Create(ctx, domain.Task{TaskName: "retrying", Type: "x", Status: domain.StatusFailed, MaxRetries: 2, RetryCount: 1})
		require.NoError(t, err)
		pending, err := s.Create(ctx, domain.Task{TaskName: "pending", Type: "x"})
		require.NoError(t, err)

		n, err := s.Purge(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = s.GetByID(ctx, done.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		events, err := s.ListEvents(ctx, done.ID)
		require.NoError(t, err)
		assert.Empty(t, events)

		_, err = s.GetByID(ctx, retrying.ID)
		assert.NoError(t, err)
		_, err = s.GetByID(ctx, pending.ID)
		assert.NoError(t, err)
	})

	t.Run("list filters and ordering", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		base := time.Now().Add(time.Hour)
		for i, name := range []string{"Nightly Report", "nightly cleanup", "welcome email"} {
			_, err := s.Create(ctx, domain.Task{
				TaskName:    name,
				Type:        "sample-task",
				Priority:    i,
				ScheduledAt: base.Add(-time.Duration(i) * time.Minute),
				Payload:     json.RawMessage(`{"n":1}`),
			})
			require.NoError(t, err)
		}

		all, err := s.List(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "welcome email", all[0].TaskName)
		assert.Equal(t, "Nightly Report", all[2].TaskName)

		nightly, err := s.List(ctx, Filter{TaskName: "NIGHTLY"})
		require.NoError(t, err)
		assert.Len(t, nightly, 2)

		p := 1
		one, err := s.List(ctx, Filter{Priority: &p})
		require.NoError(t, err)
		require.Len(t, one, 1)
		assert.Equal(t, "nightly cleanup", one[0].TaskName)

		after := base.Add(-90 * time.Second)
		recent, err := s.List(ctx, Filter{ScheduledAfter: &after, Status: domain.StatusPending})
		require.NoError(t, err)
		assert.Len(t, recent, 2)

		page, err := s.List(ctx, Filter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "nightly cleanup", page[0].TaskName)
	})
}
