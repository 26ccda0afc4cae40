package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskd/internal/domain"
	"taskd/internal/queue"
)

func openStore(t *testing.T, path string) queue.Store {
	t.Helper()
	s, err := queue.OpenSQLite(context.Background(), path, 5*time.Second, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestStore(t *testing.T) queue.Store {
	return openStore(t, filepath.Join(t.TempDir(), "tasks.db"))
}

func newTestScheduler(t *testing.T, store queue.Store, reg *Registry, mut func(*Config)) *Scheduler {
	t.Helper()
	cfg := Config{
		WorkerID:           "worker-test",
		PollInterval:       20 * time.Millisecond,
		MaxConcurrentTasks: 10,
		RetryDelay:         time.Minute,
		ExecutionTimeout:   5 * time.Second,
	}
	if mut != nil {
		mut(&cfg)
	}
	s := NewScheduler(store, reg, cfg, zerolog.Nop())
	t.Cleanup(s.Close)
	return s
}

func createTask(t *testing.T, store queue.Store, tk domain.Task) domain.Task {
	t.Helper()
	if tk.TaskName == "" {
		tk.TaskName = tk.Type
	}
	if tk.ScheduledAt.IsZero() {
		tk.ScheduledAt = time.Now().Add(-time.Second)
	}
	created, err := store.Create(context.Background(), tk)
	require.NoError(t, err)
	return created
}

func getTask(t *testing.T, store queue.Store, id string) domain.Task {
	t.Helper()
	tk, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return tk
}

func eventTypes(t *testing.T, store queue.Store, id string) []domain.EventType {
	t.Helper()
	events, err := store.ListEvents(context.Background(), id)
	require.NoError(t, err)
	out := make([]domain.EventType, len(events))
	for i, e := range events {
		out[i] = e.EventType
	}
	return out
}

func TestTaskSucceeds(t *testing.T) {
	store := newTestStore(t)
	s := newTestScheduler(t, store, testRegistry(nil), nil)
	tk := createTask(t, store, domain.Task{Type: "ok", MaxRetries: 3})

	assert.Equal(t, 1, s.tick(context.Background()))

	got := getTask(t, store, tk.ID)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Nil(t, got.LockedBy)
	assert.Nil(t, got.LockedAt)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t,
		[]domain.EventType{domain.EventLocked, domain.EventStarted, domain.EventSucceeded},
		eventTypes(t, store, tk.ID))

	events, err := store.ListEvents(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "worker-test", events[0].Metadata["workerId"])
	assert.Equal(t, "Task locked by worker: worker-test", events[0].Message)
}

func TestTaskFailsWithRetriesLeft(t *testing.T) {
	store := newTestStore(t)
	s := newTestScheduler(t, store, testRegistry(nil), nil)
	now := time.Now()
	s.now = func() time.Time { return now }
	tk := createTask(t, store, domain.Task{Type: "fail", MaxRetries: 3})

	require.Equal(t, 1, s.tick(context.Background()))

	got := getTask(t, store, tk.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "boom", *got.LastError)
	require.NotNil(t, got.NextRetryAt)
	assert.WithinDuration(t, now.Add(time.Minute), *got.NextRetryAt, time.Millisecond)
	assert.Nil(t, got.LockedBy)

	events, err := store.ListEvents(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	failed := events[2]
	assert.Equal(t, domain.EventFailed, failed.EventType)
	assert.Equal(t, "boom", failed.Message)
	assert.Equal(t, float64(1), failed.Metadata["retryCount"])
	assert.Equal(t, true, failed.Metadata["hasRetriesLeft"])
	assert.NotNil(t, failed.Metadata["nextRetryAt"])

	// Not due until the retry delay has passed.
	assert.Equal(t, 0, s.tick(context.Background()))

	s.now = func() time.Time { return now.Add(2 * time.Minute) }
	require.Equal(t, 1, s.tick(context.Background()))
	got = getTask(t, store, tk.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
}

func TestTaskWithoutRetriesFailsTerminally(t *testing.T) {
	store := newTestStore(t)
	s := newTestScheduler(t, store, testRegistry(nil), nil)
	tk := createTask(t, store, domain.Task{Type: "fail", MaxRetries: 0})

	require.Equal(t, 1, s.tick(context.Background()))

	got := getTask(t, store, tk.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount, "retry count saturates at max retries")
	assert.Nil(t, got.NextRetryAt)
	assert.True(t, got.Terminal())

	events, err := store.ListEvents(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, false, events[len(events)-1].Metadata["hasRetriesLeft"])
	assert.Nil(t, events[len(events)-1].Metadata["nextRetryAt"])

	s.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	assert.Equal(t, 0, s.tick(context.Background()))
}

func TestRetriesExhaust(t *testing.T) {
	store := newTestStore(t)
	s := newTestScheduler(t, store, testRegistry(nil), func(c *Config) { c.RetryDelay = 0 })
	tk := createTask(t, store, domain.Task{Type: "fail", MaxRetries: 2})

	for i := 0; i < 2; i++ {
		require.Equal(t, 1, s.tick(context.Background()))
	}
	got := getTask(t, store, tk.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Nil(t, got.NextRetryAt)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "boom", *got.LastError)
	assert.Nil(t, got.LockedBy)
	assert.True(t, got.Terminal())
	assert.Equal(t, 0, s.tick(context.Background()))
}

func TestTaskWithoutHandlerFails(t *testing.T) {
	store := newTestStore(t)
	s := newTestScheduler(t, store, testRegistry(nil), nil)
	tk := createTask(t, store, domain.Task{Type: "email", MaxRetries: 3})

	require.Equal(t, 1, s.tick(context.Background()))

	got := getTask(t, store, tk.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "No handler registered for task type: email", *got.LastError)
}

func TestPanickingHandlerFailsTask(t *testing.T) {
	store := newTestStore(t)
	s := newTestScheduler(t, store, testRegistry(nil), nil)
	tk := createTask(t, store, domain.Task{Type: "panic", MaxRetries: 3})
	other := createTask(t, store, domain.Task{Type: "ok", MaxRetries: 3})

	require.Equal(t, 2, s.tick(context.Background()))

	got := getTask(t, store, tk.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "handler panicked: kaboom", *got.LastError)

	assert.Equal(t, domain.StatusCompleted, getTask(t, store, other.ID).Status)
}

func TestTerminalTasksAreNeverClaimed(t *testing.T) {
	store := newTestStore(t)
	s := newTestScheduler(t, store, testRegistry(nil), nil)
	past := time.Now().Add(-time.Hour)

	completed := createTask(t, store, domain.Task{Type: "ok", Status: domain.StatusCompleted, MaxRetries: 3})
	cancelled := createTask(t, store, domain.Task{Type: "ok", Status: domain.StatusCancelled, MaxRetries: 3})
	exhausted := createTask(t, store, domain.Task{Type: "ok", Status: domain.StatusFailed, MaxRetries: 1, RetryCount: 1, NextRetryAt: &past})

	s.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	assert.Equal(t, 0, s.tick(context.Background()))

	for _, tk := range []domain.Task{completed, cancelled, exhausted} {
		got := getTask(t, store, tk.ID)
		assert.Equal(t, tk.Status, got.Status)
		assert.True(t, tk.UpdatedAt.Equal(got.UpdatedAt), "task %s was rewritten", tk.ID)
		assert.Empty(t, eventTypes(t, store, tk.ID))
	}
}

func TestClaimOrder(t *testing.T) {
	store := newTestStore(t)

	var mu sync.Mutex
	var order []string
	reg := NewRegistry()
	reg.Register("record", HandlerFunc(func(_ context.Context, _ string, payload json.RawMessage) error {
		var p struct{ Name string }
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		mu.Lock()
		order = append(order, p.Name)
		mu.Unlock()
		return nil
	}))
	s := newTestScheduler(t, store, reg, func(c *Config) { c.MaxConcurrentTasks = 1 })

	now := time.Now()
	mk := func(name string, priority int, scheduled time.Time) {
		createTask(t, store, domain.Task{
			Type: "record", Priority: priority, ScheduledAt: scheduled, MaxRetries: 3,
			Payload: json.RawMessage(fmt.Sprintf(`{"name":%q}`, name)),
		})
	}
	mk("low", 5, now.Add(-time.Hour))
	mk("urgent-late", 1, now.Add(-time.Minute))
	mk("urgent-early", 1, now.Add(-2*time.Minute))
	mk("mid", 3, now.Add(-time.Hour))

	for i := 0; i < 4; i++ {
		require.Equal(t, 1, s.tick(context.Background()))
	}
	assert.Equal(t, []string{"urgent-early", "urgent-late", "mid", "low"}, order)
}

func TestTwoSchedulersNeverDoubleClaim(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	storeA := openStore(t, path)
	storeB := openStore(t, path)

	var mu sync.Mutex
	runs := map[string]int{}
	reg := NewRegistry()
	reg.Register("count", HandlerFunc(func(_ context.Context, id string, _ json.RawMessage) error {
		mu.Lock()
		runs[id]++
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		return nil
	}))

	const n = 30
	ids := make([]string, n)
	for i := range ids {
		ids[i] = createTask(t, storeA, domain.Task{Type: "count", MaxRetries: 3}).ID
	}

	a := newTestScheduler(t, storeA, reg, func(c *Config) { c.WorkerID = "worker-a"; c.MaxConcurrentTasks = 4 })
	b := newTestScheduler(t, storeB, reg, func(c *Config) { c.WorkerID = "worker-b"; c.MaxConcurrentTasks = 4 })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	b.Start(ctx)

	require.Eventually(t, func() bool {
		st, err := storeA.Stats(context.Background())
		return err == nil && st[domain.StatusCompleted] == n
	}, 10*time.Second, 20*time.Millisecond)

	a.Stop()
	b.Stop()
	a.Wait()
	b.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		assert.Equal(t, 1, runs[id], "task %s", id)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	store := newTestStore(t)
	s := newTestScheduler(t, store, testRegistry(nil), nil)
	ctx := context.Background()

	assert.False(t, s.Running())
	s.Stop()
	assert.False(t, s.Running())

	s.Start(ctx)
	s.Start(ctx)
	assert.True(t, s.Running())

	s.Stop()
	s.Stop()
	assert.False(t, s.Running())
	s.Wait()

	s.Start(ctx)
	assert.True(t, s.Running())
	tk := createTask(t, store, domain.Task{Type: "ok", MaxRetries: 3})
	assert.Eventually(t, func() bool {
		return getTask(t, store, tk.ID).Status == domain.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	s.Stop()
	s.Wait()
}

func TestStartStopsWithContext(t *testing.T) {
	store := newTestStore(t)
	s := newTestScheduler(t, store, testRegistry(nil), nil)
	ctx, cancel := context.WithCancel(context.Background())

	s.Start(ctx)
	cancel()
	s.Wait()
	assert.False(t, s.Running())
}

func TestOutcomeDroppedWhenLockLost(t *testing.T) {
	store := newTestStore(t)
	s := newTestScheduler(t, store, testRegistry(nil), nil)
	ctx := context.Background()
	tk := createTask(t, store, domain.Task{Type: "ok", MaxRetries: 3})

	claimed, err := s.claim(ctx)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, domain.StatusProcessing, getTask(t, store, tk.ID).Status)

	// Stale-lock recovery hands the task back to the queue.
	released, err := store.ReleaseStale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{tk.ID}, released)

	require.NoError(t, s.ApplyOutcome(ctx, claimed[0], nil))
	require.NoError(t, s.ApplyOutcome(ctx, claimed[0], errors.New("late failure")))

	got := getTask(t, store, tk.ID)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Nil(t, got.LastError)
	assert.Empty(t, eventTypes(t, store, tk.ID))
}

func TestFetchRejectsTaskHeldElsewhere(t *testing.T) {
	store := newTestStore(t)
	s := newTestScheduler(t, store, testRegistry(nil), nil)
	tk := createTask(t, store, domain.Task{Type: "ok", MaxRetries: 3})

	_, err := s.FetchTask(context.Background(), tk.ID)
	assert.EqualError(t, err, fmt.Sprintf("task %s is no longer held by worker-test", tk.ID))

	_, err = s.FetchTask(context.Background(), "tsk_missing")
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestRetryDelay(t *testing.T) {
	fixed := Config{RetryDelay: time.Minute, Backoff: BackoffFixed}
	assert.Equal(t, time.Minute, retryDelay(fixed, 1))
	assert.Equal(t, time.Minute, retryDelay(fixed, 5))

	exp := Config{RetryDelay: time.Second, Backoff: BackoffExponential, MaxRetryDelay: 10 * time.Second}
	assert.Equal(t, time.Second, retryDelay(exp, 1))
	assert.Equal(t, 2*time.Second, retryDelay(exp, 2))
	assert.Equal(t, 8*time.Second, retryDelay(exp, 4))
	assert.Equal(t, 10*time.Second, retryDelay(exp, 5))
	assert.Equal(t, 10*time.Second, retryDelay(exp, 40))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Regexp(t, `^worker-[0-9a-f-]{36}$`, cfg.WorkerID)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 10, cfg.MaxConcurrentTasks)
	assert.Equal(t, 10, cfg.Units)
	assert.Equal(t, BackoffFixed, cfg.Backoff)
}

func TestShutdownLetsInFlightTaskFinish(t *testing.T) {
	store := newTestStore(t)
	release := make(chan struct{})
	s := newTestScheduler(t, store, testRegistry(release), nil)
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(release) }) })
	tk := createTask(t, store, domain.Task{Type: "hang", MaxRetries: 3})

	signalCtx, signalCancel := context.WithCancel(context.Background())
	runCtx, hardStop := context.WithCancel(context.WithoutCancel(signalCtx))
	defer hardStop()
	s.Start(runCtx)

	require.Eventually(t, func() bool {
		return getTask(t, store, tk.ID).Status == domain.StatusProcessing
	}, 2*time.Second, 10*time.Millisecond)

	signalCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result := make(chan error, 1)
	go func() { result <- s.Shutdown(shutdownCtx) }()

	time.Sleep(50 * time.Millisecond)
	once.Do(func() { close(release) })
	require.NoError(t, <-result)

	got := getTask(t, store, tk.ID)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Nil(t, got.LockedBy)
	assert.False(t, s.Running())
}

func TestShutdownTimesOut(t *testing.T) {
	store := newTestStore(t)
	release := make(chan struct{})
	s := newTestScheduler(t, store, testRegistry(release), nil)
	t.Cleanup(func() { close(release) })
	tk := createTask(t, store, domain.Task{Type: "hang", MaxRetries: 3})

	runCtx, hardStop := context.WithCancel(context.Background())
	defer hardStop()
	s.Start(runCtx)
	require.Eventually(t, func() bool {
		return getTask(t, store, tk.ID).Status == domain.StatusProcessing
	}, 2*time.Second, 10*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Shutdown(shutdownCtx), context.DeadlineExceeded)

	hardStop()
	s.Wait()
	assert.Equal(t, domain.StatusProcessing, getTask(t, store, tk.ID).Status, "abandoned tasks are left for the sweeper")
}
