package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"taskd/internal/domain"
	"taskd/internal/queue"
)

// Config tunes one worker process.
type Config struct {
	WorkerID           string
	PollInterval       time.Duration
	MaxConcurrentTasks int // claim batch size
	RetryDelay         time.Duration
	Backoff            Backoff
	MaxRetryDelay      time.Duration
	ExecutionTimeout   time.Duration // 0 disables
	Units              int           // isolator pool size; defaults to MaxConcurrentTasks
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = "worker-" + uuid.NewString()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 10
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.Backoff == "" {
		c.Backoff = BackoffFixed
	}
	if c.Units <= 0 {
		c.Units = c.MaxConcurrentTasks
	}
	return c
}

// Scheduler polls the store for due tasks, claims a batch under this worker's
// identity, runs it through the isolator and records each outcome.
type Scheduler struct {
	store  queue.Store
	cfg    Config
	log    zerolog.Logger
	iso    *Isolator
	tracer trace.Tracer
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func NewScheduler(store queue.Store, registry *Registry, cfg Config, log zerolog.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		store:  store,
		cfg:    cfg,
		log:    log.With().Str("component", "scheduler").Str("worker_id", cfg.WorkerID).Logger(),
		tracer: otel.Tracer("taskd/worker"),
		now:    time.Now,
	}
	s.iso = NewIsolator(s, registry, cfg.Units, cfg.ExecutionTimeout, s.log)
	return s
}

func (s *Scheduler) WorkerID() string { return s.cfg.WorkerID }

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start begins polling. Calling it while running does nothing. After a Stop,
// the new loop only begins once the previous one has drained.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	prev := s.done
	stop := make(chan struct{})
	done := make(chan struct{})
	s.running, s.stop, s.done = true, stop, done
	s.mu.Unlock()

	s.log.Info().
		Dur("poll_interval", s.cfg.PollInterval).
		Int("max_concurrent_tasks", s.cfg.MaxConcurrentTasks).
		Int("units", s.cfg.Units).
		Msg("scheduler started")

	go func() {
		if prev != nil {
			<-prev
		}
		s.loop(ctx, stop, done)
	}()
}

// Stop suppresses the next tick. A batch already dispatched runs to completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stop)
	s.log.Info().Msg("scheduler stopping")
}

// Wait blocks until the current loop has exited.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Shutdown stops polling and waits for the dispatched batch to settle, or for
// ctx. Outcomes of tasks that finish in time are recorded; on ctx expiry the
// caller decides whether to hard-stop by cancelling the Start context.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.Stop()
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop, waits for in-flight work and shuts the isolator down.
func (s *Scheduler) Close() {
	s.Stop()
	s.Wait()
	s.iso.Close()
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.done == done {
			s.running = false
		}
		s.mu.Unlock()
		close(done)
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-timer.C:
		}

		s.tick(ctx)

		select {
		case <-stop:
			return
		default:
		}
		timer.Reset(s.cfg.PollInterval)
	}
}

// tick runs one claim-dispatch-settle cycle and reports how many tasks it claimed.
func (s *Scheduler) tick(ctx context.Context) int {
	start := time.Now()
	defer func() { tickDuration.Observe(time.Since(start).Seconds()) }()

	ctx, span := s.tracer.Start(ctx, "scheduler.tick", trace.WithAttributes(
		attribute.String("worker.id", s.cfg.WorkerID),
	))
	defer span.End()

	tasks, err := s.claim(ctx)
	if err != nil {
		claimErrors.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		s.log.Error().Err(err).Msg("claim failed")
		return 0
	}
	span.SetAttributes(attribute.Int("tasks.claimed", len(tasks)))
	if len(tasks) == 0 {
		return 0
	}

	s.log.Debug().Int("count", len(tasks)).Msg("claimed tasks")
	refs := make([]TaskRef, len(tasks))
	for i, t := range tasks {
		refs[i] = refOf(t)
	}
	for i, err := range s.iso.Dispatch(ctx, refs) {
		if err == nil {
			continue
		}
		var fault *UnitFault
		if errors.As(err, &fault) {
			s.log.Warn().Str("task_id", refs[i].ID).Str("unit", fault.Unit).Str("fault", string(fault.Kind)).Msg("task execution hit a unit fault")
			continue
		}
		s.log.Error().Err(err).Str("task_id", refs[i].ID).Msg("task execution failed")
	}
	return len(tasks)
}

// claim selects and locks a batch of due tasks in one transaction and commits
// before anything executes.
func (s *Scheduler) claim(ctx context.Context) (claimed []domain.Task, err error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				s.log.Error().Err(rbErr).Msg("rollback claim")
			}
		}
	}()

	now := s.now()
	due, err := tx.SelectDue(ctx, now, s.cfg.MaxConcurrentTasks)
	if err != nil {
		return nil, err
	}

	workerID := s.cfg.WorkerID
	for _, t := range due {
		ok, err := tx.Update(ctx, t.ID, queue.Patch{
			queue.ColStatus:      domain.StatusProcessing,
			queue.ColLockedBy:    workerID,
			queue.ColLockedAt:    now,
			queue.ColNextRetryAt: nil,
		}, queue.Guard{Status: t.Status})
		if err != nil {
			return nil, fmt.Errorf("lock task %s: %w", t.ID, err)
		}
		if !ok {
			continue
		}
		lockedAt := now
		t.Status, t.LockedBy, t.LockedAt, t.NextRetryAt = domain.StatusProcessing, &workerID, &lockedAt, nil
		claimed = append(claimed, t)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	committed = true
	tasksClaimed.Add(float64(len(claimed)))
	return claimed, nil
}

// FetchTask reloads a claimed task for a unit and records the lock and start.
func (s *Scheduler) FetchTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := s.store.GetByID(ctx, id)
	if err != nil {
		return domain.Task{}, fmt.Errorf("fetch task %s: %w", id, err)
	}
	if t.Status != domain.StatusProcessing || t.LockedBy == nil || *t.LockedBy != s.cfg.WorkerID {
		return domain.Task{}, fmt.Errorf("task %s is no longer held by %s", id, s.cfg.WorkerID)
	}

	s.log.Info().Str("task_id", t.ID).Str("task_name", t.TaskName).Msg("processing task")
	meta := map[string]any{"workerId": s.cfg.WorkerID}
	s.appendEvent(ctx, t.ID, domain.EventLocked, "Task locked by worker: "+s.cfg.WorkerID, meta)
	s.appendEvent(ctx, t.ID, domain.EventStarted, "Task started", meta)
	return t, nil
}

// ApplyOutcome records a handler result. Writes are guarded on this worker
// still holding the lock; an outcome for a lock that was lost is dropped.
func (s *Scheduler) ApplyOutcome(ctx context.Context, t domain.Task, handlerErr error) error {
	guard := queue.Guard{Status: domain.StatusProcessing, LockedBy: s.cfg.WorkerID}
	log := s.log.With().Str("task_id", t.ID).Str("task_name", t.TaskName).Logger()

	if handlerErr == nil {
		ok, err := s.store.Update(ctx, t.ID, queue.Patch{
			queue.ColStatus:   domain.StatusCompleted,
			queue.ColLockedBy: nil,
			queue.ColLockedAt: nil,
		}, guard)
		if err != nil {
			return err
		}
		if !ok {
			taskOutcomes.WithLabelValues("lost").Inc()
			log.Warn().Msg("lock lost before completion was recorded; outcome dropped")
			return nil
		}
		taskOutcomes.WithLabelValues("completed").Inc()
		s.appendEvent(ctx, t.ID, domain.EventSucceeded, "Task completed successfully", map[string]any{"workerId": s.cfg.WorkerID})
		log.Info().Msg("task completed")
		return nil
	}

	msg := handlerErr.Error()
	retryCount := t.RetryCount + 1
	if retryCount > t.MaxRetries {
		retryCount = t.MaxRetries
	}
	hasRetriesLeft := retryCount < t.MaxRetries

	var nextRetryAt *time.Time
	if hasRetriesLeft {
		next := s.now().Add(retryDelay(s.cfg, retryCount))
		nextRetryAt = &next
	}

	ok, err := s.store.Update(ctx, t.ID, queue.Patch{
		queue.ColStatus:      domain.StatusFailed,
		queue.ColRetryCount:  retryCount,
		queue.ColLastError:   msg,
		queue.ColNextRetryAt: nextRetryAt,
		queue.ColLockedBy:    nil,
		queue.ColLockedAt:    nil,
	}, guard)
	if err != nil {
		return err
	}
	if !ok {
		taskOutcomes.WithLabelValues("lost").Inc()
		log.Warn().Str("error", msg).Msg("lock lost before failure was recorded; outcome dropped")
		return nil
	}

	meta := map[string]any{
		"retryCount":     retryCount,
		"hasRetriesLeft": hasRetriesLeft,
		"nextRetryAt":    nil,
		"workerId":       s.cfg.WorkerID,
	}
	if nextRetryAt != nil {
		meta["nextRetryAt"] = nextRetryAt.UTC().Format(time.RFC3339Nano)
	}
	s.appendEvent(ctx, t.ID, domain.EventFailed, msg, meta)

	if hasRetriesLeft {
		taskOutcomes.WithLabelValues("retrying").Inc()
		log.Error().Str("error", msg).Int("retry_count", retryCount).Time("next_retry_at", *nextRetryAt).Msg("task failed")
	} else {
		taskOutcomes.WithLabelValues("exhausted").Inc()
		log.Warn().Str("error", msg).Int("retry_count", retryCount).Msg("task has exhausted all retries")
	}
	return nil
}

func (s *Scheduler) appendEvent(ctx context.Context, taskID string, typ domain.EventType, msg string, meta map[string]any) {
	err := s.store.AppendEvent(ctx, domain.TaskEvent{TaskID: taskID, EventType: typ, Message: msg, Metadata: meta})
	if err != nil {
		s.log.Error().Err(err).Str("task_id", taskID).Str("event_type", string(typ)).Msg("failed to record task event")
	}
}
