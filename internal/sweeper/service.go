// Package sweeper runs periodic maintenance over the task store: handing
// tasks held by dead workers back to the queue and purging old terminal tasks.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"taskd/internal/domain"
	"taskd/internal/queue"
)

type Config struct {
	// StaleAfter is how long a task may stay processing before its lock is
	// considered abandoned. 0 disables recovery.
	StaleAfter time.Duration
	StaleSpec  string
	// Retention is how long terminal tasks are kept. 0 disables purging.
	Retention time.Duration
	PurgeSpec string
	// JobTimeout bounds a single sweep.
	JobTimeout time.Duration
}

type Service struct {
	store queue.Store
	cfg   Config
	cron  *cron.Cron
	log   zerolog.Logger
	now   func() time.Time
}

func NewService(store queue.Store, cfg Config, log zerolog.Logger) (*Service, error) {
	if cfg.StaleSpec == "" {
		cfg.StaleSpec = "@every 1m"
	}
	if cfg.PurgeSpec == "" {
		cfg.PurgeSpec = "@every 1h"
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}
	s := &Service{
		store: store,
		cfg:   cfg,
		cron:  cron.New(),
		log:   log.With().Str("component", "sweeper").Logger(),
		now:   time.Now,
	}

	if cfg.StaleAfter > 0 {
		if _, err := s.cron.AddFunc(cfg.StaleSpec, s.job("recover_stale", s.RecoverStale)); err != nil {
			return nil, fmt.Errorf("stale recovery schedule %q: %w", cfg.StaleSpec, err)
		}
	}
	if cfg.Retention > 0 {
		if _, err := s.cron.AddFunc(cfg.PurgeSpec, s.job("purge", s.Purge)); err != nil {
			return nil, fmt.Errorf("purge schedule %q: %w", cfg.PurgeSpec, err)
		}
	}
	return s, nil
}

func (s *Service) Start() {
	s.log.Info().
		Dur("stale_after", s.cfg.StaleAfter).
		Dur("retention", s.cfg.Retention).
		Int("jobs", len(s.cron.Entries())).
		Msg("sweeper started")
	s.cron.Start()
}

// Stop prevents new sweeps and waits for a running one, or for ctx.
func (s *Service) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Service) job(name string, fn func(context.Context) (int, error)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
		defer cancel()
		if _, err := fn(ctx); err != nil {
			s.log.Error().Err(err).Str("job", name).Msg("sweep failed")
		}
	}
}

// RecoverStale returns tasks locked longer than StaleAfter to pending and
// records an unlocked event for each.
func (s *Service) RecoverStale(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.StaleAfter)
	ids, err := s.store.ReleaseStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("release stale tasks: %w", err)
	}
	for _, id := range ids {
		err := s.store.AppendEvent(ctx, domain.TaskEvent{
			TaskID:    id,
			EventType: domain.EventUnlocked,
			Message:   "Stale lock released",
			Metadata:  map[string]any{"lockedBefore": cutoff.UTC().Format(time.RFC3339Nano)},
		})
		if err != nil {
			s.log.Error().Err(err).Str("task_id", id).Msg("failed to record task event")
		}
	}
	if len(ids) > 0 {
		s.log.Warn().Int("count", len(ids)).Time("locked_before", cutoff).Msg("released stale task locks")
	}
	return len(ids), nil
}

// Purge deletes terminal tasks last updated before the retention window.
func (s *Service) Purge(ctx context.Context) (int, error) {
	before := s.now().Add(-s.cfg.Retention)
	n, err := s.store.Purge(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	if n > 0 {
		s.log.Info().Int("count", n).Time("updated_before", before).Msg("purged terminal tasks")
	}
	return n, nil
}

// ValidateSpec checks a cron expression or descriptor such as "@every 5m".
func ValidateSpec(spec string) error {
	_, err := cron.ParseStandard(spec)
	return err
}
