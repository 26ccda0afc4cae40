package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"taskd/internal/api"
	"taskd/internal/config"
	"taskd/internal/handlers/builtin"
	httph "taskd/internal/handlers/http"
	"taskd/internal/handlers/shell"
	"taskd/internal/logging"
	"taskd/internal/queue"
	"taskd/internal/sweeper"
	"taskd/internal/tasks"
	"taskd/internal/telemetry"
	"taskd/internal/worker"
)

type components struct {
	api    bool
	worker bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, a worker and the sweeper in one process",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), components{api: true, worker: true})
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker and the sweeper",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), components{worker: true})
	},
}

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run only the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), components{api: true})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the task store schema and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := queue.Open(cmd.Context(), storeConfig(cfg.Store), logger)
		if err != nil {
			return err
		}
		logger.Info().Str("driver", cfg.Store.Driver).Msg("schema is up to date")
		return store.Close()
	},
}

func storeConfig(c config.StoreConfig) queue.Config {
	return queue.Config{
		Driver:      c.Driver,
		Path:        c.Path,
		URL:         c.URL,
		MaxConns:    c.MaxConns,
		BusyTimeout: c.BusyTimeout,
	}
}

func workerConfig(c config.WorkerConfig) worker.Config {
	return worker.Config{
		WorkerID:           c.ID,
		PollInterval:       c.PollInterval(),
		MaxConcurrentTasks: c.MaxConcurrentTasks,
		RetryDelay:         c.RetryDelay(),
		Backoff:            worker.Backoff(c.Backoff),
		MaxRetryDelay:      c.MaxRetryDelay,
		ExecutionTimeout:   c.ExecutionTimeout,
		Units:              c.Units,
	}
}

func newRegistry(c config.WorkerConfig) *worker.Registry {
	reg := worker.NewRegistry()
	builtin.Register(reg, logger)
	reg.Register(shell.TaskType, shell.Shell{Log: logger, Allowed: c.ShellAllowed})
	reg.Register(httph.TaskType, httph.HTTP{Log: logger, Client: &http.Client{Timeout: 5 * time.Minute}})
	return reg
}

func run(parent context.Context, want components) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	if loader.Watch(func(c *config.Config) {
		lvl := logging.SetLevel(c.Logging.Level)
		logger.Info().Str("level", lvl.String()).Msg("configuration reloaded")
	}, func(err error) {
		logger.Error().Err(err).Msg("configuration reload rejected")
	}) {
		logger.Debug().Str("file", loader.File()).Msg("watching configuration")
	}

	store, err := queue.Open(ctx, storeConfig(cfg.Store), logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	reg := newRegistry(cfg.Worker)
	g, gctx := errgroup.WithContext(ctx)

	if want.worker {
		var sw *sweeper.Service
		if cfg.Sweeper.Enabled {
			sw, err = sweeper.NewService(store, sweeper.Config{
				StaleAfter: cfg.Sweeper.StaleAfter,
				StaleSpec:  cfg.Sweeper.StaleSpec,
				Retention:  cfg.Sweeper.Retention,
				PurgeSpec:  cfg.Sweeper.PurgeSpec,
			}, logger)
			if err != nil {
				return err
			}
		}

		// Runs past the signal; hardStop abandons the batch after the shutdown timeout.
		runCtx, hardStop := context.WithCancel(context.WithoutCancel(ctx))
		defer hardStop()
		sched := worker.NewScheduler(store, reg, workerConfig(cfg.Worker), logger)
		sched.Start(runCtx)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := sched.Shutdown(sctx); err != nil {
				logger.Warn().Err(err).Msg("in-flight tasks did not finish, abandoning them to the sweeper")
				hardStop()
			}
			sched.Close()
			return nil
		})

		if sw != nil {
			sw.Start()
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				sw.Stop(sctx)
				return nil
			})
		}
	}

	if want.api {
		svc := tasks.NewService(store, logger, reg.Types()...)
		srv := &http.Server{
			Addr: cfg.Server.Addr,
			Handler: api.NewServer(svc, logger, api.Options{
				CreateRPS:   cfg.Server.CreateRPS,
				CreateBurst: cfg.Server.CreateBurst,
				Debug:       cfg.Server.Debug,
			}),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
		g.Go(func() error {
			logger.Info().Str("addr", srv.Addr).Msg("HTTP server starting")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn().Err(err).Msg("sd_notify ready")
	} else if ok {
		logger.Debug().Msg("notified systemd")
	}

	<-gctx.Done()
	logger.Info().Msg("shutting down")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	return g.Wait()
}
