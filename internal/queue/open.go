package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config selects and configures the task store.
//
// Driver values:
//   - "sqlite": SQLite database file at Path (default)
//   - "postgres": PostgreSQL at URL
type Config struct {
	Driver      string
	Path        string
	URL         string
	MaxConns    int
	BusyTimeout time.Duration // sqlite only
}

// Open initializes the configured store and ensures its schema.
func Open(ctx context.Context, cfg Config, log zerolog.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With().Str("component", "store").Str("driver", driver).Logger()

	switch driver {
	case "", "sqlite", "sqlite3":
		path := cfg.Path
		if path == "" {
			path = "taskd.db"
		}
		s, err := OpenSQLite(ctx, path, cfg.BusyTimeout, log)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", path).Msg("task store opened")
		return s, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, errors.New("postgres url is required")
		}
		s, err := OpenPostgres(ctx, cfg.URL, cfg.MaxConns, log)
		if err != nil {
			return nil, err
		}
		log.Info().Int("max_conns", cfg.MaxConns).Msg("task store opened")
		return s, nil
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
