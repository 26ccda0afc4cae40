package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config holds the process configuration.
type Config struct {
	Worker    WorkerConfig    `mapstructure:"worker"`
	Store     StoreConfig     `mapstructure:"store"`
	Server    ServerConfig    `mapstructure:"server"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type WorkerConfig struct {
	ID                 string        `mapstructure:"id"`
	PollingIntervalMS  int           `mapstructure:"polling_interval_ms"`
	MaxConcurrentTasks int           `mapstructure:"max_concurrent_tasks"`
	RetryBaseDelayMS   int           `mapstructure:"retry_base_delay_ms"`
	Backoff            string        `mapstructure:"backoff"`
	MaxRetryDelay      time.Duration `mapstructure:"max_retry_delay"`
	ExecutionTimeout   time.Duration `mapstructure:"execution_timeout"`
	Units              int           `mapstructure:"units"`
	ShellAllowed       []string      `mapstructure:"shell_allowed"`
}

func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollingIntervalMS) * time.Millisecond
}

func (w WorkerConfig) RetryDelay() time.Duration {
	return time.Duration(w.RetryBaseDelayMS) * time.Millisecond
}

type StoreConfig struct {
	Driver      string        `mapstructure:"driver"`
	Path        string        `mapstructure:"path"`
	URL         string        `mapstructure:"url"`
	MaxConns    int           `mapstructure:"max_conns"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	CreateRPS       float64       `mapstructure:"create_rps"`
	CreateBurst     int           `mapstructure:"create_burst"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Debug           bool          `mapstructure:"debug"`
}

type SweeperConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	StaleSpec  string        `mapstructure:"stale_spec"`
	Retention  time.Duration `mapstructure:"retention"`
	PurgeSpec  string        `mapstructure:"purge_spec"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console or json
}

type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// Loader reads configuration from defaults, an optional YAML file, an optional
// .env file and the environment, in increasing order of precedence.
type Loader struct {
	v *viper.Viper

	mu      sync.Mutex
	current *Config
}

// Load reads the configuration once.
func Load(configPath, envFile string) (*Config, error) {
	l, err := NewLoader(configPath, envFile)
	if err != nil {
		return nil, err
	}
	return l.Config(), nil
}

func NewLoader(configPath, envFile string) (*Loader, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("taskd")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TASKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Loader{v: v, current: cfg}, nil
}

// Config returns the last valid configuration.
func (l *Loader) Config() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// File returns the config file in use, or "" when running on defaults and env.
func (l *Loader) File() string { return l.v.ConfigFileUsed() }

// Watch re-reads the config file whenever it changes. A valid result replaces
// the current config and is passed to onChange; an invalid one is passed to
// onError and discarded. It reports false when there is no file to watch.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) bool {
	if l.File() == "" {
		return false
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(l.v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		l.mu.Lock()
		l.current = cfg
		l.mu.Unlock()
		if onChange != nil {
			onChange(cfg)
		}
	})
	l.v.WatchConfig()
	return true
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no component could run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Worker.PollingIntervalMS <= 0 {
		errs = append(errs, errors.New("worker.polling_interval_ms must be positive"))
	}
	if c.Worker.MaxConcurrentTasks <= 0 {
		errs = append(errs, errors.New("worker.max_concurrent_tasks must be positive"))
	}
	if c.Worker.RetryBaseDelayMS < 0 {
		errs = append(errs, errors.New("worker.retry_base_delay_ms must not be negative"))
	}
	switch c.Worker.Backoff {
	case "fixed", "exponential":
	default:
		errs = append(errs, fmt.Errorf("worker.backoff must be fixed or exponential, got %q", c.Worker.Backoff))
	}
	if c.Worker.ExecutionTimeout < 0 {
		errs = append(errs, errors.New("worker.execution_timeout must not be negative"))
	}
	switch strings.ToLower(c.Store.Driver) {
	case "sqlite", "sqlite3", "postgres", "postgresql", "pgx":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// loadEnvFile exports KEY=VALUE pairs from path without overriding variables
// already set. A missing default .env is not an error.
func loadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// bindEnvVars maps the unprefixed variable names older deployments use.
func bindEnvVars(v *viper.Viper) error {
	binds := map[string][]string{
		"worker.id":                   {"TASKD_WORKER_ID", "WORKER_ID"},
		"worker.polling_interval_ms":  {"TASKD_WORKER_POLLING_INTERVAL_MS", "WORKER_POLLING_INTERVAL_MS"},
		"worker.max_concurrent_tasks": {"TASKD_WORKER_MAX_CONCURRENT_TASKS", "WORKER_MAX_CONCURRENT_TASKS"},
		"worker.retry_base_delay_ms":  {"TASKD_WORKER_RETRY_BASE_DELAY_MS", "RETRY_BASE_DELAY_MS"},
		"store.url":                   {"TASKD_STORE_URL", "DATABASE_URL"},
		"logging.level":               {"TASKD_LOGGING_LEVEL", "LOG_LEVEL"},
		"telemetry.endpoint":          {"TASKD_TELEMETRY_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"},
	}
	for key, envs := range binds {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return err
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("worker.id", "")
	v.SetDefault("worker.polling_interval_ms", 5000)
	v.SetDefault("worker.max_concurrent_tasks", 10)
	v.SetDefault("worker.retry_base_delay_ms", 60000)
	v.SetDefault("worker.backoff", "fixed")
	v.SetDefault("worker.max_retry_delay", time.Hour)
	v.SetDefault("worker.execution_timeout", 5*time.Minute)
	v.SetDefault("worker.units", 0)
	v.SetDefault("worker.shell_allowed", []string{})

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "taskd.db")
	v.SetDefault("store.url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.busy_timeout", 5*time.Second)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.create_rps", 50)
	v.SetDefault("server.create_burst", 100)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.debug", false)

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.stale_after", 15*time.Minute)
	v.SetDefault("sweeper.stale_spec", "@every 1m")
	v.SetDefault("sweeper.retention", 30*24*time.Hour)
	v.SetDefault("sweeper.purge_spec", "@every 1h")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.service_name", "taskd")
}
