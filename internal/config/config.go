// Package config loads server settings from flags, ROADWATCH_* environment
// variables and an optional config file, in that order of precedence.
package config

import (
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"roadwatch/internal/store/pgstore"
)

const envPrefix = "ROADWATCH"

const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type Config struct {
	ListenAddress string
	Store         string
	LogLevel      string

	Redis    Redis
	Journal  Journal
	Postgres Postgres
	Stream   Stream
}

type Redis struct {
	URL       string
	KeyPrefix string
}

type Journal struct {
	Enabled bool
	Queue   string
	// MaxLen caps the queue length. Zero leaves it unbounded.
	MaxLen int64
}

type Postgres struct {
	// URL wins over the individual parts when set.
	URL      string
	User     string
	Password string
	Host     string
	Port     int
	DB       string
}

type Stream struct {
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	IdleTimeout    time.Duration
	OriginPatterns []string
}

// Flags registers every setting on a new flag set. Flag names match the
// config file keys.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("roadwatch", pflag.ContinueOnError)
	fs.String("config", "", "Path to a YAML, TOML or JSON config file.")
	fs.String("listen_address", ":8000", "Address the HTTP server listens on.")
	fs.String("store", StoreRedis, `Record store backend, "redis" or "postgres".`)
	fs.String("log_level", "info", "Minimum log level: debug, info, warn or error.")

	fs.String("redis.url", "redis://127.0.0.1:6379/0", "Redis connection URL.")
	fs.String("redis.key_prefix", "roadwatch", "Prefix for every Redis key the store writes.")

	fs.Bool("journal.enabled", true, "Append accepted records to the Redis ingest queue.")
	fs.String("journal.queue", "roadwatch_ingest_queue", "Redis list the journal appends to.")
	fs.Int64("journal.max_len", 10000, "Maximum journal length, 0 for unbounded.")

	fs.String("postgres.url", "", "PostgreSQL connection URL. Overrides the individual postgres.* settings.")
	fs.String("postgres.user", "postgres", "PostgreSQL user.")
	fs.String("postgres.password", "postgres", "PostgreSQL password.")
	fs.String("postgres.host", "127.0.0.1", "PostgreSQL host.")
	fs.Int("postgres.port", 5432, "PostgreSQL port.")
	fs.String("postgres.db", "roadwatch", "PostgreSQL database name.")

	fs.Duration("stream.write_timeout", 5*time.Second, "Deadline for a single listener delivery.")
	fs.Duration("stream.ping_interval", 15*time.Second, "Interval between WebSocket pings.")
	fs.Duration("stream.idle_timeout", 0, "Close listeners silent for this long, 0 to disable.")
	fs.StringSlice("stream.origin_patterns", nil, "Hosts allowed to open cross-origin WebSocket connections.")
	return fs
}

// Load parses args against Flags and resolves the final configuration.
func Load(args []string) (Config, error) {
	fs := Flags()
	if err := fs.Parse(args); err != nil {
		return Config{}, xerrors.Errorf("parse flags: %w", err)
	}
	return FromFlags(fs)
}

// FromFlags resolves configuration from an already parsed flag set. Flags
// explicitly set on the command line override the environment, which
// overrides the config file, which overrides the flag defaults.
func FromFlags(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, xerrors.Errorf("bind flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, xerrors.Errorf("read config %q: %w", path, err)
		}
	}

	cfg := Config{
		ListenAddress: v.GetString("listen_address"),
		Store:         strings.ToLower(v.GetString("store")),
		LogLevel:      strings.ToLower(v.GetString("log_level")),
		Redis: Redis{
			URL:       v.GetString("redis.url"),
			KeyPrefix: v.GetString("redis.key_prefix"),
		},
		Journal: Journal{
			Enabled: v.GetBool("journal.enabled"),
			Queue:   v.GetString("journal.queue"),
			MaxLen:  v.GetInt64("journal.max_len"),
		},
		Postgres: Postgres{
			URL:      v.GetString("postgres.url"),
			User:     v.GetString("postgres.user"),
			Password: v.GetString("postgres.password"),
			Host:     v.GetString("postgres.host"),
			Port:     v.GetInt("postgres.port"),
			DB:       v.GetString("postgres.db"),
		},
		Stream: Stream{
			WriteTimeout:   v.GetDuration("stream.write_timeout"),
			PingInterval:   v.GetDuration("stream.ping_interval"),
			IdleTimeout:    v.GetDuration("stream.idle_timeout"),
			OriginPatterns: v.GetStringSlice("stream.origin_patterns"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Store {
	case StoreRedis, StorePostgres:
	default:
		return xerrors.Errorf("unknown store %q: must be %q or %q", c.Store, StoreRedis, StorePostgres)
	}
	if c.ListenAddress == "" {
		return xerrors.New("listen_address must not be empty")
	}
	if c.Stream.WriteTimeout <= 0 {
		return xerrors.Errorf("stream.write_timeout must be positive, got %s", c.Stream.WriteTimeout)
	}
	if c.Stream.PingInterval < 0 {
		return xerrors.Errorf("stream.ping_interval must not be negative, got %s", c.Stream.PingInterval)
	}
	if c.Stream.IdleTimeout < 0 {
		return xerrors.Errorf("stream.idle_timeout must not be negative, got %s", c.Stream.IdleTimeout)
	}
	if c.Journal.MaxLen < 0 {
		return xerrors.Errorf("journal.max_len must not be negative, got %d", c.Journal.MaxLen)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// PostgresURL returns the configured connection URL, assembling one from
// the individual settings when no URL was given.
func (c Config) PostgresURL() string {
	if c.Postgres.URL != "" {
		return c.Postgres.URL
	}
	p := c.Postgres
	return pgstore.ConnectionURL(p.User, p.Password, p.Host, p.Port, p.DB)
}

func (c Config) Level() (slog.Level, error) {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, xerrors.Errorf("unknown log_level %q", c.LogLevel)
	}
}
