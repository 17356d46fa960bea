// Package config loads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const Prefix = "TEAMSYNC_"

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreBadger   = "badger"
	StoreSQLite   = "sqlite"
)

type Config struct {
	Addr      string `env:"ADDR" envDefault:":8080"`
	GraphPath string `env:"GRAPH_PATH" envDefault:"config/progression.yaml"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"memory"`
	DatabaseURL string `env:"DATABASE_URL"`
	BadgerPath  string `env:"BADGER_PATH" envDefault:"data/badger"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"data/teamsync.db"`

	PersistMode           string        `env:"PERSIST_MODE" envDefault:"sync"`
	PersistMaxAttempts    uint          `env:"PERSIST_MAX_ATTEMPTS" envDefault:"4"`
	PersistInitialBackoff time.Duration `env:"PERSIST_INITIAL_BACKOFF" envDefault:"50ms"`
	PersistTimeout        time.Duration `env:"PERSIST_TIMEOUT" envDefault:"2s"`

	LeaseTTL           time.Duration `env:"LEASE_TTL" envDefault:"10m"`
	LeaseSweepInterval time.Duration `env:"LEASE_SWEEP_INTERVAL" envDefault:"30s"`
	DisconnectGrace    time.Duration `env:"DISCONNECT_GRACE" envDefault:"15s"`
	TeamIdleTTL        time.Duration `env:"TEAM_IDLE_TTL" envDefault:"5m"`
	DeltaLogSize       int           `env:"DELTA_LOG_SIZE" envDefault:"200"`
	DeltaLogAge        time.Duration `env:"DELTA_LOG_AGE" envDefault:"10m"`

	OutboxSize     int      `env:"OUTBOX_SIZE" envDefault:"256"`
	CommandRate    float64  `env:"COMMAND_RATE" envDefault:"20"`
	CommandBurst   int      `env:"COMMAND_BURST" envDefault:"40"`
	OriginPatterns []string `env:"ORIGIN_PATTERNS" envSeparator:","`

	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogDevelopment bool   `env:"LOG_DEVELOPMENT" envDefault:"false"`
}

// Load reads an optional .env file from dotenvPath (empty skips it) and then
// the TEAMSYNC_ environment. Variables already set win over the file.
func Load(dotenvPath string) (Config, error) {
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", dotenvPath, err)
		}
	}
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case StoreMemory, StoreBadger, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	if c.PersistMode != "sync" && c.PersistMode != "best_effort" {
		errs = append(errs, fmt.Errorf("PERSIST_MODE must be sync or best_effort, got %q", c.PersistMode))
	}
	if c.PersistMaxAttempts == 0 {
		errs = append(errs, errors.New("PERSIST_MAX_ATTEMPTS must be at least 1"))
	}
	if c.LeaseTTL <= 0 || c.LeaseSweepInterval <= 0 {
		errs = append(errs, errors.New("LEASE_TTL and LEASE_SWEEP_INTERVAL must be positive"))
	}
	if c.DisconnectGrace < 0 || c.TeamIdleTTL < 0 {
		errs = append(errs, errors.New("DISCONNECT_GRACE and TEAM_IDLE_TTL must not be negative"))
	}
	if c.DeltaLogSize < 0 || c.OutboxSize <= 0 {
		errs = append(errs, errors.New("DELTA_LOG_SIZE must not be negative and OUTBOX_SIZE must be positive"))
	}
	if c.CommandRate < 0 || c.CommandBurst < 0 {
		errs = append(errs, errors.New("COMMAND_RATE and COMMAND_BURST must not be negative"))
	}
	return errors.Join(errs...)
}
