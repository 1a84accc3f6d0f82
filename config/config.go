// Package config loads engine tunables from a TOML file with
// environment variable overrides. Environment wins over file, file
// wins over defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/chazu/burrow/engine"
	"github.com/chazu/burrow/session"
	"github.com/chazu/burrow/store"
	"github.com/chazu/burrow/txn"
	"github.com/chazu/burrow/vm"
)

// Duration is a time.Duration that unmarshals from strings like
// "250ms" in both TOML and environment values.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) value() time.Duration { return time.Duration(d) }

// Store selects and locates the backing store.
type Store struct {
	// Backend is "memory" or "sqlite".
	Backend string `toml:"backend" env:"BURROW_STORE_BACKEND"`
	// Path is the sqlite database file.
	Path string `toml:"path" env:"BURROW_STORE_PATH"`
}

// Txn bounds conflict retries.
type Txn struct {
	MaxAttempts    uint     `toml:"max_attempts" env:"BURROW_TXN_MAX_ATTEMPTS"`
	BackoffInitial Duration `toml:"backoff_initial" env:"BURROW_TXN_BACKOFF_INITIAL"`
	BackoffMax     Duration `toml:"backoff_max" env:"BURROW_TXN_BACKOFF_MAX"`
}

// VM sizes per-dispatch execution.
type VM struct {
	Fuel        int64    `toml:"fuel" env:"BURROW_VM_FUEL"`
	WallClock   Duration `toml:"wall_clock" env:"BURROW_VM_WALL_CLOCK"`
	MemoryLimit int      `toml:"memory_limit" env:"BURROW_VM_MEMORY_LIMIT"`
}

// Session sizes the dispatcher.
type Session struct {
	Workers    int `toml:"workers" env:"BURROW_SESSION_WORKERS"`
	QueueDepth int `toml:"queue_depth" env:"BURROW_SESSION_QUEUE_DEPTH"`
	// Policy is "block" or "drop".
	Policy       string   `toml:"policy" env:"BURROW_SESSION_POLICY"`
	BlockTimeout Duration `toml:"block_timeout" env:"BURROW_SESSION_BLOCK_TIMEOUT"`
}

// Config is the whole engine configuration.
type Config struct {
	Listen  string  `toml:"listen" env:"BURROW_LISTEN"`
	Store   Store   `toml:"store"`
	Txn     Txn     `toml:"txn"`
	VM      VM      `toml:"vm"`
	Session Session `toml:"session"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen: ":7777",
		Store:  Store{Backend: "memory", Path: "burrow.db"},
		Txn: Txn{
			MaxAttempts:    8,
			BackoffInitial: Duration(2 * time.Millisecond),
			BackoffMax:     Duration(250 * time.Millisecond),
		},
		VM: VM{
			Fuel:        vm.DefaultFuel,
			WallClock:   Duration(vm.DefaultWallClock),
			MemoryLimit: vm.DefaultMemoryLimit,
		},
		Session: Session{
			Workers:      16,
			QueueDepth:   64,
			Policy:       "block",
			BlockTimeout: Duration(time.Second),
		},
	}
}

// Load builds a configuration from defaults, the optional TOML file at
// path, and finally the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("config: environment: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Store.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	switch c.Session.Policy {
	case "block", "drop":
	default:
		return fmt.Errorf("config: unknown session policy %q", c.Session.Policy)
	}
	if c.VM.Fuel <= 0 {
		return fmt.Errorf("config: vm fuel must be positive, got %d", c.VM.Fuel)
	}
	return nil
}

// OpenStore opens the configured store backend.
func (c Config) OpenStore() (store.Store, error) {
	if c.Store.Backend == "sqlite" {
		return store.OpenSQLite(c.Store.Path)
	}
	return store.NewMemoryStore(), nil
}

// EngineOptions maps the configuration onto engine options.
func (c Config) EngineOptions() engine.Options {
	opts := engine.DefaultOptions()
	opts.Fuel = c.VM.Fuel
	opts.WallClock = c.VM.WallClock.value()
	opts.MemoryLimit = c.VM.MemoryLimit
	opts.Txn = []txn.Option{
		txn.WithMaxAttempts(c.Txn.MaxAttempts),
		txn.WithBackoffWindow(c.Txn.BackoffInitial.value(), c.Txn.BackoffMax.value()),
	}
	opts.Session = session.Config{
		Workers:      c.Session.Workers,
		QueueDepth:   c.Session.QueueDepth,
		Policy:       session.BackpressureBlock,
		BlockTimeout: c.Session.BlockTimeout.value(),
	}
	if c.Session.Policy == "drop" {
		opts.Session.Policy = session.BackpressureDrop
	}
	return opts
}
