package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

func Dur(d time.Duration) Duration {
	return Duration{Duration: d}
}

type NodeConfig struct {
	Name     string         `toml:"name"`
	Log      LogConfig      `toml:"log"`
	Store    StoreConfig    `toml:"store"`
	Identity IdentityConfig `toml:"identity"`
	Engine   EngineConfig   `toml:"engine"`
	Relay    RelayConfig    `toml:"relay"`
	Admin    AdminConfig    `toml:"admin"`
}

type LogConfig struct {
	Level     string `toml:"level"`
	JSON      bool   `toml:"json"`
	NoColor   bool   `toml:"no_color"`
	Timestamp bool   `toml:"timestamp"`
}

type StoreConfig struct {
	Path       string   `toml:"path"`
	InMemory   bool     `toml:"in_memory"`
	SyncWrites bool     `toml:"sync_writes"`
	GCInterval Duration `toml:"gc_interval"`
}

type IdentityConfig struct {
	Path      string `toml:"path"`
	Server    string `toml:"server"`
	Algorithm string `toml:"algorithm"`
}

type EngineConfig struct {
	Workers            int      `toml:"workers"`
	QueueDepth         int      `toml:"queue_depth"`
	DedupCacheSize     int      `toml:"dedup_cache_size"`
	MaxConflictRetries int      `toml:"max_conflict_retries"`
	PendingTTL         Duration `toml:"pending_ttl"`
	TombstoneTTL       Duration `toml:"tombstone_ttl"`
	ProcessedTTL       Duration `toml:"processed_ttl"`
	PruneInterval      Duration `toml:"prune_interval"`
}

type RelayConfig struct {
	BatchSize         int      `toml:"batch_size"`
	PollInterval      Duration `toml:"poll_interval"`
	MaxAttempts       int      `toml:"max_attempts"`
	PadBlock          int      `toml:"pad_block"`
	BackoffInitial    Duration `toml:"backoff_initial"`
	BackoffMax        Duration `toml:"backoff_max"`
	BackoffMultiplier float64  `toml:"backoff_multiplier"`
	Jitter            bool     `toml:"jitter"`
	// ServeDirectory answers device-discovery server queries from the
	// node's own keyring.
	ServeDirectory bool `toml:"serve_directory"`
}

type AdminConfig struct {
	Addr        string   `toml:"addr"`
	Token       string   `toml:"token"`
	CorsOrigins []string `toml:"cors_origins"`
}

func Default() NodeConfig {
	return NodeConfig{
		Name: "stepwise",
		Log: LogConfig{
			Level:     "info",
			Timestamp: true,
		},
		Store: StoreConfig{
			Path:       "local/stepwise/data",
			SyncWrites: true,
			GCInterval: Dur(10 * time.Minute),
		},
		Identity: IdentityConfig{
			Path:      "local/stepwise/identity.bin",
			Server:    "localhost",
			Algorithm: "ed25519",
		},
		Engine: EngineConfig{
			Workers:            8,
			QueueDepth:         256,
			DedupCacheSize:     4096,
			MaxConflictRetries: 3,
			PendingTTL:         Dur(7 * 24 * time.Hour),
			TombstoneTTL:       Dur(24 * time.Hour),
			ProcessedTTL:       Dur(7 * 24 * time.Hour),
			PruneInterval:      Dur(10 * time.Minute),
		},
		Relay: RelayConfig{
			BatchSize:         64,
			PollInterval:      Dur(time.Second),
			MaxAttempts:       12,
			PadBlock:          256,
			BackoffInitial:    Dur(250 * time.Millisecond),
			BackoffMax:        Dur(30 * time.Second),
			BackoffMultiplier: 2,
			Jitter:            true,
			ServeDirectory:    true,
		},
		Admin: AdminConfig{
			Addr: "127.0.0.1:7400",
		},
	}
}

// Load reads path over Default and validates the result.
func Load(path string) (NodeConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return NodeConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return NodeConfig{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func Validate(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Log.Level))); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if !cfg.Store.InMemory && strings.TrimSpace(cfg.Store.Path) == "" {
		return fmt.Errorf("store.path is required unless store.in_memory is set")
	}
	if strings.TrimSpace(cfg.Identity.Path) == "" {
		return fmt.Errorf("identity.path is required")
	}
	if strings.TrimSpace(cfg.Identity.Server) == "" {
		return fmt.Errorf("identity.server is required")
	}
	if _, err := ParseAlgorithm(cfg.Identity.Algorithm); err != nil {
		return fmt.Errorf("identity.algorithm: %w", err)
	}
	if cfg.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive")
	}
	if cfg.Engine.QueueDepth <= 0 {
		return fmt.Errorf("engine.queue_depth must be positive")
	}
	if cfg.Engine.MaxConflictRetries < 0 {
		return fmt.Errorf("engine.max_conflict_retries must not be negative")
	}
	if cfg.Relay.BatchSize <= 0 {
		return fmt.Errorf("relay.batch_size must be positive")
	}
	if cfg.Relay.PollInterval.Duration <= 0 {
		return fmt.Errorf("relay.poll_interval must be positive")
	}
	if cfg.Relay.BackoffMultiplier < 1 {
		return fmt.Errorf("relay.backoff_multiplier must be at least 1")
	}
	if cfg.Relay.BackoffMax.Duration < cfg.Relay.BackoffInitial.Duration {
		return fmt.Errorf("relay.backoff_max must not be below relay.backoff_initial")
	}
	if strings.TrimSpace(cfg.Admin.Addr) == "" {
		return fmt.Errorf("admin.addr is required")
	}
	return nil
}
