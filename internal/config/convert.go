package config

import (
	"fmt"
	"strings"

	"github.com/danmuck/stepwise/internal/engine"
	"github.com/danmuck/stepwise/internal/identity"
	"github.com/danmuck/stepwise/internal/logging"
	"github.com/danmuck/stepwise/internal/protocol/frame"
	"github.com/danmuck/stepwise/internal/relay"
	"github.com/danmuck/stepwise/internal/store/badgerstore"
	"github.com/rs/zerolog"
)

func ParseAlgorithm(raw string) (identity.Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "ed25519":
		return identity.AlgEd25519, nil
	case "dilithium3", "dilithium":
		return identity.AlgDilithium3, nil
	default:
		return 0, fmt.Errorf("unknown signing algorithm %q", raw)
	}
}

func (c LogConfig) Logging() logging.Config {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.Level)))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return logging.Config{
		Level:     lvl,
		Timestamp: c.Timestamp,
		NoColor:   c.NoColor,
		JSON:      c.JSON,
	}
}

func (c StoreConfig) Badger(processedTTL Duration) badgerstore.Config {
	out := badgerstore.DefaultConfig(c.Path)
	out.InMemory = c.InMemory
	out.SyncWrites = c.SyncWrites
	out.GCInterval = c.GCInterval.Duration
	out.ProcessedTTL = processedTTL.Duration
	return out
}

func (c EngineConfig) Engine() engine.Config {
	return engine.Config{
		Workers:            c.Workers,
		QueueDepth:         c.QueueDepth,
		DedupCacheSize:     c.DedupCacheSize,
		MaxConflictRetries: c.MaxConflictRetries,
		PendingTTL:         c.PendingTTL.Duration,
		TombstoneTTL:       c.TombstoneTTL.Duration,
		ProcessedTTL:       c.ProcessedTTL.Duration,
		PruneInterval:      c.PruneInterval.Duration,
	}
}

func (c RelayConfig) Relay() relay.Config {
	return relay.Config{
		BatchSize:    c.BatchSize,
		PollInterval: c.PollInterval.Duration,
		MaxAttempts:  c.MaxAttempts,
		PadBlock:     c.PadBlock,
		Limits:       frame.DefaultLimits(),
		Backoff: relay.BackoffConfig{
			InitialDelay: c.BackoffInitial.Duration,
			Multiplier:   c.BackoffMultiplier,
			MaxDelay:     c.BackoffMax.Duration,
			Jitter:       c.Jitter,
		},
	}
}
