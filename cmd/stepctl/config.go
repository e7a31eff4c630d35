package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/stepwise/internal/config"
)

const envAdminToken = "STEPWISE_ADMIN_TOKEN"

type override struct {
	key   []string
	apply func(dst *config.NodeConfig, raw config.NodeConfig)
}

// overrides lists every key the node file may set. Keys absent from the
// file keep their defaults.
var overrides = []override{
	{[]string{"name"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Name = strings.TrimSpace(r.Name) }},
	{[]string{"log", "level"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Log.Level = r.Log.Level }},
	{[]string{"log", "json"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Log.JSON = r.Log.JSON }},
	{[]string{"log", "no_color"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Log.NoColor = r.Log.NoColor }},
	{[]string{"log", "timestamp"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Log.Timestamp = r.Log.Timestamp }},
	{[]string{"store", "path"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Store.Path = strings.TrimSpace(r.Store.Path) }},
	{[]string{"store", "in_memory"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Store.InMemory = r.Store.InMemory }},
	{[]string{"store", "sync_writes"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Store.SyncWrites = r.Store.SyncWrites }},
	{[]string{"store", "gc_interval"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Store.GCInterval = r.Store.GCInterval }},
	{[]string{"identity", "path"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Identity.Path = strings.TrimSpace(r.Identity.Path) }},
	{[]string{"identity", "server"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Identity.Server = strings.TrimSpace(r.Identity.Server) }},
	{[]string{"identity", "algorithm"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Identity.Algorithm = r.Identity.Algorithm }},
	{[]string{"engine", "workers"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Engine.Workers = r.Engine.Workers }},
	{[]string{"engine", "queue_depth"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Engine.QueueDepth = r.Engine.QueueDepth }},
	{[]string{"engine", "dedup_cache_size"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Engine.DedupCacheSize = r.Engine.DedupCacheSize }},
	{[]string{"engine", "max_conflict_retries"}, func(d *config.NodeConfig, r config.NodeConfig) {
		d.Engine.MaxConflictRetries = r.Engine.MaxConflictRetries
	}},
	{[]string{"engine", "pending_ttl"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Engine.PendingTTL = r.Engine.PendingTTL }},
	{[]string{"engine", "tombstone_ttl"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Engine.TombstoneTTL = r.Engine.TombstoneTTL }},
	{[]string{"engine", "processed_ttl"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Engine.ProcessedTTL = r.Engine.ProcessedTTL }},
	{[]string{"engine", "prune_interval"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Engine.PruneInterval = r.Engine.PruneInterval }},
	{[]string{"relay", "batch_size"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Relay.BatchSize = r.Relay.BatchSize }},
	{[]string{"relay", "poll_interval"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Relay.PollInterval = r.Relay.PollInterval }},
	{[]string{"relay", "max_attempts"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Relay.MaxAttempts = r.Relay.MaxAttempts }},
	{[]string{"relay", "pad_block"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Relay.PadBlock = r.Relay.PadBlock }},
	{[]string{"relay", "backoff_initial"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Relay.BackoffInitial = r.Relay.BackoffInitial }},
	{[]string{"relay", "backoff_max"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Relay.BackoffMax = r.Relay.BackoffMax }},
	{[]string{"relay", "backoff_multiplier"}, func(d *config.NodeConfig, r config.NodeConfig) {
		d.Relay.BackoffMultiplier = r.Relay.BackoffMultiplier
	}},
	{[]string{"relay", "jitter"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Relay.Jitter = r.Relay.Jitter }},
	{[]string{"relay", "serve_directory"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Relay.ServeDirectory = r.Relay.ServeDirectory }},
	{[]string{"admin", "addr"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Admin.Addr = strings.TrimSpace(r.Admin.Addr) }},
	{[]string{"admin", "token"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Admin.Token = r.Admin.Token }},
	{[]string{"admin", "cors_origins"}, func(d *config.NodeConfig, r config.NodeConfig) { d.Admin.CorsOrigins = normalizeOrigins(r.Admin.CorsOrigins) }},
}

// loadNodeConfig applies the keys defined in path over config.Default. An
// empty path runs on defaults.
func loadNodeConfig(path string) (config.NodeConfig, error) {
	cfg := config.Default()
	if path != "" {
		var raw config.NodeConfig
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return config.NodeConfig{}, fmt.Errorf("load node config: %w", err)
		}
		for _, o := range overrides {
			if meta.IsDefined(o.key...) {
				o.apply(&cfg, raw)
			}
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return config.NodeConfig{}, fmt.Errorf("load node config: unknown key %q", undecoded[0].String())
		}
	}
	if token := strings.TrimSpace(os.Getenv(envAdminToken)); token != "" {
		cfg.Admin.Token = token
	}
	if err := config.Validate(cfg); err != nil {
		return config.NodeConfig{}, fmt.Errorf("node config: %w", err)
	}
	return cfg, nil
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
