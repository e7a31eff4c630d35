package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Template renders the config of kind with every default spelled out.
func Template(kind string) (string, error) {
	var cfg NodeConfig
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "node":
		cfg = Default()
	case "dev":
		cfg = Default()
		cfg.Name = "stepwise-dev"
		cfg.Log.Level = "debug"
		cfg.Store.InMemory = true
		cfg.Store.Path = ""
		cfg.Identity.Path = "local/stepwise/dev-identity.bin"
		cfg.Engine.Workers = 2
		cfg.Admin.CorsOrigins = []string{"http://localhost:3000"}
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(cfg); err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return buf.String(), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
