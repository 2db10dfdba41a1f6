// Package config loads the server configuration file.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aqueduct-io/aqueduct/internal/session"
)

// Config is the resolved server configuration.
type Config struct {
	// Listen is the address the websocket server binds, host:port.
	Listen string

	// Database is the SQLite database path.
	Database string

	// SnapshotEvery is the re-snapshot cadence in confirmed edits; 0
	// disables periodic checkpoints.
	SnapshotEvery int
}

// fileConfig mirrors the yaml document. SnapshotEvery is a pointer so an
// explicit 0 (disable) is distinguishable from an absent key (default).
type fileConfig struct {
	Listen        string `yaml:"listen"`
	Database      string `yaml:"database"`
	SnapshotEvery *int   `yaml:"snapshot_every"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Listen:        ":8080",
		Database:      "aqueduct.db",
		SnapshotEvery: session.DefaultSnapshotEvery,
	}
}

// Load reads a yaml configuration file and overlays it on the defaults.
// Unknown keys are an error.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes yaml configuration bytes and overlays them on the defaults.
func Parse(data []byte) (Config, error) {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg := Default()
	if fc.Listen != "" {
		cfg.Listen = fc.Listen
	}
	if fc.Database != "" {
		cfg.Database = fc.Database
	}
	if fc.SnapshotEvery != nil {
		cfg.SnapshotEvery = *fc.SnapshotEvery
	}

	if cfg.SnapshotEvery < 0 {
		return Config{}, fmt.Errorf("parse config: snapshot_every must be >= 0, got %d", cfg.SnapshotEvery)
	}
	return cfg, nil
}
