package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the optional YAML configuration file. Every field has
// a default; command-line flags override file values.
type fileConfig struct {
	// Backend selects the durable message log: "sqlite", "badger",
	// or "none".
	Backend string `yaml:"backend"`

	// DataDir is where the chosen backend stores its files.
	DataDir string `yaml:"data_dir"`

	// MaxContexts bounds the number of resident conversations.
	MaxContexts int `yaml:"max_contexts"`

	// MaxMessages bounds each conversation's history.
	MaxMessages int `yaml:"max_messages"`

	// TTL is the conversation lifetime, e.g. "30m".
	TTL string `yaml:"ttl"`

	// SweepInterval is the expiry sweep interval, e.g. "1m".
	SweepInterval string `yaml:"sweep_interval"`
}

func loadConfigFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return &cfg, nil
}

func parseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	return d, nil
}
