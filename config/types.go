package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so both TOML and YAML accept human readable
// strings such as "90s" or "24h".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText is used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := string(text)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// StorageConfig selects the key/value backend for deals, escrow balances and
// treasury accounts.
type StorageConfig struct {
	Driver string `toml:"Driver" yaml:"driver"`
	Path   string `toml:"Path" yaml:"path"`
}

// JournalConfig controls the SQL event journal.
type JournalConfig struct {
	Enabled bool   `toml:"Enabled" yaml:"enabled"`
	Driver  string `toml:"Driver" yaml:"driver"`
	DSN     string `toml:"DSN" yaml:"dsn"`
}

// AuthConfig configures bearer token verification for state-changing calls.
type AuthConfig struct {
	Secret    string   `toml:"Secret" yaml:"secret"`
	Issuer    string   `toml:"Issuer" yaml:"issuer"`
	Audience  string   `toml:"Audience" yaml:"audience"`
	TokenTTL  Duration `toml:"TokenTTL" yaml:"token_ttl"`
	ClockSkew Duration `toml:"ClockSkew" yaml:"clock_skew"`
}

// RateLimitConfig bounds requests per client. A zero rate disables the limit.
type RateLimitConfig struct {
	RPCPerSecond float64 `toml:"RPCPerSecond" yaml:"rpc_per_second"`
	RPCBurst     int     `toml:"RPCBurst" yaml:"rpc_burst"`
	WSPerSecond  float64 `toml:"WSPerSecond" yaml:"ws_per_second"`
	WSBurst      int     `toml:"WSBurst" yaml:"ws_burst"`
}

type LogConfig struct {
	Level      string `toml:"Level" yaml:"level"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"max_size_mb"`
	MaxBackups int    `toml:"MaxBackups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"max_age_days"`
}

type TelemetryConfig struct {
	Endpoint string            `toml:"Endpoint" yaml:"endpoint"`
	Insecure bool              `toml:"Insecure" yaml:"insecure"`
	Metrics  bool              `toml:"Metrics" yaml:"metrics"`
	Traces   bool              `toml:"Traces" yaml:"traces"`
	Headers  map[string]string `toml:"Headers" yaml:"headers"`
}

// EventsConfig sizes the in-memory event history served to stream clients.
type EventsConfig struct {
	History int `toml:"History" yaml:"history"`
}

// GenesisAccount seeds a treasury balance on first start.
type GenesisAccount struct {
	Address string `toml:"Address" yaml:"address"`
	Balance string `toml:"Balance" yaml:"balance"`
}
