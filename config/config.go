package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"dealescrow/crypto"
)

type Config struct {
	Env        string           `toml:"Env" yaml:"env"`
	RPCAddress string           `toml:"RPCAddress" yaml:"rpc_address"`
	Storage    StorageConfig    `toml:"storage" yaml:"storage"`
	Journal    JournalConfig    `toml:"journal" yaml:"journal"`
	Auth       AuthConfig       `toml:"auth" yaml:"auth"`
	RateLimits RateLimitConfig  `toml:"rate_limits" yaml:"rate_limits"`
	Log        LogConfig        `toml:"log" yaml:"log"`
	Telemetry  TelemetryConfig  `toml:"telemetry" yaml:"telemetry"`
	Events     EventsConfig     `toml:"events" yaml:"events"`
	Genesis    []GenesisAccount `toml:"genesis" yaml:"genesis"`
}

// Load reads the configuration at path. Files ending in .yaml or .yml are
// decoded as YAML, anything else as TOML. A missing file is created with
// defaults. Environment overrides are applied before validation.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg, err = createDefault(path)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	applyEnv(cfg, lookup)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	default:
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("config file %s has unknown key %s", path, undecoded[0].String())
		}
		return nil
	}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "local"
	}
	if cfg.RPCAddress == "" {
		cfg.RPCAddress = "127.0.0.1:8547"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "leveldb"
	}
	if cfg.Storage.Path == "" && cfg.Storage.Driver != "memory" {
		cfg.Storage.Path = "./escrow-data/ledger"
	}
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "sqlite"
	}
	if cfg.Journal.DSN == "" && cfg.Journal.Driver == "sqlite" {
		cfg.Journal.DSN = "./escrow-data/journal.sqlite"
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "escrowd"
	}
	if cfg.Auth.TokenTTL.Duration == 0 {
		cfg.Auth.TokenTTL.Duration = 24 * time.Hour
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.RateLimits.RPCPerSecond > 0 && cfg.RateLimits.RPCBurst <= 0 {
		cfg.RateLimits.RPCBurst = int(cfg.RateLimits.RPCPerSecond) + 1
	}
	if cfg.RateLimits.WSPerSecond > 0 && cfg.RateLimits.WSBurst <= 0 {
		cfg.RateLimits.WSBurst = 1
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Events.History <= 0 {
		cfg.Events.History = 4096
	}
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if lookup == nil {
		return
	}
	if v, ok := lookup("ESCROW_ENV"); ok && strings.TrimSpace(v) != "" {
		cfg.Env = strings.TrimSpace(v)
	}
	if v, ok := lookup("ESCROW_AUTH_SECRET"); ok && strings.TrimSpace(v) != "" {
		cfg.Auth.Secret = strings.TrimSpace(v)
	}
}

// GenesisBalances parses the configured genesis accounts.
func (c *Config) GenesisBalances() (map[[20]byte]*big.Int, error) {
	out := make(map[[20]byte]*big.Int, len(c.Genesis))
	for i, acct := range c.Genesis {
		addr, err := crypto.ParseAddress(acct.Address)
		if err != nil {
			return nil, fmt.Errorf("genesis[%d]: %w", i, err)
		}
		balance, ok := new(big.Int).SetString(strings.TrimSpace(acct.Balance), 10)
		if !ok || balance.Sign() < 0 {
			return nil, fmt.Errorf("genesis[%d]: invalid balance %q", i, acct.Balance)
		}
		if _, dup := out[addr]; dup {
			return nil, fmt.Errorf("genesis[%d]: duplicate address %s", i, acct.Address)
		}
		out[addr] = balance
	}
	return out, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		Env:        "local",
		RPCAddress: "127.0.0.1:8547",
		Storage:    StorageConfig{Driver: "leveldb", Path: "./escrow-data/ledger"},
		Journal:    JournalConfig{Enabled: true, Driver: "sqlite", DSN: "./escrow-data/journal.sqlite"},
		Log:        LogConfig{Level: "info"},
		RateLimits: RateLimitConfig{RPCPerSecond: 20, RPCBurst: 40, WSPerSecond: 1, WSBurst: 5},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
