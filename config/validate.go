package config

import (
	"fmt"
	"strings"
)

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RPCAddress) == "" {
		return fmt.Errorf("rpc: address required")
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "memory":
	case "leveldb", "bolt", "bbolt":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage: path required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage: unsupported driver %q", c.Storage.Driver)
	}
	if c.Journal.Enabled {
		switch strings.ToLower(c.Journal.Driver) {
		case "sqlite", "postgres", "postgresql":
		default:
			return fmt.Errorf("journal: unsupported driver %q", c.Journal.Driver)
		}
		if strings.TrimSpace(c.Journal.DSN) == "" {
			return fmt.Errorf("journal: dsn required")
		}
	}
	if c.Auth.Secret != "" && len(c.Auth.Secret) < 16 {
		return fmt.Errorf("auth: secret must be at least 16 bytes")
	}
	if c.RateLimits.RPCPerSecond < 0 || c.RateLimits.WSPerSecond < 0 {
		return fmt.Errorf("rate_limits: rates must be >= 0")
	}
	if _, err := c.GenesisBalances(); err != nil {
		return err
	}
	return nil
}
