// Package sweeper runs periodic maintenance: limiter pruning, stale claim
// purging and reconciliation of devices whose owning node went away.
package sweeper

import "time"

// Config defines the sweeper configuration.
type Config struct {
	// Interval is how often a sweep runs.
	Interval time.Duration `yaml:"interval"`
	// StaleAfter is how long a device may go unseen while marked online
	// before it is reconciled to offline.
	StaleAfter time.Duration `yaml:"stale_after"`
	// ClaimTTL is the age after which unbound idempotency claims are purged.
	ClaimTTL time.Duration `yaml:"claim_ttl"`
}

// DefaultConfig returns the default sweeper configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:   30 * time.Second,
		StaleAfter: 5 * time.Minute,
		ClaimTTL:   24 * time.Hour,
	}
}

func (c *Config) withDefaults() *Config {
	def := DefaultConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.Interval <= 0 {
		out.Interval = def.Interval
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = def.StaleAfter
	}
	if out.ClaimTTL <= 0 {
		out.ClaimTTL = def.ClaimTTL
	}
	return &out
}
