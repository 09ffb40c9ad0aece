// Package config loads the coact server configuration from YAML with
// COACT_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/coact/internal/auth"
	"github.com/fentz26/coact/internal/ratelimit"
	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	// NodeID identifies this process in routes and presence records.
	NodeID string `yaml:"node_id"`
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Auth        AuthConfig        `yaml:"auth"`
	Signing     SigningConfig     `yaml:"signing"`
	Presence    PresenceConfig    `yaml:"presence"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	RateLimit   ratelimit.Config  `yaml:"ratelimit"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Safety      SafetyConfig      `yaml:"safety"`
	Sweeper     SweeperConfig     `yaml:"sweeper"`
	Log         LogConfig         `yaml:"log"`
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	// Driver is sqlite or postgres.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig points at the shared Redis. An empty URL runs single-node
// without presence, routing or revocation.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// AuthConfig holds token secrets.
type AuthConfig struct {
	DeviceKeys     auth.KeySet   `yaml:"device_keys"`
	AccessSecret   string        `yaml:"access_secret"`
	AdminToken     string        `yaml:"admin_token"`
	MetricsToken   string        `yaml:"metrics_token"`
	DeviceTokenTTL time.Duration `yaml:"device_token_ttl"`
}

// SigningConfig holds the envelope HMAC key.
type SigningConfig struct {
	// Key defaults to the active device key.
	Key string `yaml:"key"`
}

// PresenceConfig controls presence leases.
type PresenceConfig struct {
	TTL               time.Duration `yaml:"ttl"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// GatewayConfig controls the device websocket endpoint.
type GatewayConfig struct {
	RevocationPoll  time.Duration `yaml:"revocation_poll"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	// AllowedOrigins lists browser origins allowed to connect. Empty allows
	// any origin; devices do not send one.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// IdempotencyConfig controls duplicate create handling.
type IdempotencyConfig struct {
	// SelfHeal creates the task itself when a claim stays unbound after
	// every retry. When false the request fails with a conflict.
	SelfHeal      bool          `yaml:"self_heal"`
	RetryBase     time.Duration `yaml:"retry_base"`
	RetryAttempts int           `yaml:"retry_attempts"`
	// ClaimTTL is how long unbound claims are kept before the sweeper purges them.
	ClaimTTL time.Duration `yaml:"claim_ttl"`
}

// SafetyConfig points at an optional policy file.
type SafetyConfig struct {
	PolicyFile string `yaml:"policy_file"`
}

// SweeperConfig controls background maintenance.
type SweeperConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the default configuration. Secrets are left empty.
func Default() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "coact"
	}
	return &Config{
		NodeID: host,
		Listen: "127.0.0.1:7466",
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "coact.db",
		},
		Auth: AuthConfig{
			DeviceTokenTTL: 30 * 24 * time.Hour,
		},
		Presence: PresenceConfig{
			TTL:               120 * time.Second,
			HeartbeatInterval: 20 * time.Second,
		},
		Gateway: GatewayConfig{
			RevocationPoll:  5 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxMessageBytes: 1 << 20,
		},
		RateLimit: ratelimit.DefaultConfig(),
		Idempotency: IdempotencyConfig{
			SelfHeal:      true,
			RetryBase:     100 * time.Millisecond,
			RetryAttempts: 5,
			ClaimTTL:      24 * time.Hour,
		},
		Sweeper: SweeperConfig{
			Interval:   30 * time.Second,
			StaleAfter: 5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from COACT_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	str("COACT_NODE_ID", &c.NodeID)
	str("COACT_LISTEN", &c.Listen)
	str("COACT_DATABASE_DRIVER", &c.Database.Driver)
	str("COACT_DATABASE_DSN", &c.Database.DSN)
	str("COACT_REDIS_URL", &c.Redis.URL)
	str("COACT_ACCESS_SECRET", &c.Auth.AccessSecret)
	str("COACT_ADMIN_TOKEN", &c.Auth.AdminToken)
	str("COACT_METRICS_TOKEN", &c.Auth.MetricsToken)
	str("COACT_SIGNING_KEY", &c.Signing.Key)
	str("COACT_SAFETY_POLICY_FILE", &c.Safety.PolicyFile)
	str("COACT_LOG_LEVEL", &c.Log.Level)
	str("COACT_LOG_FORMAT", &c.Log.Format)

	// COACT_DEVICE_KEY sets a single active key named by COACT_DEVICE_KID.
	if key, ok := lookup("COACT_DEVICE_KEY"); ok && key != "" {
		kid := "default"
		str("COACT_DEVICE_KID", &kid)
		if c.Auth.DeviceKeys.Keys == nil {
			c.Auth.DeviceKeys.Keys = make(map[string]string)
		}
		c.Auth.DeviceKeys.Keys[kid] = key
		c.Auth.DeviceKeys.ActiveKID = kid
	}

	if v, ok := lookup("COACT_SELF_HEAL"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("COACT_SELF_HEAL: %w", err)
		}
		c.Idempotency.SelfHeal = b
	}
	if v, ok := lookup("COACT_DEVICE_TOKEN_TTL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("COACT_DEVICE_TOKEN_TTL: %w", err)
		}
		c.Auth.DeviceTokenTTL = d
	}
	return nil
}

// Validate checks required fields and fills derived defaults.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.NodeID) == "" {
		errs = append(errs, errors.New("node_id is required"))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if err := c.Auth.DeviceKeys.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("auth.device_keys: %w", err))
	}
	if strings.TrimSpace(c.Auth.AccessSecret) == "" {
		errs = append(errs, errors.New("auth.access_secret is required"))
	}
	if c.Auth.DeviceTokenTTL <= 0 {
		errs = append(errs, errors.New("auth.device_token_ttl must be positive"))
	}
	if c.Presence.TTL <= 0 || c.Presence.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("presence ttl and heartbeat_interval must be positive"))
	} else if c.Presence.HeartbeatInterval >= c.Presence.TTL {
		errs = append(errs, errors.New("presence.heartbeat_interval must be shorter than presence.ttl"))
	}
	if c.Idempotency.RetryAttempts < 0 {
		errs = append(errs, errors.New("idempotency.retry_attempts must not be negative"))
	}
	if c.Sweeper.Interval <= 0 {
		errs = append(errs, errors.New("sweeper.interval must be positive"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if c.Signing.Key == "" {
		_, key, _ := c.Auth.DeviceKeys.Active()
		c.Signing.Key = string(key)
	}
	return nil
}
