// Package ratelimit protects the device channel from reconnect storms. It
// keeps per-device and per-IP sliding windows in process memory and turns
// repeated violations into temporary blocks.
package ratelimit

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// Config defines the limiter thresholds.
type Config struct {
	// MaxAttempts is the number of connection attempts a device may make per Window.
	MaxAttempts int `yaml:"max_attempts"`
	// MaxIPAttempts is the number of attempts one IP may make per Window.
	MaxIPAttempts int           `yaml:"max_ip_attempts"`
	Window        time.Duration `yaml:"window"`
	// MaxViolations is the number of rejected attempts before a block.
	MaxViolations int           `yaml:"max_violations"`
	DeviceBlock   time.Duration `yaml:"device_block"`
	IPBlock       time.Duration `yaml:"ip_block"`
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   30,
		MaxIPAttempts: 120,
		Window:        time.Minute,
		MaxViolations: 10,
		DeviceBlock:   time.Minute,
		IPBlock:       5 * time.Minute,
	}
}

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

var allowed = Decision{Allowed: true, Reason: "allowed"}

// window tracks one key. Violations decay once the key has made no
// attempt for a full Window.
type window struct {
	attempts   []time.Time
	violations int
	lastSeen   time.Time
}

// Stats summarizes limiter state.
type Stats struct {
	IPBlocks       int `json:"ip_blocks"`
	DeviceBlocks   int `json:"device_blocks"`
	TrackedDevices int `json:"tracked_devices"`
	TrackedIPs     int `json:"tracked_ips"`
}

// ResetStats reports what Reset cleared.
type ResetStats struct {
	ClearedIPBlocks           int `json:"cleared_ip_blocks"`
	ClearedDeviceBlocks       int `json:"cleared_device_blocks"`
	ClearedConnectionAttempts int `json:"cleared_connection_attempts"`
}

// Limiter is safe for concurrent use.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu           sync.Mutex
	devices      map[string]*window
	ips          map[string]*window
	deviceBlocks map[string]time.Time
	ipBlocks     map[string]time.Time
}

// New creates a limiter. A nil clock uses time.Now.
func New(cfg Config, now func() time.Time) *Limiter {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxIPAttempts <= 0 {
		cfg.MaxIPAttempts = def.MaxIPAttempts
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxViolations <= 0 {
		cfg.MaxViolations = def.MaxViolations
	}
	if cfg.DeviceBlock <= 0 {
		cfg.DeviceBlock = def.DeviceBlock
	}
	if cfg.IPBlock <= 0 {
		cfg.IPBlock = def.IPBlock
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		cfg:          cfg,
		now:          now,
		devices:      make(map[string]*window),
		ips:          make(map[string]*window),
		deviceBlocks: make(map[string]time.Time),
		ipBlocks:     make(map[string]time.Time),
	}
}

// IsLoopback reports whether ip is a local address. Loopback clients are
// never IP-blocked.
func IsLoopback(ip string) bool {
	if ip == "localhost" {
		return true
	}
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}

// CheckIP reports whether ip is currently blocked. It runs before the
// websocket upgrade.
func (l *Limiter) CheckIP(ip string) Decision {
	if ip == "" || IsLoopback(ip) {
		return allowed
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkBlock(l.ipBlocks, ip, now, "IP")
}

// Allow records a connection attempt by deviceID from ip and decides
// whether to accept it.
func (l *Limiter) Allow(deviceID, ip string) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if ip != "" && !IsLoopback(ip) {
		if d := l.checkBlock(l.ipBlocks, ip, now, "IP"); !d.Allowed {
			return d
		}
	}
	if d := l.checkBlock(l.deviceBlocks, deviceID, now, "Device"); !d.Allowed {
		return d
	}

	if ip != "" && !IsLoopback(ip) {
		w := l.track(l.ips, ip, now)
		if len(w.attempts) >= l.cfg.MaxIPAttempts {
			w.violations++
			if w.violations >= l.cfg.MaxViolations {
				l.ipBlocks[ip] = now.Add(l.cfg.IPBlock)
				w.violations = 0
				return Decision{
					Reason:     fmt.Sprintf("IP blocked for %d seconds", int(l.cfg.IPBlock.Seconds())),
					RetryAfter: l.cfg.IPBlock,
				}
			}
			return Decision{Reason: "Rate limit exceeded", RetryAfter: l.retryAfter(w, now)}
		}
		w.attempts = append(w.attempts, now)
	}

	w := l.track(l.devices, deviceID, now)
	if len(w.attempts) >= l.cfg.MaxAttempts {
		w.violations++
		if w.violations >= l.cfg.MaxViolations {
			l.deviceBlocks[deviceID] = now.Add(l.cfg.DeviceBlock)
			w.violations = 0
			return Decision{
				Reason:     fmt.Sprintf("Device blocked for %d seconds", int(l.cfg.DeviceBlock.Seconds())),
				RetryAfter: l.cfg.DeviceBlock,
			}
		}
		return Decision{Reason: "Rate limit exceeded", RetryAfter: l.retryAfter(w, now)}
	}
	w.attempts = append(w.attempts, now)
	return allowed
}

// Reset clears every block and attempt history.
func (l *Limiter) Reset() ResetStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := ResetStats{
		ClearedIPBlocks:           len(l.ipBlocks),
		ClearedDeviceBlocks:       len(l.deviceBlocks),
		ClearedConnectionAttempts: len(l.devices),
	}
	l.devices = make(map[string]*window)
	l.ips = make(map[string]*window)
	l.deviceBlocks = make(map[string]time.Time)
	l.ipBlocks = make(map[string]time.Time)
	return stats
}

// Prune drops expired blocks and idle windows. It returns the number of
// entries removed.
func (l *Limiter) Prune() int {
	now := l.now()
	cutoff := now.Add(-l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, until := range l.deviceBlocks {
		if !now.Before(until) {
			delete(l.deviceBlocks, k)
			removed++
		}
	}
	for k, until := range l.ipBlocks {
		if !now.Before(until) {
			delete(l.ipBlocks, k)
			removed++
		}
	}
	for _, m := range []map[string]*window{l.devices, l.ips} {
		for k, w := range m {
			w.attempts = trimCutoff(w.attempts, cutoff)
			l.decay(w, now)
			if len(w.attempts) == 0 && w.violations == 0 {
				delete(m, k)
				removed++
			}
		}
	}
	return removed
}

// Snapshot returns current counters.
func (l *Limiter) Snapshot() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		IPBlocks:       len(l.ipBlocks),
		DeviceBlocks:   len(l.deviceBlocks),
		TrackedDevices: len(l.devices),
		TrackedIPs:     len(l.ips),
	}
}

func (l *Limiter) checkBlock(blocks map[string]time.Time, key string, now time.Time, label string) Decision {
	until, ok := blocks[key]
	if !ok {
		return allowed
	}
	if now.Before(until) {
		remaining := until.Sub(now)
		return Decision{
			Reason:     fmt.Sprintf("%s blocked for %d more seconds", label, int(remaining.Seconds())),
			RetryAfter: remaining,
		}
	}
	delete(blocks, key)
	return allowed
}

func (l *Limiter) track(m map[string]*window, key string, now time.Time) *window {
	w, ok := m[key]
	if !ok {
		w = &window{}
		m[key] = w
	}
	w.attempts = trimCutoff(w.attempts, now.Add(-l.cfg.Window))
	l.decay(w, now)
	w.lastSeen = now
	return w
}

func (l *Limiter) decay(w *window, now time.Time) {
	if w.violations > 0 && !now.Before(w.lastSeen.Add(l.cfg.Window)) {
		w.violations = 0
	}
}

func (l *Limiter) retryAfter(w *window, now time.Time) time.Duration {
	if len(w.attempts) == 0 {
		return 0
	}
	return w.attempts[0].Add(l.cfg.Window).Sub(now)
}

// trimCutoff drops attempts at or before cutoff. Attempts are kept in
// ascending order.
func trimCutoff(in []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(in) && !in[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return in
	}
	out := make([]time.Time, len(in)-i)
	copy(out, in[i:])
	return out
}
