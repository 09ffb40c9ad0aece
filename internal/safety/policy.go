package safety

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/fentz26/coact/internal/models"
	"gopkg.in/yaml.v3"
)

// Config is the YAML form of a policy. Empty fields fall back to defaults.
type Config struct {
	BlockAt           string            `yaml:"block_at"`
	ApproveAt         string            `yaml:"approve_at"`
	CriticalCommands  []string          `yaml:"critical_commands"`
	HighCommands      []string          `yaml:"high_commands"`
	SensitivePaths    []string          `yaml:"sensitive_paths"`
	SuspiciousDomains []string          `yaml:"suspicious_domains"`
	ActionLevels      map[string]string `yaml:"action_levels"`
	UnknownLevel      string            `yaml:"unknown_level"`
}

// DefaultConfig returns the built-in policy.
func DefaultConfig() *Config {
	return &Config{
		BlockAt:   "critical",
		ApproveAt: "medium",
		CriticalCommands: []string{
			`rm\s+-rf\s+/`,
			`mkfs\.`,
			`dd\s+if=/dev/zero`,
			`format\s+[c-z]:`,
			`del\s+/[qsf]`,
			`shutdown\s+/[srf]`,
		},
		HighCommands: []string{
			`sudo\s+rm`,
			`chmod\s+777`,
			`curl.*\|\s*(sh|bash)`,
			`wget.*\|\s*(sh|bash)`,
			`regedit\s+/s`,
			`net\s+user.*password`,
		},
		SensitivePaths: []string{
			"/etc/passwd",
			"/etc/shadow",
			"/boot/",
			`C:\Windows\System32`,
			`C:\Program Files`,
			"/System/",
			"/Library/Keychains/",
		},
		SuspiciousDomains: []string{"pastebin.com", "bit.ly", "tinyurl.com"},
		ActionLevels: map[string]string{
			"screenshot":    "none",
			"get_screen":    "none",
			"read_file":     "none",
			"list_dir":      "none",
			"wait":          "none",
			"sleep":         "none",
			"get_clipboard": "none",
			"click":         "low",
			"double_click":  "low",
			"right_click":   "low",
			"type":          "low",
			"key":           "low",
			"hotkey":        "low",
			"scroll":        "low",
			"move":          "low",
			"drag":          "low",
			"open_app":      "low",
			"open_url":      "low",
			"focus_window":  "low",
			"system":        "high",
		},
		UnknownLevel: "medium",
	}
}

// LoadConfig reads a policy file over the defaults. A missing path returns
// the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	cfg.merge(&override)
	return cfg, nil
}

func (c *Config) merge(o *Config) {
	if o.BlockAt != "" {
		c.BlockAt = o.BlockAt
	}
	if o.ApproveAt != "" {
		c.ApproveAt = o.ApproveAt
	}
	if o.UnknownLevel != "" {
		c.UnknownLevel = o.UnknownLevel
	}
	if o.CriticalCommands != nil {
		c.CriticalCommands = o.CriticalCommands
	}
	if o.HighCommands != nil {
		c.HighCommands = o.HighCommands
	}
	if o.SensitivePaths != nil {
		c.SensitivePaths = o.SensitivePaths
	}
	if o.SuspiciousDomains != nil {
		c.SuspiciousDomains = o.SuspiciousDomains
	}
	for k, v := range o.ActionLevels {
		c.ActionLevels[k] = v
	}
}

// Policy is a compiled Config.
type Policy struct {
	blockAt      RiskLevel
	approveAt    RiskLevel
	unknown      RiskLevel
	critical     []*regexp.Regexp
	high         []*regexp.Regexp
	sensitive    []string
	domains      []string
	actionLevels map[string]RiskLevel
}

// New compiles cfg into a Policy.
func New(cfg *Config) (*Policy, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Policy{actionLevels: make(map[string]RiskLevel, len(cfg.ActionLevels))}

	var err error
	if p.blockAt, err = ParseRiskLevel(cfg.BlockAt); err != nil {
		return nil, fmt.Errorf("block_at: %w", err)
	}
	if p.approveAt, err = ParseRiskLevel(cfg.ApproveAt); err != nil {
		return nil, fmt.Errorf("approve_at: %w", err)
	}
	if p.unknown, err = ParseRiskLevel(cfg.UnknownLevel); err != nil {
		return nil, fmt.Errorf("unknown_level: %w", err)
	}
	if p.approveAt > p.blockAt {
		return nil, fmt.Errorf("approve_at (%s) above block_at (%s)", p.approveAt, p.blockAt)
	}
	if p.critical, err = compile(cfg.CriticalCommands); err != nil {
		return nil, fmt.Errorf("critical_commands: %w", err)
	}
	if p.high, err = compile(cfg.HighCommands); err != nil {
		return nil, fmt.Errorf("high_commands: %w", err)
	}
	for _, sp := range cfg.SensitivePaths {
		p.sensitive = append(p.sensitive, slashLower(sp))
	}
	for _, d := range cfg.SuspiciousDomains {
		p.domains = append(p.domains, strings.ToLower(d))
	}
	for name, level := range cfg.ActionLevels {
		l, err := ParseRiskLevel(level)
		if err != nil {
			return nil, fmt.Errorf("action_levels[%s]: %w", name, err)
		}
		p.actionLevels[name] = l
	}
	return p, nil
}

// Default returns the built-in policy.
func Default() *Policy {
	p, err := New(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return p
}

func compile(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pat := range patterns {
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// Classify returns the highest risk among actions and every reason found.
func (p *Policy) Classify(actions []models.Action) (RiskLevel, []string) {
	level := RiskNone
	reasons := []string{}
	for i, a := range actions {
		l, why := p.classifyAction(a)
		if l > level {
			level = l
		}
		for _, r := range why {
			reasons = append(reasons, fmt.Sprintf("action %d (%s): %s", i, a.Type(), r))
		}
	}
	return level, reasons
}

// Analyze classifies actions and returns the verdict stored on a task.
func (p *Policy) Analyze(actions []models.Action) (RiskLevel, models.RiskAnalysis) {
	level, reasons := p.Classify(actions)
	return level, models.RiskAnalysis{
		RiskLevel:        level.String(),
		Reasons:          reasons,
		RequiresApproval: p.RequiresApproval(level),
	}
}

// ShouldBlock reports whether a task at level must be refused.
func (p *Policy) ShouldBlock(level RiskLevel) bool {
	return level >= p.blockAt
}

// RequiresApproval reports whether a task at level must wait for the user.
// Blocked levels also require approval; callers check ShouldBlock first.
func (p *Policy) RequiresApproval(level RiskLevel) bool {
	return level >= p.approveAt
}

func (p *Policy) classifyAction(a models.Action) (RiskLevel, []string) {
	switch a.Type() {
	case "shell", "command", "run_command":
		return p.classifyShell(a.Param("command"))
	case "file_delete":
		return p.classifyDelete(a.Param("path"))
	case "file_write":
		return p.classifyWrite(a.Param("path"))
	case "network_request", "http_request":
		return p.classifyNetwork(a.Param("url"), a.Param("method"))
	case "":
		return p.unknown, []string{"action has no type"}
	}
	if l, ok := p.actionLevels[a.Type()]; ok {
		if l >= RiskMedium {
			return l, []string{fmt.Sprintf("%s actions are %s risk", a.Type(), l)}
		}
		return l, nil
	}
	return p.unknown, []string{fmt.Sprintf("unrecognized action type %q", a.Type())}
}

func (p *Policy) classifyShell(cmd string) (RiskLevel, []string) {
	for _, re := range p.critical {
		if re.MatchString(cmd) {
			return RiskCritical, []string{fmt.Sprintf("destructive command matches %q", re.String()[4:])}
		}
	}
	for _, re := range p.high {
		if re.MatchString(cmd) {
			return RiskHigh, []string{fmt.Sprintf("dangerous command matches %q", re.String()[4:])}
		}
	}
	return RiskHigh, []string{"shell commands require approval"}
}

func (p *Policy) classifyDelete(path string) (RiskLevel, []string) {
	if p.isSensitive(path) {
		return RiskCritical, []string{fmt.Sprintf("deletes protected path %s", path)}
	}
	if isAbsolute(path) || strings.HasSuffix(path, "*") {
		return RiskHigh, []string{fmt.Sprintf("broad or absolute delete of %s", path)}
	}
	return RiskMedium, []string{"file deletion"}
}

func (p *Policy) classifyWrite(path string) (RiskLevel, []string) {
	if p.isSensitive(path) {
		return RiskCritical, []string{fmt.Sprintf("writes protected path %s", path)}
	}
	return RiskMedium, []string{"file modification"}
}

func (p *Policy) classifyNetwork(rawURL, method string) (RiskLevel, []string) {
	level := RiskLow
	var reasons []string
	switch strings.ToUpper(method) {
	case "", "GET", "HEAD", "OPTIONS":
	default:
		level = RiskHigh
		reasons = append(reasons, fmt.Sprintf("%s request sends data off the device", strings.ToUpper(method)))
	}
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	host = strings.ToLower(host)
	for _, d := range p.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			if level < RiskMedium {
				level = RiskMedium
			}
			reasons = append(reasons, fmt.Sprintf("request to suspicious domain %s", d))
			break
		}
	}
	return level, reasons
}

// isSensitive matches protected paths anywhere in target, before and after
// lexical cleaning, so traversal and doubled separators cannot hide them.
func (p *Policy) isSensitive(target string) bool {
	lower := slashLower(target)
	candidates := []string{lower + "/"}
	if cleaned := path.Clean(lower); cleaned != "." {
		candidates = append(candidates, cleaned+"/", "/"+cleaned+"/")
	}
	for _, s := range p.sensitive {
		for _, c := range candidates {
			if strings.Contains(c, s) {
				return true
			}
		}
	}
	return false
}

func slashLower(p string) string {
	return strings.ToLower(strings.ReplaceAll(p, `\`, "/"))
}

func isAbsolute(path string) bool {
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, `\\`) {
		return true
	}
	return len(path) >= 3 && path[1] == ':' && (path[2] == '\\' || path[2] == '/')
}
