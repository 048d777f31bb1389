// Package config loads and validates the taskmux configuration file and
// turns it into the runtime pieces: adapters, credentials, and routing
// preferences.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/taskmux/pkg/backend"
	"github.com/zen-systems/taskmux/pkg/classify"
	"github.com/zen-systems/taskmux/pkg/quota"
	"github.com/zen-systems/taskmux/pkg/route"
)

// Config is the structure of ~/.taskmux/config.yaml.
type Config struct {
	// DBPath locates the SQLite database. Empty disables persistence.
	DBPath string `yaml:"db_path,omitempty"`

	// DefaultTimeout bounds task execution when the caller sets none.
	DefaultTimeout string `yaml:"default_timeout,omitempty"`

	Backends    map[string]BackendConfig `yaml:"backends,omitempty"`
	Credentials []CredentialConfig       `yaml:"credentials,omitempty"`
	Routing     RoutingConfig            `yaml:"routing,omitempty"`
}

// BackendConfig overrides one backend's command invocation and cost model.
// Zero-value fields keep the adapter's built-in defaults.
type BackendConfig struct {
	Command        string   `yaml:"command,omitempty"`
	Args           []string `yaml:"args,omitempty"`
	PromptArgMax   int      `yaml:"prompt_arg_max,omitempty"`
	CostPerRequest float64  `yaml:"cost_per_request,omitempty"`
	CostPer1K      float64  `yaml:"cost_per_1k,omitempty"`
	Disabled       bool     `yaml:"disabled,omitempty"`
}

// CredentialConfig seeds one quota-bearing credential.
type CredentialConfig struct {
	ID          string  `yaml:"id"`
	Backend     string  `yaml:"backend"`
	Priority    int     `yaml:"priority,omitempty"`
	DailyLimit  float64 `yaml:"daily_limit"`
	ResetPeriod string  `yaml:"reset_period,omitempty"`
}

// RoutingConfig holds the static routing tables.
type RoutingConfig struct {
	Category        map[string][]string `yaml:"category,omitempty"`
	Complexity      map[string][]string `yaml:"complexity,omitempty"`
	SecurityBackend string              `yaml:"security_backend,omitempty"`
	Default         string              `yaml:"default,omitempty"`
}

// Load reads configuration from ~/.taskmux/config.yaml, falling back to the
// defaults when the file does not exist. TASKMUX_DB overrides the database
// path.
func Load() (*Config, error) {
	dir, err := configDir()
	if err != nil {
		return nil, fmt.Errorf("config directory: %w", err)
	}
	return LoadFile(filepath.Join(dir, "config.yaml"))
}

// LoadFile reads configuration from an explicit path. A missing file yields
// the defaults; a malformed file is an error.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if db := os.Getenv("TASKMUX_DB"); db != "" {
		cfg.DBPath = db
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration: all three backends enabled
// with one credential each, and routing tables that send cheap categories to
// fast-cli, code changes to code-cli, and hard reasoning to reasoning-cli.
func Default() *Config {
	cfg := &Config{
		Backends: map[string]BackendConfig{
			string(backend.FastCLI):      {},
			string(backend.CodeCLI):      {},
			string(backend.ReasoningCLI): {},
		},
		Credentials: []CredentialConfig{
			{ID: "fast-primary", Backend: string(backend.FastCLI), DailyLimit: 1000},
			{ID: "code-primary", Backend: string(backend.CodeCLI), DailyLimit: 300},
			{ID: "reasoning-primary", Backend: string(backend.ReasoningCLI), DailyLimit: 100},
		},
		Routing: RoutingConfig{
			Category: map[string][]string{
				string(classify.Documentation):     {"fast-cli", "code-cli"},
				string(classify.TestGeneration):    {"fast-cli", "code-cli"},
				string(classify.Boilerplate):       {"fast-cli", "code-cli"},
				string(classify.BugFix):            {"code-cli", "fast-cli"},
				string(classify.APIImplementation): {"code-cli", "fast-cli"},
				string(classify.Refactoring):       {"code-cli", "reasoning-cli"},
				string(classify.Architecture):      {"reasoning-cli", "code-cli"},
				string(classify.Algorithm):         {"reasoning-cli", "code-cli"},
				string(classify.Security):          {"reasoning-cli"},
				string(classify.Research):          {"reasoning-cli", "fast-cli"},
			},
			Complexity: map[string][]string{
				string(classify.Simple):  {"fast-cli", "code-cli"},
				string(classify.Medium):  {"code-cli", "fast-cli"},
				string(classify.Complex): {"reasoning-cli", "code-cli"},
			},
			SecurityBackend: string(backend.ReasoningCLI),
			Default:         string(backend.FastCLI),
		},
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.DefaultTimeout == "" {
		cfg.DefaultTimeout = "5m"
	}
	if cfg.Routing.SecurityBackend == "" {
		cfg.Routing.SecurityBackend = string(backend.ReasoningCLI)
	}
	if cfg.Routing.Default == "" {
		cfg.Routing.Default = string(backend.FastCLI)
	}
	for i := range cfg.Credentials {
		if cfg.Credentials[i].ResetPeriod == "" {
			cfg.Credentials[i].ResetPeriod = "24h"
		}
	}
}

var knownBackends = map[string]backend.Type{
	string(backend.FastCLI):      backend.FastCLI,
	string(backend.CodeCLI):      backend.CodeCLI,
	string(backend.ReasoningCLI): backend.ReasoningCLI,
}

var knownCategories = map[string]classify.Category{
	string(classify.Documentation):     classify.Documentation,
	string(classify.TestGeneration):    classify.TestGeneration,
	string(classify.Boilerplate):       classify.Boilerplate,
	string(classify.BugFix):            classify.BugFix,
	string(classify.APIImplementation): classify.APIImplementation,
	string(classify.Refactoring):       classify.Refactoring,
	string(classify.Architecture):      classify.Architecture,
	string(classify.Security):          classify.Security,
	string(classify.Algorithm):         classify.Algorithm,
	string(classify.Research):          classify.Research,
	string(classify.Unknown):           classify.Unknown,
}

var knownComplexities = map[string]classify.Complexity{
	string(classify.Simple):  classify.Simple,
	string(classify.Medium):  classify.Medium,
	string(classify.Complex): classify.Complex,
}

// Validate checks internal consistency: every name must reference a known
// backend, category, or complexity, and at least one backend must be enabled.
func (c *Config) Validate() error {
	enabled := 0
	for name, bc := range c.Backends {
		if _, ok := knownBackends[name]; !ok {
			return fmt.Errorf("unknown backend %q", name)
		}
		if !bc.Disabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no backends enabled")
	}

	seen := map[string]bool{}
	for _, cc := range c.Credentials {
		if cc.ID == "" {
			return fmt.Errorf("credential with empty id")
		}
		if seen[cc.ID] {
			return fmt.Errorf("duplicate credential id %q", cc.ID)
		}
		seen[cc.ID] = true
		if _, ok := knownBackends[cc.Backend]; !ok {
			return fmt.Errorf("credential %s: unknown backend %q", cc.ID, cc.Backend)
		}
		if cc.DailyLimit < 0 {
			return fmt.Errorf("credential %s: negative daily limit", cc.ID)
		}
		if cc.ResetPeriod != "" {
			if _, err := time.ParseDuration(cc.ResetPeriod); err != nil {
				return fmt.Errorf("credential %s: reset period: %w", cc.ID, err)
			}
		}
	}

	for cat, order := range c.Routing.Category {
		if _, ok := knownCategories[cat]; !ok {
			return fmt.Errorf("routing: unknown category %q", cat)
		}
		for _, b := range order {
			if _, ok := knownBackends[b]; !ok {
				return fmt.Errorf("routing: category %s names unknown backend %q", cat, b)
			}
		}
	}
	for cx, order := range c.Routing.Complexity {
		if _, ok := knownComplexities[cx]; !ok {
			return fmt.Errorf("routing: unknown complexity %q", cx)
		}
		for _, b := range order {
			if _, ok := knownBackends[b]; !ok {
				return fmt.Errorf("routing: complexity %s names unknown backend %q", cx, b)
			}
		}
	}
	if _, ok := knownBackends[c.Routing.SecurityBackend]; !ok {
		return fmt.Errorf("routing: unknown security backend %q", c.Routing.SecurityBackend)
	}
	if _, ok := knownBackends[c.Routing.Default]; !ok {
		return fmt.Errorf("routing: unknown default backend %q", c.Routing.Default)
	}

	if _, err := time.ParseDuration(c.DefaultTimeout); err != nil {
		return fmt.Errorf("default timeout: %w", err)
	}
	return nil
}

// BuildRegistry constructs adapters for every enabled backend.
func (c *Config) BuildRegistry() (*backend.Registry, error) {
	reg := backend.NewRegistry()
	for name, bc := range c.Backends {
		if bc.Disabled {
			continue
		}
		cliCfg := backend.CLIConfig{
			Command:        bc.Command,
			Args:           bc.Args,
			PromptArgMax:   bc.PromptArgMax,
			CostPerRequest: bc.CostPerRequest,
			CostPer1K:      bc.CostPer1K,
		}
		var a backend.Adapter
		switch knownBackends[name] {
		case backend.FastCLI:
			a = backend.NewFastCLIAdapter(cliCfg)
		case backend.CodeCLI:
			a = backend.NewCodeCLIAdapter(cliCfg)
		case backend.ReasoningCLI:
			a = backend.NewReasoningCLIAdapter(cliCfg)
		default:
			return nil, fmt.Errorf("unknown backend %q", name)
		}
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// SeedCredentials converts the credential configs into quota seeds. Only
// credentials of enabled backends are included.
func (c *Config) SeedCredentials(now time.Time) []quota.Credential {
	var creds []quota.Credential
	for _, cc := range c.Credentials {
		if bc, ok := c.Backends[cc.Backend]; ok && bc.Disabled {
			continue
		}
		period := quota.DefaultResetPeriod
		if cc.ResetPeriod != "" {
			if p, err := time.ParseDuration(cc.ResetPeriod); err == nil {
				period = p
			}
		}
		creds = append(creds, quota.Credential{
			ID:          cc.ID,
			Backend:     cc.Backend,
			Priority:    cc.Priority,
			DailyLimit:  cc.DailyLimit,
			ResetAt:     now.Add(period),
			ResetPeriod: period,
		})
	}
	return creds
}

// Preferences converts the routing tables into the router's typed form.
func (c *Config) Preferences() route.Preferences {
	prefs := route.Preferences{
		Category:        make(map[classify.Category][]backend.Type),
		Complexity:      make(map[classify.Complexity][]backend.Type),
		SecurityBackend: knownBackends[c.Routing.SecurityBackend],
		Default:         knownBackends[c.Routing.Default],
	}
	for cat, order := range c.Routing.Category {
		prefs.Category[knownCategories[cat]] = toTypes(order)
	}
	for cx, order := range c.Routing.Complexity {
		prefs.Complexity[knownComplexities[cx]] = toTypes(order)
	}
	return prefs
}

// Timeout returns the parsed default execution timeout.
func (c *Config) Timeout() time.Duration {
	d, err := time.ParseDuration(c.DefaultTimeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

func toTypes(names []string) []backend.Type {
	out := make([]backend.Type, 0, len(names))
	for _, n := range names {
		out = append(out, knownBackends[n])
	}
	return out
}

func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".taskmux")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}
