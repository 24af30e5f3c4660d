// Package config provides unified configuration loading for floodgate.
// It supports loading from YAML files and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nvandessel/floodgate/internal/breaker"
	"github.com/nvandessel/floodgate/internal/budget"
	"github.com/nvandessel/floodgate/internal/dedup"
	"github.com/nvandessel/floodgate/internal/engine"
	"github.com/nvandessel/floodgate/internal/linkcool"
	"github.com/nvandessel/floodgate/internal/metrics"
	"github.com/nvandessel/floodgate/internal/quality"
	"github.com/nvandessel/floodgate/internal/ratelimit"
	"github.com/nvandessel/floodgate/internal/store"
)

// FloodgateConfig contains all floodgate configuration settings.
type FloodgateConfig struct {
	// Budgets holds the per-type quota windows and the global cap.
	Budgets BudgetsConfig `json:"budgets" yaml:"budgets"`

	Dedup   dedup.Config    `json:"dedup" yaml:"dedup"`
	Links   linkcool.Config `json:"links" yaml:"links"`
	Quality quality.Config  `json:"quality" yaml:"quality"`
	Breaker breaker.Config  `json:"breaker" yaml:"breaker"`
	Metrics metrics.Config  `json:"metrics" yaml:"metrics"`

	// Admission configures the token-based admission flow.
	Admission AdmissionConfig `json:"admission" yaml:"admission"`

	// Logging contains settings for operational and decision logging.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// MCP configures the MCP server.
	MCP MCPConfig `json:"mcp" yaml:"mcp"`
}

// BudgetsConfig maps action types to their windows.
//
// Entries in a config file are merged over the defaults: naming "reply"
// replaces the reply windows and leaves the other stock types in place.
type BudgetsConfig struct {
	Actions map[string][]budget.Window `json:"actions" yaml:"actions"`

	// Global caps all action types combined. A zero duration disables it.
	Global budget.Window `json:"global" yaml:"global"`
}

// AdmissionConfig bounds outstanding admission tokens.
type AdmissionConfig struct {
	// TokenTTL is how long a granted token stays redeemable.
	TokenTTL time.Duration `json:"token_ttl" yaml:"token_ttl"`

	// MaxOutstanding caps live tokens. TryAdmit fails once it is reached.
	MaxOutstanding int `json:"max_outstanding" yaml:"max_outstanding"`
}

// LoggingConfig configures floodgate's logging behavior.
type LoggingConfig struct {
	// Level sets the log verbosity: "info" (default), "debug", or "trace".
	// "debug" enables decision logging to .floodgate/decisions.jsonl.
	// "trace" additionally logs every allowed decision to stderr.
	Level string `json:"level" yaml:"level"`
}

// MCPConfig configures the MCP server.
type MCPConfig struct {
	// MetricsAddr, when set, serves Prometheus metrics over HTTP at
	// this address (e.g. "127.0.0.1:9464"). Supports ${VAR} syntax.
	MetricsAddr string `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty"`

	// ToolLimits is the calls-per-minute budget per tool. A zero entry
	// disables limiting for that tool.
	ToolLimits map[string]int64 `json:"tool_limits" yaml:"tool_limits"`
}

// FileName is the config file inside the global floodgate directory.
const FileName = "config.yaml"

// Default returns a FloodgateConfig with sensible defaults.
func Default() *FloodgateConfig {
	ec := engine.DefaultConfig()

	limits := make(map[string]int64, len(ratelimit.DefaultToolLimits))
	for tool, n := range ratelimit.DefaultToolLimits {
		limits[tool] = n
	}

	return &FloodgateConfig{
		Budgets: BudgetsConfig{
			Actions: ec.Budget.Limits,
			Global:  ec.Budget.Global,
		},
		Dedup:   ec.Dedup,
		Links:   ec.Links,
		Quality: ec.Quality,
		Breaker: ec.Breaker,
		Metrics: ec.Metrics,
		Admission: AdmissionConfig{
			TokenTTL:       ec.TokenTTL,
			MaxOutstanding: ec.MaxOutstanding,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		MCP: MCPConfig{
			ToolLimits: limits,
		},
	}
}

// DefaultPath returns ~/.floodgate/config.yaml, or "" when the home
// directory is unknown.
func DefaultPath() string {
	dir, err := store.GlobalPath()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, FileName)
}

// Load loads configuration from the default locations and environment variables.
// Order: defaults -> ~/.floodgate/config.yaml -> environment variables
func Load() (*FloodgateConfig, error) {
	return LoadFrom(DefaultPath())
}

// LoadFrom is Load with an explicit config file. A missing file is not an
// error; the defaults and environment still apply.
func LoadFrom(path string) (*FloodgateConfig, error) {
	config := Default()

	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			fileConfig, loadErr := LoadFromFile(path)
			if loadErr != nil {
				return nil, fmt.Errorf("loading config file: %w", loadErr)
			}
			config = fileConfig
		}
	}

	// Apply environment variable overrides
	applyEnvOverrides(config)

	return config, nil
}

// LoadFromFile loads configuration from a specific YAML file.
func LoadFromFile(path string) (*FloodgateConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	config.MCP.MetricsAddr = expandEnvVars(config.MCP.MetricsAddr)

	return config, nil
}

// Validate checks that the configuration is valid.
func (c *FloodgateConfig) Validate() error {
	for typ, windows := range c.Budgets.Actions {
		if len(windows) == 0 {
			return fmt.Errorf("budgets.actions.%s: at least one window is required", typ)
		}
		for _, w := range windows {
			if err := validateWindow(w); err != nil {
				return fmt.Errorf("budgets.actions.%s: %w", typ, err)
			}
		}
	}
	if c.Budgets.Global.Duration < 0 {
		return fmt.Errorf("budgets.global: duration must be non-negative, got %v", c.Budgets.Global.Duration)
	}
	if c.Budgets.Global.Duration > 0 {
		if err := validateWindow(c.Budgets.Global); err != nil {
			return fmt.Errorf("budgets.global: %w", err)
		}
	}

	if c.Dedup.Capacity <= 0 {
		return fmt.Errorf("dedup.capacity must be positive, got %d", c.Dedup.Capacity)
	}
	if err := validateRatio("dedup.similarity_threshold", c.Dedup.SimilarityThreshold); err != nil {
		return err
	}
	if c.Dedup.PrefixLength <= 0 {
		return fmt.Errorf("dedup.prefix_length must be positive, got %d", c.Dedup.PrefixLength)
	}

	if c.Links.Cooldown < 0 {
		return fmt.Errorf("links.cooldown must be non-negative, got %v", c.Links.Cooldown)
	}
	if err := validateRatio("links.variant_probability", c.Links.VariantProbability); err != nil {
		return err
	}
	if c.Links.CredibilityReplies < 0 {
		return fmt.Errorf("links.credibility_replies must be non-negative, got %d", c.Links.CredibilityReplies)
	}

	if c.Quality.MaxAttempts < 0 {
		return fmt.Errorf("quality.max_attempts must be non-negative, got %d", c.Quality.MaxAttempts)
	}
	if err := validateProfile("quality.default", c.Quality.Default); err != nil {
		return err
	}
	for name, p := range c.Quality.Profiles {
		if err := validateProfile("quality.profiles."+name, p); err != nil {
			return err
		}
	}

	if c.Breaker.Threshold <= 0 {
		return fmt.Errorf("breaker.threshold must be positive, got %d", c.Breaker.Threshold)
	}
	if c.Breaker.Pause <= 0 {
		return fmt.Errorf("breaker.pause must be positive, got %v", c.Breaker.Pause)
	}

	if c.Metrics.Retention < 0 {
		return fmt.Errorf("metrics.retention must be non-negative, got %v", c.Metrics.Retention)
	}

	if c.Admission.TokenTTL <= 0 {
		return fmt.Errorf("admission.token_ttl must be positive, got %v", c.Admission.TokenTTL)
	}
	if c.Admission.MaxOutstanding <= 0 {
		return fmt.Errorf("admission.max_outstanding must be positive, got %d", c.Admission.MaxOutstanding)
	}

	validLevels := map[string]bool{"info": true, "debug": true, "trace": true}
	if c.Logging.Level != "" && !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: info, debug, trace, or empty for default)", c.Logging.Level)
	}

	for tool, n := range c.MCP.ToolLimits {
		if n < 0 {
			return fmt.Errorf("mcp.tool_limits.%s must be non-negative, got %d", tool, n)
		}
	}

	return nil
}

func validateWindow(w budget.Window) error {
	if w.Duration <= 0 {
		return fmt.Errorf("window duration must be positive, got %v", w.Duration)
	}
	if w.Limit <= 0 {
		return fmt.Errorf("limit for %s window must be positive, got %d", w, w.Limit)
	}
	return nil
}

func validateRatio(name string, f float64) error {
	if f < 0 || f > 1 {
		return fmt.Errorf("%s must be between 0 and 1, got %f", name, f)
	}
	return nil
}

func validateProfile(name string, p quality.Profile) error {
	if p.MinConfidence < 0 || p.MinConfidence > quality.MaxConfidence {
		return fmt.Errorf("%s.min_confidence must be between 0 and %d, got %g", name, quality.MaxConfidence, p.MinConfidence)
	}
	if p.MinLength < 0 || p.MaxLength < 0 {
		return fmt.Errorf("%s: length bounds must be non-negative", name)
	}
	if p.MaxLength > 0 && p.MinLength > p.MaxLength {
		return fmt.Errorf("%s: min_length %d exceeds max_length %d", name, p.MinLength, p.MaxLength)
	}
	return nil
}

// Engine converts the configuration into an engine.Config.
func (c *FloodgateConfig) Engine() engine.Config {
	return engine.Config{
		Budget: budget.Config{
			Limits: c.Budgets.Actions,
			Global: c.Budgets.Global,
		},
		Dedup:          c.Dedup,
		Links:          c.Links,
		Quality:        c.Quality,
		Breaker:        c.Breaker,
		Metrics:        c.Metrics,
		TokenTTL:       c.Admission.TokenTTL,
		MaxOutstanding: c.Admission.MaxOutstanding,
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(config *FloodgateConfig) {
	if v := os.Getenv("FLOODGATE_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}

	if v := os.Getenv("FLOODGATE_GLOBAL_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Budgets.Global.Limit = n
		}
	}

	if v := os.Getenv("FLOODGATE_SIMILARITY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Dedup.SimilarityThreshold = f
		}
	}

	if v := os.Getenv("FLOODGATE_LINK_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Links.Cooldown = d
		}
	}

	if v := os.Getenv("FLOODGATE_BREAKER_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Breaker.Threshold = n
		}
	}
	if v := os.Getenv("FLOODGATE_BREAKER_PAUSE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Breaker.Pause = d
		}
	}

	if v := os.Getenv("FLOODGATE_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Admission.TokenTTL = d
		}
	}

	if v := os.Getenv("FLOODGATE_METRICS_ADDR"); v != "" {
		config.MCP.MetricsAddr = v
	}
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
