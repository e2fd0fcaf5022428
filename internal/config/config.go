// Package config loads Meridian's runtime defaults: retry policy, budget
// ceilings, guardrail wiring, and timeouts, merged from flags, environment
// variables, and an optional YAML file via viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the run-execution defaults applied when a caller (CLI flag
// or MCP tool invocation) doesn't override them explicitly.
type Config struct {
	// MaxRetries is how many additional attempts a failed or
	// guardrail-rejected run gets before giving up.
	// Default: 2
	MaxRetries int

	// RetryBackoffSeconds scales linearly with the retry count: the Nth
	// retry sleeps RetryBackoffSeconds * N before re-attempting.
	// Default: 2
	RetryBackoffSeconds float64

	// GuardrailTimeoutSeconds bounds how long one guardrail script may run
	// before being killed and treated as a failure (exit code 124).
	// Default: 30
	GuardrailTimeoutSeconds float64

	// KillGraceSeconds is how long a timed-out or signaled harness process
	// gets after SIGTERM before Meridian escalates to SIGKILL.
	// Default: 5
	KillGraceSeconds float64

	// TimeoutSeconds bounds one run attempt's total wall-clock time.
	// Zero means no timeout.
	// Default: 0 (disabled)
	TimeoutSeconds float64

	// DefaultBudgetPerRunUSD is the per-run cost ceiling applied when a
	// run doesn't specify its own budget. Zero means unbounded.
	DefaultBudgetPerRunUSD float64

	// DefaultBudgetPerWorkspaceUSD is the per-space cumulative cost
	// ceiling. Zero means unbounded.
	DefaultBudgetPerWorkspaceUSD float64

	// GuardrailPaths lists the guardrail scripts run after every
	// successful attempt, comma-joined as read from config/env.
	GuardrailPaths []string

	// DefaultPermissionTier is the tier applied when a run doesn't
	// request one explicitly.
	// Default: "read-only"
	DefaultPermissionTier string

	// Verbose enables debug-level logging across the engine.
	Verbose bool

	// MinHarnessVersions maps a harness ID to the oldest `--version` of
	// that harness binary that `meridian doctor` accepts without a
	// warning. Empty entries are not checked.
	MinHarnessVersions map[string]string

	// MaxDepth bounds how many levels deep a harness may recursively
	// invoke `meridian run` on itself (e.g. via its own MCP server) before
	// the engine refuses to spawn another level (ExecuteRun returns
	// ErrMaxDepthExceeded without starting a run).
	// Default: 3
	MaxDepth int
}

// EnvPrefix is the prefix viper binds every environment-variable override
// under, e.g. MERIDIAN_MAX_RETRIES.
const EnvPrefix = "MERIDIAN"

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_retries", 2)
	v.SetDefault("retry_backoff_seconds", 2.0)
	v.SetDefault("guardrail_timeout_seconds", 30.0)
	v.SetDefault("kill_grace_seconds", 5.0)
	v.SetDefault("timeout_seconds", 0.0)
	v.SetDefault("default_budget_per_run_usd", 0.0)
	v.SetDefault("default_budget_per_workspace_usd", 0.0)
	v.SetDefault("guardrail_paths", "")
	v.SetDefault("default_permission_tier", "read-only")
	v.SetDefault("verbose", false)
	v.SetDefault("min_harness_versions.claude", "")
	v.SetDefault("min_harness_versions.codex", "")
	v.SetDefault("min_harness_versions.opencode", "")
	v.SetDefault("max_depth", 3)
}

// Load reads configuration from an optional YAML file plus environment
// variables prefixed with MERIDIAN_, falling back to documented defaults.
// configPath may be empty to skip file loading.
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", configPath, err)
		}
	}

	cfg := Config{
		MaxRetries:                   v.GetInt("max_retries"),
		RetryBackoffSeconds:          v.GetFloat64("retry_backoff_seconds"),
		GuardrailTimeoutSeconds:      v.GetFloat64("guardrail_timeout_seconds"),
		KillGraceSeconds:             v.GetFloat64("kill_grace_seconds"),
		TimeoutSeconds:               v.GetFloat64("timeout_seconds"),
		DefaultBudgetPerRunUSD:       v.GetFloat64("default_budget_per_run_usd"),
		DefaultBudgetPerWorkspaceUSD: v.GetFloat64("default_budget_per_workspace_usd"),
		GuardrailPaths:               splitGuardrailPaths(v.GetString("guardrail_paths")),
		DefaultPermissionTier:        v.GetString("default_permission_tier"),
		Verbose:                      v.GetBool("verbose"),
		MinHarnessVersions: map[string]string{
			"claude":   v.GetString("min_harness_versions.claude"),
			"codex":    v.GetString("min_harness_versions.codex"),
			"opencode": v.GetString("min_harness_versions.opencode"),
		},
		MaxDepth: v.GetInt("max_depth"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func splitGuardrailPaths(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var paths []string
	for _, p := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			paths = append(paths, trimmed)
		}
	}
	return paths
}

// Validate checks that every field holds a sane value.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative (got %d)", c.MaxRetries)
	}
	if c.RetryBackoffSeconds < 0 {
		return fmt.Errorf("retry_backoff_seconds cannot be negative (got %v)", c.RetryBackoffSeconds)
	}
	if c.GuardrailTimeoutSeconds <= 0 {
		return fmt.Errorf("guardrail_timeout_seconds must be positive (got %v)", c.GuardrailTimeoutSeconds)
	}
	if c.KillGraceSeconds <= 0 {
		return fmt.Errorf("kill_grace_seconds must be positive (got %v)", c.KillGraceSeconds)
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds cannot be negative (got %v)", c.TimeoutSeconds)
	}
	if c.DefaultBudgetPerRunUSD < 0 || c.DefaultBudgetPerWorkspaceUSD < 0 {
		return fmt.Errorf("default budgets cannot be negative")
	}
	if c.MaxDepth < 0 {
		return fmt.Errorf("max_depth cannot be negative (got %d)", c.MaxDepth)
	}
	return nil
}
