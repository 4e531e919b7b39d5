package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"promptq/internal/ratelimit"
)

// Config is the full run configuration.
//
// It is accepted as JSON or YAML (decided by file extension); either way it is
// decoded strictly, so unknown keys fail fast instead of being ignored.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Models maps a model alias (the -m flag value) to its connection settings.
	Models map[string]ModelConfig `json:"models"`

	// Prompts maps a prompt alias (the -p flag value) to its templates.
	Prompts map[string]PromptConfig `json:"prompts"`

	Run RunConfig `json:"run,omitempty"`

	// RateLimits overrides the built-in per-category request budgets.
	// Values are rate expressions such as "500/m" or "10/s".
	RateLimits map[string]string `json:"rate_limits,omitempty"`

	History *HistoryConfig `json:"history,omitempty"`
	Watch   *WatchConfig   `json:"watch,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ModelConfig describes one upstream completion endpoint.
type ModelConfig struct {
	// Driver selects the client implementation ("openai", "echo").
	Driver string `json:"driver"`

	BaseURL string `json:"base_url,omitempty"`

	// APIKeyEnv names the environment variable holding the key.
	// The key itself never lives in the config file.
	APIKeyEnv string `json:"api_key_env,omitempty"`

	// Model is the upstream model identifier sent on each request.
	Model string `json:"model,omitempty"`

	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`

	// RateLimit is a rate expression ("500/m"). When set it overrides the
	// category budget for this model only.
	RateLimit string `json:"rate_limit,omitempty"`

	// Pricing per million tokens, used for the estimated_cost field on each
	// output record. Both zero means no cost accounting for this model.
	InputCostPerMTok  float64 `json:"input_cost_per_mtok,omitempty"`
	OutputCostPerMTok float64 `json:"output_cost_per_mtok,omitempty"`

	// Category assigns the request budget pool ("llm", "external").
	// Defaults to "llm".
	Category string `json:"category,omitempty"`
}

// APIKey resolves the key from the environment. Empty when unset.
func (m ModelConfig) APIKey() string {
	if m.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(m.APIKeyEnv)
}

// PromptConfig holds the message templates for one prompt alias.
// Templates use Go text/template syntax over the record's bindings.
type PromptConfig struct {
	System string `json:"system,omitempty"`
	User   string `json:"user"`
}

// RunConfig controls execution of a single batch run.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "2m").
//
// Defaults (when fields are omitted/zero):
//   - jobs: GOMAXPROCS
//   - allowed_failure_rate: 0.01
//   - request_timeout: "0s" (disabled)
//   - shutdown_grace: "5s"
type RunConfig struct {
	Jobs            int  `json:"jobs,omitempty"`
	AllowReordering bool `json:"allow_reordering,omitempty"`

	Offset int `json:"offset,omitempty"`
	Limit  int `json:"limit,omitempty"`

	// AllowedFailureRate is the failed-fraction threshold above which the
	// process exits nonzero even though every record was processed.
	AllowedFailureRate *float64 `json:"allowed_failure_rate,omitempty"`

	// RequestTimeout bounds each individual attempt, not the whole item.
	RequestTimeout string `json:"request_timeout,omitempty"`

	// ShutdownGrace is how long in-flight requests get to finish after an
	// interrupt before the process exits anyway.
	ShutdownGrace string `json:"shutdown_grace,omitempty"`

	Retry RetryConfig `json:"retry,omitempty"`
}

// RetryConfig shapes the per-item retry loop.
//
// Defaults: max_attempts 5, base_delay "500ms", max_delay "30s",
// multiplier 2.0, jitter 0.2.
type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts,omitempty"`
	BaseDelay   string  `json:"base_delay,omitempty"`
	MaxDelay    string  `json:"max_delay,omitempty"`
	Multiplier  float64 `json:"multiplier,omitempty"`
	Jitter      float64 `json:"jitter,omitempty"`
}

// HistoryConfig controls the run-summary store.
type HistoryConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`

	// BusyTimeout is a Go duration string passed to sqlite.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// WatchConfig controls watch mode: re-running the batch when the input file
// changes, or on a cron schedule, or both.
type WatchConfig struct {
	Enabled bool `json:"enabled"`

	// Debounce is how long to wait after the last write event before
	// re-running. Guards against partial writes. Default "500ms".
	Debounce string `json:"debounce,omitempty"`

	// Schedule is an optional cron expression (5-field) that triggers a
	// re-run independently of file events.
	Schedule string `json:"schedule,omitempty"`

	Timezone string `json:"timezone,omitempty"`
}

// Validate checks cross-field constraints that strict decoding can't catch.
func (c *Config) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("config: at least one model must be defined")
	}
	for name, m := range c.Models {
		if strings.TrimSpace(m.Driver) == "" {
			return fmt.Errorf("config: models.%s: driver is required", name)
		}
		if m.RateLimit != "" {
			if _, err := ratelimit.Parse(m.RateLimit); err != nil {
				return fmt.Errorf("config: models.%s: %w", name, err)
			}
		}
	}
	if len(c.Prompts) == 0 {
		return fmt.Errorf("config: at least one prompt must be defined")
	}
	for name, p := range c.Prompts {
		if strings.TrimSpace(p.User) == "" {
			return fmt.Errorf("config: prompts.%s: user template is required", name)
		}
	}
	for cat, expr := range c.RateLimits {
		if _, err := ratelimit.Parse(expr); err != nil {
			return fmt.Errorf("config: rate_limits.%s: %w", cat, err)
		}
	}
	if r := c.Run.AllowedFailureRate; r != nil && (*r < 0 || *r > 1) {
		return fmt.Errorf("config: run.allowed_failure_rate must be in [0,1]")
	}
	if c.Run.Offset < 0 || c.Run.Limit < 0 {
		return fmt.Errorf("config: run.offset and run.limit must be >= 0")
	}
	for path, raw := range map[string]string{
		"run.request_timeout":  c.Run.RequestTimeout,
		"run.shutdown_grace":   c.Run.ShutdownGrace,
		"run.retry.base_delay": c.Run.Retry.BaseDelay,
		"run.retry.max_delay":  c.Run.Retry.MaxDelay,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if c.Watch != nil {
		if _, err := ParseDurationField("watch.debounce", c.Watch.Debounce); err != nil {
			return err
		}
	}
	if c.History != nil {
		if _, err := ParseDurationField("history.busy_timeout", c.History.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}

// RateLimitOverrides converts the configured category budgets into parsed
// limits. Call after Validate; invalid expressions are skipped here.
func (c *Config) RateLimitOverrides() map[ratelimit.Category]ratelimit.Limit {
	if len(c.RateLimits) == 0 {
		return nil
	}
	out := make(map[ratelimit.Category]ratelimit.Limit, len(c.RateLimits))
	for cat, expr := range c.RateLimits {
		lim, err := ratelimit.Parse(expr)
		if err != nil {
			continue
		}
		out[ratelimit.Category(cat)] = lim
	}
	return out
}

// DefaultAllowedFailureRate applies when run.allowed_failure_rate is omitted.
const DefaultAllowedFailureRate = 0.01

// EffectiveAllowedFailureRate returns the configured threshold or the default.
func (r RunConfig) EffectiveAllowedFailureRate() float64 {
	if r.AllowedFailureRate != nil {
		return *r.AllowedFailureRate
	}
	return DefaultAllowedFailureRate
}

// RetryDelays materializes the retry duration strings.
func (r RetryConfig) RetryDelays() (base, max time.Duration, err error) {
	base, err = ParseDurationOrDefault("run.retry.base_delay", r.BaseDelay, 500*time.Millisecond)
	if err != nil {
		return 0, 0, err
	}
	max, err = ParseDurationOrDefault("run.retry.max_delay", r.MaxDelay, 30*time.Second)
	if err != nil {
		return 0, 0, err
	}
	return base, max, nil
}
