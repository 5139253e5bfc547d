// Package config loads the runtime settings file. Values are YAML with
// ${ENV_VAR} references expanded before parsing.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/kestrel-dev/agentkit/pkg/ai"
)

// Config is the YAML structure of the runtime settings file.
type Config struct {
	// Provider names the transport to use (e.g. "anthropic").
	Provider string `yaml:"provider"`

	// Model ID to run prompts against.
	Model string `yaml:"model"`

	// APIKey can be a literal key or "${ENV_VAR}" to read from environment.
	APIKey string `yaml:"api_key"`

	// SystemPrompt is the instructions message sent with every call. Empty
	// selects the built-in prompt.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxTokens caps the response length (0 = provider default).
	MaxTokens int `yaml:"max_tokens"`

	// Temperature controls randomness (nil = provider default).
	Temperature *float64 `yaml:"temperature"`

	// ThinkingLevel controls extended reasoning for models that support it.
	// Values: "off" | "minimal" | "low" | "medium" | "high" | "xhigh".
	ThinkingLevel string `yaml:"thinking_level"`

	// CacheRetention controls prompt caching aggressiveness.
	// Values: "none" | "short" | "long".
	CacheRetention string `yaml:"cache_retention"`

	// MaxTurns caps the number of LLM calls per prompt (0 = unlimited).
	MaxTurns int `yaml:"max_turns"`

	// ContextWindow is the model's context window in tokens, used for
	// compaction thresholds and overflow handling.
	ContextWindow int `yaml:"context_window"`

	// ConfigDir is the root for session journals (<config_dir>/sessions/…).
	// Defaults to $XDG_CONFIG_HOME/agentkit or ~/.config/agentkit.
	ConfigDir string `yaml:"config_dir"`

	// HooksDir is scanned for hook.yaml manifests. Empty disables
	// subprocess hooks.
	HooksDir string `yaml:"hooks_dir"`

	// Compaction controls automatic context compaction.
	Compaction CompactionConfig `yaml:"compaction"`

	// Plan configures the retry/fallback steps wrapped around each prompt.
	Plan PlanSettings `yaml:"plan"`
}

// CompactionConfig controls when conversation history is summarised.
type CompactionConfig struct {
	// Enabled turns on threshold auto-compaction.
	Enabled bool `yaml:"enabled"`

	// ContextWindow overrides the top-level context window for threshold
	// checks (0 = inherit).
	ContextWindow int `yaml:"context_window"`

	// ReserveTokens is headroom kept free below the window.
	ReserveTokens int `yaml:"reserve_tokens"`

	// RetryOnOverflow lets the loop compact and retry once after a
	// context-overflow transport error.
	RetryOnOverflow bool `yaml:"retry_on_overflow"`
}

// PlanSettings is the YAML form of an execution plan.
type PlanSettings struct {
	Steps []PlanStep `yaml:"steps"`
}

// PlanStep is one rung: a model plus its retry policy.
type PlanStep struct {
	// Model to set for this step. Empty keeps the current model.
	Model string `yaml:"model"`

	// MaxAttempts at this step before moving on (min 1).
	MaxAttempts int `yaml:"max_attempts"`

	// Backoff is "exponential" | "fixed" | "none". Default "exponential".
	Backoff string `yaml:"backoff"`

	// BackoffBase is the base delay, e.g. "1s". Default 1s.
	BackoffBase string `yaml:"backoff_base"`

	// Jitter scales each delay by a random factor in [0.5, 1.5).
	Jitter bool `yaml:"jitter"`

	// RetryOn lists the error kinds that keep this step retrying:
	// "network" | "rate_limit" | "server" | "overflow" | "auth" | "other".
	// Empty means retry on any error.
	RetryOn []string `yaml:"retry_on"`
}

// Load reads and parses a YAML settings file, expanding ${ENV_VAR}
// references before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses raw YAML settings.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validBackoffs = map[string]bool{"": true, "exponential": true, "fixed": true, "none": true}

var validErrorKinds = map[string]bool{
	string(ai.ErrorNetwork):   true,
	string(ai.ErrorAuth):      true,
	string(ai.ErrorRateLimit): true,
	string(ai.ErrorOverflow):  true,
	string(ai.ErrorServer):    true,
	string(ai.ErrorOther):     true,
}

func validate(cfg *Config) error {
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	if cfg.Provider == "" {
		return fmt.Errorf("config: provider is required")
	}
	if cfg.Model == "" {
		return fmt.Errorf("config: model is required")
	}
	switch cfg.ThinkingLevel {
	case "", "off", "minimal", "low", "medium", "high", "xhigh":
	default:
		return fmt.Errorf("config: unknown thinking_level %q", cfg.ThinkingLevel)
	}
	switch cfg.CacheRetention {
	case "", "none", "short", "long":
	default:
		return fmt.Errorf("config: unknown cache_retention %q", cfg.CacheRetention)
	}
	for i, step := range cfg.Plan.Steps {
		if !validBackoffs[step.Backoff] {
			return fmt.Errorf("config: plan.steps[%d]: unknown backoff %q", i, step.Backoff)
		}
		if step.BackoffBase != "" {
			if _, err := time.ParseDuration(step.BackoffBase); err != nil {
				return fmt.Errorf("config: plan.steps[%d]: bad backoff_base: %w", i, err)
			}
		}
		for _, kind := range step.RetryOn {
			if !validErrorKinds[kind] {
				return fmt.Errorf("config: plan.steps[%d]: unknown retry_on kind %q", i, kind)
			}
		}
	}
	return nil
}

// BackoffBaseDuration parses the step's base delay, defaulting to 1s.
func (s PlanStep) BackoffBaseDuration() time.Duration {
	if s.BackoffBase == "" {
		return time.Second
	}
	d, err := time.ParseDuration(s.BackoffBase)
	if err != nil {
		return time.Second
	}
	return d
}

// StreamOptions maps the settings onto per-call transport options.
func (c *Config) StreamOptions() ai.StreamOptions {
	return ai.StreamOptions{
		APIKey:         c.APIKey,
		MaxTokens:      c.MaxTokens,
		Temperature:    c.Temperature,
		ThinkingLevel:  ai.ThinkingLevel(c.ThinkingLevel),
		CacheRetention: ai.CacheRetention(c.CacheRetention),
	}
}
