package config

import (
	"fmt"
)

// Config represents the main coda configuration
type Config struct {
	// Active provider: "openai" or "anthropic"
	Provider string `json:"provider" mapstructure:"provider"`

	// Per-provider settings
	OpenAI    ProviderConfig `json:"openai" mapstructure:"openai"`
	Anthropic ProviderConfig `json:"anthropic" mapstructure:"anthropic"`

	// Agent turn loop
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Session storage and token budget
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ProviderConfig holds connection settings for one LLM vendor endpoint
type ProviderConfig struct {
	BaseURL        string `json:"base_url" mapstructure:"base_url"`
	APIKey         string `json:"api_key" mapstructure:"api_key"`
	Model          string `json:"model" mapstructure:"model"`
	MaxTokens      int    `json:"max_tokens" mapstructure:"max_tokens"`
	ContextWindow  int    `json:"context_window" mapstructure:"context_window"`
	EnableThinking bool   `json:"enable_thinking" mapstructure:"enable_thinking"`

	// Timeouts in seconds
	RequestTimeout    int `json:"request_timeout" mapstructure:"request_timeout"`
	ConnectionTimeout int `json:"connection_timeout" mapstructure:"connection_timeout"`
	ActivityTimeout   int `json:"activity_timeout" mapstructure:"activity_timeout"`

	MaxRetries int `json:"max_retries" mapstructure:"max_retries"`
}

// AgentConfig controls the orchestrator turn loop
type AgentConfig struct {
	MaxToolCallRounds int    `json:"max_tool_call_rounds" mapstructure:"max_tool_call_rounds"`
	ToolTimeout       int    `json:"tool_timeout" mapstructure:"tool_timeout"` // seconds
	PlanModeDefault   bool   `json:"plan_mode_default" mapstructure:"plan_mode_default"`
	SystemPrompt      string `json:"system_prompt" mapstructure:"system_prompt"`
}

// SessionConfig controls session persistence and compaction
type SessionConfig struct {
	Dir                string  `json:"dir" mapstructure:"dir"`
	ReserveRatio       float64 `json:"reserve_ratio" mapstructure:"reserve_ratio"`
	NearLimitThreshold float64 `json:"near_limit_threshold" mapstructure:"near_limit_threshold"`
	FullThreshold      float64 `json:"full_threshold" mapstructure:"full_threshold"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Provider: "anthropic",
		OpenAI: ProviderConfig{
			BaseURL:           "https://api.openai.com/v1",
			Model:             "gpt-4o",
			MaxTokens:         4096,
			ContextWindow:     128000,
			RequestTimeout:    120,
			ConnectionTimeout: 30,
			ActivityTimeout:   60,
			MaxRetries:        3,
		},
		Anthropic: ProviderConfig{
			BaseURL:           "https://api.anthropic.com/v1",
			Model:             "claude-sonnet-4-20250514",
			MaxTokens:         8192,
			ContextWindow:     200000,
			RequestTimeout:    120,
			ConnectionTimeout: 30,
			ActivityTimeout:   60,
			MaxRetries:        3,
		},
		Agent: AgentConfig{
			MaxToolCallRounds: 40,
			ToolTimeout:       60,
		},
		Session: SessionConfig{
			ReserveRatio:       0.2,
			NearLimitThreshold: 0.85,
			FullThreshold:      0.95,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	switch c.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unknown provider: %q", c.Provider)
	}

	active := c.ActiveProvider()
	if active.BaseURL == "" {
		return fmt.Errorf("provider %s: base_url cannot be empty", c.Provider)
	}
	if active.Model == "" {
		return fmt.Errorf("provider %s: model cannot be empty", c.Provider)
	}
	if active.MaxTokens <= 0 {
		return fmt.Errorf("provider %s: max_tokens must be positive", c.Provider)
	}
	if active.ContextWindow <= 0 {
		return fmt.Errorf("provider %s: context_window must be positive", c.Provider)
	}

	if c.Agent.MaxToolCallRounds <= 0 {
		return fmt.Errorf("agent: max_tool_call_rounds must be positive")
	}

	s := c.Session
	if s.ReserveRatio < 0 || s.ReserveRatio >= 1 {
		return fmt.Errorf("session: reserve_ratio must be in [0, 1)")
	}
	if s.NearLimitThreshold <= 0 || s.NearLimitThreshold > 1 {
		return fmt.Errorf("session: near_limit_threshold must be in (0, 1]")
	}
	if s.FullThreshold < s.NearLimitThreshold {
		return fmt.Errorf("session: full_threshold must be >= near_limit_threshold")
	}

	return nil
}

// ActiveProvider returns the settings for the selected provider
func (c *Config) ActiveProvider() ProviderConfig {
	if c.Provider == "openai" {
		return c.OpenAI
	}
	return c.Anthropic
}
