// Package config loads foreman configuration from .foreman/config.yaml with
// environment overrides. Defaults are safe for local runs; every limit that
// guards the orchestrator (invocation caps, timeouts, thresholds) lives here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all foreman configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM adapter configuration
	LLM LLMConfig `yaml:"llm"`

	// Scheduler limits and policies
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Worker driver (subprocess) settings
	Driver DriverConfig `yaml:"driver"`

	// Quality-gate thresholds
	Gates GatesConfig `yaml:"gates"`

	// Prompt size limits
	Prompt PromptConfig `yaml:"prompt"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the LLM adapter.
type LLMConfig struct {
	Provider        string `yaml:"provider"` // genai, mock
	APIKey          string `yaml:"api_key"`
	Model           string `yaml:"model"`
	MaxRetries      int    `yaml:"max_retries"`       // retries on schema violation / timeout
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"` // response cache TTL
	CacheSize       int    `yaml:"cache_size"`        // LRU entries
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

// SchedulerConfig bounds the execution loop.
type SchedulerConfig struct {
	GlobalMaxInvocations   int     `yaml:"global_max_invocations"` // hard cap before loop-detection abort
	PerWorkerMaxConcurrent int     `yaml:"per_worker_max_concurrent"`
	TickMs                 int     `yaml:"tick_ms"`             // idle loop tick
	GraceperiodMs          int     `yaml:"grace_period_ms"`     // cancellation grace before force kill
	RecursionDepthCap      int     `yaml:"recursion_depth_cap"` // graph-rebuild retries
	ConfidenceThreshold    float64 `yaml:"assignment_confidence_threshold"`
	PauseOnLowConfidence   bool    `yaml:"pause_on_low_confidence"` // policy: pause for manual override
	UseLLMAssignmentScore  bool    `yaml:"use_llm_assignment_score"`
	RetryBackoffBaseMs     int     `yaml:"retry_backoff_base_ms"`
	RetryBackoffMaxMs      int     `yaml:"retry_backoff_max_ms"`
	HeartbeatMs            int     `yaml:"heartbeat_ms"`
	AutosaveMs             int     `yaml:"autosave_ms"`
}

// DriverConfig bounds a single worker invocation.
type DriverConfig struct {
	Tool                string   `yaml:"tool"` // specialist CLI binary name
	Args                []string `yaml:"args,omitempty"`
	MaxRuntimeMs        int      `yaml:"invocation_max_runtime_ms"`
	MaxRuntimeComplexMs int      `yaml:"invocation_max_runtime_complex_ms"`
	MaxInactivityMs     int      `yaml:"invocation_max_inactivity_ms"`
	HeartbeatMs         int      `yaml:"heartbeat_ms"`
	MaxOutputLines      int      `yaml:"max_output_lines"` // diagnostic tail kept on failure
}

// GatesConfig holds quality-gate thresholds and rework bounds.
type GatesConfig struct {
	ReviewPassThreshold float64 `yaml:"review_pass_threshold"`
	QAPassThreshold     float64 `yaml:"qa_pass_threshold"`
	MaxReworkAttempts   int     `yaml:"max_rework_attempts"`
	StrictContracts     bool    `yaml:"strict_contracts"` // escalate missing producers to fatal
}

// PromptConfig caps outbound prompt sizes.
type PromptConfig struct {
	MaxBytes            int `yaml:"prompt_max_bytes"`
	DescriptionMaxChars int `yaml:"description_max_chars"`
}

// LoggingConfig mirrors internal/logging's expectations.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories,omitempty"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Name:    "foreman",
		Version: "0.1.0",
		LLM: LLMConfig{
			Provider:        "genai",
			Model:           "gemini-2.0-flash",
			MaxRetries:      3,
			CacheTTLSeconds: 1800,
			CacheSize:       256,
			TimeoutSeconds:  120,
		},
		Scheduler: SchedulerConfig{
			GlobalMaxInvocations:   100,
			PerWorkerMaxConcurrent: 5,
			TickMs:                 100,
			GraceperiodMs:          5000,
			RecursionDepthCap:      10,
			ConfidenceThreshold:    0.7,
			RetryBackoffBaseMs:     5000,
			RetryBackoffMaxMs:      300000,
			HeartbeatMs:            30000,
			AutosaveMs:             60000,
		},
		Driver: DriverConfig{
			Tool:                "specialist",
			MaxRuntimeMs:        600000,
			MaxRuntimeComplexMs: 1200000,
			MaxInactivityMs:     180000,
			HeartbeatMs:         30000,
			MaxOutputLines:      256,
		},
		Gates: GatesConfig{
			ReviewPassThreshold: 0.85,
			QAPassThreshold:     0.90,
			MaxReworkAttempts:   5,
		},
		Prompt: PromptConfig{
			MaxBytes:            100000,
			DescriptionMaxChars: 2000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads config from <workspace>/.foreman/config.yaml, falling back to
// defaults when the file is absent. Environment overrides apply last.
func Load(workspace string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(workspace, ".foreman", "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would disable the safety limits.
func (c *Config) Validate() error {
	if c.Scheduler.GlobalMaxInvocations <= 0 {
		return fmt.Errorf("global_max_invocations must be positive, got %d", c.Scheduler.GlobalMaxInvocations)
	}
	if c.Scheduler.PerWorkerMaxConcurrent <= 0 {
		return fmt.Errorf("per_worker_max_concurrent must be positive, got %d", c.Scheduler.PerWorkerMaxConcurrent)
	}
	if c.Gates.MaxReworkAttempts <= 0 {
		return fmt.Errorf("max_rework_attempts must be positive, got %d", c.Gates.MaxReworkAttempts)
	}
	if c.Gates.ReviewPassThreshold < 0 || c.Gates.ReviewPassThreshold > 1 {
		return fmt.Errorf("review_pass_threshold out of range: %f", c.Gates.ReviewPassThreshold)
	}
	if c.Gates.QAPassThreshold < 0 || c.Gates.QAPassThreshold > 1 {
		return fmt.Errorf("qa_pass_threshold out of range: %f", c.Gates.QAPassThreshold)
	}
	if c.Prompt.MaxBytes <= 0 {
		return fmt.Errorf("prompt_max_bytes must be positive, got %d", c.Prompt.MaxBytes)
	}
	return nil
}

// Save writes the config to <workspace>/.foreman/config.yaml.
func (c *Config) Save(workspace string) error {
	dir := filepath.Join(workspace, ".foreman")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0644)
}

// Duration helpers

func (c *SchedulerConfig) Tick() time.Duration { return time.Duration(c.TickMs) * time.Millisecond }
func (c *SchedulerConfig) GracePeriod() time.Duration {
	return time.Duration(c.GraceperiodMs) * time.Millisecond
}
func (c *SchedulerConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatMs) * time.Millisecond
}
func (c *SchedulerConfig) Autosave() time.Duration {
	return time.Duration(c.AutosaveMs) * time.Millisecond
}
func (c *SchedulerConfig) RetryBackoffBase() time.Duration {
	return time.Duration(c.RetryBackoffBaseMs) * time.Millisecond
}
func (c *SchedulerConfig) RetryBackoffMax() time.Duration {
	return time.Duration(c.RetryBackoffMaxMs) * time.Millisecond
}

func (c *DriverConfig) MaxRuntime() time.Duration {
	return time.Duration(c.MaxRuntimeMs) * time.Millisecond
}
func (c *DriverConfig) MaxRuntimeComplex() time.Duration {
	return time.Duration(c.MaxRuntimeComplexMs) * time.Millisecond
}
func (c *DriverConfig) MaxInactivity() time.Duration {
	return time.Duration(c.MaxInactivityMs) * time.Millisecond
}
func (c *DriverConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatMs) * time.Millisecond
}

func (c *LLMConfig) CacheTTL() time.Duration { return time.Duration(c.CacheTTLSeconds) * time.Second }
func (c *LLMConfig) Timeout() time.Duration  { return time.Duration(c.TimeoutSeconds) * time.Second }
