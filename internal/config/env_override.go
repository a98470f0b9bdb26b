package config

import (
	"os"
	"strconv"
)

// applyEnvOverrides lets the environment win over file values. Only the
// knobs that operators actually tune at runtime are exposed.
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
	if key := os.Getenv("FOREMAN_LLM_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
	if model := os.Getenv("FOREMAN_LLM_MODEL"); model != "" {
		cfg.LLM.Model = model
	}
	if provider := os.Getenv("FOREMAN_LLM_PROVIDER"); provider != "" {
		cfg.LLM.Provider = provider
	}
	if tool := os.Getenv("FOREMAN_WORKER_TOOL"); tool != "" {
		cfg.Driver.Tool = tool
	}
	if v := os.Getenv("FOREMAN_MAX_INVOCATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.GlobalMaxInvocations = n
		}
	}
	if v := os.Getenv("FOREMAN_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.PerWorkerMaxConcurrent = n
		}
	}
	if v := os.Getenv("FOREMAN_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.DebugMode = b
		}
	}
}
