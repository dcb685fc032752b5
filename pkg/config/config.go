// Package config loads the dispatcher's YAML configuration: store and
// cache connection strings, the assignment SLO, call-duration
// parameters, the agent/call type sets, the conversion matrix, the
// webhook target, and the load-test defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// maxConfigFileSize bounds how large a config file we will read.
const maxConfigFileSize = 1 << 20 // 1MB

// Config is the dispatcher's full configuration surface (spec.md §6).
type Config struct {
	// DataStoreURL is the durable tier's connection string — a
	// modernc.org/sqlite DSN such as "file:dispatch.db" or ":memory:".
	DataStoreURL string `yaml:"data_store_url"`

	// CacheURL is the fast tier's Redis connection string.
	CacheURL string `yaml:"cache_url"`

	APIHost string `yaml:"api_host"`
	APIPort int    `yaml:"api_port"`

	MaxAssignmentTimeMs float64 `yaml:"max_assignment_time_ms"`

	CallDurationMean float64 `yaml:"call_duration_mean"`
	CallDurationStd  float64 `yaml:"call_duration_std"`

	WebhookURL     string        `yaml:"webhook_url"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`

	AgentTypes []string `yaml:"agent_types"`
	CallTypes  []string `yaml:"call_types"`

	// ConversionMatrix maps agent_type -> call_type -> P(OK).
	ConversionMatrix map[string]map[string]float64 `yaml:"conversion_matrix"`

	TestNumCalls  int `yaml:"test_num_calls"`
	TestNumAgents int `yaml:"test_num_agents"`

	LockTTL  time.Duration `yaml:"lock_ttl"`
	DrainTTL time.Duration `yaml:"drain_timeout"`
}

// Default returns the built-in defaults (spec.md §6): four agent types,
// four call types, and the monotone-gradient conversion matrix from the
// original system.
func Default() *Config {
	return &Config{
		DataStoreURL:        "file:dispatch.db",
		CacheURL:            "redis://localhost:6379/0",
		APIHost:             "0.0.0.0",
		APIPort:             8000,
		MaxAssignmentTimeMs: 100,
		CallDurationMean:    180,
		CallDurationStd:     180,
		WebhookURL:          "http://localhost:8001/webhook",
		WebhookTimeout:      5 * time.Second,
		AgentTypes:          []string{"agente_tipo_1", "agente_tipo_2", "agente_tipo_3", "agente_tipo_4"},
		CallTypes:           []string{"llamada_tipo_1", "llamada_tipo_2", "llamada_tipo_3", "llamada_tipo_4"},
		ConversionMatrix: map[string]map[string]float64{
			"agente_tipo_1": {"llamada_tipo_1": 0.30, "llamada_tipo_2": 0.20, "llamada_tipo_3": 0.10, "llamada_tipo_4": 0.05},
			"agente_tipo_2": {"llamada_tipo_1": 0.20, "llamada_tipo_2": 0.15, "llamada_tipo_3": 0.07, "llamada_tipo_4": 0.04},
			"agente_tipo_3": {"llamada_tipo_1": 0.15, "llamada_tipo_2": 0.12, "llamada_tipo_3": 0.06, "llamada_tipo_4": 0.03},
			"agente_tipo_4": {"llamada_tipo_1": 0.12, "llamada_tipo_2": 0.10, "llamada_tipo_3": 0.04, "llamada_tipo_4": 0.02},
		},
		TestNumCalls:  100,
		TestNumAgents: 20,
		LockTTL:       5 * time.Second,
		DrainTTL:      300 * time.Second,
	}
}

// LoadConfig reads and parses a YAML config file, layering it over the
// defaults, applying environment overrides, then validating the result.
func LoadConfig(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (limit %d)", info.Size(), maxConfigFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyOverridesFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyOverridesFromEnv(cfg *Config) {
	if v := os.Getenv("DISPATCHD_CACHE_URL"); v != "" {
		cfg.CacheURL = v
	}
	if v := os.Getenv("DISPATCHD_DATA_STORE_URL"); v != "" {
		cfg.DataStoreURL = v
	}
	if v := os.Getenv("DISPATCHD_WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}
}

// SaveConfig writes a configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for the fatal-at-startup errors
// spec.md §7.8 names: empty type sets and out-of-range matrix entries.
func (c *Config) Validate() error {
	if len(c.AgentTypes) == 0 {
		return fmt.Errorf("agent_types must not be empty")
	}
	if len(c.CallTypes) == 0 {
		return fmt.Errorf("call_types must not be empty")
	}
	if c.MaxAssignmentTimeMs <= 0 {
		return fmt.Errorf("max_assignment_time_ms must be positive")
	}
	if c.CallDurationMean <= 0 || c.CallDurationStd < 0 {
		return fmt.Errorf("call_duration_mean must be positive and call_duration_std must be non-negative")
	}

	for agentType, byCallType := range c.ConversionMatrix {
		for callType, p := range byCallType {
			if p < 0 || p > 1 {
				return fmt.Errorf("conversion_matrix[%s][%s] = %v is out of [0,1]", agentType, callType, p)
			}
		}
	}

	return nil
}
