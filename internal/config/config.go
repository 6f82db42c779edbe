// Package config loads ToolBridge configuration from the environment and,
// for deployment policy, optionally from a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/toolbridge/toolbridge/pkg/models"
)

// Config holds all configuration for the ToolBridge adapter.
type Config struct {
	Port      int
	Version   string
	Broker    BrokerConfig
	Policy    *models.PolicyConfig
	Telemetry TelemetryConfig
}

// BrokerConfig configures the Tool Router broker client.
type BrokerConfig struct {
	BaseURL      string
	APIKey       string
	RateLimitRPS float64
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible
// defaults, then overlays the policy file named by TOOLBRIDGE_POLICY_FILE
// (if any). The broker API key must be set; everything else has a default.
func Load() (*Config, error) {
	cfg := &Config{
		Port:    envInt("TOOLBRIDGE_PORT", 8084),
		Version: envStr("TOOLBRIDGE_VERSION", "0.2.0"),
		Broker: BrokerConfig{
			BaseURL:      envStr("TOOLROUTER_BASE_URL", "https://backend.toolrouter.dev"),
			APIKey:       envStr("TOOLROUTER_API_KEY", ""),
			RateLimitRPS: envFloat("TOOLROUTER_RATE_LIMIT_RPS", 0),
		},
		Policy: &models.PolicyConfig{
			AllowedToolkits: envList("TOOLBRIDGE_ALLOWED_TOOLKITS"),
			BlockedToolkits: envList("TOOLBRIDGE_BLOCKED_TOOLKITS"),
			AllowedTools:    envList("TOOLBRIDGE_ALLOWED_TOOLS"),
			BlockedTools:    envList("TOOLBRIDGE_BLOCKED_TOOLS"),
			ReadOnly:        envBool("TOOLBRIDGE_READ_ONLY", false),
			BehaviorTags:    envList("TOOLBRIDGE_BEHAVIOR_TAGS"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "toolbridge"),
		},
	}

	if path := os.Getenv("TOOLBRIDGE_POLICY_FILE"); path != "" {
		if err := loadPolicyFile(path, cfg.Policy); err != nil {
			return nil, err
		}
	}
	cfg.Policy.APIKey = cfg.Broker.APIKey
	cfg.Policy.Normalize()

	if cfg.Broker.APIKey == "" {
		return nil, fmt.Errorf("TOOLROUTER_API_KEY is required")
	}
	return cfg, nil
}

// loadPolicyFile overlays a YAML policy file onto the env-derived policy.
// Lists set in the file win over env values; unset file fields keep the
// env values.
func loadPolicyFile(path string, policy *models.PolicyConfig) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file %s: %w", path, err)
	}

	var file models.PolicyConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse policy file %s: %w", path, err)
	}

	if file.AllowedToolkits != nil {
		policy.AllowedToolkits = file.AllowedToolkits
	}
	if file.BlockedToolkits != nil {
		policy.BlockedToolkits = file.BlockedToolkits
	}
	if file.AllowedTools != nil {
		policy.AllowedTools = file.AllowedTools
	}
	if file.BlockedTools != nil {
		policy.BlockedTools = file.BlockedTools
	}
	if file.BehaviorTags != nil {
		policy.BehaviorTags = file.BehaviorTags
	}
	if file.ReadOnly {
		policy.ReadOnly = true
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
