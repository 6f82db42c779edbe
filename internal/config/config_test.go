package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

// clearEnv unsets every variable Load reads so ambient values cannot leak
// into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"TOOLBRIDGE_PORT", "TOOLBRIDGE_VERSION",
		"TOOLROUTER_BASE_URL", "TOOLROUTER_API_KEY", "TOOLROUTER_RATE_LIMIT_RPS",
		"TOOLBRIDGE_ALLOWED_TOOLKITS", "TOOLBRIDGE_BLOCKED_TOOLKITS",
		"TOOLBRIDGE_ALLOWED_TOOLS", "TOOLBRIDGE_BLOCKED_TOOLS",
		"TOOLBRIDGE_READ_ONLY", "TOOLBRIDGE_BEHAVIOR_TAGS", "TOOLBRIDGE_POLICY_FILE",
		"OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SERVICE_NAME",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("TOOLROUTER_API_KEY", "rk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 8084 {
		t.Errorf("Port = %d, want 8084", cfg.Port)
	}
	if cfg.Broker.BaseURL != "https://backend.toolrouter.dev" {
		t.Errorf("BaseURL = %q", cfg.Broker.BaseURL)
	}
	if cfg.Policy.ReadOnly {
		t.Error("ReadOnly should default to false")
	}
	if cfg.Policy.APIKey != "rk-test" {
		t.Error("broker key should propagate into the policy config")
	}
}

func TestLoad_RequiresBrokerKey(t *testing.T) {
	clearEnv(t)

	if _, err := Load(); err == nil {
		t.Error("Load() without TOOLROUTER_API_KEY should fail")
	}
}

func TestLoad_EnvLists(t *testing.T) {
	clearEnv(t)
	t.Setenv("TOOLROUTER_API_KEY", "rk-test")
	t.Setenv("TOOLBRIDGE_BLOCKED_TOOLKITS", " Slack , gmail,, GMAIL ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	// envList splits and trims; Normalize lowercases, dedups, and sorts.
	if want := []string{"gmail", "slack"}; !reflect.DeepEqual(cfg.Policy.BlockedToolkits, want) {
		t.Errorf("BlockedToolkits = %v, want %v", cfg.Policy.BlockedToolkits, want)
	}
}

func TestLoad_PolicyFileOverlay(t *testing.T) {
	clearEnv(t)
	t.Setenv("TOOLROUTER_API_KEY", "rk-test")
	t.Setenv("TOOLBRIDGE_ALLOWED_TOOLKITS", "gmail")
	t.Setenv("TOOLBRIDGE_BLOCKED_TOOLS", "GMAIL_SEND_EMAIL")

	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := `
allowed_toolkits:
  - slack
  - github
read_only: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TOOLBRIDGE_POLICY_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	// Fields set in the file replace the env values; unset fields keep them.
	if want := []string{"github", "slack"}; !reflect.DeepEqual(cfg.Policy.AllowedToolkits, want) {
		t.Errorf("AllowedToolkits = %v, want %v", cfg.Policy.AllowedToolkits, want)
	}
	if want := []string{"GMAIL_SEND_EMAIL"}; !reflect.DeepEqual(cfg.Policy.BlockedTools, want) {
		t.Errorf("BlockedTools = %v, want %v", cfg.Policy.BlockedTools, want)
	}
	if !cfg.Policy.ReadOnly {
		t.Error("read_only: true in the file should force read-only mode")
	}
}

func TestLoad_MissingPolicyFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("TOOLROUTER_API_KEY", "rk-test")
	t.Setenv("TOOLBRIDGE_POLICY_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	if _, err := Load(); err == nil {
		t.Error("Load() with an unreadable policy file should fail")
	}
}
