package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.RequestTimeout != 30*time.Second {
		t.Errorf("request_timeout = %s", cfg.Server.RequestTimeout)
	}
	if len(cfg.Server.CORSOrigins) != 2 {
		t.Errorf("cors_origins = %v", cfg.Server.CORSOrigins)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("storage.driver = %s", cfg.Storage.Driver)
	}
	if cfg.Vapi.ConnectTimeout != 30*time.Second {
		t.Errorf("connect_timeout = %s", cfg.Vapi.ConnectTimeout)
	}
	if cfg.Consult.Retention != 15*time.Minute {
		t.Errorf("retention = %s", cfg.Consult.Retention)
	}
	if len(cfg.Consult.CallIDVersions) != 2 {
		t.Errorf("call_id_versions = %v", cfg.Consult.CallIDVersions)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	t.Setenv("TEST_VAPI_KEY", "vapi-secret")
	t.Setenv("CARECALL_SERVER__PORT", "9000")
	t.Setenv("CARECALL_SERVER__CORS_ORIGINS", "https://a.example.com,https://b.example.com")

	path := writeConfig(t, `
server:
  port: 7000
  rate_limit:
    per_minute: 30
storage:
  driver: memory
vapi:
  private_key: ${TEST_VAPI_KEY}
  assistant_id: asst-1
  connect_timeout: 45s
handoff:
  sinks:
    - name: ehr
      url: https://ehr.example.com/hooks/consult
      timeout: 2s
      retries: 2
      on_error: fail
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("env should override file: port = %d", cfg.Server.Port)
	}
	if got := strings.Join(cfg.Server.CORSOrigins, " "); got != "https://a.example.com https://b.example.com" {
		t.Errorf("cors_origins = %q", got)
	}
	if cfg.Server.RateLimit.PerMinute != 30 || cfg.Server.RateLimit.Burst != 10 {
		t.Errorf("rate_limit = %+v", cfg.Server.RateLimit)
	}
	if cfg.Vapi.PrivateKey != "vapi-secret" {
		t.Errorf("private_key = %q, want substituted value", cfg.Vapi.PrivateKey)
	}
	if cfg.Vapi.ConnectTimeout != 45*time.Second {
		t.Errorf("connect_timeout = %s", cfg.Vapi.ConnectTimeout)
	}
	if len(cfg.Handoff.Sinks) != 1 || cfg.Handoff.Sinks[0].Timeout != 2*time.Second || cfg.Handoff.Sinks[0].OnError != "fail" {
		t.Errorf("sinks = %+v", cfg.Handoff.Sinks)
	}
}

func TestLoad_LegacyEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "5000")
	t.Setenv("VAPI_PRIVATE_KEY", "legacy-key")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Vapi.PrivateKey != "legacy-key" {
		t.Errorf("private_key = %q", cfg.Vapi.PrivateKey)
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoad_ValidationErrorsAreJoined(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 70000
  cors_origins: ["*"]
storage:
  driver: mysql
vapi:
  analysis_plan:
    structured_data_schema: "{not json"
handoff:
  sinks:
    - name: broken
      on_error: retry
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"server.port", "storage.driver", "handoff.sinks[0].url", "on_error", "structured_data_schema", "cors_origins"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "simple substitution", input: "${TEST_VAR}", want: "test-value"},
		{name: "substitution in string", input: "prefix-${TEST_VAR}-suffix", want: "prefix-test-value-suffix"},
		{name: "no substitution", input: "plain-string", want: "plain-string"},
		{name: "undefined var", input: "${UNDEFINED_VAR}", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := substituteEnvVars(tt.input); got != tt.want {
				t.Errorf("substituteEnvVars() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "storage:\n  driver: memory\nserver:\n  port: 8081\n")

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	if err := w.Watch(ctx, func(c *Config) { reloaded <- c }); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("storage:\n  driver: memory\nserver:\n  port: 8082\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-reloaded:
			if cfg.Server.Port == 8082 {
				return
			}
		case <-deadline:
			t.Fatal("config was not reloaded")
		}
	}
}

func TestNewWatcher_EmptyPath(t *testing.T) {
	if _, err := NewWatcher("", nil); err == nil {
		t.Fatal("expected error for empty path")
	}
}
