// Package config loads carecall configuration from an optional YAML file,
// CARECALL_ environment variables and defaults, in that order of precedence
// (environment wins over the file).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/carecall/internal/auth"
)

// DefaultPath is read when no config file is named explicitly.
const DefaultPath = "config.yaml"

const envPrefix = "CARECALL_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Vapi      VapiConfig      `koanf:"vapi"`
	Auth      AuthConfig      `koanf:"auth"`
	Identity  IdentityConfig  `koanf:"identity"`
	Consult   ConsultConfig   `koanf:"consult"`
	Handoff   HandoffConfig   `koanf:"handoff"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port           int             `koanf:"port"`
	RequestTimeout time.Duration   `koanf:"request_timeout"`
	CORSOrigins    []string        `koanf:"cors_origins"`
	RateLimit      RateLimitConfig `koanf:"rate_limit"`
}

// RateLimitConfig throttles the public form endpoints per client IP.
type RateLimitConfig struct {
	PerMinute int `koanf:"per_minute"` // 0 disables
	Burst     int `koanf:"burst"`
}

type StorageConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres, memory
	DSN    string `koanf:"dsn"`
}

type VapiConfig struct {
	PrivateKey     string             `koanf:"private_key"`
	BaseURL        string             `koanf:"base_url"`
	AssistantID    string             `koanf:"assistant_id"`
	WebhookSecret  string             `koanf:"webhook_secret"`
	ConnectTimeout time.Duration      `koanf:"connect_timeout"`
	AnalysisPlan   AnalysisPlanConfig `koanf:"analysis_plan"`
}

type AnalysisPlanConfig struct {
	SummaryPrompt        string `koanf:"summary_prompt"`
	StructuredDataPrompt string `koanf:"structured_data_prompt"`
	// StructuredDataSchema is a JSON schema document, passed through verbatim.
	StructuredDataSchema string `koanf:"structured_data_schema"`
}

type AuthConfig struct {
	Issuer       string          `koanf:"issuer"`
	Audience     string          `koanf:"audience"`
	JWKSURL      string          `koanf:"jwks_url"`
	SigningKey   string          `koanf:"signing_key"`
	JWKSCacheTTL time.Duration   `koanf:"jwks_cache_ttl"`
	AdminKeys    []auth.AdminKey `koanf:"admin_keys"`
}

type IdentityConfig struct {
	WebhookSecret string `koanf:"webhook_secret"`
}

type ConsultConfig struct {
	// Retention is how long a finished consultation stays queryable in memory.
	Retention time.Duration `koanf:"retention"`
	// CallIDVersions are the accepted UUID versions of vendor call ids.
	CallIDVersions []int  `koanf:"call_id_versions"`
	SummaryPath    string `koanf:"summary_path"`
}

type HandoffConfig struct {
	Sinks []SinkConfig `koanf:"sinks"`
}

// SinkConfig is one webhook that receives finished consultations.
type SinkConfig struct {
	Name    string            `koanf:"name"`
	URL     string            `koanf:"url"`
	Timeout time.Duration     `koanf:"timeout"`
	Retries int               `koanf:"retries"`
	OnError string            `koanf:"on_error"` // ignore or fail
	Headers map[string]string `koanf:"headers"`
	// BlockPrivate refuses delivery to loopback and private addresses.
	BlockPrivate bool `koanf:"block_private"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var defaults = map[string]any{
	"server.port":              8080,
	"server.request_timeout":   "30s",
	"server.cors_origins":      []string{"http://localhost:5173", "http://localhost:5174"},
	"server.rate_limit.burst":  10,
	"storage.driver":           "sqlite",
	"storage.dsn":              "file:carecall.db",
	"vapi.base_url":            "https://api.vapi.ai",
	"vapi.connect_timeout":     "30s",
	"auth.jwks_cache_ttl":      "5m",
	"consult.retention":        "15m",
	"consult.call_id_versions": []int{4, 7},
	"consult.summary_path":     "/hospital-call/{callId}/summary",
	"telemetry.service_name":   "carecall",
}

// legacyEnv maps the deployment's plain environment variables onto config keys
// when the keys are otherwise unset.
var legacyEnv = map[string]string{
	"PORT":                 "server.port",
	"VAPI_PRIVATE_KEY":     "vapi.private_key",
	"VAPI_ASSISTANT_ID":    "vapi.assistant_id",
	"VAPI_WEBHOOK_SECRET":  "vapi.webhook_secret",
	"CLERK_WEBHOOK_SECRET": "identity.webhook_secret",
	"DATABASE_URL":         "storage.dsn",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads configuration. An empty path reads DefaultPath when it exists;
// a named path must exist.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	optional := path == ""
	if optional {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !optional || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	for name, key := range legacyEnv {
		if v, ok := os.LookupEnv(name); ok && v != "" && !k.Exists(key) {
			k.Set(key, v)
		}
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.substituteSecrets()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) substituteSecrets() {
	for _, s := range []*string{
		&c.Storage.DSN,
		&c.Vapi.PrivateKey,
		&c.Vapi.AssistantID,
		&c.Vapi.WebhookSecret,
		&c.Auth.SigningKey,
		&c.Identity.WebhookSecret,
	} {
		*s = substituteEnvVars(*s)
	}
	for i := range c.Handoff.Sinks {
		c.Handoff.Sinks[i].URL = substituteEnvVars(c.Handoff.Sinks[i].URL)
		for h, v := range c.Handoff.Sinks[i].Headers {
			c.Handoff.Sinks[i].Headers[h] = substituteEnvVars(v)
		}
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	for _, o := range c.Server.CORSOrigins {
		if strings.TrimSpace(o) == "*" {
			errs = append(errs, errors.New(`server.cors_origins cannot contain "*", credentialed requests need explicit origins`))
		}
	}
	if c.Server.RateLimit.PerMinute < 0 {
		errs = append(errs, errors.New("server.rate_limit.per_minute must not be negative"))
	}

	switch c.Storage.Driver {
	case "sqlite", "postgres", "postgresql":
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for driver %s", c.Storage.Driver))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver))
	}

	if c.Vapi.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("vapi.connect_timeout must be positive"))
	}
	if schema := c.Vapi.AnalysisPlan.StructuredDataSchema; schema != "" && !json.Valid([]byte(schema)) {
		errs = append(errs, errors.New("vapi.analysis_plan.structured_data_schema must be valid JSON"))
	}
	if c.Auth.SigningKey != "" && c.Auth.JWKSURL != "" {
		errs = append(errs, errors.New("auth.signing_key and auth.jwks_url are mutually exclusive"))
	}
	for i, k := range c.Auth.AdminKeys {
		if len(k.KeyHash) != 64 {
			errs = append(errs, fmt.Errorf("auth.admin_keys[%d].key_hash must be a hex SHA-256", i))
		}
	}

	for _, v := range c.Consult.CallIDVersions {
		if v < 1 || v > 8 {
			errs = append(errs, fmt.Errorf("consult.call_id_versions: unsupported uuid version %d", v))
		}
	}
	if !strings.Contains(c.Consult.SummaryPath, "{callId}") {
		errs = append(errs, errors.New("consult.summary_path must contain {callId}"))
	}

	for i, s := range c.Handoff.Sinks {
		if s.URL == "" {
			errs = append(errs, fmt.Errorf("handoff.sinks[%d].url is required", i))
		}
		if s.OnError != "" && !slices.Contains([]string{"ignore", "fail"}, s.OnError) {
			errs = append(errs, fmt.Errorf("handoff.sinks[%d].on_error must be ignore or fail", i))
		}
		if s.Retries < 0 {
			errs = append(errs, fmt.Errorf("handoff.sinks[%d].retries must not be negative", i))
		}
	}

	return errors.Join(errs...)
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
