package skew

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"defaults are valid", func(c *Config) {}, nil},
		{"missing key with telemetry", func(c *Config) { c.APIKey = "" }, ErrMissingAPIKey},
		{"missing key with proxy", func(c *Config) {
			c.APIKey = ""
			c.Telemetry.Enabled = false
			c.Proxy.Enabled = true
		}, ErrMissingAPIKey},
		{"missing key when inert", func(c *Config) {
			c.APIKey = ""
			c.Telemetry.Enabled = false
		}, nil},
		{"negative sample rate", func(c *Config) { c.Telemetry.SampleRate = -0.1 }, ErrInvalidSampleRate},
		{"sample rate above one", func(c *Config) { c.Telemetry.SampleRate = 1.5 }, ErrInvalidSampleRate},
		{"NaN sample rate", func(c *Config) { c.Telemetry.SampleRate = math.NaN() }, ErrInvalidSampleRate},
		{"zero batch size", func(c *Config) { c.Telemetry.BatchSize = 0 }, ErrInvalidBatchSize},
		{"zero flush interval", func(c *Config) { c.Telemetry.FlushInterval = 0 }, ErrInvalidFlushInterval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("key")
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	t.Run("empty endpoint", func(t *testing.T) {
		cfg := DefaultConfig("key")
		cfg.Telemetry.Endpoint = ""
		var cerr *ConfigError
		if err := cfg.Validate(); !errors.As(err, &cerr) {
			t.Errorf("expected ConfigError, got %v", err)
		}
	})
}

func TestOptions(t *testing.T) {
	cfg := DefaultConfig("key")
	for _, opt := range []Option{
		WithOrgID("org"),
		WithProjectID("proj"),
		WithIncludePrompts(true),
		WithIncludeResponses(true),
		WithSampleRate(0.25),
		WithBatchSize(50),
		WithFlushInterval(time.Second),
		WithEndpoint("http://localhost/telemetry"),
		WithProxy(true),
		WithFailOpen(false),
		WithProxyBaseURL("http://localhost/gateway"),
		WithClientVersion("v9"),
	} {
		opt(&cfg)
	}

	if cfg.OrgID != "org" || cfg.ProjectID != "proj" {
		t.Errorf("unexpected ids: %q %q", cfg.OrgID, cfg.ProjectID)
	}
	if !cfg.Telemetry.IncludePrompts || !cfg.Telemetry.IncludeResponses {
		t.Error("expected content capture enabled")
	}
	if cfg.Telemetry.SampleRate != 0.25 || cfg.Telemetry.BatchSize != 50 || cfg.Telemetry.FlushInterval != time.Second {
		t.Errorf("unexpected telemetry config: %+v", cfg.Telemetry)
	}
	if !cfg.Proxy.Enabled || cfg.Proxy.FailOpen || cfg.Proxy.BaseURL != "http://localhost/gateway" {
		t.Errorf("unexpected proxy config: %+v", cfg.Proxy)
	}
	if cfg.ClientVersion != "v9" {
		t.Errorf("expected client version v9, got %q", cfg.ClientVersion)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Run("reads variables", func(t *testing.T) {
		t.Setenv("SKEW_API_KEY", "env-key")
		t.Setenv("SKEW_ORG_ID", "env-org")
		t.Setenv("SKEW_PROXY_ENABLED", "true")
		t.Setenv("SKEW_FAIL_OPEN", "false")
		t.Setenv("SKEW_SAMPLE_RATE", "0.5")
		t.Setenv("SKEW_BATCH_SIZE", "25")
		t.Setenv("SKEW_FLUSH_INTERVAL", "2s")

		cfg, err := ConfigFromEnv()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.APIKey != "env-key" || cfg.OrgID != "env-org" {
			t.Errorf("unexpected ids: %q %q", cfg.APIKey, cfg.OrgID)
		}
		if !cfg.Proxy.Enabled || cfg.Proxy.FailOpen {
			t.Errorf("unexpected proxy config: %+v", cfg.Proxy)
		}
		if cfg.Telemetry.SampleRate != 0.5 || cfg.Telemetry.BatchSize != 25 || cfg.Telemetry.FlushInterval != 2*time.Second {
			t.Errorf("unexpected telemetry config: %+v", cfg.Telemetry)
		}
	})

	t.Run("no key leaves wrapper inert", func(t *testing.T) {
		t.Setenv("SKEW_API_KEY", "")
		t.Setenv("SKEW_PROXY_ENABLED", "true")

		cfg, err := ConfigFromEnv()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Telemetry.Enabled || cfg.Proxy.Enabled {
			t.Error("expected telemetry and proxy disabled without a key")
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("expected inert config to validate, got %v", err)
		}
	})

	t.Run("bad value", func(t *testing.T) {
		t.Setenv("SKEW_BATCH_SIZE", "many")

		_, err := ConfigFromEnv()
		var cerr *ConfigError
		if !errors.As(err, &cerr) || cerr.Key != "SKEW_BATCH_SIZE" {
			t.Errorf("expected ConfigError for SKEW_BATCH_SIZE, got %v", err)
		}
	})
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skew.toml")
	content := `
api_key = "file-key"
org_id = "file-org"

[telemetry]
enabled = true
include_prompts = true
sample_rate = 0.1
batch_size = 7
flush_interval = 3000000000
endpoint = "http://localhost:9000/telemetry"

[proxy]
enabled = true
fail_open = false
base_url = "http://localhost:9000/openai"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv("SKEW_ORG_ID", "env-org")

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIKey != "file-key" {
		t.Errorf("expected file-key, got %q", cfg.APIKey)
	}
	if cfg.OrgID != "env-org" {
		t.Errorf("expected environment to override file, got %q", cfg.OrgID)
	}
	if !cfg.Telemetry.IncludePrompts || cfg.Telemetry.SampleRate != 0.1 || cfg.Telemetry.BatchSize != 7 {
		t.Errorf("unexpected telemetry config: %+v", cfg.Telemetry)
	}
	if cfg.Telemetry.FlushInterval != 3*time.Second {
		t.Errorf("expected 3s flush interval, got %v", cfg.Telemetry.FlushInterval)
	}
	if cfg.Telemetry.ContentMaxLength != DefaultContentMaxLength {
		t.Errorf("expected default content length to survive, got %d", cfg.Telemetry.ContentMaxLength)
	}
	if !cfg.Proxy.Enabled || cfg.Proxy.FailOpen || cfg.Proxy.BaseURL != "http://localhost:9000/openai" {
		t.Errorf("unexpected proxy config: %+v", cfg.Proxy)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}

	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}
