package skew

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	ErrMissingAPIKey        = errors.New("skew: api key is required")
	ErrInvalidSampleRate    = errors.New("skew: sample rate must be within [0, 1]")
	ErrInvalidBatchSize     = errors.New("skew: batch size must be positive")
	ErrInvalidFlushInterval = errors.New("skew: flush interval must be positive")
)

// ConfigError reports a configuration value that could not be used.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("skew: invalid %s: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Validate checks the configuration. It is called by every constructor so
// misconfiguration surfaces before any call is wrapped.
func (c Config) Validate() error {
	if c.APIKey == "" && (c.Telemetry.Enabled || c.Proxy.Enabled) {
		return ErrMissingAPIKey
	}
	t := c.Telemetry
	if t.SampleRate < 0 || t.SampleRate > 1 || math.IsNaN(t.SampleRate) {
		return fmt.Errorf("%w: got %v", ErrInvalidSampleRate, t.SampleRate)
	}
	if t.BatchSize <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidBatchSize, t.BatchSize)
	}
	if t.FlushInterval <= 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidFlushInterval, t.FlushInterval)
	}
	if t.Enabled && t.Endpoint == "" {
		return &ConfigError{Key: "telemetry endpoint", Err: errors.New("empty")}
	}
	if c.Proxy.Enabled && c.Proxy.BaseURL == "" {
		return &ConfigError{Key: "proxy base url", Err: errors.New("empty")}
	}
	return nil
}

func (c Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	if c.Debug {
		if l, err := zap.NewDevelopment(); err == nil {
			return l.Named("skew")
		}
	}
	return zap.NewNop()
}

// Option configures a Config built by Wrap.
type Option func(*Config)

// WithOrgID sets the organization id.
func WithOrgID(id string) Option {
	return func(c *Config) {
		c.OrgID = id
	}
}

// WithProjectID sets the project id used to group telemetry.
func WithProjectID(id string) Option {
	return func(c *Config) {
		c.ProjectID = id
	}
}

// WithTelemetry enables or disables telemetry.
func WithTelemetry(enabled bool) Option {
	return func(c *Config) {
		c.Telemetry.Enabled = enabled
	}
}

// WithIncludePrompts includes raw prompts instead of their hash.
func WithIncludePrompts(include bool) Option {
	return func(c *Config) {
		c.Telemetry.IncludePrompts = include
	}
}

// WithIncludeResponses includes response text in telemetry.
func WithIncludeResponses(include bool) Option {
	return func(c *Config) {
		c.Telemetry.IncludeResponses = include
	}
}

// WithSampleRate sets the fraction of calls that produce telemetry.
func WithSampleRate(rate float64) Option {
	return func(c *Config) {
		c.Telemetry.SampleRate = rate
	}
}

// WithBatchSize sets the number of buffered events that triggers a flush.
func WithBatchSize(size int) Option {
	return func(c *Config) {
		c.Telemetry.BatchSize = size
	}
}

// WithFlushInterval sets the periodic flush interval.
func WithFlushInterval(d time.Duration) Option {
	return func(c *Config) {
		c.Telemetry.FlushInterval = d
	}
}

// WithEndpoint sets the telemetry ingestion URL.
func WithEndpoint(url string) Option {
	return func(c *Config) {
		c.Telemetry.Endpoint = url
	}
}

// WithProxy enables routing through the Skew gateway.
func WithProxy(enabled bool) Option {
	return func(c *Config) {
		c.Proxy.Enabled = enabled
	}
}

// WithFailOpen sets the routing failure policy.
func WithFailOpen(failOpen bool) Option {
	return func(c *Config) {
		c.Proxy.FailOpen = failOpen
	}
}

// WithProxyBaseURL sets the gateway URL.
func WithProxyBaseURL(url string) Option {
	return func(c *Config) {
		c.Proxy.BaseURL = url
	}
}

// WithClientVersion sets the version reported for the wrapped client.
func WithClientVersion(v string) Option {
	return func(c *Config) {
		c.ClientVersion = v
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithRegisterer registers pipeline metrics with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registerer = r
	}
}

// WithHTTPClient sets the client used for telemetry delivery.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Config) {
		c.HTTPClient = hc
	}
}

// WithDebug enables debug logging
func WithDebug(debug bool) Option {
	return func(c *Config) {
		c.Debug = debug
	}
}

// ConfigFromEnv builds a Config from SKEW_* environment variables. Without
// SKEW_API_KEY telemetry and routing stay off and the wrapper is inert.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig("")
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if cfg.APIKey == "" {
		cfg.Telemetry.Enabled = false
		cfg.Proxy.Enabled = false
	}
	return cfg, nil
}

// LoadConfigFile reads a TOML config file and applies environment
// overrides on top of it.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig("")
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields with any SKEW_* environment variables that are set.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("SKEW_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("SKEW_ORG_ID"); v != "" {
		c.OrgID = v
	}
	if v := os.Getenv("SKEW_PROJECT_ID"); v != "" {
		c.ProjectID = v
	}
	if v := os.Getenv("SKEW_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("SKEW_BASE_URL"); v != "" {
		c.Proxy.BaseURL = v
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"SKEW_TELEMETRY_ENABLED", &c.Telemetry.Enabled},
		{"SKEW_INCLUDE_PROMPTS", &c.Telemetry.IncludePrompts},
		{"SKEW_INCLUDE_RESPONSES", &c.Telemetry.IncludeResponses},
		{"SKEW_PROXY_ENABLED", &c.Proxy.Enabled},
		{"SKEW_FAIL_OPEN", &c.Proxy.FailOpen},
		{"SKEW_DEBUG", &c.Debug},
	}
	for _, b := range bools {
		v := strings.TrimSpace(os.Getenv(b.key))
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return &ConfigError{Key: b.key, Err: err}
		}
		*b.dst = parsed
	}

	if v := os.Getenv("SKEW_SAMPLE_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return &ConfigError{Key: "SKEW_SAMPLE_RATE", Err: err}
		}
		c.Telemetry.SampleRate = rate
	}
	if v := os.Getenv("SKEW_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigError{Key: "SKEW_BATCH_SIZE", Err: err}
		}
		c.Telemetry.BatchSize = n
	}
	if v := os.Getenv("SKEW_FLUSH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return &ConfigError{Key: "SKEW_FLUSH_INTERVAL", Err: err}
		}
		c.Telemetry.FlushInterval = d
	}
	return nil
}
