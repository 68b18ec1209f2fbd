package skew

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Version is the SDK version reported in telemetry and request headers.
const Version = "1.0.0"

const (
	sdkName     = "skew-go"
	sdkLanguage = "go"
)

const (
	DefaultTelemetryEndpoint = "https://api.skew.ai/v1/telemetry"
	DefaultProxyBaseURL      = "https://api.skew.ai/v1/openai"
	DefaultBatchSize         = 10
	DefaultFlushInterval     = 5 * time.Second
	DefaultProxyTimeout      = 30 * time.Second
	DefaultContentMaxLength  = 10000

	// DeliveryTimeout bounds a single telemetry POST.
	DeliveryTimeout = 5 * time.Second
)

// TelemetryConfig controls event collection and delivery.
type TelemetryConfig struct {
	Enabled          bool          `toml:"enabled"`
	IncludePrompts   bool          `toml:"include_prompts"`
	IncludeResponses bool          `toml:"include_responses"`
	SampleRate       float64       `toml:"sample_rate"`
	BatchSize        int           `toml:"batch_size"`
	FlushInterval    time.Duration `toml:"flush_interval"`
	Endpoint         string        `toml:"endpoint"`
	// ContentMaxLength caps captured prompt and response text.
	ContentMaxLength int `toml:"content_max_length"`
}

// ProxyConfig controls routing of wrapped calls through the Skew gateway.
type ProxyConfig struct {
	Enabled bool `toml:"enabled"`
	// FailOpen keeps calls flowing directly to the provider when routing fails.
	FailOpen bool          `toml:"fail_open"`
	BaseURL  string        `toml:"base_url"`
	Timeout  time.Duration `toml:"timeout"`
}

// Config holds the configuration for a wrapped client.
type Config struct {
	APIKey    string          `toml:"api_key"`
	OrgID     string          `toml:"org_id"`
	ProjectID string          `toml:"project_id"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Proxy     ProxyConfig     `toml:"proxy"`
	// ClientVersion is reported as the wrapped client's version.
	ClientVersion string `toml:"client_version"`
	Debug         bool   `toml:"debug"`

	Logger     *zap.Logger           `toml:"-"`
	Registerer prometheus.Registerer `toml:"-"`
	HTTPClient *http.Client          `toml:"-"`
}

// DefaultConfig returns a Config with default values
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey: apiKey,
		Telemetry: TelemetryConfig{
			Enabled:          true,
			SampleRate:       1.0,
			BatchSize:        DefaultBatchSize,
			FlushInterval:    DefaultFlushInterval,
			Endpoint:         DefaultTelemetryEndpoint,
			ContentMaxLength: DefaultContentMaxLength,
		},
		Proxy: ProxyConfig{
			FailOpen: true,
			BaseURL:  DefaultProxyBaseURL,
			Timeout:  DefaultProxyTimeout,
		},
		ClientVersion: "unknown",
	}
}

// TokenUsage holds token counts for one call.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// EventRequest carries the facts known before the call.
type EventRequest struct {
	RequestID      string    `json:"requestId"`
	OrgID          string    `json:"orgId"`
	ProjectID      *string   `json:"projectId"`
	Endpoint       string    `json:"endpoint"`
	Model          string    `json:"model"`
	MaxTokens      *int      `json:"maxTokens"`
	Temperature    *float64  `json:"temperature"`
	TimestampStart time.Time `json:"timestampStart"`
	// Prompt is only set when prompts are explicitly included.
	Prompt *string `json:"prompt,omitempty"`
}

// EventResponse carries the facts known after the call.
type EventResponse struct {
	TimestampEnd time.Time  `json:"timestampEnd"`
	TokenUsage   TokenUsage `json:"tokenUsage"`
	CostEstimate float64    `json:"costEstimate"`
	LatencyMs    float64    `json:"latencyMs"`
	ErrorClass   *string    `json:"errorClass"`
	ErrorMessage *string    `json:"errorMessage"`
	// Content is only set when responses are explicitly included.
	Content *string `json:"content,omitempty"`
}

// EventContext describes where the event came from.
type EventContext struct {
	SDKLanguage         string  `json:"sdkLanguage"`
	SDKVersion          string  `json:"sdkVersion"`
	OriginClientVersion string  `json:"originClientVersion"`
	CallLineageID       *string `json:"callLineageId"`
	PromptHash          *string `json:"promptHash"`
}

// TelemetryEvent is the record of a single intercepted call. Events are
// built once and never modified afterwards.
type TelemetryEvent struct {
	Request  EventRequest  `json:"request"`
	Response EventResponse `json:"response"`
	Context  EventContext  `json:"context"`
}

// Failed reports whether the call behind the event returned an error.
func (e TelemetryEvent) Failed() bool {
	return e.Response.ErrorClass != nil
}

// BatchRequest is the request body for batch ingestion
type BatchRequest struct {
	Events []TelemetryEvent `json:"events"`
}
