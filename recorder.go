package skew

import (
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// CallRecord holds the facts of one finished call, ready to become a
// TelemetryEvent.
type CallRecord struct {
	RequestID   string
	Endpoint    string
	Model       string
	MaxTokens   *int
	Temperature *float64
	Start       time.Time
	End         time.Time
	Usage       TokenUsage
	Err         error
	// ErrorClass overrides the error's type name.
	ErrorClass string
	// Prompt is the serialized prompt content, empty if the call had none.
	// It is hashed unless prompts are included.
	Prompt string
	// Response is the response text, used only when responses are included.
	Response  string
	LineageID string
}

// Recorder turns finished calls into telemetry events and hands them to
// a TelemetryClient.
type Recorder struct {
	config  Config
	client  *TelemetryClient
	metrics *Metrics
	logger  *zap.Logger

	// pendingMu orders pending.Add against pending.Wait: adds hold the
	// read lock, waits hold the write lock.
	pendingMu sync.RWMutex
	pending   sync.WaitGroup
	closed    bool
}

// NewRecorder validates cfg and starts its telemetry client.
func NewRecorder(cfg Config) (*Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Telemetry.ContentMaxLength <= 0 {
		cfg.Telemetry.ContentMaxLength = DefaultContentMaxLength
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "unknown"
	}

	logger := cfg.logger()
	metrics := NewMetrics(cfg.Registerer)
	return &Recorder{
		config:  cfg,
		client:  newTelemetryClient(cfg, logger, metrics),
		metrics: metrics,
		logger:  logger,
	}, nil
}

// Config returns the recorder's configuration.
func (r *Recorder) Config() Config {
	return r.config
}

// Telemetry returns the underlying telemetry client.
func (r *Recorder) Telemetry() *TelemetryClient {
	return r.client
}

// Enabled reports whether telemetry is collected at all.
func (r *Recorder) Enabled() bool {
	return r.config.Telemetry.Enabled
}

// ProxyActive reports whether routing headers are injected.
func (r *Recorder) ProxyActive() bool {
	return r.config.Proxy.Enabled
}

func (r *Recorder) Pause()  { r.client.Pause() }
func (r *Recorder) Resume() { r.client.Resume() }

// Flush waits for events still being recorded and delivers the buffer.
func (r *Recorder) Flush() {
	r.pendingMu.Lock()
	r.pending.Wait()
	r.pendingMu.Unlock()
	r.client.Flush()
}

// Close waits for events still being recorded and shuts the telemetry
// client down.
func (r *Recorder) Close() {
	r.pendingMu.Lock()
	r.closed = true
	r.pending.Wait()
	r.pendingMu.Unlock()
	r.client.Close()
}

// Record builds an event from call and submits it. Problems building the
// event are logged and swallowed.
func (r *Recorder) Record(call CallRecord) {
	if !r.Enabled() {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("dropped telemetry event", zap.String("request_id", call.RequestID), zap.Any("panic", rec))
		}
	}()

	event := r.buildEvent(call)
	r.metrics.observeEvent(event)
	r.client.Submit(event)
}

// RecordAsync records call on its own goroutine.
func (r *Recorder) RecordAsync(call CallRecord) {
	if !r.Enabled() {
		return
	}
	r.pendingMu.RLock()
	defer r.pendingMu.RUnlock()
	if r.closed {
		r.metrics.dropped.WithLabelValues(dropClosed).Inc()
		return
	}
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		r.Record(call)
	}()
}

func (r *Recorder) routingHeaders(requestID string) map[string]string {
	return map[string]string{
		HeaderAPIKey:    r.config.APIKey,
		HeaderRequestID: requestID,
		HeaderOrgID:     r.config.OrgID,
	}
}

func (r *Recorder) buildEvent(call CallRecord) TelemetryEvent {
	usage := call.Usage
	usage.PromptTokens = max(usage.PromptTokens, 0)
	usage.CompletionTokens = max(usage.CompletionTokens, 0)
	if usage.TotalTokens <= 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	model := call.Model
	if model == "" {
		model = "unknown"
	}

	latency := float64(call.End.Sub(call.Start)) / float64(time.Millisecond)

	event := TelemetryEvent{
		Request: EventRequest{
			RequestID:      call.RequestID,
			OrgID:          r.config.OrgID,
			ProjectID:      optional(r.config.ProjectID),
			Endpoint:       call.Endpoint,
			Model:          model,
			MaxTokens:      call.MaxTokens,
			Temperature:    call.Temperature,
			TimestampStart: call.Start.UTC(),
		},
		Response: EventResponse{
			TimestampEnd: call.End.UTC(),
			TokenUsage:   usage,
			CostEstimate: EstimateCost(model, usage.PromptTokens, usage.CompletionTokens),
			LatencyMs:    max(latency, 0),
		},
		Context: EventContext{
			SDKLanguage:         sdkLanguage,
			SDKVersion:          Version,
			OriginClientVersion: r.config.ClientVersion,
			CallLineageID:       optional(call.LineageID),
		},
	}

	if call.Err != nil || call.ErrorClass != "" {
		class := call.ErrorClass
		if class == "" {
			class = fmt.Sprintf("%T", call.Err)
		}
		event.Response.ErrorClass = &class
		if call.Err != nil {
			msg := call.Err.Error()
			event.Response.ErrorMessage = &msg
		}
	}

	if call.Prompt != "" {
		if r.config.Telemetry.IncludePrompts {
			prompt := truncate(call.Prompt, r.config.Telemetry.ContentMaxLength)
			event.Request.Prompt = &prompt
		} else {
			hash := HashPrompt(call.Prompt)
			event.Context.PromptHash = &hash
		}
	}
	if r.config.Telemetry.IncludeResponses && call.Response != "" {
		content := truncate(call.Response, r.config.Telemetry.ContentMaxLength)
		event.Response.Content = &content
	}
	return event
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "... [truncated]"
}
