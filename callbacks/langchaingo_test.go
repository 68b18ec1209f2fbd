package callbacks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/skew-ai/skew-go"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

// collector records telemetry batches sent by the recorder
type collector struct {
	*httptest.Server
	mu     sync.Mutex
	events []skew.TelemetryEvent
}

func newCollector() *collector {
	c := &collector{}
	c.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req skew.BatchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		c.mu.Lock()
		c.events = append(c.events, req.Events...)
		c.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	return c
}

func (c *collector) Events() []skew.TelemetryEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]skew.TelemetryEvent(nil), c.events...)
}

func newTestRecorder(t *testing.T, c *collector, opts ...func(*skew.Config)) *skew.Recorder {
	t.Helper()
	cfg := skew.DefaultConfig("test-key")
	cfg.Telemetry.Endpoint = c.URL
	cfg.Telemetry.BatchSize = 100
	cfg.Telemetry.FlushInterval = time.Hour
	for _, opt := range opts {
		opt(&cfg)
	}
	r, err := skew.NewRecorder(cfg)
	if err != nil {
		t.Fatalf("failed to create recorder: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestNewHandler(t *testing.T) {
	c := newCollector()
	defer c.Close()
	r := newTestRecorder(t, c)

	handler := NewHandler(r)
	if handler == nil {
		t.Fatal("Expected handler to be created")
	}
	if handler.recorder != r {
		t.Error("Expected recorder to be set")
	}
	if handler.model != "unknown" {
		t.Errorf("Expected default model 'unknown', got '%s'", handler.model)
	}
	if handler.endpoint != skew.DefaultEndpoint {
		t.Errorf("Expected default endpoint, got '%s'", handler.endpoint)
	}
}

func TestHandlerOptions(t *testing.T) {
	c := newCollector()
	defer c.Close()
	r := newTestRecorder(t, c)

	handler := NewHandler(r,
		WithModel("gpt-4o"),
		WithEndpoint("completions"),
	)

	if handler.model != "gpt-4o" {
		t.Errorf("Expected model 'gpt-4o', got '%s'", handler.model)
	}
	if handler.endpoint != "completions" {
		t.Errorf("Expected endpoint 'completions', got '%s'", handler.endpoint)
	}
}

func TestHandleLLMStartAndEnd(t *testing.T) {
	c := newCollector()
	defer c.Close()
	r := newTestRecorder(t, c)

	handler := NewHandler(r, WithModel("gpt-4o"))
	ctx := context.Background()

	handler.HandleLLMStart(ctx, []string{"Hello, world!"})

	// Small delay to ensure latency is measurable
	time.Sleep(10 * time.Millisecond)

	output := &llms.ContentResponse{
		Choices: []*llms.ContentChoice{
			{
				Content: "Hi there!",
				GenerationInfo: map[string]any{
					"PromptTokens":     1000,
					"CompletionTokens": 500,
				},
			},
		},
	}
	handler.HandleLLMGenerateContentEnd(ctx, output)
	r.Flush()

	events := c.Events()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Request.Model != "gpt-4o" {
		t.Errorf("Expected model 'gpt-4o', got '%s'", ev.Request.Model)
	}
	if ev.Response.TokenUsage.TotalTokens != 1500 {
		t.Errorf("Expected 1500 total tokens, got %d", ev.Response.TokenUsage.TotalTokens)
	}
	if ev.Response.CostEstimate <= 0 {
		t.Errorf("Expected positive cost, got %v", ev.Response.CostEstimate)
	}
	if ev.Response.LatencyMs < 10 {
		t.Errorf("Expected latency of at least 10ms, got %v", ev.Response.LatencyMs)
	}
	if ev.Context.PromptHash == nil || *ev.Context.PromptHash != skew.HashPrompt("Hello, world!") {
		t.Errorf("Expected prompt hash, got %v", ev.Context.PromptHash)
	}
	if ev.Request.Prompt != nil || ev.Response.Content != nil {
		t.Error("Expected content to be left out by default")
	}
}

func TestHandlerCapturesContent(t *testing.T) {
	c := newCollector()
	defer c.Close()
	r := newTestRecorder(t, c, func(cfg *skew.Config) {
		cfg.Telemetry.IncludePrompts = true
		cfg.Telemetry.IncludeResponses = true
	})

	handler := NewHandler(r)
	ctx := context.Background()

	handler.HandleLLMGenerateContentStart(ctx, []llms.MessageContent{
		{
			Role:  schema.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextContent{Text: "Hello, Claude!"}},
		},
	})
	handler.HandleLLMGenerateContentEnd(ctx, &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: "Hi!"}},
	})
	r.Flush()

	events := c.Events()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if p := events[0].Request.Prompt; p == nil || *p != "Hello, Claude!" {
		t.Errorf("Expected prompt 'Hello, Claude!', got %v", p)
	}
	if content := events[0].Response.Content; content == nil || *content != "Hi!" {
		t.Errorf("Expected content 'Hi!', got %v", content)
	}
}

func TestHandleLLMError(t *testing.T) {
	c := newCollector()
	defer c.Close()
	r := newTestRecorder(t, c)

	handler := NewHandler(r)
	ctx := context.Background()

	handler.HandleLLMStart(ctx, []string{"Hello"})
	handler.HandleLLMError(ctx, errors.New("API rate limit exceeded"))
	r.Flush()

	events := c.Events()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if !events[0].Failed() {
		t.Error("Expected failed event")
	}
	if msg := events[0].Response.ErrorMessage; msg == nil || *msg != "API rate limit exceeded" {
		t.Errorf("Expected error message, got %v", msg)
	}
}

func TestConcurrentRuns(t *testing.T) {
	c := newCollector()
	defer c.Close()
	r := newTestRecorder(t, c)

	handler := NewHandler(r)

	ctx1 := WithRunID(context.Background(), "run-1")
	ctx2 := NewRun(context.Background())

	handler.HandleLLMStart(ctx1, []string{"First prompt"})
	handler.HandleLLMStart(ctx2, []string{"Second prompt"})

	// End in reverse order
	handler.HandleLLMGenerateContentEnd(ctx2, &llms.ContentResponse{})
	handler.HandleLLMGenerateContentEnd(ctx1, &llms.ContentResponse{})
	r.Flush()

	events := c.Events()
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if *events[0].Context.PromptHash != skew.HashPrompt("Second prompt") {
		t.Error("Expected first event to belong to the second run")
	}
	if *events[1].Context.PromptHash != skew.HashPrompt("First prompt") {
		t.Error("Expected second event to belong to the first run")
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.runs) != 0 {
		t.Errorf("Expected finished runs to be released, got %d", len(handler.runs))
	}
}

func TestEndWithoutStart(t *testing.T) {
	c := newCollector()
	defer c.Close()
	r := newTestRecorder(t, c)

	handler := NewHandler(r)
	handler.HandleLLMGenerateContentEnd(context.Background(), nil)
	r.Flush()

	events := c.Events()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].Response.LatencyMs != 0 {
		t.Errorf("Expected zero latency, got %v", events[0].Response.LatencyMs)
	}
}

func TestNoOpCallbacks(t *testing.T) {
	c := newCollector()
	defer c.Close()
	r := newTestRecorder(t, c)

	handler := NewHandler(r)
	ctx := context.Background()

	// These should not panic or record anything
	handler.HandleChainStart(ctx, map[string]any{})
	handler.HandleChainEnd(ctx, map[string]any{})
	handler.HandleChainError(ctx, errors.New("test"))
	handler.HandleToolStart(ctx, "input")
	handler.HandleToolEnd(ctx, "output")
	handler.HandleToolError(ctx, errors.New("test"))
	handler.HandleRetrieverStart(ctx, "query")
	handler.HandleRetrieverEnd(ctx, "query", nil)
	handler.HandleStreamingFunc(ctx, []byte("chunk"))
	handler.HandleText(ctx, "some text")
	r.Flush()

	if n := len(c.Events()); n != 0 {
		t.Errorf("Expected no events, got %d", n)
	}
}
