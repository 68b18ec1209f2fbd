// Package callbacks provides callback handlers for LLM framework integrations.
package callbacks

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/skew-ai/skew-go"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

type runIDKey struct{}

// WithRunID tags ctx with a run id so overlapping LLM runs sharing one
// handler are told apart.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// NewRun tags ctx with a fresh run id.
func NewRun(ctx context.Context) context.Context {
	return WithRunID(ctx, uuid.NewString())
}

// Handler is a LangChain callback handler that records each LLM run as
// a Skew telemetry event. Implements the langchaingo callbacks.Handler
// interface.
type Handler struct {
	recorder *skew.Recorder
	model    string
	endpoint string

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	requestID string
	start     time.Time
	prompt    string
}

// HandlerOption is a function that configures a Handler.
type HandlerOption func(*Handler)

// WithModel sets the model name reported for runs. langchaingo does not
// pass it to callbacks.
func WithModel(model string) HandlerOption {
	return func(h *Handler) {
		h.model = model
	}
}

// WithEndpoint sets the endpoint label reported for runs.
func WithEndpoint(endpoint string) HandlerOption {
	return func(h *Handler) {
		h.endpoint = endpoint
	}
}

// NewHandler creates a new LangChain callback handler recording to r.
func NewHandler(r *skew.Recorder, opts ...HandlerOption) *Handler {
	h := &Handler{
		recorder: r,
		model:    "unknown",
		endpoint: skew.DefaultEndpoint,
		runs:     make(map[string]*run),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// HandleLLMStart is called when an LLM starts running.
func (h *Handler) HandleLLMStart(ctx context.Context, prompts []string) {
	h.begin(ctx, strings.Join(prompts, "\n---\n"))
}

// HandleLLMGenerateContentStart is called when content generation starts.
func (h *Handler) HandleLLMGenerateContentStart(ctx context.Context, ms []llms.MessageContent) {
	var prompts []string
	for _, m := range ms {
		var parts []string
		for _, p := range m.Parts {
			if tc, ok := p.(llms.TextContent); ok {
				parts = append(parts, tc.Text)
			}
		}
		if len(parts) > 0 {
			prompts = append(prompts, strings.Join(parts, " "))
		}
	}
	h.begin(ctx, strings.Join(prompts, "\n---\n"))
}

// HandleLLMGenerateContentEnd is called when an LLM finishes generating content.
func (h *Handler) HandleLLMGenerateContentEnd(ctx context.Context, res *llms.ContentResponse) {
	call := h.end(ctx)

	if res != nil {
		var responseParts []string
		for _, choice := range res.Choices {
			if choice.GenerationInfo != nil {
				if n, ok := number(choice.GenerationInfo["PromptTokens"]); ok {
					call.Usage.PromptTokens = n
				}
				if n, ok := number(choice.GenerationInfo["CompletionTokens"]); ok {
					call.Usage.CompletionTokens = n
				}
				if n, ok := number(choice.GenerationInfo["TotalTokens"]); ok {
					call.Usage.TotalTokens = n
				}
			}
			if choice.Content != "" {
				responseParts = append(responseParts, choice.Content)
			}
		}
		call.Response = strings.Join(responseParts, "\n")
	}

	h.recorder.Record(call)
}

// HandleLLMError is called when an LLM errors.
func (h *Handler) HandleLLMError(ctx context.Context, err error) {
	call := h.end(ctx)
	call.Err = err
	h.recorder.Record(call)
}

// HandleChainStart is a no-op.
func (h *Handler) HandleChainStart(ctx context.Context, inputs map[string]any) {}

// HandleChainEnd is a no-op.
func (h *Handler) HandleChainEnd(ctx context.Context, outputs map[string]any) {}

// HandleChainError is a no-op.
func (h *Handler) HandleChainError(ctx context.Context, err error) {}

// HandleToolStart is a no-op.
func (h *Handler) HandleToolStart(ctx context.Context, input string) {}

// HandleToolEnd is a no-op.
func (h *Handler) HandleToolEnd(ctx context.Context, output string) {}

// HandleToolError is a no-op.
func (h *Handler) HandleToolError(ctx context.Context, err error) {}

// HandleAgentAction is a no-op.
func (h *Handler) HandleAgentAction(ctx context.Context, action schema.AgentAction) {}

// HandleAgentFinish is a no-op.
func (h *Handler) HandleAgentFinish(ctx context.Context, finish schema.AgentFinish) {}

// HandleRetrieverStart is a no-op.
func (h *Handler) HandleRetrieverStart(ctx context.Context, query string) {}

// HandleRetrieverEnd is a no-op.
func (h *Handler) HandleRetrieverEnd(ctx context.Context, query string, documents []schema.Document) {
}

// HandleStreamingFunc is a no-op.
func (h *Handler) HandleStreamingFunc(ctx context.Context, chunk []byte) {}

// HandleText is a no-op.
func (h *Handler) HandleText(ctx context.Context, text string) {}

func (h *Handler) begin(ctx context.Context, prompt string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.runs[runID(ctx)] = &run{
		requestID: skew.GenerateRequestID(),
		start:     time.Now(),
		prompt:    prompt,
	}
}

// end closes the run of ctx. A run with no recorded start gets zero
// latency.
func (h *Handler) end(ctx context.Context) skew.CallRecord {
	now := time.Now()
	id := runID(ctx)

	h.mu.Lock()
	r, ok := h.runs[id]
	delete(h.runs, id)
	h.mu.Unlock()

	if !ok {
		r = &run{requestID: skew.GenerateRequestID(), start: now}
	}
	return skew.CallRecord{
		RequestID: r.requestID,
		Endpoint:  h.endpoint,
		Model:     h.model,
		Start:     r.start,
		End:       now,
		Prompt:    r.prompt,
		LineageID: skew.LineageID(ctx),
	}
}

func runID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey{}).(string); ok {
		return id
	}
	return ""
}

func number(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
