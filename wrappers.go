package skew

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const openAIModulePath = "github.com/sashabaranov/go-openai"

// OpenAIWrapper wraps an OpenAI client for automatic tracking. With the
// proxy enabled, requests go to the Skew gateway carrying the routing
// headers; if the gateway cannot be reached and FailOpen is set, the same
// request is sent straight to OpenAI.
type OpenAIWrapper struct {
	direct *openai.Client
	routed *openai.Client
	proxy  *Proxy
}

// WrapOpenAI builds an OpenAI client from oc and wraps it.
func WrapOpenAI(oc openai.ClientConfig, cfg Config) (*OpenAIWrapper, error) {
	if cfg.ClientVersion == "" || cfg.ClientVersion == "unknown" {
		cfg.ClientVersion = openAIClientVersion()
	}

	w := &OpenAIWrapper{
		direct: openai.NewClientWithConfig(withHeaderTransport(oc, 0)),
	}
	if cfg.Proxy.Enabled {
		routed := oc
		routed.BaseURL = cfg.Proxy.BaseURL
		w.routed = openai.NewClientWithConfig(withHeaderTransport(routed, cfg.Proxy.Timeout))
	}

	proxy, err := WrapWithConfig(w.namespace(), cfg)
	if err != nil {
		return nil, err
	}
	w.proxy = proxy
	return w, nil
}

// CreateChatCompletion creates a chat completion and tracks the call
func (w *OpenAIWrapper) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	params := Params{"model": req.Model, "messages": req.Messages}
	setSampling(params, req.MaxTokens, req.Temperature)

	res, err := w.invoke(ctx, params, func(ctx context.Context, c *openai.Client) (any, error) {
		return c.CreateChatCompletion(ctx, req)
	}, "chat", "completions", "create")
	resp, _ := res.(openai.ChatCompletionResponse)
	return resp, err
}

// CreateCompletion creates a legacy completion and tracks the call
func (w *OpenAIWrapper) CreateCompletion(ctx context.Context, req openai.CompletionRequest) (openai.CompletionResponse, error) {
	params := Params{"model": req.Model, "prompt": req.Prompt}
	setSampling(params, req.MaxTokens, req.Temperature)

	res, err := w.invoke(ctx, params, func(ctx context.Context, c *openai.Client) (any, error) {
		return c.CreateCompletion(ctx, req)
	}, "completions", "create")
	resp, _ := res.(openai.CompletionResponse)
	return resp, err
}

// CreateEmbeddings creates embeddings and tracks the call
func (w *OpenAIWrapper) CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequest) (openai.EmbeddingResponse, error) {
	params := Params{"model": fmt.Sprintf("%v", req.Model), "input": req.Input}

	res, err := w.invoke(ctx, params, func(ctx context.Context, c *openai.Client) (any, error) {
		return c.CreateEmbeddings(ctx, req)
	}, "embeddings", "create")
	resp, _ := res.(openai.EmbeddingResponse)
	return resp, err
}

// CreateModeration classifies input and tracks the call
func (w *OpenAIWrapper) CreateModeration(ctx context.Context, req openai.ModerationRequest) (openai.ModerationResponse, error) {
	params := Params{"model": req.Model, "input": req.Input}

	res, err := w.invoke(ctx, params, func(ctx context.Context, c *openai.Client) (any, error) {
		return c.Moderations(ctx, req)
	}, "moderations", "create")
	resp, _ := res.(openai.ModerationResponse)
	return resp, err
}

// CreateImage generates images and tracks the call
func (w *OpenAIWrapper) CreateImage(ctx context.Context, req openai.ImageRequest) (openai.ImageResponse, error) {
	params := Params{"prompt": req.Prompt}

	res, err := w.invoke(ctx, params, func(ctx context.Context, c *openai.Client) (any, error) {
		return c.CreateImage(ctx, req)
	}, "images", "generate")
	resp, _ := res.(openai.ImageResponse)
	return resp, err
}

// Proxy returns the dynamic view of the wrapped client, for calls such as
// Call(ctx, "chat.completions.create", params).
func (w *OpenAIWrapper) Proxy() *Proxy {
	return w.proxy
}

// Underlying returns the underlying OpenAI client for direct access
func (w *OpenAIWrapper) Underlying() *openai.Client {
	return w.direct
}

// IsProxyActive reports whether calls are routed through the gateway.
func (w *OpenAIWrapper) IsProxyActive() bool { return w.routed != nil }

func (w *OpenAIWrapper) PauseTelemetry()  { w.proxy.PauseTelemetry() }
func (w *OpenAIWrapper) ResumeTelemetry() { w.proxy.ResumeTelemetry() }
func (w *OpenAIWrapper) FlushTelemetry()  { w.proxy.FlushTelemetry() }

// Close flushes pending telemetry and stops the background flush.
func (w *OpenAIWrapper) Close() { w.proxy.Close() }

type openAICall func(ctx context.Context, c *openai.Client) (any, error)

func (w *OpenAIWrapper) invoke(ctx context.Context, params Params, call openAICall, path ...string) (any, error) {
	r := w.proxy.recorder
	return r.invoke(ctx, strings.Join(path, "."), EndpointFor(path...), params, func(ctx context.Context, p Params) (any, error) {
		return w.route(ctx, p.Headers(), call)
	})
}

// route sends the call through the gateway when routing headers are
// present, falling back to OpenAI directly on gateway failure if allowed.
func (w *OpenAIWrapper) route(ctx context.Context, headers map[string]string, call openAICall) (any, error) {
	requestID := headerValue(headers, HeaderRequestID)
	if w.routed == nil || requestID == "" {
		return call(ContextWithHeaders(ctx, headers), w.direct)
	}

	res, err := call(ContextWithHeaders(ctx, headers), w.routed)
	if err == nil || !w.proxy.recorder.config.Proxy.FailOpen || !isGatewayFailure(ctx, err) {
		return res, err
	}

	w.proxy.recorder.logger.Debug("gateway unreachable, calling OpenAI directly",
		zap.String("request_id", requestID), zap.Error(err))
	return call(ContextWithHeaders(ctx, withoutRoutingHeaders(headers)), w.direct)
}

// namespace exposes the client as a Tree. Params are decoded into the
// matching go-openai request type.
func (w *OpenAIWrapper) namespace() Tree {
	op := func(call func(ctx context.Context, c *openai.Client, p Params) (any, error)) Func {
		return func(ctx context.Context, p Params) (any, error) {
			return w.route(ctx, p.Headers(), func(ctx context.Context, c *openai.Client) (any, error) {
				return call(ctx, c, p)
			})
		}
	}

	return Tree{
		"chat": Tree{
			"completions": Tree{
				"create": op(func(ctx context.Context, c *openai.Client, p Params) (any, error) {
					var req openai.ChatCompletionRequest
					if err := p.Decode(&req); err != nil {
						return nil, err
					}
					return c.CreateChatCompletion(ctx, req)
				}),
			},
		},
		"completions": Tree{
			"create": op(func(ctx context.Context, c *openai.Client, p Params) (any, error) {
				var req openai.CompletionRequest
				if err := p.Decode(&req); err != nil {
					return nil, err
				}
				return c.CreateCompletion(ctx, req)
			}),
		},
		"embeddings": Tree{
			"create": op(func(ctx context.Context, c *openai.Client, p Params) (any, error) {
				var req openai.EmbeddingRequest
				if err := p.Decode(&req); err != nil {
					return nil, err
				}
				return c.CreateEmbeddings(ctx, req)
			}),
		},
		"moderations": Tree{
			"create": op(func(ctx context.Context, c *openai.Client, p Params) (any, error) {
				var req openai.ModerationRequest
				if err := p.Decode(&req); err != nil {
					return nil, err
				}
				return c.Moderations(ctx, req)
			}),
		},
		"images": Tree{
			"generate": op(func(ctx context.Context, c *openai.Client, p Params) (any, error) {
				var req openai.ImageRequest
				if err := p.Decode(&req); err != nil {
					return nil, err
				}
				return c.CreateImage(ctx, req)
			}),
		},
	}
}

// Decode copies params, minus extra headers, into a JSON-tagged request
// struct.
func (p Params) Decode(v any) error {
	body := make(map[string]any, len(p))
	for k, val := range p {
		if k != ParamHeaders {
			body[k] = val
		}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to decode params: %w", err)
	}
	return nil
}

// TrackCall is a helper to manually track any LLM call
func TrackCall(r *Recorder, endpoint, model string, fn func() (TokenUsage, error)) error {
	start := time.Now()
	usage, err := fn()
	end := time.Now()

	r.Record(CallRecord{
		RequestID: GenerateRequestID(),
		Endpoint:  endpoint,
		Model:     model,
		Start:     start,
		End:       end,
		Usage:     usage,
		Err:       err,
	})

	return err
}

func setSampling(params Params, maxTokens int, temperature float32) {
	if maxTokens > 0 {
		params["max_tokens"] = maxTokens
	}
	if temperature != 0 {
		params["temperature"] = temperature
	}
}

func withHeaderTransport(oc openai.ClientConfig, timeout time.Duration) openai.ClientConfig {
	var base http.RoundTripper = http.DefaultTransport
	var existing any = oc.HTTPClient
	if hc, ok := existing.(*http.Client); ok && hc != nil {
		if hc.Transport != nil {
			base = hc.Transport
		}
		if timeout == 0 {
			timeout = hc.Timeout
		}
	}
	oc.HTTPClient = &http.Client{
		Transport: &HeaderTransport{Base: base},
		Timeout:   timeout,
	}
	return oc
}

func withoutRoutingHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if !isRoutingHeader(k) {
			out[k] = v
		}
	}
	return out
}

// isGatewayFailure reports errors that mean the gateway, not OpenAI,
// failed: transport errors and gateway status codes.
func isGatewayFailure(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return false
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.HTTPStatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func openAIClientVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, dep := range info.Deps {
		if dep.Path != openAIModulePath {
			continue
		}
		if dep.Replace != nil && dep.Replace.Version != "" {
			return dep.Replace.Version
		}
		return dep.Version
	}
	return "unknown"
}
