package skew

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Routing headers injected into wrapped calls when the proxy is active.
const (
	HeaderAPIKey    = "X-SKEW-API-Key"
	HeaderRequestID = "X-SKEW-Request-ID"
	HeaderOrgID     = "X-SKEW-Org-ID"
)

// SDK identification headers sent with telemetry batches.
const (
	HeaderSDKName     = "X-Skew-SDK-Name"
	HeaderSDKVersion  = "X-Skew-SDK-Version"
	HeaderSDKLanguage = "X-Skew-SDK-Language"
)

// ParamHeaders is the Params key holding extra headers for the outgoing call.
const ParamHeaders = "extra_headers"

// RoutingError is returned instead of calling the wrapped client when
// routing fails and the proxy is configured to fail closed.
type RoutingError struct {
	RequestID string
	Err       error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("skew: routing request %s: %v", e.RequestID, e.Err)
}

func (e *RoutingError) Unwrap() error { return e.Err }

// withRoutingHeaders returns a copy of params whose extra headers contain
// the routing headers. The caller's params and header map are not modified.
// Caller headers under other keys are kept.
func withRoutingHeaders(params Params, routing map[string]string) (Params, error) {
	out := make(Params, len(params)+1)
	for k, v := range params {
		out[k] = v
	}

	switch h := params[ParamHeaders].(type) {
	case nil:
		merged := make(map[string]string, len(routing))
		for k, v := range routing {
			merged[k] = v
		}
		out[ParamHeaders] = merged
	case map[string]string:
		merged := make(map[string]string, len(h)+len(routing))
		for k, v := range h {
			merged[k] = v
		}
		for k, v := range routing {
			merged[k] = v
		}
		out[ParamHeaders] = merged
	case map[string]any:
		merged := make(map[string]any, len(h)+len(routing))
		for k, v := range h {
			merged[k] = v
		}
		for k, v := range routing {
			merged[k] = v
		}
		out[ParamHeaders] = merged
	case http.Header:
		merged := h.Clone()
		for k, v := range routing {
			merged.Set(k, v)
		}
		out[ParamHeaders] = merged
	default:
		return params, fmt.Errorf("cannot merge headers into %s of type %T", ParamHeaders, h)
	}
	return out, nil
}

// Headers returns the extra headers carried by params as a flat map.
func (p Params) Headers() map[string]string {
	switch h := p[ParamHeaders].(type) {
	case map[string]string:
		return h
	case map[string]any:
		out := make(map[string]string, len(h))
		for k, v := range h {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
		return out
	case http.Header:
		out := make(map[string]string, len(h))
		for k := range h {
			out[k] = h.Get(k)
		}
		return out
	}
	return nil
}

// headerValue looks name up in headers ignoring case. Keys coming from an
// http.Header are in canonical form.
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func isRoutingHeader(name string) bool {
	return strings.EqualFold(name, HeaderAPIKey) ||
		strings.EqualFold(name, HeaderRequestID) ||
		strings.EqualFold(name, HeaderOrgID)
}

type outgoingHeadersKey struct{}

// ContextWithHeaders attaches headers that a HeaderTransport adds to
// requests made with ctx.
func ContextWithHeaders(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return context.WithValue(ctx, outgoingHeadersKey{}, headers)
}

// HeaderTransport sets the headers attached with ContextWithHeaders on each
// outgoing request. Headers already present on the request are replaced.
type HeaderTransport struct {
	Base http.RoundTripper
}

func (t *HeaderTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	headers, _ := req.Context().Value(outgoingHeadersKey{}).(map[string]string)
	if len(headers) > 0 {
		req = req.Clone(req.Context())
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}
