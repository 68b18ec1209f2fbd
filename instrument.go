package skew

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// panicError stands in for a panic value in telemetry.
type panicError struct {
	value any
}

func (e panicError) Error() string {
	return fmt.Sprint(e.value)
}

// instrument returns fn wrapped with request ids, optional routing headers
// and telemetry. fn sees the caller's ctx and params, plus routing headers
// when the proxy is active; its results, errors and panics reach the
// caller unchanged.
func (r *Recorder) instrument(path []string, fn Func) Func {
	endpoint := EndpointFor(path...)
	operation := strings.Join(path, ".")

	return func(ctx context.Context, params Params) (any, error) {
		return r.invoke(ctx, operation, endpoint, params, fn)
	}
}

func (r *Recorder) invoke(ctx context.Context, operation, endpoint string, params Params, fn Func) (result any, err error) {
	requestID := GenerateRequestID()
	start := time.Now()

	callParams := params
	if r.ProxyActive() {
		routed, rerr := withRoutingHeaders(params, r.routingHeaders(requestID))
		switch {
		case rerr == nil:
			callParams = routed
		case r.config.Proxy.FailOpen:
			r.logger.Debug("routing headers skipped", zap.String("operation", operation), zap.Error(rerr))
		default:
			err = &RoutingError{RequestID: requestID, Err: rerr}
			call := r.newRecord(requestID, endpoint, captureFacts(params), LineageID(ctx), start, time.Now())
			call.Err = err
			r.RecordAsync(call)
			return nil, err
		}
	}

	if !r.Enabled() {
		return fn(ctx, callParams)
	}

	facts := captureFacts(params)
	lineage := LineageID(ctx)

	completed := false
	defer func() {
		if completed {
			return
		}
		rec := recover()
		if rec == nil {
			return
		}
		call := r.newRecord(requestID, endpoint, facts, lineage, start, time.Now())
		call.Err = panicError{value: rec}
		call.ErrorClass = "panic"
		r.RecordAsync(call)
		panic(rec)
	}()

	result, err = fn(ctx, callParams)
	completed = true
	end := time.Now()

	call := r.newRecord(requestID, endpoint, facts, lineage, start, end)
	if err != nil {
		call.Err = err
	} else {
		call.Usage = extractUsage(result)
		if r.config.Telemetry.IncludeResponses {
			call.Response = extractContent(result)
		}
	}
	r.RecordAsync(call)
	return result, err
}

func (r *Recorder) newRecord(requestID, endpoint string, facts requestFacts, lineage string, start, end time.Time) CallRecord {
	return CallRecord{
		RequestID:   requestID,
		Endpoint:    endpoint,
		Model:       facts.model,
		MaxTokens:   facts.maxTokens,
		Temperature: facts.temperature,
		Start:       start,
		End:         end,
		Prompt:      facts.prompt,
		LineageID:   lineage,
	}
}
