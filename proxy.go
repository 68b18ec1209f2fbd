package skew

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrOperationNotFound is returned by Proxy.Call for paths that do not
// resolve to an operation.
var ErrOperationNotFound = errors.New("skew: operation not found")

// Params is the argument set of one operation. Conventional keys are
// model, messages, prompt, input, max_tokens, temperature and extra_headers.
type Params map[string]any

// Func is a single callable operation of a wrapped client.
type Func func(ctx context.Context, params Params) (any, error)

// Namespace is one node of a wrapped client's operation tree. Resolve
// returns a Func (or a func with the same signature), a nested Namespace,
// or any other value, which is passed through untouched.
type Namespace interface {
	Names() []string
	Resolve(name string) (any, bool)
}

// Tree is a map-backed Namespace.
type Tree map[string]any

// Names returns the member names in sorted order.
func (t Tree) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t Tree) Resolve(name string) (any, bool) {
	v, ok := t[name]
	return v, ok
}

// Proxy wraps a Namespace so every operation reachable through it records
// telemetry. Results and errors of the wrapped operations are returned
// unchanged.
type Proxy struct {
	target   Namespace
	recorder *Recorder
	path     []string
}

// Wrap wraps target with telemetry using the given Skew API key.
func Wrap(target Namespace, apiKey string, opts ...Option) (*Proxy, error) {
	cfg := DefaultConfig(apiKey)
	for _, opt := range opts {
		opt(&cfg)
	}
	return WrapWithConfig(target, cfg)
}

// WrapWithConfig wraps target with a custom configuration.
func WrapWithConfig(target Namespace, cfg Config) (*Proxy, error) {
	if target == nil {
		return nil, errors.New("skew: target namespace is nil")
	}
	recorder, err := NewRecorder(cfg)
	if err != nil {
		return nil, err
	}
	return &Proxy{target: target, recorder: recorder}, nil
}

// Names lists the members of the wrapped namespace.
func (p *Proxy) Names() []string {
	return p.target.Names()
}

// Resolve looks up name on the wrapped namespace. Operations come back
// instrumented and namespaces come back wrapped; other values are returned
// as they are.
func (p *Proxy) Resolve(name string) (any, bool) {
	v, ok := p.target.Resolve(name)
	if !ok {
		return nil, false
	}
	path := p.childPath(name)

	switch member := v.(type) {
	case Func:
		return p.recorder.instrument(path, member), true
	case func(context.Context, Params) (any, error):
		return p.recorder.instrument(path, member), true
	case *Proxy:
		return member, true
	case Namespace:
		return &Proxy{target: member, recorder: p.recorder, path: path}, true
	}
	return v, true
}

// Namespace returns the wrapped namespace called name.
func (p *Proxy) Namespace(name string) (*Proxy, bool) {
	v, ok := p.Resolve(name)
	if !ok {
		return nil, false
	}
	ns, ok := v.(*Proxy)
	return ns, ok
}

// Func returns the instrumented operation called name.
func (p *Proxy) Func(name string) (Func, bool) {
	v, ok := p.Resolve(name)
	if !ok {
		return nil, false
	}
	fn, ok := v.(Func)
	return fn, ok
}

// Call resolves a dotted path such as "chat.completions.create" and
// invokes the operation at its end.
func (p *Proxy) Call(ctx context.Context, path string, params Params) (any, error) {
	parts := strings.Split(path, ".")
	ns := p
	for _, name := range parts[:len(parts)-1] {
		next, ok := ns.Namespace(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, path)
		}
		ns = next
	}
	fn, ok := ns.Func(parts[len(parts)-1])
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, path)
	}
	return fn(ctx, params)
}

// Unwrap returns the wrapped namespace.
func (p *Proxy) Unwrap() Namespace {
	return p.target
}

// Recorder returns the recorder shared by this proxy and its namespaces.
func (p *Proxy) Recorder() *Recorder {
	return p.recorder
}

// IsProxyActive reports whether calls are routed through the Skew gateway.
func (p *Proxy) IsProxyActive() bool {
	return p.recorder.ProxyActive()
}

// PauseTelemetry stops collecting telemetry until ResumeTelemetry.
func (p *Proxy) PauseTelemetry() {
	p.recorder.Pause()
}

// ResumeTelemetry resumes telemetry collection.
func (p *Proxy) ResumeTelemetry() {
	p.recorder.Resume()
}

// FlushTelemetry delivers pending telemetry now.
func (p *Proxy) FlushTelemetry() {
	p.recorder.Flush()
}

// Close flushes pending telemetry and stops the background flush.
func (p *Proxy) Close() {
	p.recorder.Close()
}

func (p *Proxy) childPath(name string) []string {
	path := make([]string, len(p.path), len(p.path)+1)
	copy(path, p.path)
	return append(path, name)
}
