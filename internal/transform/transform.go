// Package transform implements the dialect transformer chain: ordered
// request pipelines from client dialect to unified form and on to the
// provider dialect, with the reverse pipelines on the response path.
package transform

import (
	"strings"

	"github.com/blueberrycongee/llmrelay/internal/provider"
	llmerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// Config is the accumulated transformer configuration delta. Later entries
// win under shallow merge.
type Config map[string]any

// Merge shallow-merges other into c, other winning.
func (c Config) Merge(other Config) Config {
	if len(other) == 0 {
		return c
	}
	if c == nil {
		c = make(Config, len(other))
	}
	for k, v := range other {
		c[k] = v
	}
	return c
}

// Transformer is a named dialect step. Capabilities are expressed by the
// optional interfaces below; the chain discovers them by type assertion.
type Transformer interface {
	Name() string
}

// RequestOut converts a client-dialect request into the unified form.
type RequestOut interface {
	TransformRequestOut(req *types.ChatRequest, rctx *types.RequestContext) (*types.ChatRequest, error)
}

// RequestIn converts a unified request into the provider dialect.
type RequestIn interface {
	TransformRequestIn(req *types.ChatRequest, rctx *types.RequestContext) (*types.ChatRequest, Config, error)
}

// ResponseOut converts a provider-dialect response body into the unified
// form.
type ResponseOut interface {
	TransformResponseOut(body []byte, rctx *types.RequestContext) ([]byte, error)
}

// ResponseIn converts a unified response body into the client dialect.
type ResponseIn interface {
	TransformResponseIn(body []byte, rctx *types.RequestContext) ([]byte, error)
}

// Auth produces authorization headers (and optionally mutates the request)
// when the chain is bypassed.
type Auth interface {
	AuthHeaders(rctx *types.RequestContext, apiKey string) (map[string]string, error)
}

// Registry resolves transformer names from provider configuration.
type Registry struct {
	transformers map[string]Transformer
}

// NewRegistry creates a registry with the built-in dialects installed.
func NewRegistry() *Registry {
	r := &Registry{transformers: make(map[string]Transformer)}
	r.Register(&OpenAI{})
	r.Register(&Anthropic{})
	r.Register(&Iflow{})
	return r
}

// Register installs a transformer under its name.
func (r *Registry) Register(t Transformer) {
	r.transformers[strings.ToLower(t.Name())] = t
}

// Lookup resolves one transformer name.
func (r *Registry) Lookup(name string) (Transformer, bool) {
	t, ok := r.transformers[strings.ToLower(name)]
	return t, ok
}

// Chain is the resolved transformer pipeline for one request.
type Chain struct {
	ingress       Transformer
	providerChain []Transformer
	modelChain    []Transformer
	bypass        bool
}

// Build resolves the chain for an ingress dialect and target provider+model.
// When the ingress dialect equals the sole provider-level transformer and no
// model-level transformers apply, the chain is bypassed and the request is
// forwarded as-is.
func (r *Registry) Build(ingressDialect string, p *provider.Provider, model string) (*Chain, error) {
	ingress, ok := r.Lookup(ingressDialect)
	if !ok {
		return nil, llmerrors.NewInvalidRequest("", "unknown ingress dialect "+ingressDialect)
	}

	providerNames := p.Transformers.Use
	if len(providerNames) == 0 && p.Kind != "" {
		providerNames = []string{p.Kind}
	}

	c := &Chain{ingress: ingress}
	for _, name := range providerNames {
		t, ok := r.Lookup(name)
		if !ok {
			return nil, llmerrors.NewInvalidRequest(p.Name, "unknown transformer "+name)
		}
		c.providerChain = append(c.providerChain, t)
	}
	for _, name := range p.Transformers.PerModel[model] {
		t, ok := r.Lookup(name)
		if !ok {
			return nil, llmerrors.NewInvalidRequest(p.Name, "unknown transformer "+name)
		}
		c.modelChain = append(c.modelChain, t)
	}

	c.bypass = len(c.modelChain) == 0 &&
		len(c.providerChain) == 1 &&
		strings.EqualFold(c.providerChain[0].Name(), ingress.Name())
	return c, nil
}

// Bypassed reports whether the chain forwards requests unchanged.
func (c *Chain) Bypassed() bool {
	return c.bypass
}

// ApplyRequest runs the request pipelines: ingress dialect to unified, then
// provider chain, then model chain. Transformer configs accumulate by
// shallow merge, later configs winning.
func (c *Chain) ApplyRequest(req *types.ChatRequest, rctx *types.RequestContext) (*types.ChatRequest, Config, error) {
	if c.bypass {
		return req, nil, nil
	}

	out := req
	if t, ok := c.ingress.(RequestOut); ok {
		converted, err := t.TransformRequestOut(out, rctx)
		if err != nil {
			return nil, nil, err
		}
		out = converted
	}

	var cfg Config
	for _, step := range append(append([]Transformer(nil), c.providerChain...), c.modelChain...) {
		t, ok := step.(RequestIn)
		if !ok {
			continue
		}
		converted, delta, err := t.TransformRequestIn(out, rctx)
		if err != nil {
			return nil, nil, err
		}
		out = converted
		cfg = cfg.Merge(delta)
	}
	return out, cfg, nil
}

// ApplyResponse runs the response pipelines: model chain reversed, provider
// chain reversed, then the ingress dialect last.
func (c *Chain) ApplyResponse(body []byte, rctx *types.RequestContext) ([]byte, error) {
	if c.bypass {
		return body, nil
	}

	out := body
	for i := len(c.modelChain) - 1; i >= 0; i-- {
		if t, ok := c.modelChain[i].(ResponseOut); ok {
			converted, err := t.TransformResponseOut(out, rctx)
			if err != nil {
				return nil, err
			}
			out = converted
		}
	}
	for i := len(c.providerChain) - 1; i >= 0; i-- {
		if t, ok := c.providerChain[i].(ResponseOut); ok {
			converted, err := t.TransformResponseOut(out, rctx)
			if err != nil {
				return nil, err
			}
			out = converted
		}
	}
	if t, ok := c.ingress.(ResponseIn); ok {
		converted, err := t.TransformResponseIn(out, rctx)
		if err != nil {
			return nil, err
		}
		out = converted
	}
	return out, nil
}

// AuthHeaders returns the auth hook's headers when the chain is bypassed and
// the active transformer exposes one. The caller falls back to the header
// builder otherwise.
func (c *Chain) AuthHeaders(rctx *types.RequestContext, apiKey string) (map[string]string, bool, error) {
	if !c.bypass || len(c.providerChain) != 1 {
		return nil, false, nil
	}
	auth, ok := c.providerChain[0].(Auth)
	if !ok {
		return nil, false, nil
	}
	h, err := auth.AuthHeaders(rctx, apiKey)
	return h, err == nil, err
}
