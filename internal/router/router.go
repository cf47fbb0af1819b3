// Package router classifies requests into scenarios, resolves the routing
// key, and plans failover alternatives.
package router

import (
	"log/slog"
	"strings"

	"github.com/blueberrycongee/llmrelay/internal/config"
	"github.com/blueberrycongee/llmrelay/internal/tokenizer"
	llmerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// CustomModelAlias is the synthetic model name whose concrete provider+model
// is chosen at request time.
const CustomModelAlias = "custom-model"

// Plan is the routing decision for one request.
type Plan struct {
	Primary       types.Candidate
	Alternatives  []types.Candidate
	Scenario      types.Scenario
	IsCustomModel bool
}

// Router resolves scenario routes from configuration.
type Router struct {
	cfg      config.RouterConfig
	failover config.FailoverConfig
	logger   *slog.Logger
}

// New creates a router.
func New(cfg config.RouterConfig, failover config.FailoverConfig, logger *slog.Logger) *Router {
	return &Router{cfg: cfg, failover: failover, logger: logger}
}

// UpdateConfig applies a hot-reloaded configuration.
func (r *Router) UpdateConfig(cfg config.RouterConfig, failover config.FailoverConfig) {
	r.cfg = cfg
	r.failover = failover
}

// Route decides the primary candidate and failover alternatives for a
// request. An explicit "provider,model" value bypasses scenario routing and
// failover; the custom-model alias resolves through the scenario table.
func (r *Router) Route(req *types.ChatRequest, priority int) (Plan, error) {
	if strings.Contains(req.Model, ",") {
		cand, err := parseRouteKey(req.Model)
		if err != nil {
			return Plan{}, err
		}
		return Plan{Primary: cand, Scenario: r.Classify(req, priority)}, nil
	}

	scenario := r.Classify(req, priority)
	route := r.cfg.ScenarioRoute(string(scenario))
	if route == "" {
		return Plan{}, llmerrors.NewInvalidRequest("", "no route configured for model "+req.Model)
	}
	primary, err := parseRouteKey(route)
	if err != nil {
		return Plan{}, err
	}

	return Plan{
		Primary:       primary,
		Alternatives:  r.alternatives(primary),
		Scenario:      scenario,
		IsCustomModel: true,
	}, nil
}

// Classify maps a request onto a routing scenario.
func (r *Router) Classify(req *types.ChatRequest, priority int) types.Scenario {
	if hasWebSearchTool(req) {
		return types.ScenarioWebSearch
	}
	if len(req.Thinking) > 0 || len(req.Reasoning) > 0 {
		return types.ScenarioThink
	}
	if r.cfg.LongContextThreshold > 0 &&
		tokenizer.EstimatePromptTokens(req.Model, req) > r.cfg.LongContextThreshold {
		return types.ScenarioLongContext
	}
	if priority < 0 || strings.Contains(strings.ToLower(req.Model), "haiku") {
		return types.ScenarioBackground
	}
	return types.ScenarioDefault
}

// alternatives expands the failover table for a primary candidate. Bare
// provider entries inherit the primary's model.
func (r *Router) alternatives(primary types.Candidate) []types.Candidate {
	targets := append([]config.FailoverTarget(nil), r.failover.ByProvider[primary.Provider]...)
	targets = append(targets, r.failover.Global...)

	seen := map[string]struct{}{primary.Key(): {}}
	out := make([]types.Candidate, 0, len(targets))
	for _, t := range targets {
		cand := types.Candidate{Provider: t.Provider, Model: t.Model}
		if cand.Model == "" {
			cand.Model = primary.Model
		}
		if cand.Provider == "" {
			continue
		}
		if _, dup := seen[cand.Key()]; dup {
			continue
		}
		seen[cand.Key()] = struct{}{}
		out = append(out, cand)
	}
	return out
}

func parseRouteKey(key string) (types.Candidate, error) {
	provider, model, ok := strings.Cut(key, ",")
	provider = strings.TrimSpace(provider)
	model = strings.TrimSpace(model)
	if !ok || provider == "" || model == "" {
		return types.Candidate{}, llmerrors.NewInvalidRequest("", "invalid route key "+key+", want provider,model")
	}
	return types.Candidate{Provider: provider, Model: model}, nil
}

func hasWebSearchTool(req *types.ChatRequest) bool {
	for i := range req.Tools {
		t := &req.Tools[i]
		if strings.HasPrefix(t.Type, "web_search") || t.Name == "web_search" {
			return true
		}
	}
	return false
}
