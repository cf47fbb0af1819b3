package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/blueberrycongee/llmrelay/internal/classify"
	"github.com/blueberrycongee/llmrelay/internal/config"
	"github.com/blueberrycongee/llmrelay/internal/endpoint"
	"github.com/blueberrycongee/llmrelay/internal/headers"
	"github.com/blueberrycongee/llmrelay/internal/metrics"
	"github.com/blueberrycongee/llmrelay/internal/pool"
	"github.com/blueberrycongee/llmrelay/internal/provider"
	"github.com/blueberrycongee/llmrelay/internal/router"
	"github.com/blueberrycongee/llmrelay/internal/selector"
	"github.com/blueberrycongee/llmrelay/internal/streaming"
	"github.com/blueberrycongee/llmrelay/internal/transform"
	llmerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// Dispatcher drives the request lifecycle: candidate selection, slot
// admission, upstream call, response relay, failover and bookkeeping.
type Dispatcher struct {
	pool       *pool.Pool
	endpoints  *endpoint.Manager
	selector   *selector.Selector
	registry   *provider.Registry
	transforms *transform.Registry
	headers    *headers.Builder
	classifier *classify.Classifier
	streams    *streaming.Manager
	tracker    *metrics.Tracker

	httpClient *http.Client
	retry      classify.RetryPolicy
	poolCfg    func() config.ModelPoolConfig
	logger     *slog.Logger
}

// Options wires the dispatcher's collaborators.
type Options struct {
	Pool       *pool.Pool
	Endpoints  *endpoint.Manager
	Selector   *selector.Selector
	Registry   *provider.Registry
	Transforms *transform.Registry
	Headers    *headers.Builder
	Classifier *classify.Classifier
	Streams    *streaming.Manager
	Tracker    *metrics.Tracker
	HTTPClient *http.Client
	Retry      classify.RetryPolicy
	// PoolConfig reads the live queue/failover discipline settings; nil
	// disables the optional behaviors they gate.
	PoolConfig func() config.ModelPoolConfig
	Logger     *slog.Logger
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 0} // stream reads are bounded by the stream manager
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = classify.DefaultRetryPolicy()
	}
	return &Dispatcher{
		pool:       opts.Pool,
		endpoints:  opts.Endpoints,
		selector:   opts.Selector,
		registry:   opts.Registry,
		transforms: opts.Transforms,
		headers:    opts.Headers,
		classifier: opts.Classifier,
		streams:    opts.Streams,
		tracker:    opts.Tracker,
		httpClient: client,
		retry:      opts.Retry,
		poolCfg:    opts.PoolConfig,
		logger:     opts.Logger,
	}
}

// Handle runs one request to completion, writing the response (JSON or SSE
// stream) to w. The returned error is non-nil only when no response bytes
// have been committed, so callers can still render an error body.
func (d *Dispatcher) Handle(ctx context.Context, w http.ResponseWriter, req *types.ChatRequest, rctx *types.RequestContext, plan router.Plan) error {
	rctx.Scenario = plan.Scenario
	rctx.IsCustomModel = plan.IsCustomModel
	rctx.Alternatives = plan.Alternatives

	primary := plan.Primary
	if plan.IsCustomModel {
		sel := d.selector.Select(plan.Primary, plan.Alternatives, plan.Scenario, rctx.Priority)
		primary = sel.Selected
		rctx.ShouldRace = sel.ShouldRace
		rctx.RaceCandidates = sel.RaceCandidates
	}
	rctx.Provider = primary.Provider
	rctx.Model = primary.Model

	rec := &metrics.Record{Context: *rctx, Streaming: rctx.Streaming}
	defer func() {
		rec.Context = *rctx
		rec.Latency = time.Since(rctx.StartTime)
		d.tracker.Add(rec)
	}()

	if rctx.ShouldRace {
		metrics.Races.WithLabelValues(primary.Provider, primary.Model).Inc()
		rec.HadRace = true
		err := d.runRace(ctx, w, req, rctx, rec, append([]types.Candidate{primary}, rctx.RaceCandidates...))
		d.finishRecord(rec, err)
		return err
	}

	err := d.singlePath(ctx, w, req, rctx, rec, primary)
	if err == nil {
		d.finishRecord(rec, nil)
		return nil
	}

	var provErr *llmerrors.ProviderError
	if rctx.IsCustomModel && errors.As(err, &provErr) && provErr.FailoverEligible() {
		if ferr := d.handleFailover(ctx, w, req, rctx, rec, err); ferr == nil {
			d.finishRecord(rec, nil)
			return nil
		}
	}
	d.finishRecord(rec, err)
	return err
}

func (d *Dispatcher) finishRecord(rec *metrics.Record, err error) {
	status := http.StatusOK
	if err != nil {
		var provErr *llmerrors.ProviderError
		if errors.As(err, &provErr) {
			status = provErr.HTTPStatusCode()
			rec.ErrorCode = provErr.Code
		} else {
			status = http.StatusInternalServerError
		}
	}
	rec.Success = err == nil
	rec.Status = status
	metrics.RequestsTotal.WithLabelValues(rec.Context.Provider, rec.Context.Model, strconv.Itoa(status)).Inc()
	metrics.RequestLatency.WithLabelValues(rec.Context.Provider, rec.Context.Model).Observe(time.Since(rec.Context.StartTime).Seconds())
}

// singlePath admits, calls and delivers on one candidate, queueing when the
// slot is not admissible. With skip_rate_limited enabled, a custom-model
// request facing a rate-limited slot jumps straight to its alternatives
// instead of queueing behind the cooldown.
func (d *Dispatcher) singlePath(ctx context.Context, w http.ResponseWriter, req *types.ChatRequest, rctx *types.RequestContext, rec *metrics.Record, cand types.Candidate) error {
	if d.poolCfg != nil && d.poolCfg().Queue.SkipRateLimited &&
		rctx.IsCustomModel && d.pool.IsRateLimited(cand.Provider, cand.Model) {
		if available := d.pool.GetAvailableAlternatives(rctx.Alternatives); len(available) > 0 {
			rec.HadFailover = true
			rec.FailoverAttempts++
			metrics.Failovers.WithLabelValues(cand.Provider, cand.Model).Inc()
			rctx.LogStage("skip_rate_limited", cand.Key())
			return d.runRace(ctx, w, req, rctx, rec, available)
		}
	}

	a, err := d.callCandidate(ctx, req, rctx, cand, true)
	if err != nil {
		return err
	}
	return d.deliver(ctx, w, a, rctx, rec)
}

// handleFailover races the admissible alternatives after an eligible primary
// failure. The original failure is surfaced only when every alternative
// fails too.
func (d *Dispatcher) handleFailover(ctx context.Context, w http.ResponseWriter, req *types.ChatRequest, rctx *types.RequestContext, rec *metrics.Record, original error) error {
	available := d.pool.GetAvailableAlternatives(rctx.Alternatives)
	if len(available) == 0 {
		return original
	}
	// Priority failover narrows the race to the best-scored alternatives
	// instead of fanning out to every admissible one.
	if d.poolCfg != nil && d.poolCfg().PriorityFailover && len(available) > 1 {
		sel := d.selector.Select(available[0], available[1:], rctx.Scenario, rctx.Priority)
		available = append([]types.Candidate{sel.Selected}, sel.RaceCandidates...)
	}

	rec.HadFailover = true
	rec.FailoverAttempts++
	metrics.Failovers.WithLabelValues(rctx.Provider, rctx.Model).Inc()
	d.logger.Info("failing over",
		"request_id", rctx.RequestID, "from", rctx.Provider+","+rctx.Model,
		"alternatives", len(available), "cause", original.Error())
	rctx.LogStage("failover", original.Error())

	if err := d.runRace(ctx, w, req, rctx, rec, available); err != nil {
		return original
	}
	return nil
}
