package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmrelay/internal/classify"
	"github.com/blueberrycongee/llmrelay/internal/metrics"
	"github.com/blueberrycongee/llmrelay/internal/provider"
	"github.com/blueberrycongee/llmrelay/internal/streaming"
	"github.com/blueberrycongee/llmrelay/internal/transform"
	llmerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// maxErrorBodyBytes bounds how much of an upstream error body is read for
// classification.
const maxErrorBodyBytes = 64 << 10

// attempt is one admitted upstream call, ready for delivery.
type attempt struct {
	lease *lease
	prov  *provider.Provider
	cand  types.Candidate
	chain *transform.Chain
	rctx  *types.RequestContext
	body  []byte
	url   string
	resp  *http.Response
}

// callCandidate admits the request on the candidate, transforms the payload
// and completes the upstream POST (headers re-signed per retry). The
// returned attempt holds an unread response body. Rate-limit failures mark
// the slot before propagating; the lease is always settled on error.
func (d *Dispatcher) callCandidate(ctx context.Context, req *types.ChatRequest, rctx *types.RequestContext, cand types.Candidate, allowQueue bool) (*attempt, error) {
	l, err := d.acquire(ctx, rctx, cand, allowQueue)
	if err != nil {
		return nil, err
	}
	prov := l.prov

	chain, err := d.transforms.Build(rctx.IngressDialect, prov, cand.Model)
	if err != nil {
		l.releaseCanceled()
		return nil, err
	}

	outReq := req.Clone()
	outReq.Model = cand.Model
	outReq, delta, err := chain.ApplyRequest(outReq, rctx)
	if err != nil {
		l.release(false)
		return nil, llmerrors.NewInvalidRequest(cand.Provider, err.Error())
	}
	body, err := json.Marshal(outReq)
	if err != nil {
		l.release(false)
		return nil, llmerrors.NewInvalidRequest(cand.Provider, err.Error())
	}

	a := &attempt{
		lease: l,
		prov:  prov,
		cand:  cand,
		chain: chain,
		rctx:  rctx,
		body:  body,
		url:   prov.BaseURL + upstreamPath(delta, prov),
	}

	resp, provErr := d.postUpstream(ctx, a)
	if provErr != nil {
		if provErr.IsRateLimit() {
			d.pool.MarkRateLimit(cand.Provider, cand.Model, provErr.RetryAfter)
			if d.endpoints.Enabled() {
				d.endpoints.MarkRateLimit(prov.BaseURL, provErr.RetryAfter)
			}
		}
		if ctx.Err() != nil {
			l.releaseCanceled()
		} else {
			l.release(false)
		}
		return nil, provErr
	}
	a.resp = resp
	return a, nil
}

// postUpstream runs the retrying POST. Each attempt rebuilds headers so
// signed timestamps stay fresh, and rotates to the provider's next API key.
func (d *Dispatcher) postUpstream(ctx context.Context, a *attempt) (*http.Response, *llmerrors.ProviderError) {
	var resp *http.Response

	err := classify.Retry(ctx, d.retry, func(int) error {
		r, err := d.doPost(ctx, a)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, func(attemptNo int, err error) {
		metrics.UpstreamRetries.WithLabelValues(a.cand.Provider, a.cand.Model).Inc()
		d.logger.Debug("retrying upstream call",
			"request_id", a.rctx.RequestID, "provider", a.cand.Provider,
			"attempt", attemptNo, "error", err)
	})
	if err != nil {
		var provErr *llmerrors.ProviderError
		if errors.As(err, &provErr) {
			return nil, provErr
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, llmerrors.NewNetworkError(a.cand.Provider, "request canceled")
		}
		return nil, llmerrors.NewNetworkError(a.cand.Provider, err.Error())
	}
	return resp, nil
}

func (d *Dispatcher) doPost(ctx context.Context, a *attempt) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(a.body))
	if err != nil {
		return nil, llmerrors.NewInvalidRequest(a.cand.Provider, err.Error())
	}

	apiKey := a.prov.NextKey()
	if hdrs, ok, err := a.chain.AuthHeaders(a.rctx, apiKey); err != nil {
		return nil, llmerrors.NewInvalidAPIKey(a.cand.Provider, err.Error())
	} else if ok {
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("X-Request-ID", a.rctx.RequestID)
		for k, v := range hdrs {
			httpReq.Header[k] = []string{v}
		}
	} else {
		for k, v := range d.headers.Build(a.rctx, a.prov, apiKey) {
			httpReq.Header[k] = []string{v}
		}
	}

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return nil, llmerrors.NewNetworkError(a.cand.Provider, err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		_ = resp.Body.Close()
		return nil, d.classifier.Classify(a.cand.Provider, a.prov.Kind, resp.StatusCode, body, resp.Header)
	}
	return resp, nil
}

// deliver relays the upstream response to the client and settles the lease.
func (d *Dispatcher) deliver(ctx context.Context, w http.ResponseWriter, a *attempt, rctx *types.RequestContext, rec *metrics.Record) error {
	if rctx.Streaming {
		return d.deliverStream(ctx, w, a, rctx, rec)
	}
	return d.deliverJSON(w, a, rctx, rec)
}

func (d *Dispatcher) deliverJSON(w http.ResponseWriter, a *attempt, rctx *types.RequestContext, rec *metrics.Record) error {
	defer func() { _ = a.resp.Body.Close() }()

	body, err := io.ReadAll(a.resp.Body)
	if err != nil {
		a.lease.release(false)
		return llmerrors.NewProviderResponse(a.cand.Provider, err.Error())
	}

	out, err := a.chain.ApplyResponse(body, rctx)
	if err != nil {
		a.lease.release(false)
		return llmerrors.NewProviderResponse(a.cand.Provider, err.Error())
	}

	var usage struct {
		Usage *types.Usage `json:"usage"`
	}
	if err := json.Unmarshal(out, &usage); err == nil && usage.Usage != nil {
		rec.InputTokens = usage.Usage.PromptTokens
		rec.OutputTokens = usage.Usage.CompletionTokens
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
	a.lease.release(true)
	return nil
}

func (d *Dispatcher) deliverStream(ctx context.Context, w http.ResponseWriter, a *attempt, rctx *types.RequestContext, rec *metrics.Record) error {
	reissue := func(rctx2 context.Context) (io.ReadCloser, error) {
		fresh := &attempt{
			lease: a.lease, prov: a.prov, cand: a.cand,
			chain: a.chain, rctx: a.rctx, body: a.body, url: a.url,
		}
		resp, provErr := d.postUpstream(rctx2, fresh)
		if provErr != nil {
			return nil, provErr
		}
		return resp.Body, nil
	}

	start := time.Now()
	err := d.streams.Pump(ctx, w, streaming.PumpOptions{
		RequestContext: rctx,
		Upstream:       a.resp.Body,
		Reissue:        reissue,
		OnFirstChunk: func() {
			rec.TTFT = time.Since(start)
			metrics.TimeToFirstToken.WithLabelValues(a.cand.Provider, a.cand.Model).Observe(rec.TTFT.Seconds())
		},
		OnStaggered: func() {
			d.logger.Warn("staggered stream",
				"request_id", rctx.RequestID, "provider", a.cand.Provider, "model", a.cand.Model)
		},
	})

	switch {
	case err == nil:
		a.lease.release(true)
	case errors.Is(err, context.Canceled):
		// Client went away; no blame.
		a.lease.releaseCanceled()
	default:
		a.lease.release(false)
	}
	// The stream already committed a 200; errors were emitted in-band.
	return nil
}

// upstreamPath resolves the provider-dialect endpoint path: the transformer
// chain's config delta wins, then the dialect family default.
func upstreamPath(delta transform.Config, prov *provider.Provider) string {
	if delta != nil {
		if p, ok := delta["endpoint"].(string); ok && p != "" {
			return p
		}
	}
	if strings.EqualFold(prov.Kind, "anthropic") {
		return "/v1/messages"
	}
	return "/v1/chat/completions"
}
