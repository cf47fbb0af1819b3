package dispatch

import (
	"context"
	"net/http"
	"sync"

	"github.com/blueberrycongee/llmrelay/internal/metrics"
	"github.com/blueberrycongee/llmrelay/internal/session"
	llmerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// raceOutcome is one candidate's result.
type raceOutcome struct {
	index int
	a     *attempt
	err   error
}

// runRace dispatches every candidate concurrently; the first success wins
// and cancels its peers. Losers that were still in flight observe the
// cancellation and release their slots without blame; losers that already
// completed upstream I/O release as successes and their responses are
// discarded. Racing never queues: a candidate that cannot reserve simply
// reports no capacity.
func (d *Dispatcher) runRace(ctx context.Context, w http.ResponseWriter, req *types.ChatRequest, rctx *types.RequestContext, rec *metrics.Record, candidates []types.Candidate) error {
	// Each participant gets its own cancelable context so losing peers can
	// be canceled without tearing down the winner's response body.
	cancels := make([]context.CancelFunc, len(candidates))
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	outcomes := make(chan raceOutcome, len(candidates))
	var wg sync.WaitGroup

	for i, cand := range candidates {
		attemptCtx, cancel := context.WithCancel(ctx)
		cancels[i] = cancel
		wg.Add(1)
		go func(index int, cand types.Candidate, attemptCtx context.Context) {
			defer wg.Done()
			raceRctx := d.raceContext(rctx, cand)
			a, err := d.callCandidate(attemptCtx, req, raceRctx, cand, false)
			outcomes <- raceOutcome{index: index, a: a, err: err}
		}(i, cand, attemptCtx)
	}
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	var winner *raceOutcome
	var firstErr error
	for outcome := range outcomes {
		if outcome.err != nil {
			if firstErr == nil {
				firstErr = outcome.err
			}
			continue
		}
		if winner == nil {
			o := outcome
			winner = &o
			for i, cancel := range cancels {
				if i != o.index {
					cancel() // losers observe cancellation and settle their leases
				}
			}
			continue
		}
		// A second success raced past the cancellation: the upstream call
		// completed, so its slot counts as a success, but the response is
		// discarded.
		_ = outcome.a.resp.Body.Close()
		outcome.a.lease.release(true)
	}

	if winner == nil {
		d.logger.Warn("all parallel attempts failed",
			"request_id", rctx.RequestID, "candidates", len(candidates))
		if firstErr != nil {
			return firstErr
		}
		return llmerrors.NewNoCapacity(rctx.Provider, rctx.Model)
	}

	// Commit the winner into the request context before delivery; stream
	// behavior derives from the committed context.
	rctx.Provider = winner.a.cand.Provider
	rctx.Model = winner.a.cand.Model
	rctx.SessionID = winner.a.rctx.SessionID
	rctx.ConversationID = winner.a.rctx.ConversationID
	rctx.LogStage("race_won", winner.a.cand.Key())

	return d.deliver(ctx, w, winner.a, rctx, rec)
}

// raceContext clones the request context for one race participant.
// Candidates of session-exclusive families get freshly suffixed session and
// conversation ids; other families share the session unchanged.
func (d *Dispatcher) raceContext(rctx *types.RequestContext, cand types.Candidate) *types.RequestContext {
	clone := *rctx
	clone.Provider = cand.Provider
	clone.Model = cand.Model
	clone.Stages = nil

	if prov, err := d.registry.Get(cand.Provider); err == nil && prov.IflowFamily() {
		clone.SessionID = session.RaceSuffix(rctx.SessionID)
		clone.ConversationID = session.RaceSuffix(rctx.ConversationID)
	}
	return &clone
}
