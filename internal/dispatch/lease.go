// Package dispatch implements the request lifecycle from routing decision
// through slot reservation, queueing, parallel racing, upstream call and
// response relay.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/llmrelay/internal/endpoint"
	"github.com/blueberrycongee/llmrelay/internal/pool"
	"github.com/blueberrycongee/llmrelay/internal/provider"
	llmerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// reservationTimeout bounds the reserve→confirm window.
const reservationTimeout = 5 * time.Second

// lease owns one admitted unit of model-slot capacity, plus the paired
// endpoint-group unit when the endpoint layer is active. Release is
// idempotent and always covers both layers.
type lease struct {
	cand     types.Candidate
	prov     *provider.Provider
	pool     *pool.Pool
	eps      *endpoint.Manager
	endpoint bool // endpoint unit held

	once sync.Once
}

// release returns both units, attributing the outcome.
func (l *lease) release(success bool) {
	l.once.Do(func() {
		l.pool.ReleaseSlot(l.cand.Provider, l.cand.Model, success)
		if l.endpoint {
			l.eps.ReleaseSlot(l.prov.BaseURL, l.cand.Provider, success)
		}
	})
}

// releaseCanceled returns both units without attributing an outcome; used
// for race losers and client cancellations so they never count against the
// circuit breaker.
func (l *lease) releaseCanceled() {
	l.once.Do(func() {
		l.pool.ReleaseCanceled(l.cand.Provider, l.cand.Model)
		if l.endpoint {
			l.eps.ReleaseCanceled(l.prov.BaseURL, l.cand.Provider)
		}
	})
}

// acquire admits the request on the candidate's slot: straight through the
// reservation protocol when admissible, via the priority queue otherwise
// (unless queueing is disallowed, as in a race). Health gating lives here,
// not in the pool's reserve path.
func (d *Dispatcher) acquire(ctx context.Context, rctx *types.RequestContext, cand types.Candidate, allowQueue bool) (*lease, error) {
	prov, err := d.registry.Get(cand.Provider)
	if err != nil {
		return nil, err
	}

	l := &lease{
		cand: cand,
		prov: prov,
		pool: d.pool,
		eps:  d.endpoints,
	}

	if d.pool.HasCapacity(cand.Provider, cand.Model) {
		reservationID := uuid.New().String()
		if d.pool.ReserveSlot(cand.Provider, cand.Model, reservationTimeout, reservationID) {
			if err := d.reserveEndpoint(l, prov); err != nil {
				d.pool.ReleaseReservation(cand.Provider, cand.Model, reservationID)
				return nil, err
			}
			if !d.pool.ConfirmSlot(cand.Provider, cand.Model, reservationID) {
				// Reservation expired between reserve and confirm; fall
				// through to the queue.
				l.releaseEndpointOnly()
			} else {
				rctx.LogStage("slot_confirmed", cand.Key())
				return l, nil
			}
		}
	}

	if !allowQueue {
		return nil, llmerrors.NewNoCapacity(cand.Provider, cand.Model)
	}

	rctx.LogStage("enqueued", cand.Key())
	if err := d.pool.Enqueue(ctx, cand.Provider, cand.Model, rctx.Priority, nil); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, llmerrors.NewRequestTimeout(cand.Provider, cand.Model)
		}
		return nil, err
	}
	rctx.LogStage("dequeued", cand.Key())

	// The queued unit is already active; pair it with the endpoint unit.
	if err := d.reserveEndpoint(l, prov); err != nil {
		d.pool.ReleaseCanceled(cand.Provider, cand.Model)
		return nil, err
	}
	return l, nil
}

// reserveEndpoint takes and confirms the endpoint-group unit when the layer
// is enabled. Both layers' reservations are independent; the lease releases
// them together.
func (d *Dispatcher) reserveEndpoint(l *lease, prov *provider.Provider) error {
	if !d.endpoints.Enabled() {
		return nil
	}
	reservationID := uuid.New().String()
	if !d.endpoints.ReserveSlot(prov.BaseURL, reservationTimeout, reservationID) {
		return llmerrors.NewNoCapacity(l.cand.Provider, l.cand.Model)
	}
	if !d.endpoints.ConfirmSlot(prov.BaseURL, l.cand.Provider, reservationID) {
		return llmerrors.NewNoCapacity(l.cand.Provider, l.cand.Model)
	}
	l.endpoint = true
	return nil
}

// releaseEndpointOnly undoes the endpoint unit after a failed model-slot
// confirm.
func (l *lease) releaseEndpointOnly() {
	if l.endpoint {
		l.eps.ReleaseCanceled(l.prov.BaseURL, l.cand.Provider)
		l.endpoint = false
	}
}
