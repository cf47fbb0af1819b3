// Package pool enforces per-(provider,model) capacity, health tracking and
// priority queueing for upstream dispatch.
//
// Every public operation leaves the slot invariants intact: counters are
// non-negative, active+reservedConfirmPending+reservedForQueue never exceeds
// maxConcurrent at admission time, every queue entry owns one unit of
// reservedForQueue, and every pending reservation owns one unit of
// reservedConfirmPending.
package pool

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/blueberrycongee/llmrelay/internal/config"
	"github.com/blueberrycongee/llmrelay/internal/metrics"
	llmerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// Pool tracks one slot per (provider,model) pair. Slots are created on first
// reference and live for the process lifetime.
type Pool struct {
	mu    sync.Mutex
	slots map[string]*slot

	cfgMu sync.RWMutex
	cfg   config.ModelPoolConfig

	logger *slog.Logger
	now    func() time.Time
}

// New creates a pool with the given discipline settings.
func New(cfg config.ModelPoolConfig, logger *slog.Logger) *Pool {
	return &Pool{
		slots:  make(map[string]*slot),
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the time source. Test hook.
func (p *Pool) SetClock(now func() time.Time) {
	p.now = now
}

// UpdateConfig applies a hot-reloaded configuration. Existing slots pick up
// the new capacity limit; counters are untouched.
func (p *Pool) UpdateConfig(cfg config.ModelPoolConfig) {
	p.cfgMu.Lock()
	p.cfg = cfg
	p.cfgMu.Unlock()

	p.mu.Lock()
	slots := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	p.mu.Unlock()

	for _, s := range slots {
		s.mu.Lock()
		s.maxConcurrent = cfg.MaxConcurrentPerModel
		s.mu.Unlock()
		p.processQueue(s)
	}
}

func (p *Pool) config() config.ModelPoolConfig {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.cfg
}

// slot is the capacity accounting record for one (provider,model) pair.
// All fields are guarded by mu.
type slot struct {
	mu sync.Mutex

	provider string
	model    string

	maxConcurrent          int
	active                 int
	reservedConfirmPending int
	reservedForQueue       int

	reservations map[string]*time.Timer
	queue        []*queuedRequest
	nextSeq      uint64

	rateLimitUntil        time.Time
	rateLimitBackoffCount int
	rateLimitBaseDelay    time.Duration

	circuitOpen      bool
	circuitOpenUntil time.Time

	failureCount int
	successCount int
	lastUsed     time.Time
}

// queuedRequest is one waiter in a slot's priority queue. Ordering is by
// priority descending, then enqueue sequence ascending.
type queuedRequest struct {
	id         string
	priority   int
	seq        uint64
	enqueuedAt time.Time
	deadline   *time.Timer
	ready      chan error
	onProcess  func()
}

func (p *Pool) getSlot(provider, model string) *slot {
	key := provider + "," + model
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[key]
	if !ok {
		cfg := p.config()
		s = &slot{
			provider:           provider,
			model:              model,
			maxConcurrent:      cfg.MaxConcurrentPerModel,
			reservations:       make(map[string]*time.Timer),
			rateLimitBaseDelay: cfg.RateLimit.DefaultRetryAfter,
		}
		p.slots[key] = s
	}
	return s
}

// committed returns the admission-time sum. Caller holds s.mu.
func (s *slot) committed() int {
	return s.active + s.reservedConfirmPending + s.reservedForQueue
}

// refreshCircuit clears an expired breaker, arming the half-open probe.
// Caller holds s.mu.
func (s *slot) refreshCircuit(now time.Time) {
	if s.circuitOpen && !now.Before(s.circuitOpenUntil) {
		s.circuitOpen = false
		s.failureCount = 0
	}
}

// HasCapacity reports whether a request could be admitted right now. The only
// side effect is cooldown expiry: an elapsed circuit window transitions the
// slot to its half-open probe.
func (p *Pool) HasCapacity(provider, model string) bool {
	s := p.getSlot(provider, model)
	now := p.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshCircuit(now)
	if s.circuitOpen {
		return false
	}
	if now.Before(s.rateLimitUntil) {
		return false
	}
	return s.committed() < s.maxConcurrent
}

// IsRateLimited reports whether the slot is inside a rate-limit cooldown.
func (p *Pool) IsRateLimited(provider, model string) bool {
	s := p.getSlot(provider, model)
	s.mu.Lock()
	defer s.mu.Unlock()
	return p.now().Before(s.rateLimitUntil)
}

// IsCircuitOpen reports whether the breaker is tripped, honoring cooldown
// expiry.
func (p *Pool) IsCircuitOpen(provider, model string) bool {
	s := p.getSlot(provider, model)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshCircuit(p.now())
	return s.circuitOpen
}

// AcquireSlot directly admits a request when the slot is admissible.
func (p *Pool) AcquireSlot(provider, model string) bool {
	s := p.getSlot(provider, model)
	now := p.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshCircuit(now)
	if s.circuitOpen || now.Before(s.rateLimitUntil) || s.committed() >= s.maxConcurrent {
		return false
	}
	s.active++
	s.lastUsed = now
	metrics.SlotActive.WithLabelValues(provider, model).Set(float64(s.active))
	return true
}

// ReserveSlot claims a unit of capacity pending confirmation. Health state is
// deliberately not checked here; the dispatcher filters rate-limit and
// circuit conditions before reserving. Returns false when saturated.
func (p *Pool) ReserveSlot(provider, model string, timeout time.Duration, reservationID string) bool {
	s := p.getSlot(provider, model)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.committed() >= s.maxConcurrent {
		return false
	}
	s.reservedConfirmPending++
	s.reservations[reservationID] = time.AfterFunc(timeout, func() {
		p.expireReservation(s, reservationID)
	})
	return true
}

func (p *Pool) expireReservation(s *slot, reservationID string) {
	s.mu.Lock()
	if _, ok := s.reservations[reservationID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.reservations, reservationID)
	s.reservedConfirmPending--
	s.mu.Unlock()

	p.logger.Warn("slot reservation expired",
		"provider", s.provider, "model", s.model, "reservation_id", reservationID)
	p.processQueue(s)
}

// ConfirmSlot promotes a reservation to an active request. Returns false when
// the reservation already expired.
func (p *Pool) ConfirmSlot(provider, model, reservationID string) bool {
	s := p.getSlot(provider, model)

	s.mu.Lock()
	defer s.mu.Unlock()
	timer, ok := s.reservations[reservationID]
	if !ok {
		return false
	}
	timer.Stop()
	delete(s.reservations, reservationID)
	s.reservedConfirmPending--
	s.active++
	s.lastUsed = p.now()
	metrics.SlotActive.WithLabelValues(provider, model).Set(float64(s.active))
	return true
}

// ReleaseReservation abandons a pending reservation.
func (p *Pool) ReleaseReservation(provider, model, reservationID string) {
	s := p.getSlot(provider, model)

	s.mu.Lock()
	timer, ok := s.reservations[reservationID]
	if ok {
		timer.Stop()
		delete(s.reservations, reservationID)
		s.reservedConfirmPending--
	}
	s.mu.Unlock()

	if ok {
		p.processQueue(s)
	}
}

// ReleaseSlot returns an active unit and records the outcome. A success
// drains one failure, resets the rate-limit backoff and restores the base
// delay; reaching the failure threshold trips the breaker.
func (p *Pool) ReleaseSlot(provider, model string, success bool) {
	s := p.getSlot(provider, model)
	cfg := p.config()
	now := p.now()

	s.mu.Lock()
	if s.active > 0 {
		s.active--
	}
	if success {
		s.successCount++
		if s.failureCount > 0 {
			s.failureCount--
		}
		s.rateLimitBackoffCount = 0
		s.rateLimitBaseDelay = cfg.RateLimit.DefaultRetryAfter
	} else {
		s.failureCount++
		if s.failureCount >= cfg.CircuitBreaker.FailureThreshold {
			s.circuitOpen = true
			s.circuitOpenUntil = now.Add(cfg.CircuitBreaker.CooldownPeriod)
			metrics.CircuitOpens.WithLabelValues(provider, model).Inc()
			p.logger.Warn("circuit opened",
				"provider", provider, "model", model,
				"failures", s.failureCount, "until", s.circuitOpenUntil)
		}
	}
	metrics.SlotActive.WithLabelValues(provider, model).Set(float64(s.active))
	s.mu.Unlock()

	p.processQueue(s)
}

// ReleaseCanceled returns an active unit without attributing an outcome.
// Race losers and client cancellations land here so they never trip the
// breaker.
func (p *Pool) ReleaseCanceled(provider, model string) {
	s := p.getSlot(provider, model)

	s.mu.Lock()
	if s.active > 0 {
		s.active--
	}
	metrics.SlotActive.WithLabelValues(provider, model).Set(float64(s.active))
	s.mu.Unlock()

	p.processQueue(s)
}

// MarkRateLimit starts or extends the slot's rate-limit cooldown. An
// upstream retry-after hint is honored when configured, and becomes the new
// backoff base; otherwise the delay grows exponentially up to the cap.
func (p *Pool) MarkRateLimit(provider, model string, retryAfter time.Duration) {
	s := p.getSlot(provider, model)
	cfg := p.config()
	now := p.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.rateLimitBackoffCount++
	if s.rateLimitBaseDelay <= 0 {
		s.rateLimitBaseDelay = cfg.RateLimit.DefaultRetryAfter
	}

	var delay time.Duration
	if retryAfter > 0 && cfg.RateLimit.RespectRetryAfterHeader {
		delay = retryAfter
		s.rateLimitBaseDelay = retryAfter
	} else {
		factor := math.Pow(cfg.RateLimit.BackoffMultiplier, float64(s.rateLimitBackoffCount-1))
		delay = time.Duration(float64(s.rateLimitBaseDelay) * factor)
		if delay > cfg.RateLimit.MaxBackoff {
			delay = cfg.RateLimit.MaxBackoff
		}
	}

	s.rateLimitUntil = now.Add(delay)
	metrics.RateLimitMarks.WithLabelValues(provider, model).Inc()
	p.logger.Info("slot rate limited",
		"provider", provider, "model", model,
		"backoff_count", s.rateLimitBackoffCount, "until", s.rateLimitUntil)
}

// Enqueue parks the request until a slot frees up, the deadline passes, or
// ctx is canceled. The returned error is nil exactly when the request has
// been admitted (its unit already moved to active).
func (p *Pool) Enqueue(ctx context.Context, provider, model string, priority int, onProcess func()) error {
	s := p.getSlot(provider, model)
	cfg := p.config()

	s.mu.Lock()
	if len(s.queue) >= cfg.Queue.MaxQueueSize {
		s.mu.Unlock()
		return llmerrors.NewQueueFull(provider, model)
	}

	q := &queuedRequest{
		id:         provider + "," + model + "#" + strconv.FormatUint(s.nextSeq, 10),
		priority:   priority,
		seq:        s.nextSeq,
		enqueuedAt: p.now(),
		ready:      make(chan error, 1),
		onProcess:  onProcess,
	}
	s.nextSeq++
	s.queue = append(s.queue, q)
	sort.SliceStable(s.queue, func(i, j int) bool {
		if s.queue[i].priority != s.queue[j].priority {
			return s.queue[i].priority > s.queue[j].priority
		}
		return s.queue[i].seq < s.queue[j].seq
	})
	s.reservedForQueue++
	depth := len(s.queue)

	q.deadline = time.AfterFunc(cfg.Queue.QueueTimeout, func() {
		p.timeoutQueued(s, q)
	})
	s.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(provider, model).Set(float64(depth))

	// A unit may have freed between the saturation check and the enqueue.
	p.processQueue(s)

	select {
	case err := <-q.ready:
		return err
	case <-ctx.Done():
		if p.dropQueued(s, q) {
			q.deadline.Stop()
			return ctx.Err()
		}
		// Lost the race against an admission or the deadline; settle
		// whichever outcome landed so the unit is not leaked.
		if err := <-q.ready; err == nil {
			p.ReleaseCanceled(s.provider, s.model)
		}
		return ctx.Err()
	}
}

func (p *Pool) timeoutQueued(s *slot, q *queuedRequest) {
	if !p.dropQueued(s, q) {
		return
	}
	q.ready <- llmerrors.NewRequestTimeout(s.provider, s.model)
	metrics.QueueTimeouts.WithLabelValues(s.provider, s.model).Inc()
}

// dropQueued removes q from the queue if still present, returning one unit of
// reservedForQueue. Returns false when q was already admitted or removed.
func (p *Pool) dropQueued(s *slot, q *queuedRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cand := range s.queue {
		if cand == q {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.reservedForQueue--
			metrics.QueueDepth.WithLabelValues(s.provider, s.model).Set(float64(len(s.queue)))
			return true
		}
	}
	return false
}

// ProcessQueue admits the head waiter while capacity allows. Safe under
// concurrent invocation: the reservedForQueue→active transition happens in
// one critical section.
func (p *Pool) ProcessQueue(provider, model string) {
	p.processQueue(p.getSlot(provider, model))
}

func (p *Pool) processQueue(s *slot) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.active+s.reservedConfirmPending >= s.maxConcurrent {
			s.mu.Unlock()
			return
		}
		q := s.queue[0]
		s.queue = s.queue[1:]
		s.reservedForQueue--
		s.active++
		s.lastUsed = p.now()
		q.deadline.Stop()
		depth := len(s.queue)
		s.mu.Unlock()

		metrics.QueueDepth.WithLabelValues(s.provider, s.model).Set(float64(depth))
		q.ready <- nil
		if q.onProcess != nil {
			go q.onProcess()
		}
	}
}

// GetAvailableAlternatives filters candidates down to those admissible right
// now.
func (p *Pool) GetAvailableAlternatives(alts []types.Candidate) []types.Candidate {
	out := make([]types.Candidate, 0, len(alts))
	for _, alt := range alts {
		if p.HasCapacity(alt.Provider, alt.Model) {
			out = append(out, alt)
		}
	}
	return out
}

// ResetCircuitBreakers force-closes every breaker and zeroes failure counts.
func (p *Pool) ResetCircuitBreakers() int {
	p.mu.Lock()
	slots := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	p.mu.Unlock()

	reset := 0
	for _, s := range slots {
		s.mu.Lock()
		if s.circuitOpen {
			reset++
		}
		s.circuitOpen = false
		s.circuitOpenUntil = time.Time{}
		s.failureCount = 0
		s.mu.Unlock()
		p.processQueue(s)
	}
	return reset
}

// ClearQueue rejects every waiter on every slot. Returns the number of
// rejected requests.
func (p *Pool) ClearQueue() int {
	p.mu.Lock()
	slots := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	p.mu.Unlock()

	cleared := 0
	for _, s := range slots {
		s.mu.Lock()
		waiters := s.queue
		s.queue = nil
		s.reservedForQueue -= len(waiters)
		s.mu.Unlock()

		for _, q := range waiters {
			q.deadline.Stop()
			q.ready <- llmerrors.NewNoCapacity(s.provider, s.model)
			cleared++
		}
		metrics.QueueDepth.WithLabelValues(s.provider, s.model).Set(0)
	}
	return cleared
}

// Start runs the background sweeper: once per second every slot's queue is
// drained into free capacity and depth watermarks are checked (warn at 80%,
// critical at 95%).
func (p *Pool) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.sweep()
			}
		}
	}()
}

func (p *Pool) sweep() {
	cfg := p.config()

	p.mu.Lock()
	slots := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	p.mu.Unlock()

	for _, s := range slots {
		p.processQueue(s)

		s.mu.Lock()
		depth := len(s.queue)
		s.mu.Unlock()
		if cfg.Queue.MaxQueueSize <= 0 || depth == 0 {
			continue
		}
		ratio := float64(depth) / float64(cfg.Queue.MaxQueueSize)
		switch {
		case ratio >= 0.95:
			p.logger.Error("queue depth critical",
				"provider", s.provider, "model", s.model,
				"depth", depth, "capacity", cfg.Queue.MaxQueueSize)
		case ratio >= 0.80:
			p.logger.Warn("queue depth high",
				"provider", s.provider, "model", s.model,
				"depth", depth, "capacity", cfg.Queue.MaxQueueSize)
		}
	}
}
