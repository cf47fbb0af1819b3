package pool

import (
	"sort"
	"time"
)

// SlotStatus is a point-in-time view of one slot, used by the selector's
// scoring pass and the management API.
type SlotStatus struct {
	Provider               string    `json:"provider"`
	Model                  string    `json:"model"`
	Active                 int       `json:"active"`
	ReservedConfirmPending int       `json:"reserved_confirm_pending"`
	ReservedForQueue       int       `json:"reserved_for_queue"`
	MaxConcurrent          int       `json:"max_concurrent"`
	QueueLength            int       `json:"queue_length"`
	RateLimited            bool      `json:"rate_limited"`
	RateLimitUntil         time.Time `json:"rate_limit_until,omitempty"`
	RateLimitBackoffCount  int       `json:"rate_limit_backoff_count"`
	CircuitOpen            bool      `json:"circuit_open"`
	CircuitOpenUntil       time.Time `json:"circuit_open_until,omitempty"`
	FailureCount           int       `json:"failure_count"`
	SuccessCount           int       `json:"success_count"`
	LastUsed               time.Time `json:"last_used,omitempty"`
}

// SuccessRate returns the historical success percentage, 100 when the slot
// has no history.
func (st SlotStatus) SuccessRate() float64 {
	total := st.SuccessCount + st.FailureCount
	if total == 0 {
		return 100
	}
	return float64(st.SuccessCount) / float64(total) * 100
}

// Status returns the current view of one slot.
func (p *Pool) Status(provider, model string) SlotStatus {
	s := p.getSlot(provider, model)
	now := p.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	return SlotStatus{
		Provider:               s.provider,
		Model:                  s.model,
		Active:                 s.active,
		ReservedConfirmPending: s.reservedConfirmPending,
		ReservedForQueue:       s.reservedForQueue,
		MaxConcurrent:          s.maxConcurrent,
		QueueLength:            len(s.queue),
		RateLimited:            now.Before(s.rateLimitUntil),
		RateLimitUntil:         s.rateLimitUntil,
		RateLimitBackoffCount:  s.rateLimitBackoffCount,
		CircuitOpen:            s.circuitOpen,
		CircuitOpenUntil:       s.circuitOpenUntil,
		FailureCount:           s.failureCount,
		SuccessCount:           s.successCount,
		LastUsed:               s.lastUsed,
	}
}

// Snapshot returns the view of every slot, ordered by key for stable output.
func (p *Pool) Snapshot() []SlotStatus {
	p.mu.Lock()
	keys := make([]string, 0, len(p.slots))
	byKey := make(map[string]*slot, len(p.slots))
	for k, s := range p.slots {
		keys = append(keys, k)
		byKey[k] = s
	}
	p.mu.Unlock()
	sort.Strings(keys)

	out := make([]SlotStatus, 0, len(keys))
	for _, k := range keys {
		s := byKey[k]
		out = append(out, p.Status(s.provider, s.model))
	}
	return out
}

// QueueEntry is one waiter as exposed by the management API.
type QueueEntry struct {
	ID         string    `json:"id"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// QueueSnapshot returns the queued waiters per slot key.
func (p *Pool) QueueSnapshot() map[string][]QueueEntry {
	p.mu.Lock()
	slots := make(map[string]*slot, len(p.slots))
	for k, s := range p.slots {
		slots[k] = s
	}
	p.mu.Unlock()

	out := make(map[string][]QueueEntry)
	for key, s := range slots {
		s.mu.Lock()
		if len(s.queue) > 0 {
			entries := make([]QueueEntry, 0, len(s.queue))
			for _, q := range s.queue {
				entries = append(entries, QueueEntry{
					ID:         q.id,
					Priority:   q.priority,
					EnqueuedAt: q.enqueuedAt,
				})
			}
			out[key] = entries
		}
		s.mu.Unlock()
	}
	return out
}
