// Package endpoint coordinates providers that share an upstream base URL.
// When endpoint-level rate limiting is enabled the dispatcher takes a
// reservation on both the endpoint slot and the model slot; the two are
// independent and must both be confirmed or released.
package endpoint

import (
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/blueberrycongee/llmrelay/internal/config"
)

// Group is the capacity accounting record for one shared base URL.
type Group struct {
	mu sync.Mutex

	baseURL   string
	providers []string

	maxConcurrent          int
	active                 int
	reservedConfirmPending int

	reservations map[string]*time.Timer
	rrIndex      int
	perProvider  map[string]int // active counts for least-loaded selection

	rateLimitUntil        time.Time
	rateLimitBackoffCount int
	rateLimitBaseDelay    time.Duration

	circuitOpen      bool
	circuitOpenUntil time.Time

	failureCount int
	successCount int
	lastUsed     time.Time
}

// Manager tracks every endpoint group. Groups are created on first reference.
type Manager struct {
	mu     sync.Mutex
	groups map[string]*Group

	cfgMu sync.RWMutex
	cfg   config.EndpointConfig
	pool  config.ModelPoolConfig

	logger *slog.Logger
	now    func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewManager creates an endpoint group manager. The pool configuration
// supplies the shared circuit and rate-limit discipline.
func NewManager(cfg config.EndpointConfig, poolCfg config.ModelPoolConfig, logger *slog.Logger) *Manager {
	return &Manager{
		groups: make(map[string]*Group),
		cfg:    cfg,
		pool:   poolCfg,
		logger: logger,
		now:    time.Now,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetClock replaces the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Enabled reports whether the endpoint layer participates in dispatch.
func (m *Manager) Enabled() bool {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg.Enabled
}

// UpdateConfig applies a hot-reloaded configuration.
func (m *Manager) UpdateConfig(cfg config.EndpointConfig, poolCfg config.ModelPoolConfig) {
	m.cfgMu.Lock()
	m.cfg = cfg
	m.pool = poolCfg
	m.cfgMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		g.mu.Lock()
		g.maxConcurrent = cfg.MaxConcurrentPerEndpoint
		g.mu.Unlock()
	}
}

func (m *Manager) config() (config.EndpointConfig, config.ModelPoolConfig) {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg, m.pool
}

func (m *Manager) getGroup(baseURL string) *Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[baseURL]
	if !ok {
		cfg, poolCfg := m.config()
		g = &Group{
			baseURL:            baseURL,
			maxConcurrent:      cfg.MaxConcurrentPerEndpoint,
			reservations:       make(map[string]*time.Timer),
			perProvider:        make(map[string]int),
			rateLimitBaseDelay: poolCfg.RateLimit.DefaultRetryAfter,
		}
		m.groups[baseURL] = g
	}
	return g
}

// RegisterProvider associates a provider name with its endpoint group.
func (m *Manager) RegisterProvider(baseURL, providerName string) {
	g := m.getGroup(baseURL)
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.providers {
		if p == providerName {
			return
		}
	}
	g.providers = append(g.providers, providerName)
	sort.Strings(g.providers)
}

func (g *Group) refreshCircuit(now time.Time) {
	if g.circuitOpen && !now.Before(g.circuitOpenUntil) {
		g.circuitOpen = false
		g.failureCount = 0
	}
}

// HasCapacity mirrors the model-pool admissibility check for the endpoint.
func (m *Manager) HasCapacity(baseURL string) bool {
	g := m.getGroup(baseURL)
	now := m.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.refreshCircuit(now)
	if g.circuitOpen || now.Before(g.rateLimitUntil) {
		return false
	}
	return g.active+g.reservedConfirmPending < g.maxConcurrent
}

// ReserveSlot claims endpoint capacity pending confirmation. As with the
// model pool, health gating is the dispatcher's job.
func (m *Manager) ReserveSlot(baseURL string, timeout time.Duration, reservationID string) bool {
	g := m.getGroup(baseURL)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active+g.reservedConfirmPending >= g.maxConcurrent {
		return false
	}
	g.reservedConfirmPending++
	g.reservations[reservationID] = time.AfterFunc(timeout, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if _, ok := g.reservations[reservationID]; !ok {
			return
		}
		delete(g.reservations, reservationID)
		g.reservedConfirmPending--
	})
	return true
}

// ConfirmSlot promotes an endpoint reservation to active.
func (m *Manager) ConfirmSlot(baseURL, providerName, reservationID string) bool {
	g := m.getGroup(baseURL)

	g.mu.Lock()
	defer g.mu.Unlock()
	timer, ok := g.reservations[reservationID]
	if !ok {
		return false
	}
	timer.Stop()
	delete(g.reservations, reservationID)
	g.reservedConfirmPending--
	g.active++
	g.perProvider[providerName]++
	g.lastUsed = m.now()
	return true
}

// ReleaseReservation abandons a pending endpoint reservation.
func (m *Manager) ReleaseReservation(baseURL, reservationID string) {
	g := m.getGroup(baseURL)

	g.mu.Lock()
	defer g.mu.Unlock()
	if timer, ok := g.reservations[reservationID]; ok {
		timer.Stop()
		delete(g.reservations, reservationID)
		g.reservedConfirmPending--
	}
}

// ReleaseSlot returns an active unit and records the outcome.
func (m *Manager) ReleaseSlot(baseURL, providerName string, success bool) {
	g := m.getGroup(baseURL)
	_, poolCfg := m.config()
	now := m.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active > 0 {
		g.active--
	}
	if g.perProvider[providerName] > 0 {
		g.perProvider[providerName]--
	}
	if success {
		g.successCount++
		if g.failureCount > 0 {
			g.failureCount--
		}
		g.rateLimitBackoffCount = 0
		g.rateLimitBaseDelay = poolCfg.RateLimit.DefaultRetryAfter
		return
	}
	g.failureCount++
	if g.failureCount >= poolCfg.CircuitBreaker.FailureThreshold {
		g.circuitOpen = true
		g.circuitOpenUntil = now.Add(poolCfg.CircuitBreaker.CooldownPeriod)
		m.logger.Warn("endpoint circuit opened",
			"base_url", baseURL, "failures", g.failureCount, "until", g.circuitOpenUntil)
	}
}

// ReleaseCanceled returns an active unit without attributing an outcome.
func (m *Manager) ReleaseCanceled(baseURL, providerName string) {
	g := m.getGroup(baseURL)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active > 0 {
		g.active--
	}
	if g.perProvider[providerName] > 0 {
		g.perProvider[providerName]--
	}
}

// MarkRateLimit starts or extends the endpoint cooldown, mirroring the model
// pool backoff.
func (m *Manager) MarkRateLimit(baseURL string, retryAfter time.Duration) {
	g := m.getGroup(baseURL)
	_, poolCfg := m.config()
	now := m.now()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.rateLimitBackoffCount++
	if g.rateLimitBaseDelay <= 0 {
		g.rateLimitBaseDelay = poolCfg.RateLimit.DefaultRetryAfter
	}

	var delay time.Duration
	if retryAfter > 0 && poolCfg.RateLimit.RespectRetryAfterHeader {
		delay = retryAfter
		g.rateLimitBaseDelay = retryAfter
	} else {
		factor := math.Pow(poolCfg.RateLimit.BackoffMultiplier, float64(g.rateLimitBackoffCount-1))
		delay = time.Duration(float64(g.rateLimitBaseDelay) * factor)
		if delay > poolCfg.RateLimit.MaxBackoff {
			delay = poolCfg.RateLimit.MaxBackoff
		}
	}
	g.rateLimitUntil = now.Add(delay)
}

// SelectProvider picks one of the endpoint's providers per the configured
// strategy. A preferred provider wins when it belongs to the group.
func (m *Manager) SelectProvider(baseURL, preferred string) string {
	g := m.getGroup(baseURL)
	cfg, _ := m.config()

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.providers) == 0 {
		return preferred
	}
	if preferred != "" {
		for _, p := range g.providers {
			if p == preferred {
				return p
			}
		}
	}

	switch cfg.Strategy {
	case "least-loaded":
		best := g.providers[0]
		bestLoad := g.perProvider[best]
		for _, p := range g.providers[1:] {
			if load := g.perProvider[p]; load < bestLoad {
				best, bestLoad = p, load
			}
		}
		return best
	case "random":
		return g.providers[m.randIntn(len(g.providers))]
	default: // round-robin, weight-aware
		if len(cfg.ProviderWeights) > 0 {
			return g.weightedPick(cfg.ProviderWeights)
		}
		p := g.providers[g.rrIndex%len(g.providers)]
		g.rrIndex++
		return p
	}
}

// weightedPick cycles providers proportionally to their configured weights.
// Caller holds g.mu.
func (g *Group) weightedPick(weights map[string]int) string {
	total := 0
	for _, p := range g.providers {
		w := weights[p]
		if w <= 0 {
			w = 1
		}
		total += w
	}
	tick := g.rrIndex % total
	g.rrIndex++
	for _, p := range g.providers {
		w := weights[p]
		if w <= 0 {
			w = 1
		}
		if tick < w {
			return p
		}
		tick -= w
	}
	return g.providers[0]
}

func (m *Manager) randIntn(n int) int {
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	return m.rng.Intn(n)
}

// GroupStatus is a point-in-time view of one endpoint group.
type GroupStatus struct {
	BaseURL                string    `json:"base_url"`
	Providers              []string  `json:"providers"`
	Active                 int       `json:"active"`
	ReservedConfirmPending int       `json:"reserved_confirm_pending"`
	MaxConcurrent          int       `json:"max_concurrent"`
	RateLimited            bool      `json:"rate_limited"`
	RateLimitUntil         time.Time `json:"rate_limit_until,omitempty"`
	CircuitOpen            bool      `json:"circuit_open"`
	CircuitOpenUntil       time.Time `json:"circuit_open_until,omitempty"`
	FailureCount           int       `json:"failure_count"`
	SuccessCount           int       `json:"success_count"`
	LastUsed               time.Time `json:"last_used,omitempty"`
}

// Snapshot returns the view of every endpoint group, ordered by URL.
func (m *Manager) Snapshot() []GroupStatus {
	m.mu.Lock()
	urls := make([]string, 0, len(m.groups))
	byURL := make(map[string]*Group, len(m.groups))
	for u, g := range m.groups {
		urls = append(urls, u)
		byURL[u] = g
	}
	m.mu.Unlock()
	sort.Strings(urls)

	now := m.now()
	out := make([]GroupStatus, 0, len(urls))
	for _, u := range urls {
		g := byURL[u]
		g.mu.Lock()
		out = append(out, GroupStatus{
			BaseURL:                g.baseURL,
			Providers:              append([]string(nil), g.providers...),
			Active:                 g.active,
			ReservedConfirmPending: g.reservedConfirmPending,
			MaxConcurrent:          g.maxConcurrent,
			RateLimited:            now.Before(g.rateLimitUntil),
			RateLimitUntil:         g.rateLimitUntil,
			CircuitOpen:            g.circuitOpen,
			CircuitOpenUntil:       g.circuitOpenUntil,
			FailureCount:           g.failureCount,
			SuccessCount:           g.successCount,
			LastUsed:               g.lastUsed,
		})
		g.mu.Unlock()
	}
	return out
}

// ResetCircuitBreakers force-closes every endpoint breaker.
func (m *Manager) ResetCircuitBreakers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	reset := 0
	for _, g := range m.groups {
		g.mu.Lock()
		if g.circuitOpen {
			reset++
		}
		g.circuitOpen = false
		g.circuitOpenUntil = time.Time{}
		g.failureCount = 0
		g.mu.Unlock()
	}
	return reset
}
