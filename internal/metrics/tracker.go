package metrics

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// Record is one tracked request: the committed context plus its outcome.
type Record struct {
	Context    types.RequestContext `json:"context"`
	Success    bool                 `json:"success"`
	Status     int                  `json:"status"`
	ErrorCode  string               `json:"error_code,omitempty"`
	Latency    time.Duration        `json:"latency"`
	TTFT       time.Duration        `json:"ttft,omitempty"`
	Streaming  bool                 `json:"streaming"`
	HadRace    bool                 `json:"had_race"`
	HadFailover bool                `json:"had_failover"`
	FailoverAttempts int             `json:"failover_attempts"`
	InputTokens  int                `json:"input_tokens,omitempty"`
	OutputTokens int                `json:"output_tokens,omitempty"`
	CompletedAt  time.Time          `json:"completed_at"`
}

// Tracker keeps the last requests in memory for the JSON metrics endpoints.
// Retention is enforced by a cron-scheduled sweeper: entries older than the
// retention window are evicted, and the total size is capped LRU by start
// time.
type Tracker struct {
	mu       sync.RWMutex
	records  map[string]*Record
	order    []string // request ids, sorted by start time ascending
	maxSize  int
	retain   time.Duration
	logger   *slog.Logger
	cron     *cron.Cron
	schedule string
}

// NewTracker creates a tracker with the given retention policy.
func NewTracker(maxSize int, retain time.Duration, schedule string, logger *slog.Logger) *Tracker {
	return &Tracker{
		records:  make(map[string]*Record),
		maxSize:  maxSize,
		retain:   retain,
		logger:   logger,
		schedule: schedule,
	}
}

// Start schedules the retention sweeper.
func (t *Tracker) Start() error {
	t.cron = cron.New()
	if _, err := t.cron.AddFunc(t.schedule, t.Sweep); err != nil {
		return err
	}
	t.cron.Start()
	return nil
}

// Stop halts the sweeper.
func (t *Tracker) Stop() {
	if t.cron != nil {
		t.cron.Stop()
	}
}

// Add records a completed request.
func (t *Tracker) Add(rec *Record) {
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now()
	}

	t.mu.Lock()
	id := rec.Context.RequestID
	if _, exists := t.records[id]; !exists {
		// Insert by start time: requests complete out of start order.
		start := rec.Context.StartTime
		i := sort.Search(len(t.order), func(i int) bool {
			return t.records[t.order[i]].Context.StartTime.After(start)
		})
		t.order = append(t.order, "")
		copy(t.order[i+1:], t.order[i:])
		t.order[i] = id
	}
	t.records[id] = rec
	size := len(t.records)
	t.mu.Unlock()

	TrackerRecords.Set(float64(size))
}

// Sweep evicts expired records and enforces the size cap.
func (t *Tracker) Sweep() {
	cutoff := time.Now().Add(-t.retain)

	t.mu.Lock()
	kept := t.order[:0]
	evicted := 0
	for _, id := range t.order {
		rec, ok := t.records[id]
		if !ok {
			continue
		}
		if rec.Context.StartTime.Before(cutoff) {
			delete(t.records, id)
			evicted++
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept

	// Cap: order is start-time ascending, so trimming the front drops the
	// least recently started entries.
	for len(t.order) > t.maxSize {
		id := t.order[0]
		t.order = t.order[1:]
		delete(t.records, id)
		evicted++
	}
	size := len(t.records)
	t.mu.Unlock()

	TrackerRecords.Set(float64(size))
	if evicted > 0 {
		t.logger.Debug("tracker sweep", "evicted", evicted, "remaining", size)
	}
}

// Summary aggregates tracked requests, optionally filtered by time window and
// provider.
type Summary struct {
	TimeWindow       time.Duration `json:"time_window,omitempty"`
	Provider         string        `json:"provider,omitempty"`
	TotalRequests    int           `json:"total_requests"`
	Successes        int           `json:"successes"`
	Failures         int           `json:"failures"`
	Races            int           `json:"races"`
	Failovers        int           `json:"failovers"`
	AvgLatencyMs     float64       `json:"avg_latency_ms"`
	P95LatencyMs     float64       `json:"p95_latency_ms"`
	AvgTTFTMs        float64       `json:"avg_ttft_ms,omitempty"`
	ByScenario       map[string]int `json:"by_scenario"`
	ByErrorCode      map[string]int `json:"by_error_code,omitempty"`
}

// Aggregate computes the summary for the given window and provider filter.
// Zero window means all retained records; empty provider means all providers.
func (t *Tracker) Aggregate(window time.Duration, provider string) Summary {
	var cutoff time.Time
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}

	sum := Summary{
		TimeWindow:  window,
		Provider:    provider,
		ByScenario:  make(map[string]int),
		ByErrorCode: make(map[string]int),
	}

	var latencies []float64
	var ttftTotal float64
	var ttftCount int

	t.mu.RLock()
	for _, rec := range t.records {
		if !cutoff.IsZero() && rec.Context.StartTime.Before(cutoff) {
			continue
		}
		if provider != "" && !strings.EqualFold(rec.Context.Provider, provider) {
			continue
		}
		sum.TotalRequests++
		if rec.Success {
			sum.Successes++
		} else {
			sum.Failures++
			if rec.ErrorCode != "" {
				sum.ByErrorCode[rec.ErrorCode]++
			}
		}
		if rec.HadRace {
			sum.Races++
		}
		if rec.HadFailover {
			sum.Failovers++
		}
		sum.ByScenario[string(rec.Context.Scenario)]++
		latencies = append(latencies, float64(rec.Latency.Milliseconds()))
		if rec.TTFT > 0 {
			ttftTotal += float64(rec.TTFT.Milliseconds())
			ttftCount++
		}
	}
	t.mu.RUnlock()

	if len(latencies) > 0 {
		var total float64
		for _, l := range latencies {
			total += l
		}
		sum.AvgLatencyMs = total / float64(len(latencies))
		sort.Float64s(latencies)
		sum.P95LatencyMs = latencies[int(float64(len(latencies)-1)*0.95)]
	}
	if ttftCount > 0 {
		sum.AvgTTFTMs = ttftTotal / float64(ttftCount)
	}
	return sum
}

// Recent returns the latest n records, newest first.
func (t *Tracker) Recent(n int) []*Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if n <= 0 || n > len(t.order) {
		n = len(t.order)
	}
	out := make([]*Record, 0, n)
	for i := len(t.order) - 1; i >= 0 && len(out) < n; i-- {
		if rec, ok := t.records[t.order[i]]; ok {
			out = append(out, rec)
		}
	}
	return out
}
