// Package selector ranks dispatch candidates by a weighted health score and
// decides when to race the primary against alternatives.
package selector

import (
	"log/slog"

	"github.com/blueberrycongee/llmrelay/internal/config"
	"github.com/blueberrycongee/llmrelay/internal/pool"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// SlotReader is the pool view the selector scores from.
type SlotReader interface {
	HasCapacity(provider, model string) bool
	IsRateLimited(provider, model string) bool
	IsCircuitOpen(provider, model string) bool
	Status(provider, model string) pool.SlotStatus
}

// CandidateScore is the scored evaluation of one candidate.
type CandidateScore struct {
	Candidate types.Candidate `json:"candidate"`
	Score     float64         `json:"score"`
	Primary   bool            `json:"primary"`
	Reason    string          `json:"reason,omitempty"`
}

// Selection is the outcome of a ranking pass.
type Selection struct {
	Selected       types.Candidate  `json:"selected"`
	Score          float64          `json:"score"`
	ShouldRace     bool             `json:"should_race"`
	RaceCandidates []types.Candidate `json:"race_candidates,omitempty"`
	Scores         []CandidateScore `json:"scores"`
}

// Selector computes candidate rankings against live pool state.
type Selector struct {
	slots  SlotReader
	cfg    config.SelectorConfig
	logger *slog.Logger
}

// New creates a selector reading slot state from the given pool view.
func New(slots SlotReader, cfg config.SelectorConfig, logger *slog.Logger) *Selector {
	return &Selector{slots: slots, cfg: cfg, logger: logger}
}

// UpdateConfig applies a hot-reloaded configuration.
func (s *Selector) UpdateConfig(cfg config.SelectorConfig) {
	s.cfg = cfg
}

const (
	primaryBonus = 10

	// Race thresholds over the selected candidate's score. Racing always
	// needs another admissible candidate; given one, a score below either
	// threshold races, and at or above maybeRaceBelow the candidate runs
	// alone.
	alwaysRaceBelow = 50
	maybeRaceBelow  = 70
)

// Select ranks the primary and its alternatives and picks the best
// admissible candidate. Racing triggers only for the default scenario with
// proactive failover enabled and the winner in low-to-moderate health.
func (s *Selector) Select(primary types.Candidate, alternatives []types.Candidate, scenario types.Scenario, requestPriority int) Selection {
	candidates := append([]types.Candidate{primary}, alternatives...)
	scores := make([]CandidateScore, 0, len(candidates))

	for i, cand := range candidates {
		cs := CandidateScore{Candidate: cand, Primary: i == 0}
		switch {
		case s.slots.IsCircuitOpen(cand.Provider, cand.Model):
			cs.Reason = "circuit open"
		case s.slots.IsRateLimited(cand.Provider, cand.Model):
			cs.Reason = "rate limited"
		case !s.slots.HasCapacity(cand.Provider, cand.Model):
			cs.Reason = "saturated"
		default:
			cs.Score = s.score(cand, i == 0, requestPriority)
		}
		scores = append(scores, cs)
	}

	best := -1
	for i, cs := range scores {
		if cs.Reason != "" {
			continue
		}
		if best < 0 || cs.Score > scores[best].Score {
			best = i
		}
	}

	sel := Selection{Scores: scores}
	if best < 0 {
		// Nothing admissible; fall back to the primary and let the
		// dispatcher queue on it.
		sel.Selected = primary
		return sel
	}
	sel.Selected = scores[best].Candidate
	sel.Score = scores[best].Score

	if s.shouldRace(scenario, sel.Score, scores, best) {
		sel.ShouldRace = true
		sel.RaceCandidates = s.raceSet(scores, best)
	}
	return sel
}

func (s *Selector) score(cand types.Candidate, primary bool, requestPriority int) float64 {
	st := s.slots.Status(cand.Provider, cand.Model)
	w := s.cfg.ScoreWeights

	free := st.MaxConcurrent - st.Active - st.ReservedConfirmPending - st.ReservedForQueue
	capacityScore := 0.0
	if st.MaxConcurrent > 0 {
		capacityScore = float64(free) / float64(st.MaxConcurrent) * 100
	}

	healthScore := st.SuccessRate()

	performanceScore := 0.0
	if s.cfg.EnablePerformanceBasedRouting {
		performanceScore = 100 - 10*float64(st.FailureCount)
		if performanceScore < 0 {
			performanceScore = 0
		}
	}

	priorityScore := float64(requestPriority)
	if primary {
		priorityScore += primaryBonus
	}

	return w.Capacity*capacityScore + w.Health*healthScore + w.Performance*performanceScore + w.Priority*priorityScore
}

func (s *Selector) shouldRace(scenario types.Scenario, score float64, scores []CandidateScore, best int) bool {
	if !s.cfg.EnableProactiveFailover || scenario != types.ScenarioDefault {
		return false
	}
	others := 0
	for i, cs := range scores {
		if i != best && cs.Reason == "" {
			others++
		}
	}
	if others == 0 {
		return false
	}
	if score < alwaysRaceBelow {
		return true
	}
	return score < maybeRaceBelow
}

// raceSet returns the next best admissible candidates, capped at the
// configured parallelism.
func (s *Selector) raceSet(scores []CandidateScore, best int) []types.Candidate {
	type ranked struct {
		cand  types.Candidate
		score float64
	}
	var rest []ranked
	for i, cs := range scores {
		if i == best || cs.Reason != "" {
			continue
		}
		rest = append(rest, ranked{cs.Candidate, cs.Score})
	}
	// Insertion sort by score descending; race sets are tiny.
	for i := 1; i < len(rest); i++ {
		for j := i; j > 0 && rest[j].score > rest[j-1].score; j-- {
			rest[j], rest[j-1] = rest[j-1], rest[j]
		}
	}
	limit := s.cfg.MaxParallelAlternatives
	if limit <= 0 || limit > len(rest) {
		limit = len(rest)
	}
	out := make([]types.Candidate, 0, limit)
	for _, r := range rest[:limit] {
		out = append(out, r.cand)
	}
	return out
}
