package selector

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmrelay/internal/config"
	"github.com/blueberrycongee/llmrelay/internal/pool"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// fakeSlots is a scripted SlotReader.
type fakeSlots struct {
	status      map[string]pool.SlotStatus
	rateLimited map[string]bool
	circuitOpen map[string]bool
}

func (f *fakeSlots) key(p, m string) string { return p + "," + m }

func (f *fakeSlots) HasCapacity(p, m string) bool {
	st := f.status[f.key(p, m)]
	return !f.circuitOpen[f.key(p, m)] && !f.rateLimited[f.key(p, m)] &&
		st.Active+st.ReservedConfirmPending+st.ReservedForQueue < st.MaxConcurrent
}

func (f *fakeSlots) IsRateLimited(p, m string) bool { return f.rateLimited[f.key(p, m)] }

func (f *fakeSlots) IsCircuitOpen(p, m string) bool { return f.circuitOpen[f.key(p, m)] }

func (f *fakeSlots) Status(p, m string) pool.SlotStatus { return f.status[f.key(p, m)] }

func testSelectorConfig() config.SelectorConfig {
	return config.SelectorConfig{
		EnableProactiveFailover:       true,
		EnablePerformanceBasedRouting: true,
		MaxParallelAlternatives:       2,
		ScoreWeights: config.ScoreWeights{
			Capacity:    0.3,
			Health:      0.3,
			Performance: 0.2,
			Priority:    0.2,
		},
	}
}

func healthySlot(maxConcurrent int) pool.SlotStatus {
	return pool.SlotStatus{MaxConcurrent: maxConcurrent}
}

var (
	primary = types.Candidate{Provider: "p1", Model: "m"}
	altA    = types.Candidate{Provider: "p2", Model: "m"}
	altB    = types.Candidate{Provider: "p3", Model: "m"}
)

func TestSelect_PrimaryWinsWhenHealthy(t *testing.T) {
	slots := &fakeSlots{
		status: map[string]pool.SlotStatus{
			"p1,m": healthySlot(5),
			"p2,m": healthySlot(5),
		},
		rateLimited: map[string]bool{},
		circuitOpen: map[string]bool{},
	}
	s := New(slots, testSelectorConfig(), slog.Default())

	sel := s.Select(primary, []types.Candidate{altA}, types.ScenarioDefault, 0)
	assert.Equal(t, primary, sel.Selected)
	// Fresh slots: capacity 100, health 100, performance 100, priority 10.
	assert.InDelta(t, 82.0, sel.Score, 0.01)
	assert.False(t, sel.ShouldRace, "score >= 70 runs alone")
}

func TestSelect_DisqualifiedCandidatesScoreZero(t *testing.T) {
	slots := &fakeSlots{
		status: map[string]pool.SlotStatus{
			"p1,m": healthySlot(5),
			"p2,m": healthySlot(5),
			"p3,m": healthySlot(5),
		},
		rateLimited: map[string]bool{"p2,m": true},
		circuitOpen: map[string]bool{"p1,m": true},
	}
	s := New(slots, testSelectorConfig(), slog.Default())

	sel := s.Select(primary, []types.Candidate{altA, altB}, types.ScenarioDefault, 0)
	assert.Equal(t, altB, sel.Selected)

	require.Len(t, sel.Scores, 3)
	assert.Equal(t, "circuit open", sel.Scores[0].Reason)
	assert.Equal(t, "rate limited", sel.Scores[1].Reason)
	assert.Zero(t, sel.Scores[0].Score)
	assert.Zero(t, sel.Scores[1].Score)
}

func TestSelect_RacesOnModerateHealth(t *testing.T) {
	// Both candidates degraded; the best score lands inside the race window.
	slots := &fakeSlots{
		status: map[string]pool.SlotStatus{
			"p1,m": {MaxConcurrent: 4, Active: 3, FailureCount: 5, SuccessCount: 5},
			"p2,m": {MaxConcurrent: 4, Active: 2, FailureCount: 4, SuccessCount: 6},
		},
		rateLimited: map[string]bool{},
		circuitOpen: map[string]bool{},
	}
	s := New(slots, testSelectorConfig(), slog.Default())

	sel := s.Select(primary, []types.Candidate{altA}, types.ScenarioDefault, 0)
	assert.Equal(t, altA, sel.Selected)
	assert.Less(t, sel.Score, 70.0)
	assert.True(t, sel.ShouldRace)
	assert.Equal(t, []types.Candidate{primary}, sel.RaceCandidates)
}

func TestSelect_NoRaceOutsideDefaultScenario(t *testing.T) {
	slots := &fakeSlots{
		status: map[string]pool.SlotStatus{
			"p1,m": {MaxConcurrent: 4, Active: 3, FailureCount: 5, SuccessCount: 5},
			"p2,m": healthySlot(4),
		},
		rateLimited: map[string]bool{},
		circuitOpen: map[string]bool{},
	}
	s := New(slots, testSelectorConfig(), slog.Default())

	sel := s.Select(primary, []types.Candidate{altA}, types.ScenarioThink, 0)
	assert.False(t, sel.ShouldRace)
}

func TestSelect_NoRaceWithoutAlternatives(t *testing.T) {
	slots := &fakeSlots{
		status: map[string]pool.SlotStatus{
			"p1,m": {MaxConcurrent: 4, Active: 3, FailureCount: 8, SuccessCount: 2},
		},
		rateLimited: map[string]bool{},
		circuitOpen: map[string]bool{},
	}
	s := New(slots, testSelectorConfig(), slog.Default())

	sel := s.Select(primary, nil, types.ScenarioDefault, 0)
	assert.Equal(t, primary, sel.Selected)
	assert.False(t, sel.ShouldRace, "racing needs another admissible candidate")
}

func TestSelect_RaceSetCapped(t *testing.T) {
	cfg := testSelectorConfig()
	cfg.MaxParallelAlternatives = 1

	slots := &fakeSlots{
		status: map[string]pool.SlotStatus{
			"p1,m": {MaxConcurrent: 4, Active: 3, FailureCount: 6, SuccessCount: 4},
			"p2,m": {MaxConcurrent: 4, Active: 3, FailureCount: 6, SuccessCount: 4},
			"p3,m": {MaxConcurrent: 4, Active: 3, FailureCount: 6, SuccessCount: 4},
		},
		rateLimited: map[string]bool{},
		circuitOpen: map[string]bool{},
	}
	s := New(slots, cfg, slog.Default())

	sel := s.Select(primary, []types.Candidate{altA, altB}, types.ScenarioDefault, 0)
	require.True(t, sel.ShouldRace)
	assert.Len(t, sel.RaceCandidates, 1)
}

func TestSelect_NothingAdmissibleFallsBackToPrimary(t *testing.T) {
	slots := &fakeSlots{
		status: map[string]pool.SlotStatus{
			"p1,m": healthySlot(2),
			"p2,m": healthySlot(2),
		},
		rateLimited: map[string]bool{"p1,m": true, "p2,m": true},
		circuitOpen: map[string]bool{},
	}
	s := New(slots, testSelectorConfig(), slog.Default())

	sel := s.Select(primary, []types.Candidate{altA}, types.ScenarioDefault, 0)
	assert.Equal(t, primary, sel.Selected)
	assert.Zero(t, sel.Score)
	assert.False(t, sel.ShouldRace)
}

func TestScoreWeights(t *testing.T) {
	slots := &fakeSlots{
		status: map[string]pool.SlotStatus{
			// 2 of 4 units free, 3 failures against 9 successes.
			"p1,m": {MaxConcurrent: 4, Active: 1, ReservedForQueue: 1, FailureCount: 3, SuccessCount: 9},
		},
		rateLimited: map[string]bool{},
		circuitOpen: map[string]bool{},
	}
	s := New(slots, testSelectorConfig(), slog.Default())

	sel := s.Select(primary, nil, types.ScenarioDefault, 10)
	// capacity 50*0.3 + health 75*0.3 + performance 70*0.2 + priority 20*0.2.
	assert.InDelta(t, 15+22.5+14+4, sel.Score, 0.01)
}
