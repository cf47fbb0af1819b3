package pool

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmrelay/internal/config"
	llmerrors "github.com/blueberrycongee/llmrelay/pkg/errors"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

func testConfig() config.ModelPoolConfig {
	return config.ModelPoolConfig{
		MaxConcurrentPerModel: 2,
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			CooldownPeriod:   time.Minute,
		},
		RateLimit: config.RateLimitConfig{
			DefaultRetryAfter:       time.Minute,
			RespectRetryAfterHeader: true,
			BackoffMultiplier:       1.5,
			MaxBackoff:              5 * time.Minute,
		},
		Queue: config.QueueConfig{
			MaxQueueSize: 10,
			QueueTimeout: time.Second,
		},
	}
}

func newTestPool(t *testing.T, cfg config.ModelPoolConfig) (*Pool, *fakeClock) {
	t.Helper()
	p := New(cfg, slog.Default())
	clock := &fakeClock{now: time.Now()}
	p.SetClock(clock.Now)
	return p, clock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestAcquireSlot_BasicAdmit(t *testing.T) {
	p, _ := newTestPool(t, testConfig())

	require.True(t, p.AcquireSlot("a", "m"))
	require.True(t, p.AcquireSlot("a", "m"))
	require.False(t, p.AcquireSlot("a", "m"), "third admit must fail at maxConcurrent=2")

	p.ReleaseSlot("a", "m", true)
	require.True(t, p.AcquireSlot("a", "m"))

	p.ReleaseSlot("a", "m", true)
	st := p.Status("a", "m")
	assert.Equal(t, 2, st.SuccessCount)
	assert.Equal(t, 0, st.FailureCount)
}

func TestReserveConfirmRelease(t *testing.T) {
	p, _ := newTestPool(t, testConfig())

	require.True(t, p.ReserveSlot("a", "m", time.Minute, "r1"))
	require.True(t, p.ReserveSlot("a", "m", time.Minute, "r2"))
	require.False(t, p.ReserveSlot("a", "m", time.Minute, "r3"), "reserve beyond capacity")

	st := p.Status("a", "m")
	assert.Equal(t, 2, st.ReservedConfirmPending)

	require.True(t, p.ConfirmSlot("a", "m", "r1"))
	st = p.Status("a", "m")
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 1, st.ReservedConfirmPending)

	p.ReleaseReservation("a", "m", "r2")
	st = p.Status("a", "m")
	assert.Equal(t, 0, st.ReservedConfirmPending)

	// Confirming a released reservation is a no-op.
	require.False(t, p.ConfirmSlot("a", "m", "r2"))
}

func TestReserveSlot_IgnoresHealthState(t *testing.T) {
	p, _ := newTestPool(t, testConfig())

	p.MarkRateLimit("a", "m", 0)
	require.False(t, p.HasCapacity("a", "m"))
	// Health gating is the dispatcher's job; reservations only check
	// capacity.
	require.True(t, p.ReserveSlot("a", "m", time.Minute, "r1"))
	p.ReleaseReservation("a", "m", "r1")
}

func TestReservationExpiry(t *testing.T) {
	p, _ := newTestPool(t, testConfig())

	require.True(t, p.ReserveSlot("a", "m", 20*time.Millisecond, "r1"))
	require.Eventually(t, func() bool {
		return p.Status("a", "m").ReservedConfirmPending == 0
	}, time.Second, 5*time.Millisecond)

	require.False(t, p.ConfirmSlot("a", "m", "r1"), "expired reservation must not confirm")
}

func TestPriorityQueueOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.QueueTimeout = 5 * time.Second
	p, _ := newTestPool(t, cfg)

	require.True(t, p.AcquireSlot("a", "m"))
	require.True(t, p.AcquireSlot("a", "m"))

	// Enqueued -10, 10, 0; admitted order must be 10, 0, -10.
	admitted := make(chan int, 3)
	enqueueOrdered(t, p, admitted, -10, 10, 0)

	var order []int
	for i := 0; i < 3; i++ {
		p.ReleaseSlot("a", "m", true)
		select {
		case pr := <-admitted:
			order = append(order, pr)
		case <-time.After(time.Second):
			t.Fatal("queued request was not admitted")
		}
	}
	assert.Equal(t, []int{10, 0, -10}, order)
}

// enqueueOrdered enqueues the priorities one at a time, waiting for each to
// land in the queue so enqueue order is deterministic.
func enqueueOrdered(t *testing.T, p *Pool, admitted chan int, priorities ...int) {
	t.Helper()
	for i, priority := range priorities {
		pr := priority
		go func() {
			if err := p.Enqueue(context.Background(), "a", "m", pr, nil); err == nil {
				admitted <- pr
			}
		}()
		want := i + 1
		require.Eventually(t, func() bool {
			return p.Status("a", "m").ReservedForQueue == want
		}, time.Second, time.Millisecond)
	}
}

func TestQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.MaxQueueSize = 1
	cfg.Queue.QueueTimeout = 5 * time.Second
	p, _ := newTestPool(t, cfg)

	require.True(t, p.AcquireSlot("a", "m"))
	require.True(t, p.AcquireSlot("a", "m"))

	go func() { _ = p.Enqueue(context.Background(), "a", "m", 0, nil) }()
	require.Eventually(t, func() bool {
		return p.Status("a", "m").QueueLength == 1
	}, time.Second, time.Millisecond)

	err := p.Enqueue(context.Background(), "a", "m", 0, nil)
	require.Error(t, err)
	provErr, ok := err.(*llmerrors.ProviderError)
	require.True(t, ok)
	assert.Equal(t, llmerrors.CodeQueueFull, provErr.Code)
}

func TestQueueDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.QueueTimeout = 30 * time.Millisecond
	p, _ := newTestPool(t, cfg)

	require.True(t, p.AcquireSlot("a", "m"))
	require.True(t, p.AcquireSlot("a", "m"))

	err := p.Enqueue(context.Background(), "a", "m", 0, nil)
	require.Error(t, err)
	provErr, ok := err.(*llmerrors.ProviderError)
	require.True(t, ok)
	assert.Equal(t, llmerrors.CodeRequestTimeout, provErr.Code)

	st := p.Status("a", "m")
	assert.Equal(t, 0, st.ReservedForQueue, "deadline must return the queue reservation")
	assert.Equal(t, 0, st.QueueLength)
}

func TestEnqueueContextCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.QueueTimeout = 5 * time.Second
	p, _ := newTestPool(t, cfg)

	require.True(t, p.AcquireSlot("a", "m"))
	require.True(t, p.AcquireSlot("a", "m"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Enqueue(ctx, "a", "m", 0, nil) }()
	require.Eventually(t, func() bool {
		return p.Status("a", "m").QueueLength == 1
	}, time.Second, time.Millisecond)

	cancel()
	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, p.Status("a", "m").ReservedForQueue)
}

func TestCircuitBreaker(t *testing.T) {
	p, clock := newTestPool(t, testConfig())

	for i := 0; i < 5; i++ {
		require.True(t, p.AcquireSlot("a", "m"))
		p.ReleaseSlot("a", "m", false)
	}

	st := p.Status("a", "m")
	require.True(t, st.CircuitOpen)
	require.False(t, p.HasCapacity("a", "m"))

	clock.Advance(60*time.Second + time.Millisecond)
	require.True(t, p.HasCapacity("a", "m"), "half-open probe admitted after cooldown")
	assert.False(t, p.Status("a", "m").CircuitOpen)
	assert.Equal(t, 0, p.Status("a", "m").FailureCount, "probe resets failure count")
}

func TestCircuitReopensOnProbeFailure(t *testing.T) {
	p, clock := newTestPool(t, testConfig())

	for i := 0; i < 5; i++ {
		p.AcquireSlot("a", "m")
		p.ReleaseSlot("a", "m", false)
	}
	clock.Advance(61 * time.Second)
	require.True(t, p.HasCapacity("a", "m"))

	// The probe fails; the breaker re-opens through the same threshold path.
	for i := 0; i < 5; i++ {
		p.AcquireSlot("a", "m")
		p.ReleaseSlot("a", "m", false)
	}
	assert.True(t, p.Status("a", "m").CircuitOpen)
}

func TestRateLimitBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.RespectRetryAfterHeader = false
	p, clock := newTestPool(t, cfg)

	p.MarkRateLimit("a", "m", 0)
	p.MarkRateLimit("a", "m", 0)
	p.MarkRateLimit("a", "m", 0)

	// base 60s, mult 1.5: third mark waits 60 * 1.5^2 = 135s.
	st := p.Status("a", "m")
	assert.Equal(t, 135*time.Second, st.RateLimitUntil.Sub(clock.Now()))

	for i := 0; i < 17; i++ {
		p.MarkRateLimit("a", "m", 0)
	}
	st = p.Status("a", "m")
	assert.Equal(t, 5*time.Minute, st.RateLimitUntil.Sub(clock.Now()), "delay capped at max backoff")

	// A success resets the backoff count; the next mark starts from base.
	p.AcquireSlot("a", "m")
	p.ReleaseSlot("a", "m", true)
	p.MarkRateLimit("a", "m", 0)
	st = p.Status("a", "m")
	assert.Equal(t, 1, st.RateLimitBackoffCount)
	assert.Equal(t, time.Minute, st.RateLimitUntil.Sub(clock.Now()))
}

func TestRateLimitRespectsRetryAfter(t *testing.T) {
	p, clock := newTestPool(t, testConfig())

	p.MarkRateLimit("a", "m", 42*time.Second)
	st := p.Status("a", "m")
	assert.Equal(t, 42*time.Second, st.RateLimitUntil.Sub(clock.Now()))

	// The hint becomes the new base for subsequent exponential marks.
	p.MarkRateLimit("a", "m", 0)
	st = p.Status("a", "m")
	assert.Equal(t, 63*time.Second, st.RateLimitUntil.Sub(clock.Now()), "42s * 1.5^1")
}

func TestSuccessDrainsFailures(t *testing.T) {
	p, _ := newTestPool(t, testConfig())

	for i := 0; i < 3; i++ {
		p.AcquireSlot("a", "m")
		p.ReleaseSlot("a", "m", false)
	}
	require.Equal(t, 3, p.Status("a", "m").FailureCount)

	for i := 0; i < 5; i++ {
		p.AcquireSlot("a", "m")
		p.ReleaseSlot("a", "m", true)
	}
	assert.Equal(t, 0, p.Status("a", "m").FailureCount, "failure count floors at zero")
}

func TestReleaseCanceledDoesNotCount(t *testing.T) {
	p, _ := newTestPool(t, testConfig())

	require.True(t, p.AcquireSlot("a", "m"))
	p.ReleaseCanceled("a", "m")

	st := p.Status("a", "m")
	assert.Equal(t, 0, st.Active)
	assert.Equal(t, 0, st.FailureCount)
	assert.Equal(t, 0, st.SuccessCount)
}

func TestGetAvailableAlternatives(t *testing.T) {
	p, _ := newTestPool(t, testConfig())

	p.MarkRateLimit("b", "m", 0)
	require.True(t, p.AcquireSlot("c", "m"))
	require.True(t, p.AcquireSlot("c", "m"))

	alts := p.GetAvailableAlternatives([]types.Candidate{
		{Provider: "a", Model: "m"},
		{Provider: "b", Model: "m"},
		{Provider: "c", Model: "m"},
	})
	assert.Equal(t, []types.Candidate{{Provider: "a", Model: "m"}}, alts)
}

func TestClearQueue(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.QueueTimeout = 5 * time.Second
	p, _ := newTestPool(t, cfg)

	require.True(t, p.AcquireSlot("a", "m"))
	require.True(t, p.AcquireSlot("a", "m"))

	done := make(chan error, 1)
	go func() { done <- p.Enqueue(context.Background(), "a", "m", 0, nil) }()
	require.Eventually(t, func() bool {
		return p.Status("a", "m").QueueLength == 1
	}, time.Second, time.Millisecond)

	require.Equal(t, 1, p.ClearQueue())
	err := <-done
	require.Error(t, err)
	assert.Equal(t, 0, p.Status("a", "m").ReservedForQueue)
}

func TestEnqueueOnProcessHook(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.QueueTimeout = 5 * time.Second
	p, _ := newTestPool(t, cfg)

	require.True(t, p.AcquireSlot("a", "m"))
	require.True(t, p.AcquireSlot("a", "m"))

	processed := make(chan struct{})
	go func() {
		_ = p.Enqueue(context.Background(), "a", "m", 0, func() { close(processed) })
	}()
	require.Eventually(t, func() bool {
		return p.Status("a", "m").QueueLength == 1
	}, time.Second, time.Millisecond)

	p.ReleaseSlot("a", "m", true)
	select {
	case <-processed:
	case <-time.After(time.Second):
		t.Fatal("onProcess hook was not invoked on admission")
	}
}

func TestBackgroundSweeperAdmitsFreedCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.QueueTimeout = 5 * time.Second
	p, _ := newTestPool(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	require.True(t, p.AcquireSlot("a", "m"))
	require.True(t, p.AcquireSlot("a", "m"))

	done := make(chan error, 1)
	go func() { done <- p.Enqueue(ctx, "a", "m", 0, nil) }()
	require.Eventually(t, func() bool {
		return p.Status("a", "m").QueueLength == 1
	}, time.Second, time.Millisecond)

	// Free capacity without an explicit ProcessQueue call; the ticker picks
	// the waiter up.
	s := p.getSlot("a", "m")
	s.mu.Lock()
	s.active--
	s.mu.Unlock()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("background sweeper did not admit the waiter")
	}
}

func TestInvariants_CountersNonNegative(t *testing.T) {
	p, _ := newTestPool(t, testConfig())

	// Spurious releases must not underflow.
	p.ReleaseSlot("a", "m", true)
	p.ReleaseCanceled("a", "m")
	p.ReleaseReservation("a", "m", "ghost")

	st := p.Status("a", "m")
	assert.GreaterOrEqual(t, st.Active, 0)
	assert.GreaterOrEqual(t, st.ReservedConfirmPending, 0)
	assert.GreaterOrEqual(t, st.ReservedForQueue, 0)
}
