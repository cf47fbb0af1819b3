package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmrelay/internal/config"
	"github.com/blueberrycongee/llmrelay/internal/metrics"
	"github.com/blueberrycongee/llmrelay/internal/tokenizer"
	"github.com/blueberrycongee/llmrelay/pkg/types"
)

// ErrBackpressure is returned when the downstream sink stays blocked past the
// backpressure timeout.
var ErrBackpressure = errors.New("client backpressure timeout")

// ErrReadTimeout is returned when an upstream read exceeds the
// scenario-scaled read timeout.
var ErrReadTimeout = errors.New("upstream read timeout")

// Manager pumps upstream SSE responses to clients.
type Manager struct {
	cfg    config.StreamingConfig
	logger *slog.Logger
}

// NewManager creates a stream manager.
func NewManager(cfg config.StreamingConfig, logger *slog.Logger) *Manager {
	return &Manager{cfg: cfg, logger: logger}
}

// UpdateConfig applies a hot-reloaded configuration. In-flight streams keep
// their settings.
func (m *Manager) UpdateConfig(cfg config.StreamingConfig) {
	m.cfg = cfg
}

// PumpOptions parameterizes one stream relay.
type PumpOptions struct {
	// RequestContext is the committed per-request record. Family-specific
	// behavior derives from it, never from surrounding identifiers.
	RequestContext *types.RequestContext

	// Upstream is the initial upstream body.
	Upstream io.ReadCloser

	// Reissue obtains a replacement upstream response after a mid-stream
	// connection error. Nil disables reconnect.
	Reissue func(ctx context.Context) (io.ReadCloser, error)

	// OnFirstChunk observes the first data chunk, for TTFT metrics.
	OnFirstChunk func()

	// OnStaggered observes the single staggered-stream detection, when
	// enabled.
	OnStaggered func()

	// Transform, when set, rewrites each data payload before forwarding.
	Transform func(data string) (string, error)
}

// readTimeout returns the scenario-scaled upstream read timeout.
func (m *Manager) readTimeout(scenario types.Scenario) time.Duration {
	base := m.cfg.ReadTimeout
	switch scenario {
	case types.ScenarioThink:
		return base * 5 / 3 // 300s at the 180s default
	case types.ScenarioBackground, types.ScenarioWebSearch:
		return base * 2 / 3 // 120s at the 180s default
	default:
		return base
	}
}

// readResult carries one scanner read across the pump's select.
type readResult struct {
	ev  *Event
	err error
}

// pumpState tracks stream activity shared by heartbeat and staggered
// detection. Heartbeats never touch lastData.
type pumpState struct {
	started    time.Time
	lastData   time.Time
	chunkCount int
	tokenCount int
	staggered  bool
}

// Pump relays the upstream stream to the client until clean EOF, client
// disconnect, exhausted reconnects, or abort. The sink is flushed after
// every write; an error after headers are sent is emitted as a final error
// frame.
func (m *Manager) Pump(ctx context.Context, w http.ResponseWriter, opts PumpOptions) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing")
	}
	rc := http.NewResponseController(w)
	rctx := opts.RequestContext

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	write := func(ev *Event) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := rc.SetWriteDeadline(time.Now().Add(m.cfg.BackpressureTimeout)); err == nil {
			defer func() { _ = rc.SetWriteDeadline(time.Time{}) }()
		}
		if _, err := w.Write(ev.Serialize()); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
				return ErrBackpressure
			}
			return err
		}
		flusher.Flush()
		return nil
	}

	state := &pumpState{started: time.Now()}
	readTimeout := m.readTimeout(rctx.Scenario)

	var heartbeat *time.Ticker
	var heartbeatC <-chan time.Time
	if m.cfg.EnableKeepalive {
		heartbeat = time.NewTicker(m.cfg.HeartbeatInterval)
		heartbeatC = heartbeat.C
		defer heartbeat.Stop()
	}

	upstream := opts.Upstream
	reads, stopReader := m.startReader(upstream)
	defer func() { stopReader(); _ = upstream.Close() }()

	readTimer := time.NewTimer(readTimeout)
	defer readTimer.Stop()

	attempt := 0
	err := func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()

			case <-readTimer.C:
				m.logger.Warn("stream read timeout",
					"request_id", rctx.RequestID, "scenario", rctx.Scenario, "timeout", readTimeout)
				return ErrReadTimeout

			case <-heartbeatC:
				m.checkStaggered(state, opts)
				if time.Since(state.lastData) < m.cfg.HeartbeatInterval {
					continue
				}
				if err := write(&Event{Comment: "ping"}); err != nil {
					return err
				}
				metrics.Heartbeats.Inc()

			case res := <-reads:
				if res.err != nil {
					if errors.Is(res.err, io.EOF) {
						return nil
					}
					if opts.Reissue == nil || attempt >= m.cfg.MaxRetries {
						return res.err
					}
					attempt++
					metrics.StreamReconnects.WithLabelValues(rctx.Provider, rctx.Model).Inc()
					m.logger.Warn("upstream stream interrupted, reconnecting",
						"request_id", rctx.RequestID, "attempt", attempt, "error", res.err)

					stopReader()
					_ = upstream.Close()
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(time.Duration(attempt) * time.Second):
					}
					replacement, rerr := opts.Reissue(ctx)
					if rerr != nil {
						return rerr
					}
					upstream = replacement
					reads, stopReader = m.startReader(upstream)
					if !readTimer.Stop() {
						select {
						case <-readTimer.C:
						default:
						}
					}
					readTimer.Reset(readTimeout)
					continue
				}

				ev := res.ev
				if ev.IsComment() {
					// Upstream keepalives are not forwarded; the relay
					// heartbeats on its own schedule.
					continue
				}
				if ev.Done {
					if err := write(ev); err != nil {
						return err
					}
					return nil
				}

				if opts.Transform != nil && ev.Data != "" {
					data, terr := opts.Transform(ev.Data)
					if terr != nil {
						return terr
					}
					ev.Data = data
				}
				if err := write(ev); err != nil {
					return err
				}

				if state.chunkCount == 0 && opts.OnFirstChunk != nil {
					opts.OnFirstChunk()
				}
				state.chunkCount++
				state.lastData = time.Now()
				state.tokenCount += tokenizer.CountTextTokens(rctx.Model, ev.Data)

				if !readTimer.Stop() {
					select {
					case <-readTimer.C:
					default:
					}
				}
				readTimer.Reset(readTimeout)
			}
		}
	}()

	if err != nil && !errors.Is(err, context.Canceled) {
		// Headers are long gone; the error rides in a final frame.
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		_ = write(&Event{Name: "error", Data: string(payload)})
	}
	return err
}

// startReader pumps scanner reads into a channel so the select loop can
// multiplex them with timers and cancellation.
func (m *Manager) startReader(upstream io.Reader) (<-chan readResult, func()) {
	reads := make(chan readResult)
	stop := make(chan struct{})
	var once sync.Once

	go func() {
		scanner := NewScanner(upstream)
		defer scanner.Close()
		for {
			ev, err := scanner.Next()
			select {
			case reads <- readResult{ev: ev, err: err}:
				if err != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}()

	return reads, func() { once.Do(func() { close(stop) }) }
}

// checkStaggered fires the one-shot staggered-stream callback when the
// stream is live, has produced enough chunks, and has gone quiet at a low
// token rate.
func (m *Manager) checkStaggered(state *pumpState, opts PumpOptions) {
	if !m.cfg.EnableStaggeredDetection || state.staggered || opts.OnStaggered == nil {
		return
	}
	if state.chunkCount < 3 || time.Since(state.started) < 5*time.Second {
		return
	}
	if time.Since(state.lastData) <= m.cfg.MaxInterChunkDelay {
		return
	}
	elapsed := time.Since(state.started).Seconds()
	if elapsed <= 0 {
		return
	}
	rate := float64(state.tokenCount) / elapsed
	if rate >= m.cfg.MinTokenRate {
		return
	}
	state.staggered = true
	rctx := opts.RequestContext
	metrics.StaggeredStreams.WithLabelValues(rctx.Provider, rctx.Model).Inc()
	m.logger.Warn("staggered stream detected",
		"request_id", rctx.RequestID, "chunks", state.chunkCount, "token_rate", rate)
	opts.OnStaggered()
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
