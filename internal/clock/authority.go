package clock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/trivia"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const storeTimeout = 5 * time.Second

var (
	errMissingHub      = errors.New("realtime hub is required")
	errInvalidGeometry = errors.New("clock durations must be positive")
	errAuthorityClosed = errors.New("clock authority closed")
	noOpLogger         = zap.NewNop()
)

var _ trivia.ResultPublisher = (*Authority)(nil)

// AuthorityConfig describes the dependencies of an Authority.
type AuthorityConfig struct {
	Config Config
	Store  *Store
	Hub    *realtime.Hub
	Clock  clockwork.Clock
	Logger *zap.Logger
}

// Authority owns the show clock. It wakes itself at every phase and round
// boundary, broadcasts ticks, and relays trivia results to subscribers.
type Authority struct {
	store  *Store
	hub    *realtime.Hub
	clock  clockwork.Clock
	logger *zap.Logger

	mu          sync.Mutex
	schedule    Schedule
	latest      *trivia.Result
	timer       clockwork.Timer
	timerDone   chan struct{}
	nextAlarmAt int64
	closed      bool
}

// NewAuthority restores the persisted anchor and latest result, then arms the first wakeup.
// A stored anchor always wins over the configured one so restarts keep the schedule.
func NewAuthority(ctx context.Context, cfg AuthorityConfig) (*Authority, error) {
	if cfg.Hub == nil {
		return nil, newServiceError(opAuthorityNew, "missing_hub", errMissingHub)
	}
	if cfg.Config.EarnDurationMs <= 0 || cfg.Config.SpendDurationMs <= 0 || cfg.Config.RoundDurationMs <= 0 {
		return nil, newServiceError(opAuthorityNew, "invalid_geometry", errInvalidGeometry)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	config := cfg.Config
	var latest *trivia.Result
	if cfg.Store != nil {
		anchor, err := cfg.Store.LoadOrInitAnchor(ctx, config.AnchorMs)
		if err != nil {
			return nil, newServiceError(opAuthorityNew, "anchor_load_failed", err)
		}
		config.AnchorMs = anchor
		latest, err = cfg.Store.LoadLatestResult(ctx)
		if err != nil {
			logger.Warn("latest trivia result unavailable", zap.Error(err))
			latest = nil
		}
	}

	authority := &Authority{
		store:    cfg.Store,
		hub:      cfg.Hub,
		clock:    clock,
		logger:   logger,
		schedule: NewSchedule(config),
		latest:   latest,
	}
	authority.mu.Lock()
	authority.ensureAlarmLocked(authority.stateLocked())
	authority.mu.Unlock()

	logger.Info("clock authority started",
		zap.Int64("anchor_ms", config.AnchorMs),
		zap.Float64("speed_multiplier", config.SpeedMultiplier),
		zap.Int64("rounds_per_earn", authority.schedule.roundsPerEarn))
	return authority, nil
}

// Config returns the effective clock configuration, including the restored anchor.
func (a *Authority) Config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.schedule.Config()
}

// CurrentState computes the state at the current instant and makes sure a wakeup is armed.
func (a *Authority) CurrentState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	state := a.stateLocked()
	a.ensureAlarmLocked(state)
	return state
}

// StateAt computes the state at nowMs without side effects.
func (a *Authority) StateAt(nowMs int64) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.schedule.State(nowMs)
}

// LatestResult returns the most recently published trivia result, if any.
func (a *Authority) LatestResult() *trivia.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.latest == nil {
		return nil
	}
	result := *a.latest
	return &result
}

// Subscribe opens a message stream that starts with a snapshot of the current
// state and the latest result.
func (a *Authority) Subscribe(ctx context.Context) (<-chan []byte, func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, nil, newServiceError(opSubscribe, "closed", errAuthorityClosed)
	}
	state := a.stateLocked()
	a.ensureAlarmLocked(state)
	snapshot, err := encodeSnapshot(state, a.latest)
	if err != nil {
		return nil, nil, newServiceError(opSubscribe, "encode_failed", err)
	}
	stream, cleanup := a.hub.Subscribe(ctx, realtime.TopicClock, snapshot)
	return stream, cleanup, nil
}

// PublishResult records result as the latest one and broadcasts it.
// Persistence failures are logged; the in-memory result and broadcast still proceed.
func (a *Authority) PublishResult(ctx context.Context, result trivia.Result) error {
	payload, err := encodeResult(result)
	if err != nil {
		return newServiceError(opPublish, "encode_failed", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	stored := result
	a.latest = &stored
	if a.store != nil {
		storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		if err := a.store.SaveLatestResult(storeCtx, result); err != nil {
			a.logError(opPublish, "persist_failed", err, zap.Int64("round_id", result.RoundID))
		}
		cancel()
	}
	a.hub.Publish(realtime.TopicClock, payload)
	return nil
}

// Close stops the wakeup timer.
func (a *Authority) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.stopTimerLocked()
}

func (a *Authority) stateLocked() State {
	return a.schedule.State(a.clock.Now().UnixMilli())
}

// ensureAlarmLocked keeps exactly one timer armed for the next boundary.
func (a *Authority) ensureAlarmLocked(state State) {
	if a.closed {
		return
	}
	if a.timer != nil && a.nextAlarmAt == state.NextBoundaryAt {
		return
	}
	a.stopTimerLocked()

	delay := time.Duration(state.NextBoundaryAt-state.Now) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	timer := a.clock.NewTimer(delay)
	done := make(chan struct{})
	a.timer = timer
	a.timerDone = done
	a.nextAlarmAt = state.NextBoundaryAt

	go func() {
		select {
		case <-timer.Chan():
			a.onAlarm(timer)
		case <-done:
		}
	}()
}

func (a *Authority) onAlarm(timer clockwork.Timer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != timer {
		return
	}
	a.timer = nil
	a.timerDone = nil

	state := a.stateLocked()
	a.ensureAlarmLocked(state)

	payload, err := encodeTick(state)
	if err != nil {
		a.logError(opBroadcast, "encode_failed", err)
		return
	}
	a.hub.Publish(realtime.TopicClock, payload)
}

func (a *Authority) stopTimerLocked() {
	if a.timer == nil {
		return
	}
	if !a.timer.Stop() {
		select {
		case <-a.timer.Chan():
		default:
		}
	}
	close(a.timerDone)
	a.timer = nil
	a.timerDone = nil
}

func (a *Authority) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	a.logger.Error("clock authority error", attrs...)
}
