package gift

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/payout"
	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/realtime"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	DefaultMinParticipationBid int64 = 50

	persistTimeout  = 5 * time.Second
	registerTimeout = 5 * time.Second
)

var (
	errMissingHub = errors.New("realtime hub is required")
	noOpLogger    = zap.NewNop()
)

// EventConfig describes the dependencies of an Event.
type EventConfig struct {
	DefaultBalance      int64
	MinParticipationBid int64
	Store               *Store
	Hub                 *realtime.Hub
	Registrar           payout.Registrar
	Clock               clockwork.Clock
	Logger              *zap.Logger
}

// StartRequest opens an auction window lasting DurationMs from Now.
type StartRequest struct {
	GiftID     int64
	Threshold  int64
	DurationMs int64
	Now        int64
}

// Event is the auction actor: it serializes ledger access, resolves the auction
// at its deadline, snapshots to storage, and streams updates.
type Event struct {
	store     *Store
	hub       *realtime.Hub
	registrar payout.Registrar
	clock     clockwork.Clock
	logger    *zap.Logger
	minBid    int64

	mu        sync.Mutex
	ledger    *Ledger
	timer     clockwork.Timer
	timerDone chan struct{}
	closed    bool

	registrations sync.WaitGroup
}

// NewEvent restores the persisted auction, if any, and re-arms its deadline.
func NewEvent(ctx context.Context, cfg EventConfig) (*Event, error) {
	if cfg.Hub == nil {
		return nil, newServiceError(opEventNew, "missing_hub", errMissingHub)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	defaultBalance := cfg.DefaultBalance
	if defaultBalance <= 0 {
		defaultBalance = DefaultBalance
	}
	minBid := cfg.MinParticipationBid
	if minBid <= 0 {
		minBid = DefaultMinParticipationBid
	}

	event := &Event{
		store:     cfg.Store,
		hub:       cfg.Hub,
		registrar: cfg.Registrar,
		clock:     clock,
		logger:    logger,
		minBid:    minBid,
		ledger:    NewLedger(defaultBalance),
	}

	if cfg.Store != nil {
		state, wallets, err := cfg.Store.Load(ctx)
		if err != nil {
			return nil, newServiceError(opEventNew, "restore_failed", err)
		}
		event.ledger.Restore(state, wallets)
	}

	event.mu.Lock()
	if state := event.ledger.State(); state != nil && state.Status == StatusActive {
		event.armDeadlineLocked(state.EndsAt)
		logger.Info("gift auction restored",
			zap.Int64("gift_id", state.GiftID),
			zap.Int64("ends_at", state.EndsAt))
	}
	event.mu.Unlock()
	return event, nil
}

// Start opens a new auction window, replacing any previous one.
func (e *Event) Start(ctx context.Context, request StartRequest) (State, error) {
	if request.DurationMs <= 0 || request.Threshold < 0 {
		return State{}, fmt.Errorf("%w: duration %d, threshold %d", ErrInvalidStart, request.DurationMs, request.Threshold)
	}
	now := e.resolveNow(request.Now)

	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.ledger.Start(StartParams{
		GiftID:    request.GiftID,
		Threshold: request.Threshold,
		StartedAt: now,
		EndsAt:    now + request.DurationMs,
	})
	e.armDeadlineLocked(state.EndsAt)
	e.persistLocked(ctx, e.ledger.Wallets())
	e.broadcastLocked(MessageTypeUpdate, state)

	e.logger.Info("gift auction started",
		zap.Int64("gift_id", state.GiftID),
		zap.Int64("threshold", state.Threshold),
		zap.Int64("ends_at", state.EndsAt))
	return state, nil
}

// Bid places a bid. Rejections are reported through BidResult.Reason.
func (e *Event) Bid(ctx context.Context, wallet string, amount int64, now int64) (BidResult, error) {
	normalized := NormalizeWallet(wallet)
	if normalized == "" || amount <= 0 {
		return BidResult{}, fmt.Errorf("%w: wallet %q, amount %d", ErrInvalidBid, wallet, amount)
	}
	now = e.resolveNow(now)

	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.ledger.State()
	result := e.ledger.Bid(normalized, amount, now)
	if !result.OK {
		return result, nil
	}

	state := e.ledger.State()
	touched := []string{normalized}
	if previous != nil && previous.HighestBidder != nil && *previous.HighestBidder != normalized {
		touched = append(touched, *previous.HighestBidder)
	}
	e.persistLocked(ctx, e.walletsLocked(touched))
	e.broadcastLocked(MessageTypeUpdate, *state)

	if amount >= e.minBid {
		e.registerParticipation(payout.Registration{
			Wallet:  normalized,
			EventID: payout.EventID(state.GiftID, state.StartedAt),
			Bid:     amount,
			Now:     now,
		})
	}
	return result, nil
}

// Finalize resolves the auction. Repeated calls return the stored resolution
// and nil means no auction was ever started.
func (e *Event) Finalize(ctx context.Context, now int64) *State {
	now = e.resolveNow(now)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finalizeLocked(ctx, now)
}

// State returns the current auction, or nil before the first Start.
func (e *Event) State() *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.State()
}

// Wallet returns the escrow entry of wallet.
func (e *Event) Wallet(wallet string) (WalletEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Wallet(wallet)
}

// Subscribe opens an update stream. It starts with a snapshot when an auction exists.
func (e *Event) Subscribe(ctx context.Context) (<-chan []byte, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var initial [][]byte
	if state := e.ledger.State(); state != nil {
		snapshot, err := encodeMessage(MessageTypeSnapshot, *state)
		if err != nil {
			return nil, nil, newServiceError(opBroadcast, "encode_failed", err)
		}
		initial = append(initial, snapshot)
	}
	stream, cleanup := e.hub.Subscribe(ctx, realtime.TopicGift, initial...)
	return stream, cleanup, nil
}

// Close stops the deadline timer and waits for in-flight payout registrations.
func (e *Event) Close() {
	e.mu.Lock()
	e.closed = true
	e.stopTimerLocked()
	e.mu.Unlock()
	e.registrations.Wait()
}

func (e *Event) finalizeLocked(ctx context.Context, now int64) *State {
	state, transitioned := e.ledger.Finalize(now)
	if state == nil || !transitioned {
		return state
	}
	e.stopTimerLocked()
	e.persistLocked(ctx, e.ledger.Wallets())
	e.broadcastLocked(MessageTypeResult, *state)

	fields := []zap.Field{
		zap.Int64("gift_id", state.GiftID),
		zap.Bool("threshold_met", state.Resolution.ThresholdMet),
		zap.Int64("amount", state.Resolution.Amount),
	}
	if state.Resolution.Winner != nil {
		fields = append(fields, zap.String("winner", *state.Resolution.Winner))
	}
	e.logger.Info("gift auction resolved", fields...)
	return state
}

func (e *Event) armDeadlineLocked(endsAt int64) {
	if e.closed {
		return
	}
	e.stopTimerLocked()
	delay := time.Duration(endsAt-e.clock.Now().UnixMilli()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	timer := e.clock.NewTimer(delay)
	done := make(chan struct{})
	e.timer = timer
	e.timerDone = done

	go func() {
		select {
		case <-timer.Chan():
			e.onDeadline(timer)
		case <-done:
		}
	}()
}

func (e *Event) onDeadline(timer clockwork.Timer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != timer {
		return
	}
	e.timer = nil
	e.timerDone = nil
	e.finalizeLocked(context.Background(), e.clock.Now().UnixMilli())
}

func (e *Event) stopTimerLocked() {
	if e.timer == nil {
		return
	}
	if !e.timer.Stop() {
		select {
		case <-e.timer.Chan():
		default:
		}
	}
	close(e.timerDone)
	e.timer = nil
	e.timerDone = nil
}

func (e *Event) walletsLocked(names []string) map[string]WalletEntry {
	wallets := make(map[string]WalletEntry, len(names))
	for _, name := range names {
		if entry, ok := e.ledger.Wallet(name); ok {
			wallets[name] = entry
		}
	}
	return wallets
}

func (e *Event) persistLocked(ctx context.Context, wallets map[string]WalletEntry) {
	if e.store == nil {
		return
	}
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := e.store.Save(storeCtx, e.ledger.State(), wallets); err != nil {
		e.logError(opPersist, "save_failed", err)
	}
}

func (e *Event) broadcastLocked(messageType string, state State) {
	payload, err := encodeMessage(messageType, state)
	if err != nil {
		e.logError(opBroadcast, "encode_failed", err)
		return
	}
	e.hub.Publish(realtime.TopicGift, payload)
}

// registerParticipation notifies the payout collaborator without waiting for it.
func (e *Event) registerParticipation(registration payout.Registration) {
	if e.registrar == nil {
		return
	}
	e.registrations.Add(1)
	go func() {
		defer e.registrations.Done()
		ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
		defer cancel()
		if err := e.registrar.Register(ctx, registration); err != nil {
			e.logError(opRegister, "register_failed", err,
				zap.String("wallet", registration.Wallet),
				zap.String("event_id", registration.EventID))
		}
	}()
}

func (e *Event) resolveNow(now int64) int64 {
	if now > 0 {
		return now
	}
	return e.clock.Now().UnixMilli()
}

func (e *Event) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("gift event error", attrs...)
}
