package trivia

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const defaultMergeTimeout = 5 * time.Second

var (
	errMissingShards    = errors.New("at least one shard is required")
	errMissingPublisher = errors.New("result publisher is required")
	noOpLogger          = zap.NewNop()
)

// ResultPublisher receives computed round results.
type ResultPublisher interface {
	PublishResult(ctx context.Context, result Result) error
}

// CoordinatorConfig describes the dependencies of a Coordinator.
type CoordinatorConfig struct {
	Shards       []ShardClient
	Publisher    ResultPublisher
	Clock        clockwork.Clock
	VoteWindow   time.Duration
	MergeTimeout time.Duration
	Logger       *zap.Logger
}

type pendingRound struct {
	roundID          int64
	voteWindowEndsAt int64
}

// Coordinator merges shard tallies once a round's vote window closes.
type Coordinator struct {
	shards       []ShardClient
	publisher    ResultPublisher
	clock        clockwork.Clock
	voteWindow   time.Duration
	mergeTimeout time.Duration
	logger       *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	pending    *pendingRound
	lastMerged int64
	hasMerged  bool
	timer      clockwork.Timer
	timerAt    int64
	timerDone  chan struct{}

	mergeMu sync.Mutex
}

// NewCoordinator validates the configuration and returns an idle coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if len(cfg.Shards) == 0 {
		return nil, newServiceError(opCoordinatorNew, "missing_shards", errMissingShards)
	}
	if cfg.Publisher == nil {
		return nil, newServiceError(opCoordinatorNew, "missing_publisher", errMissingPublisher)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	voteWindow := cfg.VoteWindow
	if voteWindow <= 0 {
		voteWindow = VoteWindowForSpeed(1)
	}
	mergeTimeout := cfg.MergeTimeout
	if mergeTimeout <= 0 {
		mergeTimeout = defaultMergeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		shards:       append([]ShardClient(nil), cfg.Shards...),
		publisher:    cfg.Publisher,
		clock:        clock,
		voteWindow:   voteWindow,
		mergeTimeout: mergeTimeout,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Schedule registers the merge deadline of a round. Older rounds never displace a
// newer pending round, and deadlines implausibly far in the future are ignored.
// It reports whether the request was accepted.
func (c *Coordinator) Schedule(roundID int64, voteWindowEndsAt int64) bool {
	now := c.clock.Now().UnixMilli()
	if voteWindowEndsAt >= now+2*c.voteWindow.Milliseconds() {
		c.logger.Debug("ignoring implausible merge deadline",
			zap.String("operation", opSchedule),
			zap.Int64("round_id", roundID),
			zap.Int64("vote_window_ends_at", voteWindowEndsAt))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != nil && c.pending.roundID > roundID {
		return false
	}
	// a round's result is computed once
	if c.hasMerged && roundID <= c.lastMerged {
		return false
	}
	c.pending = &pendingRound{roundID: roundID, voteWindowEndsAt: voteWindowEndsAt}
	c.armTimerLocked(voteWindowEndsAt, now)
	return true
}

// PendingRound returns the round awaiting a merge, if any.
func (c *Coordinator) PendingRound() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return 0, false
	}
	return c.pending.roundID, true
}

// MergeNow harvests and publishes the pending round immediately.
// It returns a nil result when nothing is pending.
func (c *Coordinator) MergeNow(ctx context.Context) (*Result, error) {
	return c.runMerge(ctx, nil)
}

// Close stops the pending timer and abandons any in-flight timer merge.
func (c *Coordinator) Close() {
	c.cancel()
	c.mu.Lock()
	c.stopTimerLocked()
	c.mu.Unlock()
}

func (c *Coordinator) armTimerLocked(deadline, now int64) {
	if c.timer != nil && c.timerAt == deadline {
		return
	}
	c.stopTimerLocked()

	timer := c.clock.NewTimer(time.Duration(deadline-now) * time.Millisecond)
	done := make(chan struct{})
	c.timer = timer
	c.timerAt = deadline
	c.timerDone = done

	go func() {
		select {
		case <-timer.Chan():
			c.mu.Lock()
			current := c.timer == timer
			var roundID int64
			hasPending := false
			if current {
				c.timer = nil
				c.timerDone = nil
				if c.pending != nil {
					roundID, hasPending = c.pending.roundID, true
				}
			}
			c.mu.Unlock()
			if hasPending {
				c.mergeOnTimer(roundID)
			}
		case <-done:
		case <-c.ctx.Done():
		}
	}()
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer == nil {
		return
	}
	if !c.timer.Stop() {
		select {
		case <-c.timer.Chan():
		default:
		}
	}
	close(c.timerDone)
	c.timer = nil
	c.timerDone = nil
}

func (c *Coordinator) mergeOnTimer(roundID int64) {
	ctx, cancel := context.WithTimeout(c.ctx, c.mergeTimeout)
	defer cancel()
	if _, err := c.runMerge(ctx, &roundID); err != nil {
		c.logger.Warn("scheduled merge produced no result", zap.Error(err))
	}
}

// runMerge harvests the pending round. A non-nil expectedRound restricts the
// merge to that round so a timer never harvests a round scheduled after it fired.
func (c *Coordinator) runMerge(ctx context.Context, expectedRound *int64) (*Result, error) {
	c.mergeMu.Lock()
	defer c.mergeMu.Unlock()

	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	if pending == nil {
		return nil, nil
	}
	if expectedRound != nil && pending.roundID != *expectedRound {
		return nil, nil
	}

	distribution, err := c.collectTallies(ctx, pending.roundID)
	if err != nil {
		c.logError(opMerge, "shard_tally_failed", err, zap.Int64("round_id", pending.roundID))
		return nil, newServiceError(opMerge, "shard_tally_failed", err)
	}

	result := BuildResult(pending.roundID, distribution, pending.voteWindowEndsAt)
	if err := c.publisher.PublishResult(ctx, result); err != nil {
		c.logError(opMerge, "publish_failed", err, zap.Int64("round_id", pending.roundID))
		return nil, newServiceError(opMerge, "publish_failed", err)
	}

	c.mu.Lock()
	if c.pending != nil && c.pending.roundID == pending.roundID {
		c.pending = nil
		c.stopTimerLocked()
	}
	if !c.hasMerged || pending.roundID > c.lastMerged {
		c.lastMerged, c.hasMerged = pending.roundID, true
	}
	c.mu.Unlock()

	c.logger.Info("trivia round merged",
		zap.Int64("round_id", result.RoundID),
		zap.Int64("total_votes", result.TotalVotes),
		zap.Bool("crowd_awarded", result.CrowdAwarded))
	return &result, nil
}

// collectTallies fans out a reset tally to every shard and sums the responses in shard order.
func (c *Coordinator) collectTallies(ctx context.Context, roundID int64) (Counts, error) {
	tallies := make([]Counts, len(c.shards))
	errs := make([]error, len(c.shards))

	var wg sync.WaitGroup
	for index, shard := range c.shards {
		wg.Add(1)
		go func(index int, shard ShardClient) {
			defer wg.Done()
			response, err := shard.Tally(ctx, TallyRequest{RoundID: roundID, Reset: true})
			if err != nil {
				errs[index] = err
				return
			}
			tallies[index] = response.Counts
		}(index, shard)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return Counts{}, err
	}
	return MergeTallies(tallies), nil
}

func (c *Coordinator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("trivia coordinator error", attrs...)
}
