package ingress

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/clock"
	"github.com/MarcoPoloResearchLab/glimmer/backend/internal/trivia"
	"go.uber.org/zap"
)

var (
	// ErrInvalidVote indicates a vote without a wallet or with an unknown option.
	ErrInvalidVote = errors.New("ingress: invalid vote")
	// ErrVotingClosed indicates a vote outside an earn phase.
	ErrVotingClosed = errors.New("ingress: voting closed")
	// ErrVoteWindowElapsed indicates a vote after the round's vote window.
	ErrVoteWindowElapsed = errors.New("ingress: vote window elapsed")

	errMissingClock     = errors.New("clock reader is required")
	errMissingShards    = errors.New("at least one shard is required")
	errMissingScheduler = errors.New("merge scheduler is required")
)

// ClockReader exposes the authoritative clock state.
type ClockReader interface {
	CurrentState() clock.State
}

// MergeScheduler is told when a round's vote window closes.
type MergeScheduler interface {
	Schedule(roundID int64, voteWindowEndsAt int64) bool
}

// ServiceError carries an operation.reason code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opRouterNew = "ingress.router.new"
	opVote      = "ingress.vote"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// RouterConfig describes the dependencies of a VoteRouter.
type RouterConfig struct {
	Clock     ClockReader
	Shards    []trivia.ShardClient
	Scheduler MergeScheduler
	Logger    *zap.Logger
}

// VoteOutcome is returned to the voter.
type VoteOutcome struct {
	OK        bool  `json:"ok"`
	Duplicate bool  `json:"duplicate"`
	RoundID   int64 `json:"roundId"`
}

// VoteRouter gates votes on the clock and routes them to the shard owning the wallet.
type VoteRouter struct {
	clock     ClockReader
	shards    []trivia.ShardClient
	scheduler MergeScheduler
	logger    *zap.Logger
}

// NewVoteRouter validates the configuration.
func NewVoteRouter(cfg RouterConfig) (*VoteRouter, error) {
	if cfg.Clock == nil {
		return nil, newServiceError(opRouterNew, "missing_clock", errMissingClock)
	}
	if len(cfg.Shards) == 0 {
		return nil, newServiceError(opRouterNew, "missing_shards", errMissingShards)
	}
	if cfg.Scheduler == nil {
		return nil, newServiceError(opRouterNew, "missing_scheduler", errMissingScheduler)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VoteRouter{
		clock:     cfg.Clock,
		shards:    append([]trivia.ShardClient(nil), cfg.Shards...),
		scheduler: cfg.Scheduler,
		logger:    logger,
	}, nil
}

// ShardFor returns the index of the shard that owns wallet.
func (r *VoteRouter) ShardFor(wallet string) int {
	return trivia.ShardIndex(trivia.HashWallet(normalizeWallet(wallet)), len(r.shards))
}

// SubmitVote records a vote for the current round and schedules its merge.
func (r *VoteRouter) SubmitVote(ctx context.Context, wallet string, rawOption string) (VoteOutcome, error) {
	wallet = normalizeWallet(wallet)
	if wallet == "" {
		return VoteOutcome{}, fmt.Errorf("%w: missing wallet", ErrInvalidVote)
	}
	option, err := trivia.ParseOption(rawOption)
	if err != nil {
		return VoteOutcome{}, fmt.Errorf("%w: %v", ErrInvalidVote, err)
	}

	state := r.clock.CurrentState()
	if state.Phase != clock.PhaseEarnTrivia || state.Round == nil {
		return VoteOutcome{}, ErrVotingClosed
	}
	voteWindowEndsAt := state.Round.StartedAt + trivia.VoteWindowForSpeed(state.SpeedMultiplier).Milliseconds()
	if state.Now > voteWindowEndsAt {
		return VoteOutcome{}, ErrVoteWindowElapsed
	}

	hash := trivia.HashWallet(wallet)
	index := trivia.ShardIndex(hash, len(r.shards))
	receipt, err := r.shards[index].RecordVote(ctx, trivia.VoteRequest{
		RoundID:   state.Round.ID,
		Option:    option,
		VoterHash: hash,
	})
	if err != nil {
		r.logger.Error("vote shard unavailable",
			zap.String("operation", opVote),
			zap.String("reason", "shard_failed"),
			zap.Int("shard", index),
			zap.Int64("round_id", state.Round.ID),
			zap.Error(err))
		return VoteOutcome{}, newServiceError(opVote, "shard_failed", err)
	}

	r.scheduler.Schedule(state.Round.ID, voteWindowEndsAt)

	return VoteOutcome{
		OK:        receipt.Accepted,
		Duplicate: receipt.Duplicate,
		RoundID:   state.Round.ID,
	}, nil
}

func normalizeWallet(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}
