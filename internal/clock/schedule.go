package clock

// Phase names one half of the show cycle.
type Phase string

const (
	PhaseSpendGift  Phase = "SPEND_GIFT"
	PhaseEarnTrivia Phase = "EARN_TRIVIA"
)

// Round is the trivia sub-window active during an earn phase.
type Round struct {
	ID         int64 `json:"id"`
	StartedAt  int64 `json:"startedAt"`
	EndsAt     int64 `json:"endsAt"`
	DurationMs int64 `json:"durationMs"`
}

// State is the clock as observed at Now. Timestamps are Unix milliseconds.
type State struct {
	Now             int64   `json:"now"`
	Phase           Phase   `json:"phase"`
	PhaseStartedAt  int64   `json:"phaseStartedAt"`
	PhaseEndsAt     int64   `json:"phaseEndsAt"`
	GiftWindowID    int64   `json:"giftWindowId"`
	Round           *Round  `json:"round"`
	RoundsPerEarn   int64   `json:"roundsPerEarn"`
	NextBoundaryAt  int64   `json:"nextBoundaryAt"`
	SpeedMultiplier float64 `json:"speedMultiplier"`
}

// Schedule derives State purely from (now, anchor, durations).
type Schedule struct {
	config        Config
	cycleMs       int64
	roundsPerEarn int64
}

// NewSchedule precomputes the cycle geometry of config.
func NewSchedule(config Config) Schedule {
	return Schedule{
		config:        config,
		cycleMs:       config.CycleMs(),
		roundsPerEarn: RoundsPerEarn(config.EarnDurationMs, config.RoundDurationMs),
	}
}

// RoundsPerEarn is the number of whole rounds that fit an earn phase, at least one.
func RoundsPerEarn(earnDurationMs, roundDurationMs int64) int64 {
	if roundDurationMs <= 0 {
		return 1
	}
	rounds := earnDurationMs / roundDurationMs
	if rounds < 1 {
		return 1
	}
	return rounds
}

// Config returns the configuration the schedule was built from.
func (s Schedule) Config() Config {
	return s.config
}

// State computes the clock state at nowMs. Each cycle opens with the spend phase.
func (s Schedule) State(nowMs int64) State {
	elapsed := nowMs - s.config.AnchorMs
	cycleIndex := floorDiv(elapsed, s.cycleMs)
	offset := floorMod(elapsed, s.cycleMs)

	state := State{
		Now:             nowMs,
		GiftWindowID:    cycleIndex + 1,
		RoundsPerEarn:   s.roundsPerEarn,
		SpeedMultiplier: s.config.SpeedMultiplier,
	}

	if offset < s.config.SpendDurationMs {
		state.Phase = PhaseSpendGift
		state.PhaseStartedAt = nowMs - offset
		state.PhaseEndsAt = state.PhaseStartedAt + s.config.SpendDurationMs
		state.NextBoundaryAt = state.PhaseEndsAt
		return state
	}

	earnElapsed := offset - s.config.SpendDurationMs
	state.Phase = PhaseEarnTrivia
	state.PhaseStartedAt = nowMs - earnElapsed
	state.PhaseEndsAt = state.PhaseStartedAt + s.config.EarnDurationMs

	roundIndex := earnElapsed / s.config.RoundDurationMs
	if roundIndex > s.roundsPerEarn-1 {
		roundIndex = s.roundsPerEarn - 1
	}
	roundStartedAt := state.PhaseStartedAt + roundIndex*s.config.RoundDurationMs
	roundEndsAt := roundStartedAt + s.config.RoundDurationMs
	if roundEndsAt > state.PhaseEndsAt {
		roundEndsAt = state.PhaseEndsAt
	}
	state.Round = &Round{
		ID:         cycleIndex*s.roundsPerEarn + roundIndex + 1,
		StartedAt:  roundStartedAt,
		EndsAt:     roundEndsAt,
		DurationMs: s.config.RoundDurationMs,
	}

	state.NextBoundaryAt = state.PhaseEndsAt
	if roundEndsAt > nowMs && roundEndsAt < state.NextBoundaryAt {
		state.NextBoundaryAt = roundEndsAt
	}
	return state
}
