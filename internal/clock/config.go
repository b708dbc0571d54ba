package clock

import (
	"math"
	"time"
)

const (
	BaseEarnDurationMs  int64 = 10 * 60 * 1000
	BaseSpendDurationMs int64 = 10 * 60 * 1000
	BaseRoundDurationMs int64 = 14 * 1000

	minRoundDurationMs int64 = 1000
	minSpeed                 = 0.01
	maxSpeed                 = 10.0
)

// defaultAnchorEpoch is the reference instant derived anchors align to.
var defaultAnchorEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// Config fixes the phase geometry of the show clock. Durations are milliseconds.
type Config struct {
	AnchorMs        int64
	EarnDurationMs  int64
	SpendDurationMs int64
	RoundDurationMs int64
	SpeedMultiplier float64
}

// CycleMs is the length of one spend+earn cycle.
func (c Config) CycleMs() int64 {
	return c.EarnDurationMs + c.SpendDurationMs
}

// ClampMultiplier bounds a speed multiplier to the supported range.
func ClampMultiplier(value float64) float64 {
	return math.Min(maxSpeed, math.Max(minSpeed, value))
}

// NormalizeMultiplier maps invalid multipliers to 1 and clamps the rest.
func NormalizeMultiplier(value float64) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) || value <= 0 {
		return 1
	}
	return ClampMultiplier(value)
}

// DeriveAnchor returns explicitAnchorMs when positive. Otherwise it aligns to the
// most recent cycle boundary counted from 2024-01-01T00:00Z so independently
// started processes agree on the schedule.
func DeriveAnchor(explicitAnchorMs, nowMs, cycleMs int64) int64 {
	if explicitAnchorMs > 0 {
		return explicitAnchorMs
	}
	if cycleMs <= 0 {
		return nowMs
	}
	return nowMs - floorMod(nowMs-defaultAnchorEpoch, cycleMs)
}

// BuildConfig scales the base durations by the speed multiplier and derives the anchor.
func BuildConfig(speedMultiplier float64, explicitAnchorMs int64, now time.Time) Config {
	speed := NormalizeMultiplier(speedMultiplier)
	earn := scaleDuration(BaseEarnDurationMs, speed)
	spend := scaleDuration(BaseSpendDurationMs, speed)
	round := scaleDuration(BaseRoundDurationMs, speed)
	if round < minRoundDurationMs {
		round = minRoundDurationMs
	}
	return Config{
		AnchorMs:        DeriveAnchor(explicitAnchorMs, now.UnixMilli(), earn+spend),
		EarnDurationMs:  earn,
		SpendDurationMs: spend,
		RoundDurationMs: round,
		SpeedMultiplier: speed,
	}
}

func scaleDuration(base int64, speed float64) int64 {
	return int64(math.Round(float64(base) * speed))
}

func floorDiv(value, divisor int64) int64 {
	quotient := value / divisor
	if value%divisor != 0 && (value < 0) != (divisor < 0) {
		quotient--
	}
	return quotient
}

func floorMod(value, divisor int64) int64 {
	remainder := value % divisor
	if remainder < 0 {
		remainder += divisor
	}
	return remainder
}
