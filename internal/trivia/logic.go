package trivia

import (
	"math"
	"time"
)

const (
	baseVoteWindow = 6 * time.Second
	minVoteWindow  = 250 * time.Millisecond
)

var difficultyThresholds = map[Difficulty]float64{
	DifficultyEasy:   0.6,
	DifficultyMedium: 0.5,
	DifficultyHard:   0.4,
}

// Threshold returns the share of correct votes a difficulty requires for a crowd award.
func (d Difficulty) Threshold() float64 {
	return difficultyThresholds[d]
}

// VoteWindowForSpeed scales the per-round voting window by the clock speed multiplier.
func VoteWindowForSpeed(speedMultiplier float64) time.Duration {
	scaled := time.Duration(math.Round(float64(baseVoteWindow.Milliseconds())*speedMultiplier)) * time.Millisecond
	if scaled < minVoteWindow {
		return minVoteWindow
	}
	return scaled
}

// PickCorrectAnswer derives the correct option from the round id.
func PickCorrectAnswer(roundID int64) VoteOption {
	return Options[floorMod(roundID, OptionCount)]
}

// PickDifficulty cycles EASY, MEDIUM, HARD by round id.
func PickDifficulty(roundID int64) Difficulty {
	switch floorMod(roundID, 3) {
	case 1:
		return DifficultyEasy
	case 2:
		return DifficultyMedium
	default:
		return DifficultyHard
	}
}

// MergeTallies sums shard tallies element-wise. The sum is order independent.
func MergeTallies(tallies []Counts) Counts {
	var merged Counts
	for _, tally := range tallies {
		for index, value := range tally {
			merged[index] += value
		}
	}
	return merged
}

// CrowdAward is the outcome of EvaluateCrowdAward.
type CrowdAward struct {
	CrowdAwarded bool
	Share        float64
}

// EvaluateCrowdAward checks the share of votes for the correct answer against the difficulty threshold.
func EvaluateCrowdAward(distribution Counts, correctAnswer VoteOption, difficulty Difficulty) CrowdAward {
	total := distribution.Total()
	if total == 0 {
		return CrowdAward{}
	}
	index, ok := correctAnswer.Index()
	if !ok {
		return CrowdAward{}
	}
	share := float64(distribution[index]) / float64(total)
	return CrowdAward{
		CrowdAwarded: share >= difficulty.Threshold(),
		Share:        share,
	}
}

// BuildResult computes the deterministic result of a round from its merged distribution.
func BuildResult(roundID int64, distribution Counts, voteWindowEndedAt int64) Result {
	correctAnswer := PickCorrectAnswer(roundID)
	difficulty := PickDifficulty(roundID)
	award := EvaluateCrowdAward(distribution, correctAnswer, difficulty)
	return Result{
		RoundID:           roundID,
		Distribution:      distribution,
		CorrectAnswer:     correctAnswer,
		Difficulty:        difficulty,
		CrowdAwarded:      award.CrowdAwarded,
		VoteWindowEndedAt: voteWindowEndedAt,
		TotalVotes:        distribution.Total(),
	}
}

func floorMod(value, divisor int64) int64 {
	remainder := value % divisor
	if remainder < 0 {
		remainder += divisor
	}
	return remainder
}
