package trivia

import (
	"errors"
	"fmt"
	"strings"
)

// VoteOption is one of the four answer slots of a trivia round.
type VoteOption string

const (
	OptionA VoteOption = "A"
	OptionB VoteOption = "B"
	OptionC VoteOption = "C"
	OptionD VoteOption = "D"
)

// OptionCount is the number of answer slots per round.
const OptionCount = 4

// Options lists the answer slots in tally order.
var Options = [OptionCount]VoteOption{OptionA, OptionB, OptionC, OptionD}

// ErrInvalidOption indicates a vote option outside A-D.
var ErrInvalidOption = errors.New("trivia: invalid vote option")

// ParseOption normalizes raw client input into a VoteOption.
func ParseOption(raw string) (VoteOption, error) {
	normalized := VoteOption(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := normalized.Index(); !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidOption, raw)
	}
	return normalized, nil
}

// Index returns the tally slot for the option.
func (o VoteOption) Index() (int, bool) {
	for index, option := range Options {
		if option == o {
			return index, true
		}
	}
	return 0, false
}

// Difficulty selects the crowd-award threshold of a round.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "EASY"
	DifficultyMedium Difficulty = "MEDIUM"
	DifficultyHard   Difficulty = "HARD"
)

// Counts holds one vote counter per option.
type Counts [OptionCount]int64

// Total sums all counters.
func (c Counts) Total() int64 {
	var total int64
	for _, value := range c {
		total += value
	}
	return total
}

// Result is the immutable outcome of one trivia round.
type Result struct {
	RoundID           int64      `json:"roundId"`
	Distribution      Counts     `json:"distribution"`
	CorrectAnswer     VoteOption `json:"correctAnswer"`
	Difficulty        Difficulty `json:"difficulty"`
	CrowdAwarded      bool       `json:"crowdAwarded"`
	VoteWindowEndedAt int64      `json:"voteWindowEndedAt"`
	TotalVotes        int64      `json:"totalVotes"`
}

// VoteRequest is a single vote routed to a shard.
type VoteRequest struct {
	RoundID   int64      `json:"roundId"`
	Option    VoteOption `json:"option"`
	VoterHash uint32     `json:"voterHash"`
}

// VoteReceipt reports how a shard handled a vote.
type VoteReceipt struct {
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate"`
	RoundID   int64  `json:"roundId"`
	Counts    Counts `json:"counts"`
}

// TallyRequest asks a shard for the counts of a round.
type TallyRequest struct {
	RoundID int64 `json:"roundId"`
	Reset   bool  `json:"reset,omitempty"`
}

// TallyResponse carries a shard's counts for a round.
type TallyResponse struct {
	RoundID int64  `json:"roundId"`
	Counts  Counts `json:"counts"`
}
