package gift

import "strings"

// Status is the lifecycle stage of an auction window.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusResolved Status = "RESOLVED"
)

// Bid rejection reasons.
const (
	ReasonNoActiveEvent = "no_active_event"
	ReasonEnded         = "ended"
	ReasonTooLow        = "too_low"
	ReasonInsufficient  = "insufficient"
)

// Resolution is the terminal outcome of an auction.
type Resolution struct {
	Winner       *string `json:"winner"`
	Amount       int64   `json:"amount"`
	ThresholdMet bool    `json:"thresholdMet"`
	ResolvedAt   int64   `json:"resolvedAt"`
}

// State describes one auction window. Timestamps are Unix milliseconds.
type State struct {
	GiftID        int64       `json:"giftId"`
	Threshold     int64       `json:"threshold"`
	HighestBid    int64       `json:"highestBid"`
	HighestBidder *string     `json:"highestBidder"`
	StartedAt     int64       `json:"startedAt"`
	EndsAt        int64       `json:"endsAt"`
	Status        Status      `json:"status"`
	Resolution    *Resolution `json:"resolution,omitempty"`
}

func (s State) clone() State {
	cloned := s
	if s.HighestBidder != nil {
		bidder := *s.HighestBidder
		cloned.HighestBidder = &bidder
	}
	if s.Resolution != nil {
		resolution := *s.Resolution
		if s.Resolution.Winner != nil {
			winner := *s.Resolution.Winner
			resolution.Winner = &winner
		}
		cloned.Resolution = &resolution
	}
	return cloned
}

// BidResult reports the outcome of a bid. Reason is set only on rejection.
type BidResult struct {
	OK            bool    `json:"ok"`
	Reason        string  `json:"reason,omitempty"`
	HighestBid    int64   `json:"highestBid"`
	HighestBidder *string `json:"highestBidder"`
	Reserved      *int64  `json:"reserved,omitempty"`
	Available     *int64  `json:"available,omitempty"`
}

// WalletEntry is the escrow bookkeeping of one wallet. Reserved+Spent never exceeds Balance.
type WalletEntry struct {
	Balance  int64 `json:"balance"`
	Reserved int64 `json:"reserved"`
	Spent    int64 `json:"spent"`
}

// Available is the balance neither reserved nor spent.
func (w WalletEntry) Available() int64 {
	return w.Balance - w.Reserved - w.Spent
}

// NormalizeWallet trims and lowercases a wallet identifier.
func NormalizeWallet(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func stringPtr(value string) *string {
	return &value
}

func int64Ptr(value int64) *int64 {
	return &value
}
