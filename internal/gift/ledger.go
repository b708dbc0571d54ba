package gift

import "sort"

const DefaultBalance int64 = 10000

// StartParams opens an auction window.
type StartParams struct {
	GiftID    int64
	Threshold int64
	StartedAt int64
	EndsAt    int64
}

// Ledger is the escrow bookkeeping of a single auction plus the wallets that
// ever bid. It is not safe for concurrent use; Event serializes access.
type Ledger struct {
	defaultBalance int64
	wallets        map[string]*WalletEntry
	state          *State
}

// NewLedger creates an empty ledger. Wallets are created lazily with defaultBalance.
func NewLedger(defaultBalance int64) *Ledger {
	if defaultBalance < 0 {
		defaultBalance = DefaultBalance
	}
	return &Ledger{
		defaultBalance: defaultBalance,
		wallets:        make(map[string]*WalletEntry),
	}
}

// Start replaces any prior auction unconditionally and releases every reservation.
func (l *Ledger) Start(params StartParams) State {
	for _, entry := range l.wallets {
		entry.Reserved = 0
	}
	l.state = &State{
		GiftID:    params.GiftID,
		Threshold: params.Threshold,
		StartedAt: params.StartedAt,
		EndsAt:    params.EndsAt,
		Status:    StatusActive,
	}
	return l.state.clone()
}

// State returns the current auction, or nil before the first Start.
func (l *Ledger) State() *State {
	if l.state == nil {
		return nil
	}
	state := l.state.clone()
	return &state
}

// Wallet returns the ledger entry of wallet, if it ever bid.
func (l *Ledger) Wallet(wallet string) (WalletEntry, bool) {
	entry, ok := l.wallets[NormalizeWallet(wallet)]
	if !ok {
		return WalletEntry{}, false
	}
	return *entry, true
}

// Wallets returns a copy of every wallet entry keyed by normalized wallet.
func (l *Ledger) Wallets() map[string]WalletEntry {
	wallets := make(map[string]WalletEntry, len(l.wallets))
	for wallet, entry := range l.wallets {
		wallets[wallet] = *entry
	}
	return wallets
}

// Restore replaces the ledger contents with a previously captured snapshot.
func (l *Ledger) Restore(state *State, wallets map[string]WalletEntry) {
	l.wallets = make(map[string]*WalletEntry, len(wallets))
	for wallet, entry := range wallets {
		copied := entry
		l.wallets[NormalizeWallet(wallet)] = &copied
	}
	if state == nil {
		l.state = nil
		return
	}
	restored := state.clone()
	l.state = &restored
}

// Bid places amount for wallet at now. Ties lose to the incumbent.
func (l *Ledger) Bid(wallet string, amount int64, now int64) BidResult {
	if l.state == nil || l.state.Status != StatusActive {
		return BidResult{Reason: ReasonNoActiveEvent}
	}
	if now >= l.state.EndsAt {
		return l.rejection(ReasonEnded)
	}
	if amount <= l.state.HighestBid {
		return l.rejection(ReasonTooLow)
	}

	key := NormalizeWallet(wallet)
	entry := l.walletEntry(key)
	available := entry.Available()
	if amount-entry.Reserved > available {
		result := l.rejection(ReasonInsufficient)
		result.Reserved = int64Ptr(entry.Reserved)
		result.Available = int64Ptr(available)
		return result
	}

	if l.state.HighestBidder != nil && *l.state.HighestBidder != key {
		l.walletEntry(*l.state.HighestBidder).Reserved = 0
	}
	entry.Reserved = amount
	l.state.HighestBid = amount
	l.state.HighestBidder = stringPtr(key)

	return BidResult{
		OK:            true,
		HighestBid:    amount,
		HighestBidder: stringPtr(key),
		Reserved:      int64Ptr(entry.Reserved),
		Available:     int64Ptr(entry.Available()),
	}
}

// Finalize resolves the auction once. Later calls return the stored resolution.
// It reports whether this call performed the transition.
func (l *Ledger) Finalize(now int64) (*State, bool) {
	if l.state == nil {
		return nil, false
	}
	if l.state.Status == StatusResolved {
		return l.State(), false
	}

	thresholdMet := l.state.HighestBidder != nil && l.state.HighestBid >= l.state.Threshold
	resolution := &Resolution{ThresholdMet: thresholdMet, ResolvedAt: now}
	if thresholdMet {
		winner := *l.state.HighestBidder
		entry := l.walletEntry(winner)
		entry.Spent += l.state.HighestBid
		entry.Reserved = 0
		resolution.Winner = stringPtr(winner)
		resolution.Amount = l.state.HighestBid
	}
	for wallet, entry := range l.wallets {
		if resolution.Winner == nil || *resolution.Winner != wallet {
			entry.Reserved = 0
		}
	}

	l.state.Status = StatusResolved
	l.state.Resolution = resolution
	return l.State(), true
}

func (l *Ledger) rejection(reason string) BidResult {
	result := BidResult{Reason: reason, HighestBid: l.state.HighestBid}
	if l.state.HighestBidder != nil {
		result.HighestBidder = stringPtr(*l.state.HighestBidder)
	}
	return result
}

func (l *Ledger) walletEntry(wallet string) *WalletEntry {
	if entry, ok := l.wallets[wallet]; ok {
		return entry
	}
	entry := &WalletEntry{Balance: l.defaultBalance}
	l.wallets[wallet] = entry
	return entry
}

func sortedWallets(wallets map[string]WalletEntry) []string {
	names := make([]string, 0, len(wallets))
	for wallet := range wallets {
		names = append(names, wallet)
	}
	sort.Strings(names)
	return names
}
