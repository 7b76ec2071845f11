// Package ledger tracks account balances and share positions for the
// exchange. It gates order intake on available funds, moves money on
// every fill, and pays out settlements.
//
// All amounts are integer cents and whole shares — never float, never
// decimal. Each account is guarded by its own mutex; operations that
// touch two or more accounts acquire their locks in ascending account
// ID order, so cross-account operations cannot deadlock.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/stanx/exchange-engine/internal/model"
)

var (
	// ErrInsufficientFunds is returned when a reservation exceeds the
	// account's free balance. Nothing is mutated on failure.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInsufficientShares is returned when a sell reservation or merge
	// exceeds the account's unlocked shares.
	ErrInsufficientShares = errors.New("ledger: insufficient shares")

	// ErrAccountHalted is returned for any operation against an account
	// frozen after an internal-consistency violation.
	ErrAccountHalted = errors.New("ledger: account halted")

	// ErrInternalInconsistency indicates an invariant violation (negative
	// balance or share count). It is a logic defect, not user error: the
	// affected account is halted and the condition logged for an operator.
	ErrInternalInconsistency = errors.New("ledger: internal inconsistency")

	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// posKey identifies a position bucket: one outcome of one market.
type posKey struct {
	MarketID string
	Outcome  model.Outcome
}

// position is the share holding for one (market, outcome).
// Locked shares back open sell orders and cannot be sold or merged again.
type position struct {
	Shares int64
	Locked int64
}

func (p *position) free() int64 { return p.Shares - p.Locked }

// account is one ledger entry. free + locked together with the market
// escrow pools form the conserved total.
type account struct {
	mu        sync.Mutex
	id        string
	free      int64 // cents
	locked    int64 // cents reserved by open buy orders
	positions map[posKey]*position
	halted    bool
}

// checkInvariants halts the account on any negative balance or share
// count. Returns ErrInternalInconsistency when tripped.
func (a *account) checkInvariants() error {
	bad := a.free < 0 || a.locked < 0
	if !bad {
		for _, p := range a.positions {
			if p.Shares < 0 || p.Locked < 0 || p.Locked > p.Shares {
				bad = true
				break
			}
		}
	}
	if bad {
		a.halted = true
		slog.Error("ledger invariant violated, halting account",
			"account", a.id, "free", a.free, "locked", a.locked)
		return fmt.Errorf("%w: account %s", ErrInternalInconsistency, a.id)
	}
	return nil
}

func (a *account) pos(key posKey) *position {
	p, ok := a.positions[key]
	if !ok {
		p = &position{}
		a.positions[key] = p
	}
	return p
}

// PositionView is the read-only snapshot of one position bucket.
type PositionView struct {
	MarketID     string        `json:"market_id"`
	Outcome      model.Outcome `json:"outcome"`
	Shares       int64         `json:"shares"`
	LockedShares int64         `json:"locked_shares"`
}

// AccountState is the read-only snapshot returned to the API layer.
type AccountState struct {
	AccountID     string         `json:"account_id"`
	FreeBalance   int64          `json:"free_balance"`   // cents
	LockedBalance int64          `json:"locked_balance"` // cents
	Positions     []PositionView `json:"positions"`
	Halted        bool           `json:"halted,omitempty"`
}

// Ledger is the shared balance and position tracker for all accounts
// across all markets. Entries are created on first interaction and
// persist for the account's lifetime.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*account

	escrowMu sync.Mutex
	escrow   map[string]int64 // marketID → cents backing minted share pairs
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		accounts: make(map[string]*account),
		escrow:   make(map[string]int64),
	}
}

// get returns the account, creating it on first interaction.
func (l *Ledger) get(accountID string) *account {
	l.mu.RLock()
	a, ok := l.accounts[accountID]
	l.mu.RUnlock()
	if ok {
		return a
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok = l.accounts[accountID]; ok {
		return a
	}
	a = &account{id: accountID, positions: make(map[posKey]*position)}
	l.accounts[accountID] = a
	return a
}

// lockOrdered acquires multiple account locks in ascending ID order.
// Duplicate accounts are locked once.
func lockOrdered(accts ...*account) (unlock func()) {
	seen := make(map[string]*account, len(accts))
	for _, a := range accts {
		seen[a.id] = a
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		seen[id].mu.Lock()
	}
	return func() {
		for i := len(ids) - 1; i >= 0; i-- {
			seen[ids[i]].mu.Unlock()
		}
	}
}

// Deposit credits an account's free balance.
func (l *Ledger) Deposit(accountID string, cents int64) error {
	if cents <= 0 {
		return ErrInvalidAmount
	}
	a := l.get(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.halted {
		return fmt.Errorf("%w: %s", ErrAccountHalted, accountID)
	}
	a.free += cents
	return a.checkInvariants()
}

// Withdraw debits an account's free balance.
func (l *Ledger) Withdraw(accountID string, cents int64) error {
	if cents <= 0 {
		return ErrInvalidAmount
	}
	a := l.get(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.halted {
		return fmt.Errorf("%w: %s", ErrAccountHalted, accountID)
	}
	if a.free < cents {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, a.free, cents)
	}
	a.free -= cents
	return a.checkInvariants()
}

// Reserve atomically moves cents from free to locked ahead of a buy
// order entering the book. Fails without mutation when free is short.
func (l *Ledger) Reserve(accountID string, cents int64) error {
	if cents <= 0 {
		return ErrInvalidAmount
	}
	a := l.get(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.halted {
		return fmt.Errorf("%w: %s", ErrAccountHalted, accountID)
	}
	if a.free < cents {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, a.free, cents)
	}
	a.free -= cents
	a.locked += cents
	return a.checkInvariants()
}

// Release moves cents back from locked to free, on cancel or when a
// buy order terminates with unconsumed reservation.
func (l *Ledger) Release(accountID string, cents int64) error {
	if cents == 0 {
		return nil
	}
	if cents < 0 {
		return ErrInvalidAmount
	}
	a := l.get(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.locked -= cents
	a.free += cents
	return a.checkInvariants()
}

// ReserveShares locks n shares of (market, outcome) backing a sell
// order. Selling requires holding: shares enter circulation only via
// SplitCollateral, so naked shorting is impossible.
func (l *Ledger) ReserveShares(accountID, marketID string, outcome model.Outcome, n int64) error {
	if n <= 0 {
		return ErrInvalidAmount
	}
	a := l.get(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.halted {
		return fmt.Errorf("%w: %s", ErrAccountHalted, accountID)
	}
	p := a.pos(posKey{marketID, outcome})
	if p.free() < n {
		return fmt.Errorf("%w: have %d unlocked %s shares, need %d", ErrInsufficientShares, p.free(), outcome, n)
	}
	p.Locked += n
	return a.checkInvariants()
}

// ReleaseShares unlocks n shares previously reserved by a sell order.
func (l *Ledger) ReleaseShares(accountID, marketID string, outcome model.Outcome, n int64) error {
	if n == 0 {
		return nil
	}
	if n < 0 {
		return ErrInvalidAmount
	}
	a := l.get(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.pos(posKey{marketID, outcome})
	p.Locked -= n
	return a.checkInvariants()
}

// ApplyTrade settles one fill between buyer and seller:
//   - buyer's locked funds for the filled portion move to the seller's
//     free balance at the trade price; any excess the buyer reserved
//     above the maker price returns to the buyer's free balance
//   - trade.Size shares move from the seller's locked holding to the
//     buyer's position
//
// buyerReservePrice is the per-share price the buyer's funds were locked
// at (their limit price, or MaxPrice for a market buy).
func (l *Ledger) ApplyTrade(t *model.Trade, buyerReservePrice int64) error {
	buyer := l.get(t.BuyerID)
	seller := l.get(t.SellerID)
	unlock := lockOrdered(buyer, seller)
	defer unlock()

	if buyer.halted {
		return fmt.Errorf("%w: %s", ErrAccountHalted, buyer.id)
	}
	if seller.halted {
		return fmt.Errorf("%w: %s", ErrAccountHalted, seller.id)
	}

	cost := t.Size * t.Price
	reserved := t.Size * buyerReservePrice

	buyer.locked -= reserved
	buyer.free += reserved - cost
	buyer.pos(posKey{t.MarketID, t.Outcome}).Shares += t.Size

	sp := seller.pos(posKey{t.MarketID, t.Outcome})
	sp.Locked -= t.Size
	sp.Shares -= t.Size
	seller.free += cost

	if err := buyer.checkInvariants(); err != nil {
		return err
	}
	return seller.checkInvariants()
}

// SplitCollateral locks n×100¢ of the account's free balance into the
// market's escrow pool and mints n YES + n NO shares. This is the only
// way new shares come into existence.
func (l *Ledger) SplitCollateral(accountID, marketID string, n int64) error {
	if n <= 0 {
		return ErrInvalidAmount
	}
	cost := n * model.SettlementPayout

	a := l.get(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.halted {
		return fmt.Errorf("%w: %s", ErrAccountHalted, accountID)
	}
	if a.free < cost {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, a.free, cost)
	}
	a.free -= cost
	a.pos(posKey{marketID, model.OutcomeYes}).Shares += n
	a.pos(posKey{marketID, model.OutcomeNo}).Shares += n
	if err := a.checkInvariants(); err != nil {
		return err
	}

	l.escrowMu.Lock()
	l.escrow[marketID] += cost
	l.escrowMu.Unlock()
	return nil
}

// MergePositions burns n YES + n NO unlocked shares and returns n×100¢
// from the market's escrow pool to the account's free balance.
func (l *Ledger) MergePositions(accountID, marketID string, n int64) error {
	if n <= 0 {
		return ErrInvalidAmount
	}
	refund := n * model.SettlementPayout

	a := l.get(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.halted {
		return fmt.Errorf("%w: %s", ErrAccountHalted, accountID)
	}
	yes := a.pos(posKey{marketID, model.OutcomeYes})
	no := a.pos(posKey{marketID, model.OutcomeNo})
	if yes.free() < n || no.free() < n {
		return fmt.Errorf("%w: need %d unlocked YES+NO pairs", ErrInsufficientShares, n)
	}
	yes.Shares -= n
	no.Shares -= n
	a.free += refund
	if err := a.checkInvariants(); err != nil {
		return err
	}

	l.escrowMu.Lock()
	l.escrow[marketID] -= refund
	l.escrowMu.Unlock()
	return nil
}

// Settle pays 100¢ per winning-outcome share out of the market's escrow
// pool and zeroes every position (winning and losing) in the market.
// All affected accounts are locked for the duration, so no reader
// observes a partially settled market. Returns the total payout.
//
// Settle assumes the engine has already cancelled the market's open
// orders; any stale share locks are cleared defensively.
func (l *Ledger) Settle(marketID string, winner model.Outcome) (int64, error) {
	l.mu.RLock()
	var affected []*account
	for _, a := range l.accounts {
		affected = append(affected, a)
	}
	l.mu.RUnlock()

	unlock := lockOrdered(affected...)
	defer unlock()

	yesKey := posKey{marketID, model.OutcomeYes}
	noKey := posKey{marketID, model.OutcomeNo}
	winKey := posKey{marketID, winner}

	var total int64
	for _, a := range affected {
		if p, ok := a.positions[winKey]; ok && p.Shares > 0 {
			payout := p.Shares * model.SettlementPayout
			a.free += payout
			total += payout
		}
		delete(a.positions, yesKey)
		delete(a.positions, noKey)
		if err := a.checkInvariants(); err != nil {
			return total, err
		}
	}

	l.escrowMu.Lock()
	l.escrow[marketID] -= total
	remainder := l.escrow[marketID]
	delete(l.escrow, marketID)
	l.escrowMu.Unlock()

	if remainder != 0 {
		// Escrow should exactly cover payouts: every winning share was
		// minted against 100¢ of collateral.
		slog.Error("settlement escrow mismatch", "market", marketID, "remainder", remainder)
		return total, fmt.Errorf("%w: market %s escrow off by %d", ErrInternalInconsistency, marketID, remainder)
	}
	return total, nil
}

// State returns a snapshot of one account.
func (l *Ledger) State(accountID string) AccountState {
	a := l.get(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()

	st := AccountState{
		AccountID:     accountID,
		FreeBalance:   a.free,
		LockedBalance: a.locked,
		Halted:        a.halted,
	}
	for key, p := range a.positions {
		if p.Shares == 0 && p.Locked == 0 {
			continue
		}
		st.Positions = append(st.Positions, PositionView{
			MarketID:     key.MarketID,
			Outcome:      key.Outcome,
			Shares:       p.Shares,
			LockedShares: p.Locked,
		})
	}
	sort.Slice(st.Positions, func(i, j int) bool {
		a, b := st.Positions[i], st.Positions[j]
		if a.MarketID != b.MarketID {
			return a.MarketID < b.MarketID
		}
		return a.Outcome < b.Outcome
	})
	return st
}

// Exposures returns the account's net directional exposure per market:
// YES shares minus NO shares. Used by the risk limiter.
func (l *Ledger) Exposures(accountID string) map[string]int64 {
	a := l.get(accountID)
	a.mu.Lock()
	defer a.mu.Unlock()

	exposures := make(map[string]int64)
	for key, p := range a.positions {
		if key.Outcome == model.OutcomeYes {
			exposures[key.MarketID] += p.Shares
		} else {
			exposures[key.MarketID] -= p.Shares
		}
	}
	return exposures
}

// TotalBalance sums free+locked cents across all accounts plus all
// market escrow pools. Absent deposits and withdrawals this total is
// invariant under any sequence of trading operations.
func (l *Ledger) TotalBalance() int64 {
	l.mu.RLock()
	accts := make([]*account, 0, len(l.accounts))
	for _, a := range l.accounts {
		accts = append(accts, a)
	}
	l.mu.RUnlock()

	unlock := lockOrdered(accts...)
	var total int64
	for _, a := range accts {
		total += a.free + a.locked
	}
	unlock()

	l.escrowMu.Lock()
	for _, e := range l.escrow {
		total += e
	}
	l.escrowMu.Unlock()
	return total
}
