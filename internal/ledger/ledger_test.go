package ledger

import (
	"errors"
	"testing"

	"github.com/stanx/exchange-engine/internal/model"
)

const mkt = "market-1"

func TestDepositWithdraw(t *testing.T) {
	l := New()

	if err := l.Deposit("alice", 10000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.Withdraw("alice", 4000); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := l.State("alice").FreeBalance; got != 6000 {
		t.Errorf("expected free 6000, got %d", got)
	}

	if err := l.Withdraw("alice", 7000); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := l.Deposit("alice", 0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	if err := l.Deposit("alice", -5); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestReserveRelease(t *testing.T) {
	l := New()
	l.Deposit("alice", 10000)

	if err := l.Reserve("alice", 6000); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	st := l.State("alice")
	if st.FreeBalance != 4000 || st.LockedBalance != 6000 {
		t.Errorf("expected 4000/6000, got %d/%d", st.FreeBalance, st.LockedBalance)
	}

	// Locked funds are not withdrawable.
	if err := l.Withdraw("alice", 5000); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := l.Reserve("alice", 5000); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}

	if err := l.Release("alice", 6000); err != nil {
		t.Fatalf("release: %v", err)
	}
	st = l.State("alice")
	if st.FreeBalance != 10000 || st.LockedBalance != 0 {
		t.Errorf("expected 10000/0, got %d/%d", st.FreeBalance, st.LockedBalance)
	}
}

func TestSplitAndMerge(t *testing.T) {
	l := New()
	l.Deposit("alice", 10000)

	if err := l.SplitCollateral("alice", mkt, 50); err != nil {
		t.Fatalf("split: %v", err)
	}
	st := l.State("alice")
	if st.FreeBalance != 5000 {
		t.Errorf("expected free 5000 after split, got %d", st.FreeBalance)
	}
	if len(st.Positions) != 2 {
		t.Fatalf("expected YES and NO positions, got %d", len(st.Positions))
	}
	for _, p := range st.Positions {
		if p.Shares != 50 {
			t.Errorf("expected 50 %s shares, got %d", p.Outcome, p.Shares)
		}
	}

	if err := l.MergePositions("alice", mkt, 20); err != nil {
		t.Fatalf("merge: %v", err)
	}
	st = l.State("alice")
	if st.FreeBalance != 7000 {
		t.Errorf("expected free 7000 after merge, got %d", st.FreeBalance)
	}

	// Only 30 pairs remain.
	if err := l.MergePositions("alice", mkt, 40); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}

	// Split/merge never changes the conserved total.
	if got := l.TotalBalance(); got != 10000 {
		t.Errorf("total balance changed: %d", got)
	}
}

func TestSplitInsufficientFunds(t *testing.T) {
	l := New()
	l.Deposit("alice", 99) // one pair costs 100

	if err := l.SplitCollateral("alice", mkt, 1); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestReserveShares(t *testing.T) {
	l := New()
	l.Deposit("alice", 10000)
	l.SplitCollateral("alice", mkt, 50)

	if err := l.ReserveShares("alice", mkt, model.OutcomeYes, 30); err != nil {
		t.Fatalf("reserve shares: %v", err)
	}
	// Locked shares cannot be reserved again or merged.
	if err := l.ReserveShares("alice", mkt, model.OutcomeYes, 30); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
	if err := l.MergePositions("alice", mkt, 30); !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares on locked merge, got %v", err)
	}

	if err := l.ReleaseShares("alice", mkt, model.OutcomeYes, 30); err != nil {
		t.Fatalf("release shares: %v", err)
	}
	if err := l.MergePositions("alice", mkt, 30); err != nil {
		t.Errorf("merge after release: %v", err)
	}
}

func TestApplyTrade(t *testing.T) {
	l := New()
	l.Deposit("buyer", 10000)
	l.Deposit("seller", 10000)
	l.SplitCollateral("seller", mkt, 100)

	// Buyer reserved at 60¢, trade executes at maker price 55¢.
	l.Reserve("buyer", 60*100)
	l.ReserveShares("seller", mkt, model.OutcomeYes, 100)

	trade := &model.Trade{
		MarketID: mkt,
		Outcome:  model.OutcomeYes,
		Price:    55,
		Size:     100,
		BuyerID:  "buyer",
		SellerID: "seller",
	}
	if err := l.ApplyTrade(trade, 60); err != nil {
		t.Fatalf("apply trade: %v", err)
	}

	buyer := l.State("buyer")
	if buyer.FreeBalance != 10000-55*100 {
		t.Errorf("buyer free: expected %d, got %d", 10000-55*100, buyer.FreeBalance)
	}
	if buyer.LockedBalance != 0 {
		t.Errorf("buyer locked: expected 0, got %d", buyer.LockedBalance)
	}
	if len(buyer.Positions) != 1 || buyer.Positions[0].Shares != 100 {
		t.Errorf("buyer positions: %+v", buyer.Positions)
	}

	seller := l.State("seller")
	if seller.FreeBalance != 10000-100*100+55*100 {
		t.Errorf("seller free: expected %d, got %d", 10000-100*100+55*100, seller.FreeBalance)
	}
	// Seller keeps the NO leg only.
	for _, p := range seller.Positions {
		if p.Outcome == model.OutcomeYes && p.Shares != 0 {
			t.Errorf("seller still holds YES shares: %+v", p)
		}
	}

	if got := l.TotalBalance(); got != 20000 {
		t.Errorf("total balance not conserved: %d", got)
	}
}

func TestSettle(t *testing.T) {
	l := New()
	l.Deposit("alice", 20000)
	l.Deposit("bob", 20000)
	l.SplitCollateral("alice", mkt, 100)

	// Alice sells her NO leg to Bob at 40¢ so outcomes end up split
	// across two accounts.
	l.Reserve("bob", 40*100)
	l.ReserveShares("alice", mkt, model.OutcomeNo, 100)
	trade := &model.Trade{
		MarketID: mkt, Outcome: model.OutcomeNo,
		Price: 40, Size: 100, BuyerID: "bob", SellerID: "alice",
	}
	if err := l.ApplyTrade(trade, 40); err != nil {
		t.Fatalf("apply trade: %v", err)
	}

	total, err := l.Settle(mkt, model.OutcomeNo)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if total != 100*model.SettlementPayout {
		t.Errorf("expected payout 10000, got %d", total)
	}

	// Bob held the winning NO shares: 20000 - 4000 + 10000.
	if got := l.State("bob").FreeBalance; got != 26000 {
		t.Errorf("bob free: expected 26000, got %d", got)
	}
	// Alice's YES shares expire worthless: 20000 - 10000 + 4000.
	if got := l.State("alice").FreeBalance; got != 14000 {
		t.Errorf("alice free: expected 14000, got %d", got)
	}

	// Positions in the settled market are gone.
	if n := len(l.State("alice").Positions); n != 0 {
		t.Errorf("alice still holds %d positions", n)
	}
	if n := len(l.State("bob").Positions); n != 0 {
		t.Errorf("bob still holds %d positions", n)
	}

	if got := l.TotalBalance(); got != 40000 {
		t.Errorf("total balance not conserved: %d", got)
	}
}

func TestExposures(t *testing.T) {
	l := New()
	l.Deposit("alice", 20000)
	l.SplitCollateral("alice", mkt, 100)

	exp := l.Exposures("alice")
	if exp[mkt] != 0 {
		t.Errorf("balanced pair should net to zero, got %d", exp[mkt])
	}

	// Selling the NO leg leaves net long YES.
	l.ReserveShares("alice", mkt, model.OutcomeNo, 60)
	trade := &model.Trade{
		MarketID: mkt, Outcome: model.OutcomeNo,
		Price: 40, Size: 60, BuyerID: "bob", SellerID: "alice",
	}
	l.Deposit("bob", 10000)
	l.Reserve("bob", 40*60)
	if err := l.ApplyTrade(trade, 40); err != nil {
		t.Fatalf("apply trade: %v", err)
	}

	exp = l.Exposures("alice")
	if exp[mkt] != 60 {
		t.Errorf("expected net +60 YES, got %d", exp[mkt])
	}
	exp = l.Exposures("bob")
	if exp[mkt] != -60 {
		t.Errorf("expected net -60, got %d", exp[mkt])
	}
}

func TestHaltOnInconsistency(t *testing.T) {
	l := New()
	l.Deposit("alice", 1000)

	// Forcing locked negative trips the invariant check and halts the
	// account.
	if err := l.Release("alice", 500); !errors.Is(err, ErrInternalInconsistency) {
		t.Fatalf("expected ErrInternalInconsistency, got %v", err)
	}

	if err := l.Deposit("alice", 100); !errors.Is(err, ErrAccountHalted) {
		t.Errorf("expected ErrAccountHalted, got %v", err)
	}
	if err := l.Reserve("alice", 100); !errors.Is(err, ErrAccountHalted) {
		t.Errorf("expected ErrAccountHalted, got %v", err)
	}
	if !l.State("alice").Halted {
		t.Error("state should report halted")
	}
}
