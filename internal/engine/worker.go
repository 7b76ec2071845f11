package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stanx/exchange-engine/internal/book"
	"github.com/stanx/exchange-engine/internal/ledger"
	"github.com/stanx/exchange-engine/internal/model"
	"github.com/stanx/exchange-engine/internal/store"
)

type requestType int

const (
	requestSubmit requestType = iota
	requestCancel
	requestSnapshot
	requestMarket
	requestClose
	requestResolve
	requestSettle
	requestStop
)

type request struct {
	typ     requestType
	ctx     context.Context
	order   *model.Order
	orderID string
	outcome model.Outcome
	resp    chan response
}

type response struct {
	match    *MatchResult
	cancel   *CancelResult
	snapshot *model.BookSnapshot
	market   *model.Market
	payout   int64
	err      error
}

// marketWorker is the single writer for one market: it owns the book
// and the market's lifecycle state, and assigns the intake sequence
// numbers that time-priority and replay are built on.
type marketWorker struct {
	market *model.Market
	book   *book.MarketBook
	ledger *ledger.Ledger
	st     store.Store
	eng    *Engine

	seq      uint64 // intake sequence, per market
	tradeSeq uint64

	reqCh chan request
	now   func() time.Time
}

func newMarketWorker(m *model.Market, l *ledger.Ledger, st store.Store, eng *Engine) *marketWorker {
	mc := *m
	return &marketWorker{
		market: &mc,
		book:   book.NewMarketBook(m.ID),
		ledger: l,
		st:     st,
		eng:    eng,
		reqCh:  make(chan request, 64),
		now:    time.Now,
	}
}

func (w *marketWorker) run() {
	for req := range w.reqCh {
		var resp response
		switch req.typ {
		case requestSubmit:
			resp.match, resp.err = w.processSubmit(req.ctx, req.order)
		case requestCancel:
			resp.cancel, resp.err = w.processCancel(req.ctx, req.orderID)
		case requestSnapshot:
			resp.snapshot = w.book.Snapshot(req.outcome)
		case requestMarket:
			mc := *w.market
			resp.market = &mc
		case requestClose:
			resp.err = w.processClose(req.ctx)
		case requestResolve:
			resp.err = w.processResolve(req.ctx, req.outcome)
		case requestSettle:
			resp.payout, resp.err = w.processSettle(req.ctx)
		case requestStop:
			req.resp <- response{}
			close(w.reqCh)
			return
		}
		req.resp <- resp
	}
}

func (w *marketWorker) do(req request) response {
	req.resp = make(chan response, 1)
	w.reqCh <- req
	return <-req.resp
}

func (w *marketWorker) submit(ctx context.Context, o *model.Order) (*MatchResult, error) {
	r := w.do(request{typ: requestSubmit, ctx: ctx, order: o})
	return r.match, r.err
}

func (w *marketWorker) cancel(ctx context.Context, orderID string) (*CancelResult, error) {
	r := w.do(request{typ: requestCancel, ctx: ctx, orderID: orderID})
	return r.cancel, r.err
}

func (w *marketWorker) snapshot(outcome model.Outcome) (*model.BookSnapshot, error) {
	r := w.do(request{typ: requestSnapshot, outcome: outcome})
	return r.snapshot, r.err
}

func (w *marketWorker) marketView() (*model.Market, error) {
	r := w.do(request{typ: requestMarket})
	return r.market, r.err
}

func (w *marketWorker) close(ctx context.Context) error {
	return w.do(request{typ: requestClose, ctx: ctx}).err
}

func (w *marketWorker) resolve(ctx context.Context, winner model.Outcome) error {
	return w.do(request{typ: requestResolve, ctx: ctx, outcome: winner}).err
}

func (w *marketWorker) settle(ctx context.Context) (int64, error) {
	r := w.do(request{typ: requestSettle, ctx: ctx})
	return r.payout, r.err
}

func (w *marketWorker) stop() {
	w.do(request{typ: requestStop})
}

// reserve locks the funds or shares backing an order before it can
// touch the book. Validate-then-commit: a failed reservation leaves no
// trace.
func (w *marketWorker) reserve(o *model.Order) error {
	if o.Side == model.SideBuy {
		return w.ledger.Reserve(o.AccountID, o.Remaining()*o.ReservePrice())
	}
	return w.ledger.ReserveShares(o.AccountID, o.MarketID, o.Outcome, o.Remaining())
}

// releaseResidual returns the unconsumed part of an order's reservation
// when it terminates without fully filling.
func (w *marketWorker) releaseResidual(o *model.Order) error {
	remaining := o.Remaining()
	if remaining == 0 {
		return nil
	}
	if o.Side == model.SideBuy {
		return w.ledger.Release(o.AccountID, remaining*o.ReservePrice())
	}
	return w.ledger.ReleaseShares(o.AccountID, o.MarketID, o.Outcome, remaining)
}

func (w *marketWorker) processSubmit(ctx context.Context, o *model.Order) (*MatchResult, error) {
	if w.market.Status != model.MarketOpen {
		return nil, fmt.Errorf("%w: %s is %s", ErrMarketClosed, w.market.ID, w.market.Status)
	}

	if err := w.reserve(o); err != nil {
		return nil, err
	}

	w.seq++
	o.Sequence = w.seq
	if err := w.st.InsertOrder(ctx, o); err != nil {
		// Intake must be durable before matching; undo the reservation.
		if rerr := w.releaseResidual(o); rerr != nil {
			slog.Error("reservation rollback failed", "order", o.ID, "err", rerr)
		}
		return nil, fmt.Errorf("persist order: %w", err)
	}

	trades, err := w.match(o)
	if err != nil {
		return nil, err
	}

	switch {
	case o.Remaining() == 0:
		// Fully filled.
	case o.Type == model.TypeLimit:
		// Residual limit orders rest at their limit price.
		if err := w.book.Insert(o); err != nil {
			return nil, err
		}
	default:
		// Market orders never rest: discard the residual and report
		// CANCELLED with whatever filled.
		if err := w.releaseResidual(o); err != nil {
			return nil, err
		}
		o.Status = model.StatusCancelled
	}

	if w.book.Crossed(o.Outcome) {
		// The match loop must leave bestBid < bestAsk; a crossed book
		// here is a logic defect, not bad input.
		slog.Error("crossed book after match", "market", w.market.ID, "outcome", o.Outcome)
		return nil, fmt.Errorf("%w: crossed %s book in market %s",
			ledger.ErrInternalInconsistency, o.Outcome, w.market.ID)
	}

	if err := w.persistResult(ctx, o, trades); err != nil {
		return nil, err
	}

	slog.Info("order processed",
		"order", o.ID,
		"market", w.market.ID,
		"outcome", o.Outcome,
		"side", o.Side,
		"type", o.Type,
		"status", o.Status,
		"filled", o.FilledSize,
		"trades", len(trades),
	)

	return &MatchResult{
		OrderID:    o.ID,
		Status:     o.Status,
		FilledSize: o.FilledSize,
		Trades:     trades,
	}, nil
}

// match runs the incoming order against the opposing side of its
// outcome's book: while the incoming price crosses the best resting
// price, fill at the resting (maker) price, oldest order first.
func (w *marketWorker) match(o *model.Order) ([]model.Trade, error) {
	opposing := w.book.Side(o.Outcome, o.Side.Opposite())
	trades := []model.Trade{}

	for o.Remaining() > 0 {
		best := opposing.PeekBest()
		if best == nil {
			break
		}
		if o.Type == model.TypeLimit {
			if o.Side == model.SideBuy && o.LimitPrice < best.LimitPrice {
				break
			}
			if o.Side == model.SideSell && o.LimitPrice > best.LimitPrice {
				break
			}
		}

		qty := min(o.Remaining(), best.Remaining())
		w.tradeSeq++

		t := model.Trade{
			ID:           fmt.Sprintf("%s-%d", w.market.ID, w.tradeSeq),
			MarketID:     w.market.ID,
			Outcome:      o.Outcome,
			MakerOrderID: best.ID,
			TakerOrderID: o.ID,
			Price:        best.LimitPrice, // maker sets the price
			Size:         qty,
			Sequence:     w.tradeSeq,
			Timestamp:    w.now().UTC(),
		}

		var buyerReserve int64
		if o.Side == model.SideBuy {
			t.BuyerID, t.SellerID = o.AccountID, best.AccountID
			buyerReserve = o.ReservePrice()
		} else {
			t.BuyerID, t.SellerID = best.AccountID, o.AccountID
			buyerReserve = best.ReservePrice()
		}

		if err := w.ledger.ApplyTrade(&t, buyerReserve); err != nil {
			// Ledger inconsistency: halt matching for this order and
			// surface to the operator. The book is untouched by the
			// failed fill.
			slog.Error("ledger apply failed", "trade", t.ID, "err", err)
			return trades, err
		}

		o.Fill(qty)
		if err := w.book.Reduce(best.ID, qty); err != nil {
			return trades, err
		}

		w.market.Volume += qty
		if o.Outcome == model.OutcomeYes {
			w.market.LastPrice = t.Price
		} else {
			w.market.LastPrice = model.SettlementPayout - t.Price
		}

		trades = append(trades, t)
	}
	return trades, nil
}

// persistResult writes trades and updated market stats to the store and
// fires the trade callback. Runs after the match loop completes.
func (w *marketWorker) persistResult(ctx context.Context, o *model.Order, trades []model.Trade) error {
	for i := range trades {
		if err := w.st.InsertTrade(ctx, &trades[i]); err != nil {
			return fmt.Errorf("persist trade %s: %w", trades[i].ID, err)
		}
	}
	if err := w.st.UpdateOrder(ctx, o); err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	if len(trades) > 0 {
		if err := w.st.UpdateMarketState(ctx, w.market.ID, w.market.Status, w.market.LastPrice, w.market.Volume); err != nil {
			return fmt.Errorf("update market %s: %w", w.market.ID, err)
		}
	}
	if w.eng.onTrade != nil {
		for i := range trades {
			w.eng.onTrade(trades[i], w.market)
		}
	}
	return nil
}

func (w *marketWorker) processCancel(ctx context.Context, orderID string) (*CancelResult, error) {
	o, err := w.book.Remove(orderID)
	if err != nil {
		// Includes orders that already filled: a late cancel is a
		// no-op error, never destructive.
		return nil, err
	}

	released := o.Remaining()
	if err := w.releaseResidual(o); err != nil {
		return nil, err
	}
	o.Status = model.StatusCancelled

	if err := w.st.UpdateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("update order %s: %w", o.ID, err)
	}

	slog.Info("order cancelled", "order", o.ID, "market", w.market.ID, "released", released)
	return &CancelResult{OrderID: o.ID, ReleasedSize: released}, nil
}

func (w *marketWorker) processClose(ctx context.Context) error {
	if w.market.Status != model.MarketOpen {
		return fmt.Errorf("%w: close requires OPEN, market is %s", ErrInvalidTransition, w.market.Status)
	}
	w.market.Status = model.MarketClosed
	if err := w.st.UpdateMarketState(ctx, w.market.ID, w.market.Status, w.market.LastPrice, w.market.Volume); err != nil {
		return err
	}
	slog.Info("market closed", "market", w.market.ID)
	return nil
}

func (w *marketWorker) processResolve(ctx context.Context, winner model.Outcome) error {
	if w.market.Status != model.MarketClosed {
		return fmt.Errorf("%w: resolve requires CLOSED, market is %s", ErrInvalidTransition, w.market.Status)
	}
	w.market.Status = model.MarketResolved
	w.market.WinningOutcome = winner
	if err := w.st.UpdateMarketState(ctx, w.market.ID, w.market.Status, w.market.LastPrice, w.market.Volume); err != nil {
		return err
	}
	if err := w.st.SetMarketOutcome(ctx, w.market.ID, winner); err != nil {
		return err
	}
	slog.Info("market resolved", "market", w.market.ID, "winner", winner)
	return nil
}

func (w *marketWorker) processSettle(ctx context.Context) (int64, error) {
	if w.market.Status == model.MarketSettled {
		return 0, nil // idempotent
	}
	if w.market.Status != model.MarketResolved {
		return 0, fmt.Errorf("%w: settle requires RESOLVED, market is %s", ErrInvalidTransition, w.market.Status)
	}

	// Cancel and refund everything still resting.
	for _, o := range w.book.Drain() {
		if err := w.releaseResidual(o); err != nil {
			return 0, err
		}
		o.Status = model.StatusCancelled
		if err := w.st.UpdateOrder(ctx, o); err != nil {
			return 0, fmt.Errorf("update order %s: %w", o.ID, err)
		}
	}

	payout, err := w.ledger.Settle(w.market.ID, w.market.WinningOutcome)
	if err != nil && !errors.Is(err, ledger.ErrInternalInconsistency) {
		return payout, err
	}
	if err != nil {
		slog.Error("settlement inconsistency", "market", w.market.ID, "err", err)
	}

	w.market.Status = model.MarketSettled
	if serr := w.st.UpdateMarketState(ctx, w.market.ID, w.market.Status, w.market.LastPrice, w.market.Volume); serr != nil {
		return payout, serr
	}

	event := &model.SettlementEvent{
		ID:             uuid.New().String(),
		MarketID:       w.market.ID,
		WinningOutcome: w.market.WinningOutcome,
		TotalPayout:    payout,
		Timestamp:      w.now().UTC(),
	}
	if serr := w.st.InsertSettlement(ctx, event); serr != nil {
		return payout, serr
	}

	slog.Info("market settled", "market", w.market.ID, "winner", w.market.WinningOutcome, "payout_cents", payout)
	return payout, err
}

func min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
