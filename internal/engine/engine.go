// Package engine implements the central limit order book matching core.
//
// Each market is owned by a single worker goroutine that consumes an
// ordered intake channel: submissions, cancels, and lifecycle actions
// for one market are processed strictly in acceptance order, which is
// what makes time-priority tie-breaks and deterministic replay possible.
// Different markets run fully in parallel; the only state they share is
// the account ledger, which does its own per-account locking.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stanx/exchange-engine/internal/ledger"
	"github.com/stanx/exchange-engine/internal/model"
	"github.com/stanx/exchange-engine/internal/store"
)

var (
	// ErrMarketNotFound is returned when no worker exists for a market.
	ErrMarketNotFound = errors.New("engine: market not found")

	// ErrMarketClosed is returned when a submission targets a market
	// that is no longer accepting orders.
	ErrMarketClosed = errors.New("engine: market closed")

	// ErrInvalidTransition is returned for lifecycle actions out of
	// order (e.g. resolving a market that was never closed).
	ErrInvalidTransition = errors.New("engine: invalid lifecycle transition")

	// ErrDuplicateMarket is returned when a market ID is registered twice.
	ErrDuplicateMarket = errors.New("engine: market already exists")
)

// MatchResult reports the outcome of one submission: the trades it
// produced and the incoming order's final state.
type MatchResult struct {
	OrderID    string            `json:"order_id"`
	Status     model.OrderStatus `json:"status"`
	FilledSize int64             `json:"filled_size"`
	Trades     []model.Trade     `json:"trades"`
}

// CancelResult reports the size released back by a cancel.
type CancelResult struct {
	OrderID      string `json:"order_id"`
	ReleasedSize int64  `json:"released_size"`
}

// TradeHandler is invoked for every executed trade, after ledger and
// store updates, from the owning market worker. Handlers must not block.
type TradeHandler func(t model.Trade, m *model.Market)

// Engine routes requests to per-market workers and owns their lifecycle.
type Engine struct {
	st     store.Store
	ledger *ledger.Ledger

	mu      sync.RWMutex
	workers map[string]*marketWorker

	onTrade TradeHandler
}

// New creates an engine. Markets are registered via CreateMarket or
// Restore before they can accept orders.
func New(st store.Store, l *ledger.Ledger) *Engine {
	return &Engine{
		st:      st,
		ledger:  l,
		workers: make(map[string]*marketWorker),
	}
}

// OnTrade registers a trade callback (WebSocket broadcast, metrics).
// Must be called before the first submission.
func (e *Engine) OnTrade(h TradeHandler) { e.onTrade = h }

// CreateMarket persists a new market and starts its worker.
func (e *Engine) CreateMarket(ctx context.Context, m *model.Market) error {
	e.mu.Lock()
	if _, ok := e.workers[m.ID]; ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateMarket, m.ID)
	}
	e.mu.Unlock()

	if err := e.st.CreateMarket(ctx, m); err != nil {
		return err
	}
	e.startWorker(m)
	return nil
}

// Restore loads persisted markets and restarts workers for any that
// have not settled. Books start empty; rebuilding resting orders from
// the audit log is a replay concern handled by operational tooling.
func (e *Engine) Restore(ctx context.Context) error {
	markets, err := e.st.ListMarkets(ctx)
	if err != nil {
		return err
	}
	for i := range markets {
		m := markets[i]
		if m.Status == model.MarketSettled {
			continue
		}
		e.startWorker(&m)
	}
	return nil
}

func (e *Engine) startWorker(m *model.Market) {
	w := newMarketWorker(m, e.ledger, e.st, e)
	e.mu.Lock()
	e.workers[m.ID] = w
	e.mu.Unlock()
	go w.run()
}

func (e *Engine) worker(marketID string) (*marketWorker, error) {
	e.mu.RLock()
	w, ok := e.workers[marketID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
	}
	return w, nil
}

// Submit validates an order and runs it through its market's intake
// queue. The order must have been constructed via model.NewOrder.
func (e *Engine) Submit(ctx context.Context, o *model.Order) (*MatchResult, error) {
	w, err := e.worker(o.MarketID)
	if err != nil {
		return nil, err
	}
	return w.submit(ctx, o)
}

// Cancel removes a resting order and releases its remaining reservation.
func (e *Engine) Cancel(ctx context.Context, marketID, orderID string) (*CancelResult, error) {
	w, err := e.worker(marketID)
	if err != nil {
		return nil, err
	}
	return w.cancel(ctx, orderID)
}

// Snapshot returns the aggregated book for one outcome of a market.
func (e *Engine) Snapshot(marketID string, outcome model.Outcome) (*model.BookSnapshot, error) {
	w, err := e.worker(marketID)
	if err != nil {
		return nil, err
	}
	return w.snapshot(outcome)
}

// Market returns the worker's authoritative view of market metadata.
func (e *Engine) Market(marketID string) (*model.Market, error) {
	w, err := e.worker(marketID)
	if err != nil {
		return nil, err
	}
	return w.marketView()
}

// Close transitions a market OPEN → CLOSED. Submissions are rejected
// from that point on; cancels still work.
func (e *Engine) Close(ctx context.Context, marketID string) error {
	w, err := e.worker(marketID)
	if err != nil {
		return err
	}
	return w.close(ctx)
}

// Resolve transitions a market CLOSED → RESOLVED with a winning outcome.
func (e *Engine) Resolve(ctx context.Context, marketID string, winner model.Outcome) error {
	if !winner.Valid() {
		return fmt.Errorf("%w: outcome %q", model.ErrInvalidOrder, winner)
	}
	w, err := e.worker(marketID)
	if err != nil {
		return err
	}
	return w.resolve(ctx, winner)
}

// Settle transitions RESOLVED → SETTLED: cancels and refunds remaining
// open orders, pays 100¢ per winning share, zeroes positions. Calling
// it again on a settled market is a no-op. Returns the total payout.
func (e *Engine) Settle(ctx context.Context, marketID string) (int64, error) {
	w, err := e.worker(marketID)
	if err != nil {
		return 0, err
	}
	return w.settle(ctx)
}

// Stop shuts down all market workers. Pending intake entries are
// processed first.
func (e *Engine) Stop() {
	e.mu.Lock()
	workers := make([]*marketWorker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.mu.Unlock()
	for _, w := range workers {
		w.stop()
	}
}
