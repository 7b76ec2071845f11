// Package store defines the persistence interface for the exchange
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
//
// The store is an audit log, not the matching authority: accepted
// orders are recorded in intake order, trades and settlement events are
// append-only, and together they are sufficient to replay and rebuild
// book and ledger state deterministically.
package store

import (
	"context"
	"errors"

	"github.com/stanx/exchange-engine/internal/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when a unique key is inserted twice.
var ErrDuplicate = errors.New("store: duplicate key")

// Store is the persistence interface.
type Store interface {
	// --- Markets ---

	// CreateMarket persists a new market record.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarket retrieves a market by ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// GetMarketByTicker retrieves a market by its ticker.
	GetMarketByTicker(ctx context.Context, ticker string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// UpdateMarketState updates status, last price, and volume.
	UpdateMarketState(ctx context.Context, id string, status model.MarketStatus, lastPrice, volume int64) error

	// SetMarketOutcome records the winning outcome at resolution.
	SetMarketOutcome(ctx context.Context, id string, winner model.Outcome) error

	// --- Orders (intake log) ---

	// InsertOrder appends an accepted order. Orders are recorded in the
	// market's intake sequence; a duplicate ID fails with ErrDuplicate.
	InsertOrder(ctx context.Context, o *model.Order) error

	// UpdateOrder persists an order's fill state and status.
	UpdateOrder(ctx context.Context, o *model.Order) error

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOrdersByMarket returns a market's orders in intake order.
	ListOrdersByMarket(ctx context.Context, marketID string) ([]model.Order, error)

	// --- Trades (append-only) ---

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// ListTradesByMarket returns a market's trades in sequence order.
	ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error)

	// ListTradesByAccount returns all trades an account was party to.
	ListTradesByAccount(ctx context.Context, accountID string) ([]model.Trade, error)

	// --- Settlement events (append-only) ---

	// InsertSettlement appends a settlement event.
	InsertSettlement(ctx context.Context, e *model.SettlementEvent) error

	// GetSettlement returns a market's settlement event, if any.
	GetSettlement(ctx context.Context, marketID string) (*model.SettlementEvent, error)
}
