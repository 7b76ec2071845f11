// Package model defines the core domain types shared across the exchange
// engine. The matching path works exclusively in integer cents and whole
// shares — decimal conversion happens at the API boundary, never here.
package model

import (
	"errors"
	"fmt"
	"time"
)

// Price bounds for a binary contract, in cents. A share settles at
// SettlementPayout cents if its outcome wins, zero otherwise.
const (
	MinPrice         int64 = 1
	MaxPrice         int64 = 99
	SettlementPayout int64 = 100
)

// ErrInvalidOrder is returned when an order fails validation before it
// touches any book or ledger state.
var ErrInvalidOrder = errors.New("model: invalid order")

// Outcome identifies which side of a binary contract an order trades.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Valid reports whether o is one of the enumerated outcomes.
func (o Outcome) Valid() bool { return o == OutcomeYes || o == OutcomeNo }

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is one of the enumerated sides.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType selects the execution style. SPLIT and MERGE are collateral
// operations handled by the ledger; they never reach the matching engine.
type OrderType string

const (
	TypeLimit  OrderType = "LIMIT"
	TypeMarket OrderType = "MARKET"
	TypeSplit  OrderType = "SPLIT"
	TypeMerge  OrderType = "MERGE"
)

// OrderStatus tracks an order's fill state. Filled and Cancelled are
// terminal; no transition leaves them.
type OrderStatus string

const (
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
)

// Order is a request to trade one outcome of one market. Identity fields
// are immutable after construction; only FilledSize, Status, and Sequence
// are mutated, and only by the matching engine or an explicit cancel.
type Order struct {
	ID         string      `json:"id"`
	MarketID   string      `json:"market_id"`
	AccountID  string      `json:"account_id"`
	Outcome    Outcome     `json:"outcome"`
	Side       Side        `json:"side"`
	Type       OrderType   `json:"type"`
	LimitPrice int64       `json:"limit_price,omitempty"` // cents; set iff Type == LIMIT
	Size       int64       `json:"size"`                  // original size in shares
	FilledSize int64       `json:"filled_size"`
	Status     OrderStatus `json:"status"`
	Sequence   uint64      `json:"sequence"` // intake order within the market; tie-break key
	CreatedAt  time.Time   `json:"created_at"`
}

// NewOrder validates inputs and constructs an Order in state OPEN.
// Sequence is assigned later, when the market worker accepts the order
// into its intake stream.
func NewOrder(id, marketID, accountID string, outcome Outcome, side Side, typ OrderType, limitPrice, size int64) (*Order, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size must be positive, got %d", ErrInvalidOrder, size)
	}
	if !outcome.Valid() {
		return nil, fmt.Errorf("%w: unknown outcome %q", ErrInvalidOrder, outcome)
	}
	if !side.Valid() {
		return nil, fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, side)
	}
	switch typ {
	case TypeLimit:
		if limitPrice < MinPrice || limitPrice > MaxPrice {
			return nil, fmt.Errorf("%w: limit price %d outside [%d,%d]", ErrInvalidOrder, limitPrice, MinPrice, MaxPrice)
		}
	case TypeMarket:
		limitPrice = 0 // ignored for market orders
	default:
		return nil, fmt.Errorf("%w: type %q is not matchable", ErrInvalidOrder, typ)
	}

	return &Order{
		ID:         id,
		MarketID:   marketID,
		AccountID:  accountID,
		Outcome:    outcome,
		Side:       side,
		Type:       typ,
		LimitPrice: limitPrice,
		Size:       size,
		Status:     StatusOpen,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Remaining returns the unfilled share count.
func (o *Order) Remaining() int64 { return o.Size - o.FilledSize }

// Fill records a partial or complete fill of n shares and advances the
// status. n must not exceed Remaining; the matching engine guarantees this.
func (o *Order) Fill(n int64) {
	o.FilledSize += n
	if o.FilledSize >= o.Size {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
}

// Terminal reports whether the order can no longer change state.
func (o *Order) Terminal() bool {
	return o.Status == StatusFilled || o.Status == StatusCancelled
}

// ReservePrice is the per-share price at which funds are locked for a
// BUY: the limit price, or the worst admissible price for a market order
// (market buys reserve at MaxPrice and refund the difference on fill).
func (o *Order) ReservePrice() int64 {
	if o.Type == TypeMarket {
		return MaxPrice
	}
	return o.LimitPrice
}

// Trade is an immutable record of one match event. The ID is derived
// from the market's trade sequence so that replaying an identical intake
// stream reproduces an identical trade log.
type Trade struct {
	ID           string    `json:"id"`
	MarketID     string    `json:"market_id"`
	Outcome      Outcome   `json:"outcome"`
	MakerOrderID string    `json:"maker_order_id"`
	TakerOrderID string    `json:"taker_order_id"`
	BuyerID      string    `json:"buyer_id"`
	SellerID     string    `json:"seller_id"`
	Price        int64     `json:"price"` // cents; always the maker's price
	Size         int64     `json:"size"`  // shares
	Sequence     uint64    `json:"sequence"`
	Timestamp    time.Time `json:"timestamp"`
}

// MarketStatus is the lifecycle state machine per market:
// OPEN → CLOSED → RESOLVED → SETTLED. SETTLED is terminal.
type MarketStatus string

const (
	MarketOpen     MarketStatus = "OPEN"
	MarketClosed   MarketStatus = "CLOSED"
	MarketResolved MarketStatus = "RESOLVED"
	MarketSettled  MarketStatus = "SETTLED"
)

// Market is the metadata record for one binary prediction market. Book
// state lives in the engine; this is what stores and API responses carry.
type Market struct {
	ID                 string       `json:"id"`
	Ticker             string       `json:"ticker"`
	Question           string       `json:"question"`
	Category           string       `json:"category"`
	ResolutionCriteria string       `json:"resolution_criteria,omitempty"`
	Status             MarketStatus `json:"status"`
	WinningOutcome     Outcome      `json:"winning_outcome,omitempty"` // set once RESOLVED
	LastPrice          int64        `json:"last_price"`                // cents, YES terms; 0 until first trade
	Volume             int64        `json:"volume"`                    // cumulative matched shares
	ClosesAt           time.Time    `json:"closes_at"`
	CreatedAt          time.Time    `json:"created_at"`
}

// BookLevel is one aggregated price level of a book snapshot.
type BookLevel struct {
	Price int64 `json:"price"` // cents
	Size  int64 `json:"size"`  // total resting shares at this price
}

// BookSnapshot is the display-oriented view of one outcome's book,
// aggregated by price level. Bids descend, asks ascend.
type BookSnapshot struct {
	MarketID string      `json:"market_id"`
	Outcome  Outcome     `json:"outcome"`
	Bids     []BookLevel `json:"bids"`
	Asks     []BookLevel `json:"asks"`
}

// Spread returns bestAsk − bestBid in cents. ok is false when either
// side is empty (spread undefined).
func (s *BookSnapshot) Spread() (spread int64, ok bool) {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return 0, false
	}
	return s.Asks[0].Price - s.Bids[0].Price, true
}

// SettlementEvent is the immutable audit record written when a market
// finishes settling.
type SettlementEvent struct {
	ID             string    `json:"id"`
	MarketID       string    `json:"market_id"`
	WinningOutcome Outcome   `json:"winning_outcome"`
	TotalPayout    int64     `json:"total_payout"` // cents across all accounts
	Timestamp      time.Time `json:"timestamp"`
}
