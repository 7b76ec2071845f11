package book

import (
	"fmt"

	"github.com/stanx/exchange-engine/internal/model"
)

// MarketBook holds the four resting-order sides of one market: bids and
// asks for each of YES and NO. The two outcome books are independent —
// a user buys YES and buys NO as separate contracts. Orders are owned
// exclusively by the book while resting.
//
// Not safe for concurrent use; the market worker is the single writer.
type MarketBook struct {
	MarketID string

	sides map[model.Outcome]map[model.Side]*Side
	where map[string]*Side // orderID → side it rests on
}

// NewMarketBook creates an empty book for one market.
func NewMarketBook(marketID string) *MarketBook {
	return &MarketBook{
		MarketID: marketID,
		sides: map[model.Outcome]map[model.Side]*Side{
			model.OutcomeYes: {
				model.SideBuy:  NewSide(true),
				model.SideSell: NewSide(false),
			},
			model.OutcomeNo: {
				model.SideBuy:  NewSide(true),
				model.SideSell: NewSide(false),
			},
		},
		where: make(map[string]*Side),
	}
}

// Side returns the resting side for (outcome, side).
func (b *MarketBook) Side(outcome model.Outcome, side model.Side) *Side {
	return b.sides[outcome][side]
}

// Insert rests an order on the side matching its outcome and direction.
func (b *MarketBook) Insert(o *model.Order) error {
	s := b.Side(o.Outcome, o.Side)
	if err := s.Insert(o); err != nil {
		return err
	}
	b.where[o.ID] = s
	return nil
}

// Reduce decreases a resting order's remaining size, dropping it from
// the book when fully filled.
func (b *MarketBook) Reduce(orderID string, n int64) error {
	s, ok := b.where[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err := s.Reduce(orderID, n); err != nil {
		return err
	}
	if !s.Contains(orderID) {
		delete(b.where, orderID)
	}
	return nil
}

// Remove cancels a resting order anywhere in the book and returns it.
func (b *MarketBook) Remove(orderID string) (*model.Order, error) {
	s, ok := b.where[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	o, err := s.Remove(orderID)
	if err != nil {
		return nil, err
	}
	delete(b.where, orderID)
	return o, nil
}

// BestBid returns the highest resting buy for an outcome, or nil.
func (b *MarketBook) BestBid(outcome model.Outcome) *model.Order {
	return b.Side(outcome, model.SideBuy).PeekBest()
}

// BestAsk returns the lowest resting sell for an outcome, or nil.
func (b *MarketBook) BestAsk(outcome model.Outcome) *model.Order {
	return b.Side(outcome, model.SideSell).PeekBest()
}

// Crossed reports whether an outcome's book has bestBid ≥ bestAsk.
// A consistent book is never crossed: crossing orders match immediately
// and never rest, so a true return indicates an engine defect.
func (b *MarketBook) Crossed(outcome model.Outcome) bool {
	bid, ask := b.BestBid(outcome), b.BestAsk(outcome)
	if bid == nil || ask == nil {
		return false
	}
	return bid.LimitPrice >= ask.LimitPrice
}

// Snapshot aggregates both sides of one outcome by price level.
func (b *MarketBook) Snapshot(outcome model.Outcome) *model.BookSnapshot {
	return &model.BookSnapshot{
		MarketID: b.MarketID,
		Outcome:  outcome,
		Bids:     b.Side(outcome, model.SideBuy).Levels(),
		Asks:     b.Side(outcome, model.SideSell).Levels(),
	}
}

// Drain removes every resting order from all four sides.
func (b *MarketBook) Drain() []*model.Order {
	var orders []*model.Order
	for _, outcome := range []model.Outcome{model.OutcomeYes, model.OutcomeNo} {
		for _, side := range []model.Side{model.SideBuy, model.SideSell} {
			orders = append(orders, b.Side(outcome, side).Drain()...)
		}
	}
	for _, o := range orders {
		delete(b.where, o.ID)
	}
	return orders
}

// OpenOrders returns the number of orders resting anywhere in the book.
func (b *MarketBook) OpenOrders() int { return len(b.where) }
