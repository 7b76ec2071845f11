// Package book implements the resting-order data structures for one
// market: price-time priority sides and the four-sided YES/NO book.
package book

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"

	"github.com/stanx/exchange-engine/internal/model"
)

var (
	// ErrDuplicateOrder is returned when an order ID is inserted twice.
	ErrDuplicateOrder = errors.New("book: duplicate order")

	// ErrOrderNotFound is returned when the referenced order is not
	// resting on this side.
	ErrOrderNotFound = errors.New("book: order not found")
)

// entry wraps a resting order for heap bookkeeping.
type entry struct {
	order *model.Order
	index int
}

// queue is a price-time priority heap. Bids sort by price descending,
// asks by price ascending; ties break on intake sequence, lower first.
type queue struct {
	entries []*entry
	isBid   bool
}

func (q *queue) Len() int { return len(q.entries) }

func (q *queue) Less(i, j int) bool {
	a, b := q.entries[i].order, q.entries[j].order
	if a.LimitPrice != b.LimitPrice {
		if q.isBid {
			return a.LimitPrice > b.LimitPrice
		}
		return a.LimitPrice < b.LimitPrice
	}
	return a.Sequence < b.Sequence
}

func (q *queue) Swap(i, j int) {
	q.entries[i], q.entries[j] = q.entries[j], q.entries[i]
	q.entries[i].index = i
	q.entries[j].index = j
}

func (q *queue) Push(x any) {
	e := x.(*entry)
	e.index = len(q.entries)
	q.entries = append(q.entries, e)
}

func (q *queue) Pop() any {
	old := q.entries
	n := len(old)
	e := old[n-1]
	e.index = -1
	old[n-1] = nil
	q.entries = old[:n-1]
	return e
}

// Side holds the resting orders for one (market, outcome, side) in
// matching priority order, with O(log n) insert/remove and uniqueness
// on order ID. Not safe for concurrent use; the owning market worker
// serializes all access.
type Side struct {
	q     queue
	index map[string]*entry
}

// NewSide creates an empty side. isBid selects bid ordering (price
// descending) over ask ordering (price ascending).
func NewSide(isBid bool) *Side {
	s := &Side{
		q:     queue{isBid: isBid},
		index: make(map[string]*entry),
	}
	heap.Init(&s.q)
	return s
}

// Insert adds a resting order, keeping price-time order.
func (s *Side) Insert(o *model.Order) error {
	if _, ok := s.index[o.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}
	e := &entry{order: o}
	heap.Push(&s.q, e)
	s.index[o.ID] = e
	return nil
}

// PeekBest returns the highest-priority resting order, or nil when the
// side is empty.
func (s *Side) PeekBest() *model.Order {
	if len(s.q.entries) == 0 {
		return nil
	}
	return s.q.entries[0].order
}

// Reduce decreases an order's remaining size by n, removing it from the
// side once fully filled. Priority is unaffected: price and sequence
// never change on a fill.
func (s *Side) Reduce(orderID string, n int64) error {
	e, ok := s.index[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	e.order.Fill(n)
	if e.order.Remaining() == 0 {
		heap.Remove(&s.q, e.index)
		delete(s.index, orderID)
	}
	return nil
}

// Remove deletes a resting order (used by cancel) and returns it.
func (s *Side) Remove(orderID string) (*model.Order, error) {
	e, ok := s.index[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	heap.Remove(&s.q, e.index)
	delete(s.index, orderID)
	return e.order, nil
}

// Contains reports whether an order is resting on this side.
func (s *Side) Contains(orderID string) bool {
	_, ok := s.index[orderID]
	return ok
}

// Len returns the number of resting orders.
func (s *Side) Len() int { return len(s.q.entries) }

// Levels aggregates resting size by price, best price first.
func (s *Side) Levels() []model.BookLevel {
	sizes := make(map[int64]int64, len(s.q.entries))
	for _, e := range s.q.entries {
		sizes[e.order.LimitPrice] += e.order.Remaining()
	}
	levels := make([]model.BookLevel, 0, len(sizes))
	for price, size := range sizes {
		levels = append(levels, model.BookLevel{Price: price, Size: size})
	}
	sort.Slice(levels, func(i, j int) bool {
		if s.q.isBid {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
	return levels
}

// Drain removes and returns every resting order in priority order.
// Used when a market settles and open orders are force-cancelled.
func (s *Side) Drain() []*model.Order {
	orders := make([]*model.Order, 0, len(s.q.entries))
	for s.q.Len() > 0 {
		e := heap.Pop(&s.q).(*entry)
		delete(s.index, e.order.ID)
		orders = append(orders, e.order)
	}
	return orders
}
