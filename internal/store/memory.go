package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stanx/exchange-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	markets     map[string]*model.Market
	orders      map[string]*model.Order
	orderSeq    map[string][]string // marketID → order IDs in intake order
	trades      []model.Trade
	settlements map[string]*model.SettlementEvent
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:     make(map[string]*model.Market),
		orders:      make(map[string]*model.Order),
		orderSeq:    make(map[string][]string),
		settlements: make(map[string]*model.SettlementEvent),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("%w: market %s", ErrDuplicate, m.ID)
	}
	for _, existing := range s.markets {
		if existing.Ticker == m.Ticker {
			return fmt.Errorf("%w: ticker %s", ErrDuplicate, m.Ticker)
		}
	}

	// Store a copy to avoid external mutation.
	mc := *m
	s.markets[m.ID] = &mc
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	mc := *m
	return &mc, nil
}

func (s *MemoryStore) GetMarketByTicker(_ context.Context, ticker string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.markets {
		if m.Ticker == ticker {
			mc := *m
			return &mc, nil
		}
	}
	return nil, fmt.Errorf("%w: ticker %s", ErrNotFound, ticker)
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) UpdateMarketState(_ context.Context, id string, status model.MarketStatus, lastPrice, volume int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	m.Status = status
	m.LastPrice = lastPrice
	m.Volume = volume
	return nil
}

func (s *MemoryStore) SetMarketOutcome(_ context.Context, id string, winner model.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	m.WinningOutcome = winner
	return nil
}

func (s *MemoryStore) InsertOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("%w: order %s", ErrDuplicate, o.ID)
	}
	oc := *o
	s.orders[o.ID] = &oc
	s.orderSeq[o.MarketID] = append(s.orderSeq[o.MarketID], o.ID)
	return nil
}

func (s *MemoryStore) UpdateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; !ok {
		return fmt.Errorf("%w: order %s", ErrNotFound, o.ID)
	}
	oc := *o
	s.orders[o.ID] = &oc
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", ErrNotFound, id)
	}
	oc := *o
	return &oc, nil
}

func (s *MemoryStore) ListOrdersByMarket(_ context.Context, marketID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.orderSeq[marketID]
	orders := make([]model.Order, 0, len(ids))
	for _, id := range ids {
		orders = append(orders, *s.orders[id])
	}
	return orders, nil
}

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) ListTradesByMarket(_ context.Context, marketID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.MarketID == marketID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTradesByAccount(_ context.Context, accountID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.BuyerID == accountID || t.SellerID == accountID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertSettlement(_ context.Context, e *model.SettlementEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.settlements[e.MarketID]; ok {
		return fmt.Errorf("%w: settlement for market %s", ErrDuplicate, e.MarketID)
	}
	ec := *e
	s.settlements[e.MarketID] = &ec
	return nil
}

func (s *MemoryStore) GetSettlement(_ context.Context, marketID string) (*model.SettlementEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.settlements[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: settlement for market %s", ErrNotFound, marketID)
	}
	ec := *e
	return &ec, nil
}
