package book

import (
	"errors"
	"testing"

	"github.com/stanx/exchange-engine/internal/model"
)

// mkOrder builds a resting limit order with an explicit sequence.
func mkOrder(t *testing.T, id string, side model.Side, price, size int64, seq uint64) *model.Order {
	t.Helper()
	o, err := model.NewOrder(id, "m1", "acct-"+id, model.OutcomeYes, side, model.TypeLimit, price, size)
	if err != nil {
		t.Fatalf("bad order: %v", err)
	}
	o.Sequence = seq
	return o
}

func TestSide_BidPriceOrdering(t *testing.T) {
	s := NewSide(true)
	s.Insert(mkOrder(t, "a", model.SideBuy, 55, 10, 1))
	s.Insert(mkOrder(t, "b", model.SideBuy, 60, 10, 2))
	s.Insert(mkOrder(t, "c", model.SideBuy, 58, 10, 3))

	if best := s.PeekBest(); best.ID != "b" {
		t.Errorf("expected highest bid first, got %s", best.ID)
	}
}

func TestSide_AskPriceOrdering(t *testing.T) {
	s := NewSide(false)
	s.Insert(mkOrder(t, "a", model.SideSell, 65, 10, 1))
	s.Insert(mkOrder(t, "b", model.SideSell, 61, 10, 2))
	s.Insert(mkOrder(t, "c", model.SideSell, 63, 10, 3))

	if best := s.PeekBest(); best.ID != "b" {
		t.Errorf("expected lowest ask first, got %s", best.ID)
	}
}

func TestSide_TimePriorityAtSamePrice(t *testing.T) {
	s := NewSide(true)
	s.Insert(mkOrder(t, "late", model.SideBuy, 60, 10, 5))
	s.Insert(mkOrder(t, "early", model.SideBuy, 60, 10, 2))

	if best := s.PeekBest(); best.ID != "early" {
		t.Errorf("lower sequence should match first, got %s", best.ID)
	}
}

func TestSide_DuplicateInsert(t *testing.T) {
	s := NewSide(true)
	o := mkOrder(t, "a", model.SideBuy, 60, 10, 1)
	if err := s.Insert(o); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := s.Insert(o); !errors.Is(err, ErrDuplicateOrder) {
		t.Errorf("expected ErrDuplicateOrder, got %v", err)
	}
}

func TestSide_ReduceRemovesWhenFilled(t *testing.T) {
	s := NewSide(true)
	s.Insert(mkOrder(t, "a", model.SideBuy, 60, 10, 1))

	if err := s.Reduce("a", 4); err != nil {
		t.Fatalf("reduce failed: %v", err)
	}
	if s.PeekBest().Remaining() != 6 {
		t.Errorf("expected remaining 6, got %d", s.PeekBest().Remaining())
	}

	if err := s.Reduce("a", 6); err != nil {
		t.Fatalf("reduce failed: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("fully filled order should be removed, len=%d", s.Len())
	}
}

func TestSide_RemoveMissing(t *testing.T) {
	s := NewSide(true)
	if _, err := s.Remove("ghost"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestSide_Levels(t *testing.T) {
	s := NewSide(true)
	s.Insert(mkOrder(t, "a", model.SideBuy, 60, 10, 1))
	s.Insert(mkOrder(t, "b", model.SideBuy, 60, 15, 2))
	s.Insert(mkOrder(t, "c", model.SideBuy, 55, 5, 3))

	levels := s.Levels()
	if len(levels) != 2 {
		t.Fatalf("expected 2 levels, got %d", len(levels))
	}
	if levels[0].Price != 60 || levels[0].Size != 25 {
		t.Errorf("expected {60,25} first, got %+v", levels[0])
	}
	if levels[1].Price != 55 || levels[1].Size != 5 {
		t.Errorf("expected {55,5} second, got %+v", levels[1])
	}
}

func TestSide_DrainPriorityOrder(t *testing.T) {
	s := NewSide(false)
	s.Insert(mkOrder(t, "a", model.SideSell, 65, 10, 1))
	s.Insert(mkOrder(t, "b", model.SideSell, 61, 10, 2))

	drained := s.Drain()
	if len(drained) != 2 || drained[0].ID != "b" || drained[1].ID != "a" {
		t.Errorf("drain should return priority order, got %v", drained)
	}
	if s.Len() != 0 {
		t.Error("side should be empty after drain")
	}
}
