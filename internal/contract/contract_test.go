package contract

import (
	"errors"
	"testing"
	"time"
)

func TestParseTicker_Valid(t *testing.T) {
	c, err := ParseTicker("STX-ENT-OSCARSBESTPIC-20260315")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Category != CategoryEntertainment {
		t.Errorf("expected ENT, got %s", c.Category)
	}
	if c.Slug != "OSCARSBESTPIC" {
		t.Errorf("expected slug OSCARSBESTPIC, got %s", c.Slug)
	}
	want := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	if !c.CloseDate.Equal(want) {
		t.Errorf("expected close %v, got %v", want, c.CloseDate)
	}
}

func TestParseTicker_AllCategories(t *testing.T) {
	for _, cat := range []string{"POLITICS", "SPORTS", "CRYPTO", "ENT", "SCI", "TECH"} {
		if _, err := ParseTicker("STX-" + cat + "-EVENT1-20261231"); err != nil {
			t.Errorf("category %s should parse: %v", cat, err)
		}
	}
}

func TestParseTicker_Invalid(t *testing.T) {
	tests := []struct {
		ticker  string
		wantErr error
	}{
		{"", ErrInvalidTicker},
		{"ENT-OSCARS-20260315", ErrInvalidTicker},
		{"STX-ENT-OSCARS", ErrInvalidTicker},
		{"STX-ent-OSCARS-20260315", ErrInvalidTicker},
		{"STX-WEATHER-RAIN-20260315", ErrInvalidCategory},
		{"STX-ENT-OSCARS-20261345", ErrInvalidTicker},
	}

	for _, tt := range tests {
		if _, err := ParseTicker(tt.ticker); !errors.Is(err, tt.wantErr) {
			t.Errorf("ParseTicker(%q) = %v, want %v", tt.ticker, err, tt.wantErr)
		}
	}
}
