// Package contract handles market ticker parsing and validation.
//
// Every market carries a ticker that encodes its category, a short
// event slug, and the trading close date, so listings can be grouped
// and correlated-risk checks can key off the category without a
// metadata lookup.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Supported market categories.
const (
	CategoryPolitics      = "POLITICS"
	CategorySports        = "SPORTS"
	CategoryCrypto        = "CRYPTO"
	CategoryEntertainment = "ENT"
	CategoryScience       = "SCI"
	CategoryTechnology    = "TECH"
)

var validCategories = map[string]bool{
	CategoryPolitics:      true,
	CategorySports:        true,
	CategoryCrypto:        true,
	CategoryEntertainment: true,
	CategoryScience:       true,
	CategoryTechnology:    true,
}

// tickerRegex matches: STX-{category}-{slug}-{YYYYMMDD}
// Example: STX-ENT-OSCARSBESTPIC-20260315
var tickerRegex = regexp.MustCompile(
	`^STX-([A-Z]+)-([A-Z0-9]+)-(\d{8})$`,
)

var (
	ErrInvalidTicker   = errors.New("contract: invalid ticker format")
	ErrInvalidCategory = errors.New("contract: unsupported category")
)

// Contract represents a parsed market ticker.
type Contract struct {
	Ticker    string    `json:"ticker"`
	Category  string    `json:"category"`
	Slug      string    `json:"slug"`
	CloseDate time.Time `json:"close_date"`
}

// ParseTicker parses and validates a market ticker string.
// Format: STX-{category}-{slug}-{YYYYMMDD}
func ParseTicker(ticker string) (*Contract, error) {
	matches := tickerRegex.FindStringSubmatch(ticker)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected STX-{category}-{slug}-{YYYYMMDD})",
			ErrInvalidTicker, ticker)
	}

	category := matches[1]
	slug := matches[2]
	dateStr := matches[3]

	if !validCategories[category] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCategory, category)
	}

	closeDate, err := time.Parse("20060102", dateStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidTicker, dateStr)
	}

	return &Contract{
		Ticker:    ticker,
		Category:  category,
		Slug:      slug,
		CloseDate: closeDate,
	}, nil
}
