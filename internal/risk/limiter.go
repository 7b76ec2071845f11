// Package risk implements position limits that account for correlation
// between markets in the same category.
//
// When an awards season spawns twenty markets about the same ceremony,
// a user buying YES on all of them carries correlated risk. This package
// groups markets by category and enforces aggregate exposure limits on
// top of the per-market cap.
package risk

import "errors"

var (
	// ErrPerMarketLimitExceeded is returned when an order would push the
	// account's net position in a single market beyond the per-market
	// maximum.
	ErrPerMarketLimitExceeded = errors.New("risk: per-market position limit exceeded")

	// ErrCategoryLimitExceeded is returned when an order would push the
	// account's aggregate absolute exposure across one category beyond
	// the correlated maximum.
	ErrCategoryLimitExceeded = errors.New("risk: category exposure limit exceeded")
)

// PositionLimiter enforces per-market and per-category exposure limits.
// Exposure is measured in net YES-equivalent shares: buying YES or
// selling NO increases it, buying NO or selling YES decreases it.
type PositionLimiter struct {
	// MaxPerMarket is the maximum absolute net position in any single market.
	MaxPerMarket int64

	// MaxPerCategory is the maximum aggregate absolute exposure across
	// all markets sharing a category.
	MaxPerCategory int64
}

// NewPositionLimiter creates a limiter with the given per-market and
// category exposure limits. A zero or negative limit disables that check.
func NewPositionLimiter(maxPerMarket, maxPerCategory int64) *PositionLimiter {
	return &PositionLimiter{
		MaxPerMarket:   maxPerMarket,
		MaxPerCategory: maxPerCategory,
	}
}

// CheckLimit validates whether an order respects position limits.
//
// Parameters:
//   - marketID, category: the market being traded and its category
//   - exposureDelta: signed change in YES-equivalent exposure
//   - exposures: marketID → current net exposure for this account
//   - categoryOf: lookup from marketID to category for held positions
//
// Returns nil if the order is within limits.
func (l *PositionLimiter) CheckLimit(
	marketID, category string,
	exposureDelta int64,
	exposures map[string]int64,
	categoryOf func(marketID string) string,
) error {
	newPosition := exposures[marketID] + exposureDelta

	if l.MaxPerMarket > 0 && abs(newPosition) > l.MaxPerMarket {
		return ErrPerMarketLimitExceeded
	}

	if l.MaxPerCategory <= 0 {
		return nil
	}

	totalCorrelated := abs(newPosition)
	for id, exposure := range exposures {
		if id == marketID {
			continue // already counted via newPosition above
		}
		if categoryOf(id) == category {
			totalCorrelated += abs(exposure)
		}
	}
	if totalCorrelated > l.MaxPerCategory {
		return ErrCategoryLimitExceeded
	}
	return nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
