package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the signed holding per (symbol, venue), carried at
// weighted-average cost. Updates are serialized per key by the risk manager.
type Position struct {
	Symbol        Symbol
	Venue         string
	Quantity      decimal.Decimal
	AveragePrice  decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	MarketValue   decimal.Decimal
	LastUpdated   time.Time
}

func (p Position) Flat() bool {
	return p.Quantity.IsZero()
}

// Exposure is the absolute market value the position contributes to the
// portfolio.
func (p Position) Exposure() decimal.Decimal {
	return p.MarketValue.Abs()
}
