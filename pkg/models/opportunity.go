package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OpportunityCandidate is a cross-venue price dislocation emitted by the
// detector: buy at BuyVenue's ask, sell at SellVenue's bid.
type OpportunityCandidate struct {
	ID          string
	Symbol      Symbol
	BuyVenue    string
	SellVenue   string
	BuyPrice    decimal.Decimal
	SellPrice   decimal.Decimal
	MaxVolume   decimal.Decimal
	GrossSpread decimal.Decimal
	NetSpread   decimal.Decimal
	DetectedAt  time.Time
}

// TripleKey identifies the (symbol, buy venue, sell venue) emission slot.
func (c OpportunityCandidate) TripleKey() string {
	return c.Symbol + "|" + c.BuyVenue + "|" + c.SellVenue
}

type TradeOutcome string

const (
	OutcomeBothFilled TradeOutcome = "both_filled"
	OutcomePartial    TradeOutcome = "partial"
	OutcomeFailed     TradeOutcome = "failed"
)

// TradeRecord is the completed paired execution handed to the recorder.
type TradeRecord struct {
	TradeID          string
	OpportunityID    string
	Symbol           Symbol
	BuyLeg           OrderExecution
	SellLeg          OrderExecution
	RealizedPnL      decimal.Decimal
	TotalFees        decimal.Decimal
	Outcome          TradeOutcome
	RecoveryRequired bool
	CompletedAt      time.Time
}
