// Package events is the in-process typed message bus connecting the adapters,
// price book, detector, risk manager, router and recorder.
package events

import (
	"time"

	"github.com/mrcha033/ats/pkg/models"
	"github.com/shopspring/decimal"
)

type QuoteEvent struct {
	Quote models.Quote
}

type TradeEvent struct {
	Record models.TradeRecord
}

type OpportunityEvent struct {
	Candidate models.OpportunityCandidate
}

// OrderUpdateEvent carries one order-state transition. EventID makes
// fill-driven consumers idempotent; FillQuantity/FillPrice describe the
// incremental fill this update contributes, zero when none.
type OrderUpdateEvent struct {
	EventID      string
	Execution    models.OrderExecution
	FillQuantity decimal.Decimal
	FillPrice    decimal.Decimal
	FillFee      decimal.Decimal
	Timestamp    time.Time
}

type BalanceEvent struct {
	Balances []models.Balance
	Venue    string
}

type RiskAlertEvent struct {
	Alert models.RiskAlert
}
