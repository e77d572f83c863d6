package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Symbol is a canonical "BASE/QUOTE" pair, upper-case.
type Symbol = string

// NormalizeSymbol canonicalizes a "base/quote" pair to upper-case.
func NormalizeSymbol(s string) Symbol {
	return strings.ToUpper(strings.TrimSpace(s))
}

// SplitSymbol returns the base and quote currency codes of a canonical symbol.
func SplitSymbol(s Symbol) (base, quote string, err error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid symbol %q", s)
	}
	return parts[0], parts[1], nil
}

// Quote is the latest top-of-book view of a symbol on one venue.
type Quote struct {
	Symbol    Symbol
	Venue     string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	BidSize   decimal.Decimal
	AskSize   decimal.Decimal
	Last      decimal.Decimal
	Volume24h decimal.Decimal
	Seq       int64
	Timestamp time.Time
}

// Validate rejects quotes that violate the data-model invariants.
func (q Quote) Validate() error {
	if q.Symbol == "" || q.Venue == "" {
		return fmt.Errorf("quote missing symbol or venue")
	}
	if q.Bid.Sign() <= 0 || q.Ask.Sign() <= 0 {
		return fmt.Errorf("quote %s/%s has non-positive side", q.Symbol, q.Venue)
	}
	if q.Bid.GreaterThan(q.Ask) {
		return fmt.Errorf("quote %s/%s crossed: bid %s > ask %s", q.Symbol, q.Venue, q.Bid, q.Ask)
	}
	return nil
}

// Fresh reports whether the quote is recent enough for opportunity detection.
func (q Quote) Fresh(maxAge time.Duration, now time.Time) bool {
	return now.Sub(q.Timestamp) <= maxAge
}

// Mid returns the top-of-book midpoint.
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

type BookLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBook holds venue depth, bids descending and asks ascending.
type OrderBook struct {
	Symbol    Symbol
	Venue     string
	Bids      []BookLevel
	Asks      []BookLevel
	Timestamp time.Time
}

func (b OrderBook) BestBid() (BookLevel, bool) {
	if len(b.Bids) == 0 {
		return BookLevel{}, false
	}
	return b.Bids[0], true
}

func (b OrderBook) BestAsk() (BookLevel, bool) {
	if len(b.Asks) == 0 {
		return BookLevel{}, false
	}
	return b.Asks[0], true
}

type Trade struct {
	Symbol    Symbol
	Venue     string
	TradeID   string
	Side      OrderSide
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Timestamp time.Time
}

// Balance is the holding of one currency on one venue.
type Balance struct {
	Venue     string
	Currency  string
	Total     decimal.Decimal
	Available decimal.Decimal
	Locked    decimal.Decimal
}
