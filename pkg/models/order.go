package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side, used for closing orders.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusFailed          OrderStatus = "failed"
)

// Terminal reports whether the order can no longer change state.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusFailed:
		return true
	}
	return false
}

// Rank orders statuses along the state machine so that stale updates,
// arriving after a newer status, can be discarded.
func (s OrderStatus) Rank() int {
	switch s {
	case OrderStatusPending:
		return 0
	case OrderStatusSubmitted:
		return 1
	case OrderStatusPartiallyFilled:
		return 2
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusFailed:
		return 3
	}
	return -1
}

// OrderRequest is what the router hands to an adapter. ClientOrderID is
// allocated by the router before submission and is globally unique.
type OrderRequest struct {
	ClientOrderID string
	Symbol        Symbol
	Venue         string
	Side          OrderSide
	Type          OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	TimeInForce   string
}

// OrderExecution is the tracked state of one submitted order.
type OrderExecution struct {
	ClientOrderID     string
	VenueOrderID      string
	Symbol            Symbol
	Venue             string
	Side              OrderSide
	Status            OrderStatus
	Quantity          decimal.Decimal
	FilledQuantity    decimal.Decimal
	RemainingQuantity decimal.Decimal
	AverageFillPrice  decimal.Decimal
	FeesPaid          decimal.Decimal
	SubmittedAt       time.Time
	LastUpdated       time.Time
	Error             string
}

func (e OrderExecution) Filled() bool {
	return e.Status == OrderStatusFilled
}

// HasFill reports whether any quantity executed, including partial fills on
// orders that later reached another terminal state.
func (e OrderExecution) HasFill() bool {
	return e.FilledQuantity.Sign() > 0
}
