// Package exchange normalizes per-venue REST and streaming protocols behind a
// uniform adapter interface with connection, rate-limit and error handling.
package exchange

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcha033/ats/pkg/models"
	"github.com/shopspring/decimal"
)

// ConnState is the adapter connection state machine:
// Disconnected -> Connecting -> Connected -> (Degraded) -> Disconnected.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	}
	return "unknown"
}

type StreamKind string

const (
	StreamTicker    StreamKind = "ticker"
	StreamOrderBook StreamKind = "orderbook"
	StreamTrades    StreamKind = "trades"
)

// Adapter is the uniform per-venue capability set.
type Adapter interface {
	Name() string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	Subscribe(kind StreamKind, symbols ...models.Symbol) error
	Unsubscribe(kind StreamKind, symbol models.Symbol) error

	PlaceOrder(ctx context.Context, req models.OrderRequest) (models.OrderExecution, error)
	CancelOrder(ctx context.Context, symbol models.Symbol, clientOrderID string) error
	QueryOrder(ctx context.Context, symbol models.Symbol, clientOrderID string) (models.OrderExecution, error)
	ListActiveOrders(ctx context.Context) ([]models.OrderExecution, error)
	GetBalances(ctx context.Context) ([]models.Balance, error)
	GetTicker(ctx context.Context, symbol models.Symbol) (models.Quote, error)
	GetOrderBook(ctx context.Context, symbol models.Symbol, depth int) (models.OrderBook, error)

	ToVenueSymbol(symbol models.Symbol) (string, error)
	FromVenueSymbol(venueSymbol string) (models.Symbol, error)

	FeeRate(symbol models.Symbol, maker bool) decimal.Decimal
	MinOrderQuantity(symbol models.Symbol) decimal.Decimal
	MinOrderNotional(symbol models.Symbol) decimal.Decimal

	State() ConnState
	Healthy() bool
	Stats() StatsSnapshot
}

// Config is the per-venue section of the process configuration.
type Config struct {
	ID                 string
	BaseURL            string
	StreamURL          string
	APIKey             string
	APISecret          string
	RateLimitPerMinute int
	Testnet            bool
	MakerFee           decimal.Decimal
	TakerFee           decimal.Decimal
	MinOrderQuantity   decimal.Decimal
	MinOrderNotional   decimal.Decimal
}

// Stats tracks per-adapter counters. All fields are updated atomically.
type Stats struct {
	messagesReceived atomic.Int64
	parseErrors      atomic.Int64
	reconnects       atomic.Int64
	requests         atomic.Int64
	requestErrors    atomic.Int64
	latencyMicros    atomic.Int64
	latencySamples   atomic.Int64

	mu        sync.Mutex
	lastError string
	lastAt    time.Time
}

type StatsSnapshot struct {
	MessagesReceived int64
	ParseErrors      int64
	Reconnects       int64
	Requests         int64
	RequestErrors    int64
	AvgLatency       time.Duration
	LastError        string
	LastErrorAt      time.Time
}

func (s *Stats) MessageReceived() { s.messagesReceived.Add(1) }
func (s *Stats) ParseError()      { s.parseErrors.Add(1) }
func (s *Stats) Reconnect()       { s.reconnects.Add(1) }

func (s *Stats) RequestDone(latency time.Duration, err error) {
	s.requests.Add(1)
	if err != nil {
		s.requestErrors.Add(1)
		s.mu.Lock()
		s.lastError = err.Error()
		s.lastAt = time.Now()
		s.mu.Unlock()
		return
	}
	s.latencyMicros.Add(latency.Microseconds())
	s.latencySamples.Add(1)
}

func (s *Stats) RecordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastError = err.Error()
	s.lastAt = time.Now()
	s.mu.Unlock()
}

func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		MessagesReceived: s.messagesReceived.Load(),
		ParseErrors:      s.parseErrors.Load(),
		Reconnects:       s.reconnects.Load(),
		Requests:         s.requests.Load(),
		RequestErrors:    s.requestErrors.Load(),
	}
	if n := s.latencySamples.Load(); n > 0 {
		snap.AvgLatency = time.Duration(s.latencyMicros.Load()/n) * time.Microsecond
	}
	s.mu.Lock()
	snap.LastError = s.lastError
	snap.LastErrorAt = s.lastAt
	s.mu.Unlock()
	return snap
}

// connState wraps the atomic state with transition tracking.
type connState struct {
	v atomic.Int32
}

func (c *connState) Get() ConnState      { return ConnState(c.v.Load()) }
func (c *connState) Set(s ConnState)     { c.v.Store(int32(s)) }
func (c *connState) Is(s ConnState) bool { return c.Get() == s }
