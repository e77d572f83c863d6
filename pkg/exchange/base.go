package exchange

import (
	"context"
	"sync"

	"github.com/mrcha033/ats/pkg/events"
	"github.com/mrcha033/ats/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Publisher is the slice of the event bus adapters need. Adapter callbacks
// publish events only; they never mutate shared state directly.
type Publisher interface {
	PublishQuote(events.QuoteEvent)
	PublishBalances(events.BalanceEvent)
}

// base carries the pieces shared by every venue adapter: REST path, stream
// client, connection state, statistics, symbol registry, fee schedule and
// client-order-id dedupe.
type base struct {
	cfg    Config
	logger *logrus.Logger
	bus    Publisher
	stats  Stats
	state  connState

	rest   *restClient
	stream *streamClient

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	symMu     sync.RWMutex
	toVenue   map[models.Symbol]string
	fromVenue map[string]models.Symbol

	orderMu sync.Mutex
	placed  map[string]struct{}

	lastMu    sync.RWMutex
	lastPrice map[string]decimal.Decimal // venue symbol -> last trade price
}

func newBase(cfg Config, bus Publisher, logger *logrus.Logger) *base {
	b := &base{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		toVenue:   make(map[models.Symbol]string),
		fromVenue: make(map[string]models.Symbol),
		placed:    make(map[string]struct{}),
		lastPrice: make(map[string]decimal.Decimal),
	}
	b.rest = newRESTClient(cfg.ID, cfg.BaseURL, cfg.RateLimitPerMinute, &b.stats, logger)
	return b
}

func (b *base) registerSymbol(canonical models.Symbol, venue string) {
	b.symMu.Lock()
	b.toVenue[canonical] = venue
	b.fromVenue[venue] = canonical
	b.symMu.Unlock()
}

func (b *base) venueSymbol(s models.Symbol) (string, bool) {
	b.symMu.RLock()
	defer b.symMu.RUnlock()
	v, ok := b.toVenue[models.NormalizeSymbol(s)]
	return v, ok
}

func (b *base) canonicalSymbol(venue string) (models.Symbol, bool) {
	b.symMu.RLock()
	defer b.symMu.RUnlock()
	s, ok := b.fromVenue[venue]
	return s, ok
}

// markPlaced records a client order id, failing on resubmission so a
// duplicate id can never produce two venue orders.
func (b *base) markPlaced(clientOrderID string) error {
	b.orderMu.Lock()
	defer b.orderMu.Unlock()
	if _, dup := b.placed[clientOrderID]; dup {
		return newError(KindDuplicateOrder, b.cfg.ID, "place_order", clientOrderID)
	}
	b.placed[clientOrderID] = struct{}{}
	return nil
}

// unmarkPlaced releases an id whose submission never reached the venue.
func (b *base) unmarkPlaced(clientOrderID string) {
	b.orderMu.Lock()
	delete(b.placed, clientOrderID)
	b.orderMu.Unlock()
}

func (b *base) setLastPrice(venueSymbol string, price decimal.Decimal) {
	b.lastMu.Lock()
	b.lastPrice[venueSymbol] = price
	b.lastMu.Unlock()
}

func (b *base) getLastPrice(venueSymbol string) decimal.Decimal {
	b.lastMu.RLock()
	defer b.lastMu.RUnlock()
	return b.lastPrice[venueSymbol]
}

func (b *base) connect(ctx context.Context) error {
	b.cancelMu.Lock()
	defer b.cancelMu.Unlock()
	if b.cancel != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	go b.stream.run(runCtx)
	return nil
}

func (b *base) disconnect(context.Context) error {
	b.cancelMu.Lock()
	defer b.cancelMu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.state.Set(StateDisconnected)
	return nil
}

func (b *base) State() ConnState { return b.state.Get() }

// Healthy reports whether the router may place orders on this venue.
func (b *base) Healthy() bool { return b.state.Is(StateConnected) }

func (b *base) Stats() StatsSnapshot { return b.stats.Snapshot() }

func (b *base) FeeRate(_ models.Symbol, maker bool) decimal.Decimal {
	if maker {
		return b.cfg.MakerFee
	}
	return b.cfg.TakerFee
}

func (b *base) MinOrderQuantity(models.Symbol) decimal.Decimal { return b.cfg.MinOrderQuantity }
func (b *base) MinOrderNotional(models.Symbol) decimal.Decimal { return b.cfg.MinOrderNotional }

func parseDecimal(venue, op, field, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, newError(KindProtocol, venue, op, "bad decimal in "+field+": "+raw)
	}
	return d, nil
}
