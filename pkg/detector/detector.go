// Package detector scans the price book for cross-venue dislocations and
// emits opportunity candidates.
package detector

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mrcha033/ats/pkg/events"
	"github.com/mrcha033/ats/pkg/models"
	"github.com/mrcha033/ats/pkg/pricebook"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Venues reports per-venue trading metadata. Degraded venues are invisible
// to detection.
type Venues interface {
	TakerFee(venue string) decimal.Decimal
	Eligible(venue string) bool
}

type Config struct {
	// MinGrossSpread is the emission floor. A spread must exceed it
	// strictly; equality does not emit.
	MinGrossSpread decimal.Decimal

	// MaxOrderSize caps candidate volume.
	MaxOrderSize decimal.Decimal

	// NominalOrderSize is used when top-of-book depth is unavailable.
	NominalOrderSize decimal.Decimal

	// Debounce bounds scan frequency per symbol on bursty quote streams.
	// Zero scans on every update.
	Debounce time.Duration
}

// Detector consumes quote events, maintains the price book, and emits at
// most one in-flight candidate per (symbol, buy venue, sell venue) triple.
type Detector struct {
	cfg    Config
	book   *pricebook.Book
	venues Venues
	bus    *events.Bus
	logger *logrus.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	lastScan map[models.Symbol]time.Time

	now func() time.Time
}

func New(cfg Config, book *pricebook.Book, venues Venues, bus *events.Bus, logger *logrus.Logger) *Detector {
	return &Detector{
		cfg:      cfg,
		book:     book,
		venues:   venues,
		bus:      bus,
		logger:   logger,
		inFlight: make(map[string]struct{}),
		lastScan: make(map[models.Symbol]time.Time),
		now:      time.Now,
	}
}

// Run drives the detector until ctx is done. Quotes flow into the price
// book and trigger a scan for the affected symbol; trade records release
// the in-flight slot for their triple.
func (d *Detector) Run(ctx context.Context) {
	quotes := d.bus.SubscribeQuotes()
	trades := d.bus.SubscribeTrades()
	done := ctx.Done()

	go func() {
		<-done
		quotes.Close()
	}()
	go d.consumeTrades(ctx, trades)

	for {
		ev, ok := quotes.Pop(done)
		if !ok {
			return
		}
		if err := d.book.Update(ev.Quote); err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{
				"symbol": ev.Quote.Symbol,
				"venue":  ev.Quote.Venue,
			}).Debug("Rejected quote update")
			continue
		}
		d.maybeScan(ev.Quote.Symbol)
	}
}

func (d *Detector) consumeTrades(ctx context.Context, trades <-chan events.TradeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-trades:
			d.Release(tripleKeyOf(ev.Record))
		}
	}
}

func tripleKeyOf(r models.TradeRecord) string {
	return r.Symbol + "|" + r.BuyLeg.Venue + "|" + r.SellLeg.Venue
}

// Release frees the emission slot for a triple.
func (d *Detector) Release(tripleKey string) {
	d.mu.Lock()
	delete(d.inFlight, tripleKey)
	d.mu.Unlock()
}

func (d *Detector) maybeScan(symbol models.Symbol) {
	if d.cfg.Debounce > 0 {
		d.mu.Lock()
		last := d.lastScan[symbol]
		now := d.now()
		if now.Sub(last) < d.cfg.Debounce {
			d.mu.Unlock()
			return
		}
		d.lastScan[symbol] = now
		d.mu.Unlock()
	}
	d.Scan(symbol)
}

// Scan evaluates one symbol across all venue pairs with fresh quotes and
// emits the best candidate, if any.
func (d *Detector) Scan(symbol models.Symbol) {
	quotes := d.book.FreshQuotes(symbol)
	if len(quotes) < 2 {
		return
	}

	best, found := d.bestPair(symbol, quotes)
	if !found {
		return
	}

	d.mu.Lock()
	key := best.TripleKey()
	if _, busy := d.inFlight[key]; busy {
		d.mu.Unlock()
		return
	}
	d.inFlight[key] = struct{}{}
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"symbol":     best.Symbol,
		"buy_venue":  best.BuyVenue,
		"sell_venue": best.SellVenue,
		"gross":      best.GrossSpread.String(),
		"net":        best.NetSpread.String(),
		"volume":     best.MaxVolume.String(),
	}).Info("Opportunity detected")
	d.bus.PublishOpportunity(events.OpportunityEvent{Candidate: best})
}

// bestPair picks the venue pair maximizing net spread after taker fees on
// both legs. Ties go to the pair with the freshest quotes.
func (d *Detector) bestPair(symbol models.Symbol, quotes map[string]models.Quote) (models.OpportunityCandidate, bool) {
	var best models.OpportunityCandidate
	var bestFreshness time.Time
	found := false

	for buyVenue, buyQuote := range quotes {
		if !d.venues.Eligible(buyVenue) || buyQuote.Ask.Sign() <= 0 {
			continue
		}
		for sellVenue, sellQuote := range quotes {
			if sellVenue == buyVenue {
				continue
			}
			if !d.venues.Eligible(sellVenue) || sellQuote.Bid.Sign() <= 0 {
				continue
			}

			gross := sellQuote.Bid.Sub(buyQuote.Ask)
			if gross.Cmp(d.cfg.MinGrossSpread) <= 0 {
				continue
			}

			volume := d.sizeFor(buyQuote, sellQuote)
			if volume.Sign() <= 0 {
				continue
			}

			fees := buyQuote.Ask.Mul(d.venues.TakerFee(buyVenue)).
				Add(sellQuote.Bid.Mul(d.venues.TakerFee(sellVenue)))
			net := gross.Sub(fees)

			freshness := buyQuote.Timestamp
			if sellQuote.Timestamp.Before(freshness) {
				freshness = sellQuote.Timestamp
			}

			if found {
				cmp := net.Cmp(best.NetSpread)
				if cmp < 0 || (cmp == 0 && !freshness.After(bestFreshness)) {
					continue
				}
			}

			best = models.OpportunityCandidate{
				ID:          uuid.NewString(),
				Symbol:      symbol,
				BuyVenue:    buyVenue,
				SellVenue:   sellVenue,
				BuyPrice:    buyQuote.Ask,
				SellPrice:   sellQuote.Bid,
				MaxVolume:   volume,
				GrossSpread: gross,
				NetSpread:   net,
				DetectedAt:  d.now(),
			}
			bestFreshness = freshness
			found = true
		}
	}
	return best, found
}

// sizeFor caps volume by top-of-book depth on both sides, falling back to
// the nominal size when depth is missing.
func (d *Detector) sizeFor(buy, sell models.Quote) decimal.Decimal {
	size := d.cfg.MaxOrderSize
	if buy.AskSize.Sign() > 0 && buy.AskSize.Cmp(size) < 0 {
		size = buy.AskSize
	}
	if sell.BidSize.Sign() > 0 && sell.BidSize.Cmp(size) < 0 {
		size = sell.BidSize
	}
	if buy.AskSize.Sign() <= 0 || sell.BidSize.Sign() <= 0 {
		if d.cfg.NominalOrderSize.Sign() > 0 && d.cfg.NominalOrderSize.Cmp(size) < 0 {
			size = d.cfg.NominalOrderSize
		}
	}
	return size
}

// InFlight reports the number of triples awaiting a terminal trade.
func (d *Detector) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}
