package risk

import (
	"sync"
	"time"

	"github.com/mrcha033/ats/pkg/events"
	"github.com/mrcha033/ats/pkg/models"
	"github.com/shopspring/decimal"
)

const seenFillLimit = 10000

// PositionBook tracks signed positions per (symbol, venue) at weighted-average
// cost. Fills for the same key are serialized; replayed fill events are
// detected by event id and ignored.
type PositionBook struct {
	mu        sync.RWMutex
	positions map[string]*models.Position

	seenMu    sync.Mutex
	seenFills map[string]struct{}
	seenOrder []string
}

func NewPositionBook() *PositionBook {
	return &PositionBook{
		positions: make(map[string]*models.Position),
		seenFills: make(map[string]struct{}),
	}
}

func positionKey(symbol models.Symbol, venue string) string {
	return symbol + "|" + venue
}

// markSeen records an event id, reporting whether it was already applied.
// The seen set is bounded; the oldest ids age out.
func (pb *PositionBook) markSeen(eventID string) bool {
	if eventID == "" {
		return false
	}
	pb.seenMu.Lock()
	defer pb.seenMu.Unlock()
	if _, ok := pb.seenFills[eventID]; ok {
		return true
	}
	if len(pb.seenOrder) >= seenFillLimit {
		evicted := pb.seenOrder[0]
		pb.seenOrder = pb.seenOrder[1:]
		delete(pb.seenFills, evicted)
	}
	pb.seenFills[eventID] = struct{}{}
	pb.seenOrder = append(pb.seenOrder, eventID)
	return false
}

// ApplyFill folds one incremental fill into the position for its key and
// returns the realized P&L of the closed portion. Applying the same event
// twice is a no-op.
func (pb *PositionBook) ApplyFill(ev events.OrderUpdateEvent) decimal.Decimal {
	if ev.FillQuantity.Sign() <= 0 {
		return decimal.Zero
	}
	if pb.markSeen(ev.EventID) {
		return decimal.Zero
	}

	exec := ev.Execution
	signedQty := ev.FillQuantity
	if exec.Side == models.OrderSideSell {
		signedQty = signedQty.Neg()
	}

	key := positionKey(exec.Symbol, exec.Venue)
	pb.mu.Lock()
	defer pb.mu.Unlock()

	pos, ok := pb.positions[key]
	if !ok {
		pos = &models.Position{Symbol: exec.Symbol, Venue: exec.Venue}
		pb.positions[key] = pos
	}

	realized := applyFillLocked(pos, signedQty, ev.FillPrice)
	pos.RealizedPnL = pos.RealizedPnL.Add(realized).Sub(ev.FillFee)
	pos.LastUpdated = ev.Timestamp
	if pos.LastUpdated.IsZero() {
		pos.LastUpdated = time.Now()
	}
	return realized.Sub(ev.FillFee)
}

// applyFillLocked mutates quantity and average price and returns the gross
// realized P&L. Same-direction fills extend the weighted average; opposite
// fills realize the closed portion and any residual flips the position at
// the fill price.
func applyFillLocked(pos *models.Position, signedQty, price decimal.Decimal) decimal.Decimal {
	if pos.Quantity.IsZero() || pos.Quantity.Sign() == signedQty.Sign() {
		oldAbs := pos.Quantity.Abs()
		addAbs := signedQty.Abs()
		total := oldAbs.Add(addAbs)
		if total.Sign() > 0 {
			pos.AveragePrice = oldAbs.Mul(pos.AveragePrice).Add(addAbs.Mul(price)).Div(total)
		}
		pos.Quantity = pos.Quantity.Add(signedQty)
		return decimal.Zero
	}

	posAbs := pos.Quantity.Abs()
	fillAbs := signedQty.Abs()
	closed := decimal.Min(posAbs, fillAbs)

	// Long closes at fill − cost, short at cost − fill.
	perUnit := price.Sub(pos.AveragePrice)
	if pos.Quantity.Sign() < 0 {
		perUnit = perUnit.Neg()
	}
	realized := perUnit.Mul(closed)

	pos.Quantity = pos.Quantity.Add(signedQty)
	if pos.Quantity.IsZero() {
		pos.AveragePrice = decimal.Zero
	} else if fillAbs.Cmp(posAbs) > 0 {
		// Residual opens in the fill direction at the fill price.
		pos.AveragePrice = price
	}
	return realized
}

// MarkPrice refreshes unrealized P&L and market value for one key at the
// given mark.
func (pb *PositionBook) MarkPrice(symbol models.Symbol, venue string, mark decimal.Decimal) {
	if mark.Sign() <= 0 {
		return
	}
	key := positionKey(symbol, venue)
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pos, ok := pb.positions[key]
	if !ok {
		return
	}
	pos.MarketValue = pos.Quantity.Mul(mark)
	pos.UnrealizedPnL = mark.Sub(pos.AveragePrice).Mul(pos.Quantity)
}

// Get returns a copy of the position for a key.
func (pb *PositionBook) Get(symbol models.Symbol, venue string) (models.Position, bool) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	pos, ok := pb.positions[positionKey(symbol, venue)]
	if !ok {
		return models.Position{}, false
	}
	return *pos, true
}

// All returns copies of every position, flat ones included.
func (pb *PositionBook) All() []models.Position {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	out := make([]models.Position, 0, len(pb.positions))
	for _, pos := range pb.positions {
		out = append(out, *pos)
	}
	return out
}

// TotalExposure sums absolute market value across positions.
func (pb *PositionBook) TotalExposure() decimal.Decimal {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	total := decimal.Zero
	for _, pos := range pb.positions {
		total = total.Add(pos.Exposure())
	}
	return total
}

// SymbolExposure sums absolute market value across venues for one symbol.
func (pb *PositionBook) SymbolExposure(symbol models.Symbol) decimal.Decimal {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	total := decimal.Zero
	for _, pos := range pb.positions {
		if pos.Symbol == symbol {
			total = total.Add(pos.Exposure())
		}
	}
	return total
}

// Concentration is one symbol's share of total absolute portfolio value.
// An empty portfolio has zero concentration.
func (pb *PositionBook) Concentration(symbol models.Symbol) decimal.Decimal {
	total := pb.TotalExposure()
	if total.Sign() <= 0 {
		return decimal.Zero
	}
	return pb.SymbolExposure(symbol).Div(total)
}

// TotalRealizedPnL sums realized P&L net of fees across positions.
func (pb *PositionBook) TotalRealizedPnL() decimal.Decimal {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	total := decimal.Zero
	for _, pos := range pb.positions {
		total = total.Add(pos.RealizedPnL)
	}
	return total
}

// TotalUnrealizedPnL sums unrealized P&L across positions.
func (pb *PositionBook) TotalUnrealizedPnL() decimal.Decimal {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	total := decimal.Zero
	for _, pos := range pb.positions {
		total = total.Add(pos.UnrealizedPnL)
	}
	return total
}
