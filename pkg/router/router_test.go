package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mrcha033/ats/pkg/events"
	"github.com/mrcha033/ats/pkg/exchange"
	"github.com/mrcha033/ats/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter answers PlaceOrder from a script, one entry per call.
type fakeAdapter struct {
	name string

	mu      sync.Mutex
	script  []func(models.OrderRequest) (models.OrderExecution, error)
	placed  []models.OrderRequest
	queries map[string]models.OrderExecution
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{name: name, queries: make(map[string]models.OrderExecution)}
}

func (f *fakeAdapter) Name() string                     { return f.name }
func (f *fakeAdapter) Connect(context.Context) error    { return nil }
func (f *fakeAdapter) Disconnect(context.Context) error { return nil }

func (f *fakeAdapter) Subscribe(exchange.StreamKind, ...models.Symbol) error { return nil }
func (f *fakeAdapter) Unsubscribe(exchange.StreamKind, models.Symbol) error  { return nil }

func (f *fakeAdapter) PlaceOrder(_ context.Context, req models.OrderRequest) (models.OrderExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	if len(f.script) == 0 {
		return models.OrderExecution{}, &exchange.Error{Kind: exchange.KindBusiness, Venue: f.name, Op: "place_order", Message: "no script"}
	}
	next := f.script[0]
	f.script = f.script[1:]
	exec, err := next(req)
	if err == nil {
		f.queries[req.ClientOrderID] = exec
	}
	return exec, err
}

func (f *fakeAdapter) CancelOrder(context.Context, models.Symbol, string) error { return nil }

func (f *fakeAdapter) QueryOrder(_ context.Context, _ models.Symbol, clientOrderID string) (models.OrderExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.queries[clientOrderID]
	if !ok {
		return models.OrderExecution{}, &exchange.Error{Kind: exchange.KindBusiness, Venue: f.name, Op: "query_order", Message: "unknown order"}
	}
	return exec, nil
}

func (f *fakeAdapter) ListActiveOrders(context.Context) ([]models.OrderExecution, error) {
	return nil, nil
}
func (f *fakeAdapter) GetBalances(context.Context) ([]models.Balance, error) { return nil, nil }
func (f *fakeAdapter) GetTicker(context.Context, models.Symbol) (models.Quote, error) {
	return models.Quote{}, nil
}
func (f *fakeAdapter) GetOrderBook(context.Context, models.Symbol, int) (models.OrderBook, error) {
	return models.OrderBook{}, nil
}
func (f *fakeAdapter) ToVenueSymbol(s models.Symbol) (string, error)   { return s, nil }
func (f *fakeAdapter) FromVenueSymbol(v string) (models.Symbol, error) { return v, nil }
func (f *fakeAdapter) FeeRate(models.Symbol, bool) decimal.Decimal     { return decimal.Zero }
func (f *fakeAdapter) MinOrderQuantity(models.Symbol) decimal.Decimal  { return decimal.Zero }
func (f *fakeAdapter) MinOrderNotional(models.Symbol) decimal.Decimal  { return decimal.Zero }
func (f *fakeAdapter) State() exchange.ConnState                       { return exchange.StateConnected }
func (f *fakeAdapter) Healthy() bool                                   { return true }
func (f *fakeAdapter) Stats() exchange.StatsSnapshot                   { return exchange.StatsSnapshot{} }

// fillScript returns a terminal execution filling the given quantity at the
// given price.
func fillScript(qty, price, fee float64) func(models.OrderRequest) (models.OrderExecution, error) {
	return func(req models.OrderRequest) (models.OrderExecution, error) {
		filled := decimal.NewFromFloat(qty)
		status := models.OrderStatusFilled
		if filled.LessThan(req.Quantity) {
			status = models.OrderStatusCanceled
		}
		return models.OrderExecution{
			ClientOrderID:     req.ClientOrderID,
			VenueOrderID:      "v-" + req.ClientOrderID,
			Symbol:            req.Symbol,
			Venue:             req.Venue,
			Side:              req.Side,
			Status:            status,
			Quantity:          req.Quantity,
			FilledQuantity:    filled,
			RemainingQuantity: req.Quantity.Sub(filled),
			AverageFillPrice:  decimal.NewFromFloat(price),
			FeesPaid:          decimal.NewFromFloat(fee),
			SubmittedAt:       time.Now(),
			LastUpdated:       time.Now(),
		}, nil
	}
}

func failScript(msg string) func(models.OrderRequest) (models.OrderExecution, error) {
	return func(req models.OrderRequest) (models.OrderExecution, error) {
		return models.OrderExecution{}, &exchange.Error{Kind: exchange.KindBusiness, Venue: req.Venue, Op: "place_order", Message: msg}
	}
}

type approveAll struct{}

func (approveAll) Assess(c models.OpportunityCandidate) models.RiskAssessment {
	return models.RiskAssessment{Approved: true, AdjustedVolume: c.MaxVolume}
}

type rejectAll struct{}

func (rejectAll) Assess(models.OpportunityCandidate) models.RiskAssessment {
	return models.RiskAssessment{Rejections: []string{"halted"}}
}

func testCandidate() models.OpportunityCandidate {
	return models.OpportunityCandidate{
		ID:          "opp-1",
		Symbol:      "BTC/USDT",
		BuyVenue:    "binance",
		SellVenue:   "upbit",
		BuyPrice:    decimal.NewFromInt(45100),
		SellPrice:   decimal.NewFromInt(45200),
		MaxVolume:   decimal.NewFromFloat(0.5),
		GrossSpread: decimal.NewFromInt(100),
		NetSpread:   decimal.NewFromInt(100),
		DetectedAt:  time.Now(),
	}
}

func newTestRouter(auth Authorizer, buy, sell *fakeAdapter) (*Router, *events.Bus) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	bus := events.NewBus(16, 64)
	r := New(Config{
		SubmitTimeout: time.Second,
		TradeDeadline: time.Second,
		PollInterval:  time.Millisecond,
	}, map[string]exchange.Adapter{buy.name: buy, sell.name: sell}, auth, bus, logger)
	return r, bus
}

func TestBothLegsFill(t *testing.T) {
	buy := newFakeAdapter("binance")
	sell := newFakeAdapter("upbit")
	buy.script = append(buy.script, fillScript(0.5, 45100, 5))
	sell.script = append(sell.script, fillScript(0.5, 45200, 5))

	r, bus := newTestRouter(approveAll{}, buy, sell)
	trades := bus.SubscribeTrades()

	record := r.Execute(context.Background(), testCandidate())

	assert.Equal(t, models.OutcomeBothFilled, record.Outcome)
	assert.False(t, record.RecoveryRequired)
	// (45200 - 45100) * 0.5 - 10 in fees.
	assert.True(t, record.RealizedPnL.Equal(decimal.NewFromInt(40)), "got %s", record.RealizedPnL)
	assert.True(t, record.TotalFees.Equal(decimal.NewFromInt(10)))

	require.Len(t, trades, 1)
	ev := <-trades
	assert.Equal(t, record.TradeID, ev.Record.TradeID)
}

func TestRejectedCandidateStillEmitsRecord(t *testing.T) {
	buy := newFakeAdapter("binance")
	sell := newFakeAdapter("upbit")
	r, bus := newTestRouter(rejectAll{}, buy, sell)
	trades := bus.SubscribeTrades()

	record := r.Execute(context.Background(), testCandidate())

	assert.Equal(t, models.OutcomeFailed, record.Outcome)
	assert.Empty(t, buy.placed)
	assert.Empty(t, sell.placed)
	assert.Len(t, trades, 1)
}

func TestPartialFillTruncates(t *testing.T) {
	buy := newFakeAdapter("binance")
	sell := newFakeAdapter("upbit")
	// Buy fills 0.3 of 0.5; sell fills 0.5. The router buys back 0.2 on
	// the sell venue.
	buy.script = append(buy.script, fillScript(0.3, 45100, 3))
	sell.script = append(sell.script,
		fillScript(0.5, 45200, 5),
		fillScript(0.2, 45250, 2))

	r, _ := newTestRouter(approveAll{}, buy, sell)
	record := r.Execute(context.Background(), testCandidate())

	assert.Equal(t, models.OutcomePartial, record.Outcome)
	assert.False(t, record.RecoveryRequired)

	require.Len(t, sell.placed, 2)
	closeReq := sell.placed[1]
	assert.Equal(t, models.OrderSideBuy, closeReq.Side)
	assert.Equal(t, models.OrderTypeMarket, closeReq.Type)
	assert.True(t, closeReq.Quantity.Equal(decimal.NewFromFloat(0.2)))

	// Fees reflect all three fills.
	assert.True(t, record.TotalFees.Equal(decimal.NewFromInt(10)), "got %s", record.TotalFees)

	// Matched books (45200-45100)*0.3; the unwind sold at 45200 and
	// bought back at 45250, losing 50*0.2.
	expected := decimal.NewFromInt(30).Sub(decimal.NewFromInt(10)).Sub(decimal.NewFromInt(10))
	assert.True(t, record.RealizedPnL.Equal(expected), "got %s", record.RealizedPnL)
}

func TestSingleLegFailureClosesFilledLeg(t *testing.T) {
	buy := newFakeAdapter("binance")
	sell := newFakeAdapter("upbit")
	buy.script = append(buy.script,
		fillScript(0.5, 45100, 5),
		fillScript(0.5, 45050, 5))
	sell.script = append(sell.script, failScript("insufficient balance"))

	r, _ := newTestRouter(approveAll{}, buy, sell)
	record := r.Execute(context.Background(), testCandidate())

	assert.Equal(t, models.OutcomePartial, record.Outcome)
	assert.False(t, record.RecoveryRequired)

	require.Len(t, buy.placed, 2)
	closeReq := buy.placed[1]
	assert.Equal(t, models.OrderSideSell, closeReq.Side)
	assert.True(t, closeReq.Quantity.Equal(decimal.NewFromFloat(0.5)))

	// Bought at 45100, closed at 45050: -25 less 10 in fees.
	assert.True(t, record.RealizedPnL.Equal(decimal.NewFromInt(-35)), "got %s", record.RealizedPnL)
}

func TestCloseFailureEscalates(t *testing.T) {
	buy := newFakeAdapter("binance")
	sell := newFakeAdapter("upbit")
	buy.script = append(buy.script,
		fillScript(0.5, 45100, 5),
		failScript("venue down"))
	sell.script = append(sell.script, failScript("insufficient balance"))

	r, bus := newTestRouter(approveAll{}, buy, sell)
	alerts := bus.SubscribeRiskAlerts()

	record := r.Execute(context.Background(), testCandidate())

	assert.True(t, record.RecoveryRequired)
	assert.Equal(t, models.OutcomeFailed, record.Outcome)

	require.Len(t, alerts, 1)
	ev := <-alerts
	assert.Equal(t, models.SeverityCritical, ev.Alert.Severity)
	assert.Equal(t, "recovery_required", ev.Alert.Type)
}

func TestBothLegsFailed(t *testing.T) {
	buy := newFakeAdapter("binance")
	sell := newFakeAdapter("upbit")
	buy.script = append(buy.script, failScript("down"))
	sell.script = append(sell.script, failScript("down"))

	r, _ := newTestRouter(approveAll{}, buy, sell)
	record := r.Execute(context.Background(), testCandidate())

	assert.Equal(t, models.OutcomeFailed, record.Outcome)
	assert.False(t, record.RecoveryRequired)
}

func TestFillEventsCarryIncrementalDeltas(t *testing.T) {
	buy := newFakeAdapter("binance")
	sell := newFakeAdapter("upbit")
	buy.script = append(buy.script, fillScript(0.5, 45100, 5))
	sell.script = append(sell.script, fillScript(0.5, 45200, 5))

	r, bus := newTestRouter(approveAll{}, buy, sell)
	updates := bus.SubscribeOrderUpdates()

	r.Execute(context.Background(), testCandidate())

	require.Len(t, updates, 2)
	seen := map[string]struct{}{}
	for i := 0; i < 2; i++ {
		ev := <-updates
		assert.True(t, ev.FillQuantity.Equal(decimal.NewFromFloat(0.5)))
		_, dup := seen[ev.EventID]
		assert.False(t, dup, "event ids must be unique")
		seen[ev.EventID] = struct{}{}
	}
}

func TestApplyUpdateDiscardsStaleStatus(t *testing.T) {
	buy := newFakeAdapter("binance")
	sell := newFakeAdapter("upbit")
	r, _ := newTestRouter(approveAll{}, buy, sell)

	exec := models.OrderExecution{
		ClientOrderID:  "o1",
		Symbol:         "BTC/USDT",
		Venue:          "binance",
		Side:           models.OrderSideBuy,
		Status:         models.OrderStatusFilled,
		Quantity:       decimal.NewFromFloat(0.5),
		FilledQuantity: decimal.NewFromFloat(0.5),
	}
	got := r.applyUpdate(exec)
	assert.Equal(t, models.OrderStatusFilled, got.Status)

	// An older status arriving late is discarded.
	stale := exec
	stale.Status = models.OrderStatusPartiallyFilled
	stale.FilledQuantity = decimal.NewFromFloat(0.3)
	got = r.applyUpdate(stale)
	assert.Equal(t, models.OrderStatusFilled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(decimal.NewFromFloat(0.5)))

	// Re-applying the same terminal update is a no-op.
	got = r.applyUpdate(exec)
	assert.Equal(t, models.OrderStatusFilled, got.Status)
}

func TestActiveOrders(t *testing.T) {
	buy := newFakeAdapter("binance")
	sell := newFakeAdapter("upbit")
	r, _ := newTestRouter(approveAll{}, buy, sell)

	r.applyUpdate(models.OrderExecution{
		ClientOrderID: "open-1",
		Status:        models.OrderStatusSubmitted,
	})
	r.applyUpdate(models.OrderExecution{
		ClientOrderID:  "done-1",
		Status:         models.OrderStatusFilled,
		FilledQuantity: decimal.NewFromFloat(1),
	})

	active := r.ActiveOrders()
	require.Len(t, active, 1)
	assert.Equal(t, "open-1", active[0].ClientOrderID)
}
