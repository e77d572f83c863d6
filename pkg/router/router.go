// Package router executes the two legs of an arbitrage opportunity with a
// shared deadline and a deterministic partial-failure policy.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mrcha033/ats/pkg/events"
	"github.com/mrcha033/ats/pkg/exchange"
	"github.com/mrcha033/ats/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Authorizer is the risk gate consulted before any submission.
type Authorizer interface {
	Assess(models.OpportunityCandidate) models.RiskAssessment
}

type Config struct {
	// SubmitTimeout bounds each leg's place-order call.
	SubmitTimeout time.Duration

	// TradeDeadline bounds the whole paired trade, submission through
	// fill monitoring.
	TradeDeadline time.Duration

	// PollInterval is the fill-monitoring query cadence.
	PollInterval time.Duration

	// Workers is the number of concurrent trade executors.
	Workers int
}

func (c *Config) applyDefaults() {
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 5 * time.Second
	}
	if c.TradeDeadline <= 0 {
		c.TradeDeadline = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
}

// Router consumes opportunity candidates and drives them to a TradeRecord.
type Router struct {
	cfg      Config
	adapters map[string]exchange.Adapter
	auth     Authorizer
	bus      *events.Bus
	logger   *logrus.Logger

	mu     sync.RWMutex
	orders map[string]models.OrderExecution
}

func New(cfg Config, adapters map[string]exchange.Adapter, auth Authorizer, bus *events.Bus, logger *logrus.Logger) *Router {
	cfg.applyDefaults()
	return &Router{
		cfg:      cfg,
		adapters: adapters,
		auth:     auth,
		bus:      bus,
		logger:   logger,
		orders:   make(map[string]models.OrderExecution),
	}
}

// Run consumes the opportunity stream with a fixed worker pool until ctx is
// done.
func (r *Router) Run(ctx context.Context) {
	opportunities := r.bus.SubscribeOpportunities()
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-opportunities:
					r.Execute(ctx, ev.Candidate)
				}
			}
		}()
	}
	wg.Wait()
}

// ActiveOrders returns every tracked order not yet terminal.
func (r *Router) ActiveOrders() []models.OrderExecution {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.OrderExecution
	for _, exec := range r.orders {
		if !exec.Status.Terminal() {
			out = append(out, exec)
		}
	}
	return out
}

// applyUpdate folds an execution state into the order table and publishes
// the incremental fill. Updates older than the held state, by status rank or
// by filled quantity, are discarded. Returns the applied state.
func (r *Router) applyUpdate(exec models.OrderExecution) models.OrderExecution {
	r.mu.Lock()
	prev, seen := r.orders[exec.ClientOrderID]
	if seen {
		if prev.Status.Terminal() ||
			exec.Status.Rank() < prev.Status.Rank() ||
			exec.FilledQuantity.Cmp(prev.FilledQuantity) < 0 {
			r.mu.Unlock()
			return prev
		}
	}
	r.orders[exec.ClientOrderID] = exec
	r.mu.Unlock()

	fillDelta := exec.FilledQuantity
	feeDelta := exec.FeesPaid
	if seen {
		fillDelta = exec.FilledQuantity.Sub(prev.FilledQuantity)
		feeDelta = exec.FeesPaid.Sub(prev.FeesPaid)
	}
	if fillDelta.Sign() > 0 {
		r.bus.PublishOrderUpdate(events.OrderUpdateEvent{
			EventID:      uuid.NewString(),
			Execution:    exec,
			FillQuantity: fillDelta,
			FillPrice:    exec.AverageFillPrice,
			FillFee:      feeDelta,
			Timestamp:    time.Now(),
		})
	}
	return exec
}

// Execute runs one candidate end to end and returns the trade record. A
// rejected candidate still yields a record so downstream consumers can
// release the emission slot.
func (r *Router) Execute(ctx context.Context, c models.OpportunityCandidate) models.TradeRecord {
	record := models.TradeRecord{
		TradeID:       uuid.NewString(),
		OpportunityID: c.ID,
		Symbol:        c.Symbol,
		BuyLeg:        models.OrderExecution{Symbol: c.Symbol, Venue: c.BuyVenue, Side: models.OrderSideBuy, Status: models.OrderStatusFailed},
		SellLeg:       models.OrderExecution{Symbol: c.Symbol, Venue: c.SellVenue, Side: models.OrderSideSell, Status: models.OrderStatusFailed},
		Outcome:       models.OutcomeFailed,
	}

	assessment := r.auth.Assess(c)
	if !assessment.Approved {
		r.logger.WithFields(logrus.Fields{
			"opportunity": c.ID,
			"rejections":  assessment.Rejections,
		}).Info("Candidate rejected")
		return r.finish(record)
	}
	volume := assessment.AdjustedVolume

	buyAdapter, okBuy := r.adapters[c.BuyVenue]
	sellAdapter, okSell := r.adapters[c.SellVenue]
	if !okBuy || !okSell {
		r.logger.WithField("opportunity", c.ID).Error("Unknown venue in candidate")
		return r.finish(record)
	}

	deadline, cancel := context.WithTimeout(ctx, r.cfg.TradeDeadline)
	defer cancel()

	buyReq := models.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        c.Symbol,
		Venue:         c.BuyVenue,
		Side:          models.OrderSideBuy,
		Type:          models.OrderTypeLimit,
		Quantity:      volume,
		Price:         c.BuyPrice,
	}
	sellReq := models.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        c.Symbol,
		Venue:         c.SellVenue,
		Side:          models.OrderSideSell,
		Type:          models.OrderTypeLimit,
		Quantity:      volume,
		Price:         c.SellPrice,
	}

	var wg sync.WaitGroup
	var buyLeg, sellLeg models.OrderExecution
	wg.Add(2)
	go func() {
		defer wg.Done()
		buyLeg = r.runLeg(deadline, buyAdapter, buyReq)
	}()
	go func() {
		defer wg.Done()
		sellLeg = r.runLeg(deadline, sellAdapter, sellReq)
	}()
	wg.Wait()

	record.BuyLeg = buyLeg
	record.SellLeg = sellLeg
	r.resolve(ctx, &record, volume)
	return r.finish(record)
}

func (r *Router) finish(record models.TradeRecord) models.TradeRecord {
	record.CompletedAt = time.Now()
	record.RealizedPnL, record.TotalFees = tradeEconomics(record)
	r.logger.WithFields(logrus.Fields{
		"trade":       record.TradeID,
		"opportunity": record.OpportunityID,
		"outcome":     record.Outcome,
		"pnl":         record.RealizedPnL.String(),
		"fees":        record.TotalFees.String(),
	}).Info("Trade completed")
	r.bus.PublishTrade(events.TradeEvent{Record: record})
	return record
}

// runLeg submits one order and monitors it to a terminal state or the
// deadline, canceling the remainder on expiry.
func (r *Router) runLeg(ctx context.Context, adapter exchange.Adapter, req models.OrderRequest) models.OrderExecution {
	submitCtx, cancel := context.WithTimeout(ctx, r.cfg.SubmitTimeout)
	exec, err := adapter.PlaceOrder(submitCtx, req)
	cancel()
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"venue": req.Venue,
			"side":  req.Side,
		}).Warn("Leg submission failed")
		return models.OrderExecution{
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Venue:         req.Venue,
			Side:          req.Side,
			Quantity:      req.Quantity,
			Status:        models.OrderStatusFailed,
			Error:         err.Error(),
		}
	}
	if exec.SubmittedAt.IsZero() {
		exec.SubmittedAt = time.Now()
	}
	exec = r.applyUpdate(exec)

	return r.monitorLeg(ctx, adapter, exec)
}

// monitorLeg polls the venue until the order is terminal. On deadline the
// remainder is canceled and the last known state returned.
func (r *Router) monitorLeg(ctx context.Context, adapter exchange.Adapter, exec models.OrderExecution) models.OrderExecution {
	if exec.Status.Terminal() {
		return exec
	}
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.cancelRemainder(adapter, exec)
			return r.refresh(adapter, exec)
		case <-ticker.C:
			latest, err := adapter.QueryOrder(ctx, exec.Symbol, exec.ClientOrderID)
			if err != nil {
				r.logger.WithError(err).WithField("order", exec.ClientOrderID).Debug("Order query failed")
				continue
			}
			exec = r.applyUpdate(latest)
			if exec.Status.Terminal() {
				return exec
			}
		}
	}
}

func (r *Router) cancelRemainder(adapter exchange.Adapter, exec models.OrderExecution) {
	cancelCtx, cancel := context.WithTimeout(context.Background(), r.cfg.SubmitTimeout)
	defer cancel()
	if err := adapter.CancelOrder(cancelCtx, exec.Symbol, exec.ClientOrderID); err != nil {
		r.logger.WithError(err).WithField("order", exec.ClientOrderID).Warn("Cancel after deadline failed")
	}
}

// refresh fetches the final state after a cancel so truncated fills are not
// missed.
func (r *Router) refresh(adapter exchange.Adapter, exec models.OrderExecution) models.OrderExecution {
	queryCtx, cancel := context.WithTimeout(context.Background(), r.cfg.SubmitTimeout)
	defer cancel()
	latest, err := adapter.QueryOrder(queryCtx, exec.Symbol, exec.ClientOrderID)
	if err != nil {
		return exec
	}
	return r.applyUpdate(latest)
}

// resolve applies the partial-failure policy after both legs settled. The
// over-filled leg is truncated by a closing market order; a single filled
// leg is closed outright; a failed close escalates and leaves the record
// flagged for manual recovery.
func (r *Router) resolve(ctx context.Context, record *models.TradeRecord, intended decimal.Decimal) {
	buyFilled := record.BuyLeg.FilledQuantity
	sellFilled := record.SellLeg.FilledQuantity

	switch {
	case buyFilled.Equal(intended) && sellFilled.Equal(intended):
		record.Outcome = models.OutcomeBothFilled
		return

	case buyFilled.Sign() == 0 && sellFilled.Sign() == 0:
		record.Outcome = models.OutcomeFailed
		return

	default:
		record.Outcome = models.OutcomePartial
		delta := buyFilled.Sub(sellFilled)
		if delta.Sign() == 0 {
			// Equal partial fills are already flat.
			return
		}

		// Close the excess on the over-filled leg's venue.
		var leg *models.OrderExecution
		if delta.Sign() > 0 {
			leg = &record.BuyLeg
		} else {
			leg = &record.SellLeg
			delta = delta.Neg()
		}
		if !r.closeExcess(ctx, record, leg, delta) {
			record.RecoveryRequired = true
			if !record.BuyLeg.HasFill() || !record.SellLeg.HasFill() {
				record.Outcome = models.OutcomeFailed
			}
		}
	}
}

// closeExcess issues a market order opposite to the over-filled leg and
// folds its fill back into that leg. Returns false when the close failed.
func (r *Router) closeExcess(ctx context.Context, record *models.TradeRecord, leg *models.OrderExecution, excess decimal.Decimal) bool {
	adapter, ok := r.adapters[leg.Venue]
	if !ok {
		return false
	}

	req := models.OrderRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        leg.Symbol,
		Venue:         leg.Venue,
		Side:          leg.Side.Opposite(),
		Type:          models.OrderTypeMarket,
		Quantity:      excess,
		Price:         leg.AverageFillPrice,
	}
	r.logger.WithFields(logrus.Fields{
		"trade":    record.TradeID,
		"venue":    leg.Venue,
		"side":     req.Side,
		"quantity": excess.String(),
	}).Warn("Closing over-filled leg")

	closeCtx, cancel := context.WithTimeout(ctx, r.cfg.SubmitTimeout)
	defer cancel()
	closeExec, err := adapter.PlaceOrder(closeCtx, req)
	if err == nil {
		closeExec = r.applyUpdate(closeExec)
		if !closeExec.Status.Terminal() {
			monitorCtx, cancelMonitor := context.WithTimeout(ctx, r.cfg.TradeDeadline)
			closeExec = r.monitorLeg(monitorCtx, adapter, closeExec)
			cancelMonitor()
		}
	}
	if err != nil || !closeExec.HasFill() {
		r.escalateCloseFailure(record, leg, excess, err)
		return false
	}

	// Fold the close back into the leg: it unwinds filled quantity.
	leg.FilledQuantity = leg.FilledQuantity.Sub(closeExec.FilledQuantity)
	leg.FeesPaid = leg.FeesPaid.Add(closeExec.FeesPaid)
	legCloseNotional := closeExec.FilledQuantity.Mul(closeExec.AverageFillPrice)
	if leg.Side == models.OrderSideBuy {
		// Bought then sold back; the close proceeds offset the cost.
		record.RealizedPnL = record.RealizedPnL.Add(legCloseNotional.Sub(closeExec.FilledQuantity.Mul(leg.AverageFillPrice)))
	} else {
		record.RealizedPnL = record.RealizedPnL.Add(closeExec.FilledQuantity.Mul(leg.AverageFillPrice).Sub(legCloseNotional))
	}
	return true
}

func (r *Router) escalateCloseFailure(record *models.TradeRecord, leg *models.OrderExecution, excess decimal.Decimal, err error) {
	msg := "closing order failed, position left open"
	fields := logrus.Fields{
		"trade":  record.TradeID,
		"venue":  leg.Venue,
		"excess": excess.String(),
	}
	if err != nil {
		r.logger.WithError(err).WithFields(fields).Error(msg)
	} else {
		r.logger.WithFields(fields).Error(msg)
	}
	r.bus.PublishRiskAlert(events.RiskAlertEvent{Alert: models.RiskAlert{
		ID:       uuid.NewString(),
		Severity: models.SeverityCritical,
		Type:     "recovery_required",
		Message:  msg,
		Metadata: map[string]string{
			"trade_id": record.TradeID,
			"venue":    leg.Venue,
			"symbol":   leg.Symbol,
			"excess":   excess.String(),
		},
		Timestamp: time.Now(),
	}})
}

// tradeEconomics computes realized P&L and total fees from the two legs:
// sell proceeds minus buy cost minus fees, over the matched quantity.
func tradeEconomics(record models.TradeRecord) (decimal.Decimal, decimal.Decimal) {
	fees := record.BuyLeg.FeesPaid.Add(record.SellLeg.FeesPaid)
	matched := decimal.Min(record.BuyLeg.FilledQuantity, record.SellLeg.FilledQuantity)
	if matched.Sign() <= 0 {
		return record.RealizedPnL.Sub(fees), fees
	}
	spread := record.SellLeg.AverageFillPrice.Sub(record.BuyLeg.AverageFillPrice)
	pnl := record.RealizedPnL.Add(spread.Mul(matched)).Sub(fees)
	return pnl, fees
}
