package sink

import (
	"context"
	"time"

	"github.com/mrcha033/ats/pkg/events"
	"github.com/mrcha033/ats/pkg/models"
	"github.com/mrcha033/ats/pkg/risk"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Recorder is the single persistence writer. It consumes trade and alert
// events, takes periodic portfolio snapshots, and forwards operator alerts
// to the broker. Either sink may be nil; the other keeps working.
type Recorder struct {
	writer   *InfluxWriter
	alerts   *AlertPublisher
	riskMgr  *risk.Manager
	bus      *events.Bus
	logger   *logrus.Logger
	interval time.Duration

	tradeCount int64
	winCount   int64
	totalPnL   decimal.Decimal
}

func NewRecorder(writer *InfluxWriter, alerts *AlertPublisher, riskMgr *risk.Manager, bus *events.Bus, snapshotInterval time.Duration, logger *logrus.Logger) *Recorder {
	if snapshotInterval <= 0 {
		snapshotInterval = time.Minute
	}
	return &Recorder{
		writer:   writer,
		alerts:   alerts,
		riskMgr:  riskMgr,
		bus:      bus,
		logger:   logger,
		interval: snapshotInterval,
	}
}

// Run consumes events until ctx is done.
func (r *Recorder) Run(ctx context.Context) {
	trades := r.bus.SubscribeTrades()
	alerts := r.bus.SubscribeRiskAlerts()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if r.writer != nil {
				r.writer.Flush()
			}
			return
		case ev := <-trades:
			r.recordTrade(ev.Record)
		case ev := <-alerts:
			r.recordAlert(ctx, ev.Alert)
		case <-ticker.C:
			r.snapshot()
		}
	}
}

func (r *Recorder) writePoint(p Point) {
	if r.writer != nil {
		r.writer.WritePoint(p)
	}
}

func (r *Recorder) recordTrade(record models.TradeRecord) {
	pnl, _ := record.RealizedPnL.Float64()
	fees, _ := record.TotalFees.Float64()
	buyFilled, _ := record.BuyLeg.FilledQuantity.Float64()
	sellFilled, _ := record.SellLeg.FilledQuantity.Float64()

	r.writePoint(Point{
		Measurement: "trade_results",
		Tags: map[string]string{
			"symbol":     record.Symbol,
			"buy_venue":  record.BuyLeg.Venue,
			"sell_venue": record.SellLeg.Venue,
			"outcome":    string(record.Outcome),
		},
		Fields: map[string]interface{}{
			"trade_id":          record.TradeID,
			"realized_pnl":      pnl,
			"total_fees":        fees,
			"buy_filled":        buyFilled,
			"sell_filled":       sellFilled,
			"recovery_required": record.RecoveryRequired,
		},
		Timestamp: record.CompletedAt,
	})

	r.tradeCount++
	if record.RealizedPnL.Sign() > 0 {
		r.winCount++
	}
	r.totalPnL = r.totalPnL.Add(record.RealizedPnL)
	r.recordPerformance(record.CompletedAt)
}

func (r *Recorder) recordPerformance(ts time.Time) {
	winRate := 0.0
	if r.tradeCount > 0 {
		winRate = float64(r.winCount) / float64(r.tradeCount)
	}
	total, _ := r.totalPnL.Float64()
	r.writePoint(Point{
		Measurement: "performance_metrics",
		Fields: map[string]interface{}{
			"trade_count":    r.tradeCount,
			"win_rate":       winRate,
			"cumulative_pnl": total,
		},
		Timestamp: ts,
	})
}

func (r *Recorder) recordAlert(ctx context.Context, alert models.RiskAlert) {
	r.writePoint(Point{
		Measurement: "risk_alerts",
		Tags: map[string]string{
			"severity": alert.Severity.String(),
			"type":     alert.Type,
		},
		Fields: map[string]interface{}{
			"alert_id": alert.ID,
			"message":  alert.Message,
		},
		Timestamp: alert.Timestamp,
	})
	if r.alerts != nil && alert.Severity >= models.SeverityCritical {
		r.alerts.Publish(ctx, alert)
	}
}

// snapshot writes one portfolio row per open position plus the aggregate
// risk posture.
func (r *Recorder) snapshot() {
	now := time.Now()
	for _, pos := range r.riskMgr.Positions().All() {
		if pos.Flat() && pos.RealizedPnL.IsZero() {
			continue
		}
		qty, _ := pos.Quantity.Float64()
		avg, _ := pos.AveragePrice.Float64()
		realized, _ := pos.RealizedPnL.Float64()
		unrealized, _ := pos.UnrealizedPnL.Float64()
		value, _ := pos.MarketValue.Float64()
		r.writePoint(Point{
			Measurement: "portfolio_snapshots",
			Tags: map[string]string{
				"symbol": pos.Symbol,
				"venue":  pos.Venue,
			},
			Fields: map[string]interface{}{
				"quantity":       qty,
				"average_price":  avg,
				"realized_pnl":   realized,
				"unrealized_pnl": unrealized,
				"market_value":   value,
			},
			Timestamp: now,
		})
	}

	state, _ := r.riskMgr.State()
	exposure, _ := r.riskMgr.Positions().TotalExposure().Float64()
	daily, _ := r.riskMgr.DailyRealizedPnL().Float64()
	varValue, _ := r.riskMgr.VaR().Float64()
	r.writePoint(Point{
		Measurement: "risk_metrics",
		Tags:        map[string]string{"state": state.String()},
		Fields: map[string]interface{}{
			"total_exposure": exposure,
			"daily_pnl":      daily,
			"var_95":         varValue,
		},
		Timestamp: now,
	})
}
