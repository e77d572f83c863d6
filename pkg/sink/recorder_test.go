package sink

import (
	"context"
	"testing"
	"time"

	"github.com/mrcha033/ats/pkg/events"
	"github.com/mrcha033/ats/pkg/models"
	"github.com/mrcha033/ats/pkg/risk"
	"github.com/shopspring/decimal"
)

func TestRecorderRunsWithoutTimeSeriesWriter(t *testing.T) {
	bus := events.NewBus(4, 4)
	logger := sinkLogger()
	riskMgr := risk.NewManager(models.RiskLimits{
		MaxAlertsPerHour: 10,
		VaRConfidence:    0.95,
		VaRLookbackDays:  30,
	}, nil, bus, logger)

	// Alert-broker-only deployment: no time-series store configured.
	r := NewRecorder(nil, nil, riskMgr, bus, 5*time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	bus.PublishTrade(events.TradeEvent{Record: models.TradeRecord{
		TradeID:     "t1",
		Symbol:      "BTC/USDT",
		RealizedPnL: decimal.NewFromInt(40),
		Outcome:     models.OutcomeBothFilled,
		CompletedAt: time.Now(),
	}})
	bus.PublishRiskAlert(events.RiskAlertEvent{Alert: models.RiskAlert{
		ID:        "a1",
		Severity:  models.SeverityWarning,
		Type:      "exposure",
		Message:   "total exposure near limit",
		Timestamp: time.Now(),
	}})

	// Let at least one snapshot tick pass, then shut down cleanly.
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not stop")
	}
}
