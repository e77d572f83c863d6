package risk

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// VaRWindow holds a rolling window of daily P&L samples for
// historical-simulation value at risk.
type VaRWindow struct {
	mu         sync.Mutex
	lookback   int
	confidence float64
	samples    []daySample
}

type daySample struct {
	day time.Time
	pnl decimal.Decimal
}

func NewVaRWindow(lookbackDays int, confidence float64) *VaRWindow {
	if lookbackDays <= 0 {
		lookbackDays = 30
	}
	if confidence <= 0 || confidence >= 1 {
		confidence = 0.95
	}
	return &VaRWindow{lookback: lookbackDays, confidence: confidence}
}

// AddSample records the realized P&L for one day, replacing any sample
// already held for that day. Samples beyond the lookback age out.
func (w *VaRWindow) AddSample(day time.Time, pnl decimal.Decimal) {
	day = day.UTC().Truncate(24 * time.Hour)
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.samples {
		if w.samples[i].day.Equal(day) {
			w.samples[i].pnl = pnl
			return
		}
	}
	w.samples = append(w.samples, daySample{day: day, pnl: pnl})
	if len(w.samples) > w.lookback {
		w.samples = w.samples[len(w.samples)-w.lookback:]
	}
}

// Value computes historical-simulation VaR as the loss at the configured
// confidence percentile of the daily P&L distribution. Fewer than two
// samples yields zero.
func (w *VaRWindow) Value() decimal.Decimal {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) < 2 {
		return decimal.Zero
	}

	sorted := make([]decimal.Decimal, len(w.samples))
	for i, s := range w.samples {
		sorted[i] = s.pnl
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })

	idx := int(float64(len(sorted)) * (1 - w.confidence))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	loss := sorted[idx]
	if loss.Sign() >= 0 {
		return decimal.Zero
	}
	return loss.Neg()
}

// Samples returns the number of days currently in the window.
func (w *VaRWindow) Samples() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}
