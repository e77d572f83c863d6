// Package risk authorizes trades, tracks positions and P&L from fill
// events, enforces loss and concentration limits, and owns the process-wide
// trading halt.
package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mrcha033/ats/pkg/events"
	"github.com/mrcha033/ats/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// HaltState is the trading state machine: Normal, Warning on a soft-limit
// breach with trading continuing, Halted with every authorization rejected.
type HaltState int

const (
	StateNormal HaltState = iota
	StateWarning
	StateHalted
)

func (s HaltState) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateWarning:
		return "warning"
	case StateHalted:
		return "halted"
	}
	return "unknown"
}

// VenueLimits exposes the order minimums of one venue. Exchange adapters
// satisfy it.
type VenueLimits interface {
	MinOrderQuantity(symbol models.Symbol) decimal.Decimal
	MinOrderNotional(symbol models.Symbol) decimal.Decimal
}

// Rejection reason tokens returned by Assess.
const (
	RejectHalted        = "halted"
	RejectLossLimit     = "loss_limit"
	RejectExposure      = "exposure"
	RejectConcentration = "concentration"
	RejectBelowMinimum  = "below_minimum"
	RejectMinProfit     = "min_profit"
	RejectBalance       = "insufficient_balance"
)

// Hard halt triggers scale the configured limits.
var (
	realtimeHaltFactor = decimal.NewFromFloat(1.5)
	exposureHaltFactor = decimal.NewFromFloat(1.2)
	varHaltFactor      = decimal.NewFromFloat(1.5)
)

// Manager is the risk authority. All mutable trading state funnels through
// it: positions, P&L windows, balances, VaR and the halt state machine.
type Manager struct {
	limits    models.RiskLimits
	positions *PositionBook
	varWindow *VaRWindow
	alerts    *AlertManager
	bus       *events.Bus
	logger    *logrus.Logger
	venues    map[string]VenueLimits

	mu         sync.Mutex
	state      HaltState
	haltReason string
	balances   map[string]map[string]models.Balance

	currentDay      time.Time
	currentWeekYear int
	currentWeek     int
	currentMonth    time.Month
	dailyRealized   decimal.Decimal
	weeklyRealized  decimal.Decimal
	monthlyRealized decimal.Decimal

	now func() time.Time
}

func NewManager(limits models.RiskLimits, venues map[string]VenueLimits, bus *events.Bus, logger *logrus.Logger) *Manager {
	m := &Manager{
		limits:    limits,
		positions: NewPositionBook(),
		varWindow: NewVaRWindow(limits.VaRLookbackDays, limits.VaRConfidence),
		bus:       bus,
		logger:    logger,
		venues:    venues,
		balances:  make(map[string]map[string]models.Balance),
		now:       time.Now,
	}
	m.alerts = NewAlertManager(limits.MaxAlertsPerHour, bus, logger, m.Halt)
	m.resetWindows(m.now())
	return m
}

func (m *Manager) Positions() *PositionBook { return m.positions }

// Run consumes fills, quotes and balance snapshots until ctx is done, and
// re-evaluates limits on a fixed cadence. Day, week and month P&L windows
// roll over at UTC boundaries.
func (m *Manager) Run(ctx context.Context) {
	orders := m.bus.SubscribeOrderUpdates()
	balances := m.bus.SubscribeBalances()
	quotes := m.bus.SubscribeQuotes()
	done := ctx.Done()

	go func() {
		<-done
		quotes.Close()
	}()
	go func() {
		for {
			ev, ok := quotes.Pop(done)
			if !ok {
				return
			}
			m.positions.MarkPrice(ev.Quote.Symbol, ev.Quote.Venue, ev.Quote.Mid())
		}
	}()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case ev := <-orders:
			m.ApplyOrderUpdate(ev)
		case ev := <-balances:
			m.applyBalances(ev)
		case <-ticker.C:
			m.rollWindows()
			m.evaluateLimits()
		}
	}
}

// ApplyOrderUpdate folds a fill into positions and the P&L windows, then
// re-checks limits.
func (m *Manager) ApplyOrderUpdate(ev events.OrderUpdateEvent) {
	realized := m.positions.ApplyFill(ev)
	if realized.IsZero() && ev.FillQuantity.Sign() <= 0 {
		return
	}

	m.mu.Lock()
	m.rollWindowsLocked(m.now())
	m.dailyRealized = m.dailyRealized.Add(realized)
	m.weeklyRealized = m.weeklyRealized.Add(realized)
	m.monthlyRealized = m.monthlyRealized.Add(realized)
	m.mu.Unlock()

	m.evaluateLimits()
}

func (m *Manager) applyBalances(ev events.BalanceEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byCurrency := make(map[string]models.Balance, len(ev.Balances))
	for _, b := range ev.Balances {
		byCurrency[b.Currency] = b
	}
	m.balances[ev.Venue] = byCurrency
}

// Assess authorizes one candidate. The volume may be downsized by exposure
// and concentration headroom; a downsize below the venue minimum rejects
// the candidate outright.
func (m *Manager) Assess(c models.OpportunityCandidate) models.RiskAssessment {
	var out models.RiskAssessment

	m.mu.Lock()
	state := m.state
	daily := m.dailyRealized
	weekly := m.weeklyRealized
	monthly := m.monthlyRealized
	m.mu.Unlock()

	if state == StateHalted {
		out.Rejections = append(out.Rejections, RejectHalted)
		return out
	}

	if breached, window := m.lossLimitBreached(daily, weekly, monthly); breached {
		out.Rejections = append(out.Rejections, RejectLossLimit)
		m.logger.WithFields(logrus.Fields{
			"window":      window,
			"opportunity": c.ID,
		}).Info("Candidate rejected by loss limit")
		return out
	}

	volume := c.MaxVolume
	refPrice := decimal.Max(c.BuyPrice, c.SellPrice)

	// Per-symbol position cap.
	if m.limits.MaxPositionSizePerSymbol.Sign() > 0 {
		held := m.symbolQuantity(c.Symbol)
		headroom := m.limits.MaxPositionSizePerSymbol.Sub(held)
		if headroom.Sign() <= 0 {
			out.Rejections = append(out.Rejections, RejectExposure)
			return out
		}
		if headroom.Cmp(volume) < 0 {
			volume = headroom
			out.Warnings = append(out.Warnings, "volume reduced by position cap")
		}
	}

	totalExposure := m.positions.TotalExposure()
	symbolExposure := m.positions.SymbolExposure(c.Symbol)

	two := decimal.NewFromInt(2)

	// Total exposure headroom. A fill opens both a long and a short, so
	// each approved unit adds 2x its notional.
	if m.limits.MaxTotalExposure.Sign() > 0 {
		headroom := m.limits.MaxTotalExposure.Sub(totalExposure)
		if headroom.Sign() <= 0 {
			out.Rejections = append(out.Rejections, RejectExposure)
			return out
		}
		maxByExposure := headroom.Div(refPrice.Mul(two))
		if maxByExposure.Cmp(volume) < 0 {
			volume = maxByExposure
			out.Warnings = append(out.Warnings, "volume reduced by exposure limit")
		}
	}

	// Concentration: both legs carry the same symbol, so a per-leg
	// notional a gives (S + 2a) / (T + 2a) <= r, hence
	// a <= (r*T - S) / (2 * (1 - r)).
	if r := m.limits.MaxConcentrationRatio; r.Sign() > 0 && r.Cmp(decimal.NewFromInt(1)) < 0 {
		allowedNotional := r.Mul(totalExposure).Sub(symbolExposure).
			Div(two.Mul(decimal.NewFromInt(1).Sub(r)))
		if totalExposure.Sign() > 0 {
			if allowedNotional.Sign() <= 0 {
				out.Rejections = append(out.Rejections, RejectConcentration)
				return out
			}
			maxByConcentration := allowedNotional.Div(refPrice)
			if maxByConcentration.Cmp(volume) < 0 {
				volume = maxByConcentration
				out.Warnings = append(out.Warnings, "volume reduced by concentration limit")
			}
		}
	}

	// Expected profit floor at the adjusted volume.
	if m.limits.MinProfitAfterFees.Sign() > 0 {
		if c.NetSpread.Mul(volume).Cmp(m.limits.MinProfitAfterFees) < 0 {
			out.Rejections = append(out.Rejections, RejectMinProfit)
			return out
		}
	}

	// Balance sufficiency for both legs, when balance data is available.
	if reason, ok := m.checkBalances(c, volume); !ok {
		out.Rejections = append(out.Rejections, RejectBalance)
		m.logger.WithField("detail", reason).Info("Candidate rejected by balance check")
		return out
	} else if reason != "" {
		out.Warnings = append(out.Warnings, reason)
	}

	// Venue minimums. A downsize below minimum never goes out.
	if !m.meetsMinimums(c, volume) {
		out.Rejections = append(out.Rejections, RejectBelowMinimum)
		return out
	}

	out.Approved = true
	out.AdjustedVolume = volume
	out.RiskScore = m.riskScore(totalExposure, daily)
	if state == StateWarning {
		out.Warnings = append(out.Warnings, "trading in warning state")
	}
	return out
}

func (m *Manager) symbolQuantity(symbol models.Symbol) decimal.Decimal {
	total := decimal.Zero
	for _, pos := range m.positions.All() {
		if pos.Symbol == symbol {
			total = total.Add(pos.Quantity.Abs())
		}
	}
	return total
}

// lossLimitBreached reports whether any realized P&L window is strictly
// beyond its loss limit. Equality is not a breach.
func (m *Manager) lossLimitBreached(daily, weekly, monthly decimal.Decimal) (bool, string) {
	if l := m.limits.MaxDailyLoss; l.Sign() > 0 && daily.Cmp(l.Neg()) < 0 {
		return true, "daily"
	}
	if l := m.limits.MaxWeeklyLoss; l.Sign() > 0 && weekly.Cmp(l.Neg()) < 0 {
		return true, "weekly"
	}
	if l := m.limits.MaxMonthlyLoss; l.Sign() > 0 && monthly.Cmp(l.Neg()) < 0 {
		return true, "monthly"
	}
	return false, ""
}

// checkBalances verifies the buy leg's quote balance and the sell leg's base
// balance. Missing balance data passes with a warning.
func (m *Manager) checkBalances(c models.OpportunityCandidate, volume decimal.Decimal) (string, bool) {
	base, quote, err := models.SplitSymbol(c.Symbol)
	if err != nil {
		return err.Error(), false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	buyBalances, haveBuy := m.balances[c.BuyVenue]
	sellBalances, haveSell := m.balances[c.SellVenue]
	if !haveBuy || !haveSell {
		return "balance data unavailable, check skipped", true
	}

	needed := volume.Mul(c.BuyPrice)
	if b, ok := buyBalances[quote]; !ok || b.Available.Cmp(needed) < 0 {
		return fmt.Sprintf("%s %s available < %s needed on %s", quote, b.Available, needed, c.BuyVenue), false
	}
	if b, ok := sellBalances[base]; !ok || b.Available.Cmp(volume) < 0 {
		return fmt.Sprintf("%s %s available < %s needed on %s", base, b.Available, volume, c.SellVenue), false
	}
	return "", true
}

// meetsMinimums checks quantity and notional minimums on both venues.
// Volume exactly at a minimum is permitted.
func (m *Manager) meetsMinimums(c models.OpportunityCandidate, volume decimal.Decimal) bool {
	check := func(venue string, price decimal.Decimal) bool {
		v, ok := m.venues[venue]
		if !ok {
			return true
		}
		if minQty := v.MinOrderQuantity(c.Symbol); minQty.Sign() > 0 && volume.Cmp(minQty) < 0 {
			return false
		}
		if minNotional := v.MinOrderNotional(c.Symbol); minNotional.Sign() > 0 && volume.Mul(price).Cmp(minNotional) < 0 {
			return false
		}
		return true
	}
	return check(c.BuyVenue, c.BuyPrice) && check(c.SellVenue, c.SellPrice)
}

// riskScore is the worst utilization across exposure, daily loss and VaR,
// clamped to [0, 1].
func (m *Manager) riskScore(totalExposure, daily decimal.Decimal) float64 {
	score := 0.0
	ratio := func(used, limit decimal.Decimal) float64 {
		if limit.Sign() <= 0 {
			return 0
		}
		f, _ := used.Div(limit).Float64()
		return f
	}
	if r := ratio(totalExposure, m.limits.MaxTotalExposure); r > score {
		score = r
	}
	if daily.Sign() < 0 {
		if r := ratio(daily.Neg(), m.limits.MaxDailyLoss); r > score {
			score = r
		}
	}
	if r := ratio(m.varWindow.Value(), m.limits.MaxPortfolioVaR); r > score {
		score = r
	}
	if score > 1 {
		score = 1
	}
	return score
}

// CheckAllLimits returns every hard-limit breach currently in effect.
func (m *Manager) CheckAllLimits() []string {
	m.mu.Lock()
	daily := m.dailyRealized
	m.mu.Unlock()
	return m.hardBreaches(daily)
}

func (m *Manager) hardBreaches(daily decimal.Decimal) []string {
	var breaches []string

	if l := m.limits.MaxDailyLoss; l.Sign() > 0 && daily.Cmp(l.Neg()) < 0 {
		breaches = append(breaches, fmt.Sprintf("daily loss %s beyond limit %s", daily, l))
	}
	if t := m.limits.RealtimePnLThreshold; t.Sign() > 0 {
		realtime := daily.Add(m.positions.TotalUnrealizedPnL())
		if realtime.Cmp(t.Mul(realtimeHaltFactor).Neg()) < 0 {
			breaches = append(breaches, fmt.Sprintf("realtime pnl %s beyond threshold", realtime))
		}
	}
	if l := m.limits.MaxTotalExposure; l.Sign() > 0 {
		if exp := m.positions.TotalExposure(); exp.Cmp(l.Mul(exposureHaltFactor)) > 0 {
			breaches = append(breaches, fmt.Sprintf("exposure %s beyond hard limit", exp))
		}
	}
	if l := m.limits.MaxPortfolioVaR; l.Sign() > 0 {
		if v := m.varWindow.Value(); v.Cmp(l.Mul(varHaltFactor)) > 0 {
			breaches = append(breaches, fmt.Sprintf("var %s beyond hard limit", v))
		}
	}
	return breaches
}

// evaluateLimits advances the halt state machine from the current limit
// posture. Soft breaches move Normal to Warning; hard breaches halt.
func (m *Manager) evaluateLimits() {
	m.mu.Lock()
	daily := m.dailyRealized
	state := m.state
	m.mu.Unlock()

	if state == StateHalted {
		return
	}

	if breaches := m.hardBreaches(daily); len(breaches) > 0 {
		m.alerts.Emit(models.SeverityEmergency, "limit_breach", strings.Join(breaches, "; "), nil)
		return
	}

	soft := m.softBreaches(daily)
	m.mu.Lock()
	switch {
	case len(soft) > 0 && m.state == StateNormal:
		m.state = StateWarning
		m.mu.Unlock()
		m.alerts.Emit(models.SeverityWarning, "soft_limit", strings.Join(soft, "; "), nil)
	case len(soft) == 0 && m.state == StateWarning:
		m.state = StateNormal
		m.mu.Unlock()
		m.logger.Info("Soft limit cleared, back to normal")
	default:
		m.mu.Unlock()
	}
}

func (m *Manager) softBreaches(daily decimal.Decimal) []string {
	var soft []string
	if t := m.limits.RealtimePnLThreshold; t.Sign() > 0 {
		realtime := daily.Add(m.positions.TotalUnrealizedPnL())
		if realtime.Cmp(t.Neg()) < 0 {
			soft = append(soft, "realtime pnl beyond threshold")
		}
	}
	if l := m.limits.MaxTotalExposure; l.Sign() > 0 && m.positions.TotalExposure().Cmp(l) > 0 {
		soft = append(soft, "exposure beyond limit")
	}
	if l := m.limits.MaxPortfolioVaR; l.Sign() > 0 && m.varWindow.Value().Cmp(l) > 0 {
		soft = append(soft, "var beyond limit")
	}
	return soft
}

// Halt stops all authorizations until an explicit resume.
func (m *Manager) Halt(reason string) {
	m.mu.Lock()
	already := m.state == StateHalted
	if !already {
		m.state = StateHalted
		m.haltReason = reason
	}
	m.mu.Unlock()
	if already {
		return
	}
	m.logger.WithField("reason", reason).Error("Trading halted")
}

// Resume lifts a halt, but only when no hard limit is currently breached.
func (m *Manager) Resume() error {
	if breaches := m.CheckAllLimits(); len(breaches) > 0 {
		return errors.New("limits still breached: " + strings.Join(breaches, "; "))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateHalted {
		return nil
	}
	m.state = StateNormal
	m.haltReason = ""
	m.logger.Info("Trading resumed")
	return nil
}

// State returns the halt state and, when halted, the reason.
func (m *Manager) State() (HaltState, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.haltReason
}

func (m *Manager) Limits() models.RiskLimits { return m.limits }

// DailyRealizedPnL returns the realized P&L of the current UTC day.
func (m *Manager) DailyRealizedPnL() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyRealized
}

// VaR returns the current historical-simulation value at risk.
func (m *Manager) VaR() decimal.Decimal { return m.varWindow.Value() }

func (m *Manager) rollWindows() {
	m.mu.Lock()
	m.rollWindowsLocked(m.now())
	m.mu.Unlock()
}

// rollWindowsLocked samples the finished day into the VaR window and resets
// the P&L accumulators whose UTC boundary has passed.
func (m *Manager) rollWindowsLocked(now time.Time) {
	day := now.UTC().Truncate(24 * time.Hour)
	if day.Equal(m.currentDay) {
		return
	}

	m.varWindow.AddSample(m.currentDay, m.dailyRealized)
	m.dailyRealized = decimal.Zero

	year, week := now.UTC().ISOWeek()
	if year != m.currentWeekYear || week != m.currentWeek {
		m.weeklyRealized = decimal.Zero
	}
	if now.UTC().Month() != m.currentMonth {
		m.monthlyRealized = decimal.Zero
	}
	m.resetWindows(now)
}

func (m *Manager) resetWindows(now time.Time) {
	utc := now.UTC()
	m.currentDay = utc.Truncate(24 * time.Hour)
	m.currentWeekYear, m.currentWeek = utc.ISOWeek()
	m.currentMonth = utc.Month()
}
