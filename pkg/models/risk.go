package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskLimits is the bounded risk configuration. Zero values disable the
// corresponding check.
type RiskLimits struct {
	MaxPositionSizePerSymbol decimal.Decimal
	MaxTotalExposure         decimal.Decimal
	MaxDailyLoss             decimal.Decimal
	MaxWeeklyLoss            decimal.Decimal
	MaxMonthlyLoss           decimal.Decimal
	MaxConcentrationRatio    decimal.Decimal
	MaxPortfolioVaR          decimal.Decimal
	RealtimePnLThreshold     decimal.Decimal
	MinProfitAfterFees       decimal.Decimal
	MaxAlertsPerHour         int
	VaRConfidence            float64
	VaRLookbackDays          int
}

// RiskAssessment is the authorization decision for one candidate.
type RiskAssessment struct {
	Approved       bool
	AdjustedVolume decimal.Decimal
	Rejections     []string
	Warnings       []string
	RiskScore      float64
}

type AlertSeverity int

const (
	SeverityInfo AlertSeverity = iota
	SeverityWarning
	SeverityCritical
	SeverityEmergency
)

func (s AlertSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	case SeverityEmergency:
		return "emergency"
	}
	return "unknown"
}

type RiskAlert struct {
	ID           string
	Severity     AlertSeverity
	Type         string
	Message      string
	Metadata     map[string]string
	Timestamp    time.Time
	Acknowledged bool
}
