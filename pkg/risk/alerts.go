package risk

import (
	"time"

	"github.com/google/uuid"
	"github.com/mrcha033/ats/pkg/events"
	"github.com/mrcha033/ats/pkg/models"
	"github.com/mrcha033/ats/pkg/ratelimit"
	"github.com/sirupsen/logrus"
)

// AlertManager emits risk alerts with per-hour rate limiting. Severity
// drives the consequence: info logs only, warning and above reach the bus,
// emergency additionally invokes the halt hook.
type AlertManager struct {
	bus     *events.Bus
	logger  *logrus.Logger
	limiter *ratelimit.SlidingWindow
	onHalt  func(reason string)
}

func NewAlertManager(maxPerHour int, bus *events.Bus, logger *logrus.Logger, onHalt func(reason string)) *AlertManager {
	if maxPerHour <= 0 {
		maxPerHour = 60
	}
	return &AlertManager{
		bus:     bus,
		logger:  logger,
		limiter: ratelimit.NewSlidingWindow(maxPerHour, time.Hour),
		onHalt:  onHalt,
	}
}

// Emit raises one alert. Suppressed alerts are counted in the log; an
// emergency halts trading whether or not the alert itself was suppressed.
func (m *AlertManager) Emit(severity models.AlertSeverity, alertType, message string, metadata map[string]string) {
	alert := models.RiskAlert{
		ID:        uuid.NewString(),
		Severity:  severity,
		Type:      alertType,
		Message:   message,
		Metadata:  metadata,
		Timestamp: time.Now(),
	}

	entry := m.logger.WithFields(logrus.Fields{
		"alert_id":   alert.ID,
		"alert_type": alertType,
		"severity":   severity.String(),
	})
	switch severity {
	case models.SeverityInfo:
		entry.Info(message)
	case models.SeverityWarning:
		entry.Warn(message)
	default:
		entry.Error(message)
	}

	if severity == models.SeverityEmergency && m.onHalt != nil {
		m.onHalt(alertType + ": " + message)
	}

	if severity == models.SeverityInfo {
		return
	}
	if !m.limiter.Allow() {
		entry.Debug("Alert suppressed by hourly rate limit")
		return
	}
	m.bus.PublishRiskAlert(events.RiskAlertEvent{Alert: alert})
}
