package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mrcha033/ats/pkg/models"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// KafkaConfig locates the alert topic.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type alertMessage struct {
	ID        string            `json:"id"`
	Severity  string            `json:"severity"`
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// AlertPublisher ships risk alerts to the operator notification topic.
type AlertPublisher struct {
	writer *kafka.Writer
	logger *logrus.Logger
}

func NewAlertPublisher(cfg KafkaConfig, logger *logrus.Logger) *AlertPublisher {
	return &AlertPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 100 * time.Millisecond,
			Async:        true,
		},
		logger: logger,
	}
}

// Publish ships one alert keyed by type so per-type ordering is preserved.
func (p *AlertPublisher) Publish(ctx context.Context, alert models.RiskAlert) {
	payload, err := json.Marshal(alertMessage{
		ID:        alert.ID,
		Severity:  alert.Severity.String(),
		Type:      alert.Type,
		Message:   alert.Message,
		Metadata:  alert.Metadata,
		Timestamp: alert.Timestamp,
	})
	if err != nil {
		p.logger.WithError(err).Error("Alert marshal failed")
		return
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(alert.Type),
		Value: payload,
	})
	if err != nil {
		p.logger.WithError(err).WithField("alert_id", alert.ID).Error("Alert publish failed")
	}
}

func (p *AlertPublisher) Close() error {
	return p.writer.Close()
}
