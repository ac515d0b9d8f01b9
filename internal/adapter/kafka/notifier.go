// Package kafka adapts the pipeline to Kafka: a consumer that feeds raw
// provider payloads into the ingestion coordinator and a producer that
// publishes alert transitions for downstream consumers.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/weather-alert-pipeline/internal/alert"
)

// Notifier publishes alert transitions to a Kafka topic. It implements
// ingest.Notifier.
type Notifier struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewNotifier creates a Kafka producer for the alert topic.
func NewNotifier(brokers []string, topic string, logger *slog.Logger) *Notifier {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Notifier{writer: w, logger: logger}
}

// NotifyAlert serializes and publishes one transition. The message key is
// the (location, alert type) pair so all transitions of one alert land in
// the same partition, in order.
func (n *Notifier) NotifyAlert(ctx context.Context, tr alert.Transition) error {
	msg, err := serializeTransition(tr)
	if err != nil {
		return err
	}
	return n.writer.WriteMessages(ctx, msg)
}

func (n *Notifier) Close() error {
	return n.writer.Close()
}

// alertMessage is the wire form of a transition.
type alertMessage struct {
	Transition string     `json:"transition"`
	AlertID    int64      `json:"alert_id"`
	LocationID int64      `json:"location_id"`
	AlertType  string     `json:"alert_type"`
	Severity   string     `json:"severity"`
	Label      string     `json:"label"`
	Threshold  float64    `json:"threshold"`
	Observed   float64    `json:"observed"`
	OpenedAt   time.Time  `json:"opened_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func serializeTransition(tr alert.Transition) (kafkago.Message, error) {
	a := tr.Alert
	data, err := json.Marshal(alertMessage{
		Transition: string(tr.Kind),
		AlertID:    a.ID,
		LocationID: a.LocationID,
		AlertType:  string(a.Type),
		Severity:   a.Severity.String(),
		Label:      a.Severity.Label(),
		Threshold:  a.Threshold,
		Observed:   a.Observed,
		OpenedAt:   a.OpenedAt,
		UpdatedAt:  a.UpdatedAt,
		ExpiresAt:  a.ExpiresAt,
		ResolvedAt: a.ResolvedAt,
	})
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize alert transition: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(fmt.Sprintf("%d/%s", a.LocationID, a.Type)),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "transition", Value: []byte(tr.Kind)},
			{Key: "severity", Value: []byte(a.Severity.String())},
		},
	}, nil
}
