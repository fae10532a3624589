// Package notify delivers freshly issued codes to the retailer's channel.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"collection-otp-service/internal/client"
	"collection-otp-service/internal/util"
)

// Notification is what a delivery worker needs to reach the retailer.
type Notification struct {
	RetailerID string    `json:"retailer_id"`
	TenantID   string    `json:"tenant_id"`
	PaymentID  string    `json:"payment_id"`
	Code       string    `json:"code"`
	Amount     int64     `json:"amount"`
	IssuerName string    `json:"issuer_name"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Notifier is fire and forget: the result is informational and a false
// return never fails the issuing operation.
type Notifier interface {
	Notify(ctx context.Context, n Notification) bool
}

// KafkaNotifier hands the notification to the delivery workers over Kafka,
// keyed by payment id.
type KafkaNotifier struct {
	producer client.MessageProducer
	topic    string
}

func NewKafkaNotifier(producer client.MessageProducer, topic string) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, topic: topic}
}

func (k *KafkaNotifier) Notify(ctx context.Context, n Notification) bool {
	payload, err := json.Marshal(n)
	if err != nil {
		util.Error("Failed to encode notification",
			util.String("payment_id", n.PaymentID),
			util.ErrorField(err))
		return false
	}

	headers := map[string]string{
		"tenant_id":   n.TenantID,
		"retailer_id": n.RetailerID,
		"type":        "payment_confirmation_code",
	}
	if err := k.producer.ProduceMessage(ctx, k.topic, []byte(n.PaymentID), payload, headers); err != nil {
		util.Warn("Notification not delivered",
			util.String("payment_id", n.PaymentID),
			util.String("retailer_id", n.RetailerID),
			util.ErrorField(err))
		return false
	}
	return true
}

// LogNotifier is the development notifier. It never logs the code.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, n Notification) bool {
	util.Info("Confirmation code issued",
		util.String("payment_id", n.PaymentID),
		util.String("retailer_id", n.RetailerID),
		util.Time("expires_at", n.ExpiresAt))
	return true
}
