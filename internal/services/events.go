package services

import (
	"context"
	"time"
)

// OrderPaymentEvent announces a payment-driven order transition to downstream
// consumers (fulfilment, notifications, analytics).
type OrderPaymentEvent struct {
	OrderID      string         `json:"orderId"`
	OrderNumber  string         `json:"orderNumber,omitempty"`
	TradeOrderID string         `json:"tradeOrderId,omitempty"`
	EventType    string         `json:"eventType"`
	Previous     string         `json:"previousStatus"`
	Current      string         `json:"currentStatus"`
	OccurredAt   time.Time      `json:"occurredAt"`
	Detail       map[string]any `json:"detail,omitempty"`
}

// Payment event types carried on the order events topic.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
	EventPaymentCancelled = "payment.cancelled"
	EventPaymentRefunded  = "payment.refunded"
)

// OrderEventPublisher delivers order payment events to the messaging backbone.
// Publish failures never fail the originating state change; callers log and
// move on.
type OrderEventPublisher interface {
	PublishOrderPaymentEvent(ctx context.Context, event OrderPaymentEvent) (string, error)
}
