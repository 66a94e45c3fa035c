package services

import (
	"fmt"
	"time"

	domain "github.com/orderbridge/payments/internal/domain"
	"github.com/orderbridge/payments/internal/shopline"
)

// paymentStatusMapping translates provider payment statuses into order statuses.
// The table is a vocabulary, not a transition rule: only failure, cancellation
// and the first successful payment actually move an order (see
// ApplyPaymentStatus); the rest of the table exists so intermediate states can
// be recorded under a stable local name.
var paymentStatusMapping = map[string]domain.OrderStatus{
	shopline.PaymentStatusPending:       domain.OrderStatusPending,
	shopline.PaymentStatusProcessing:    domain.OrderStatusOnHold,
	shopline.PaymentStatusSucceeded:     domain.OrderStatusProcessing,
	shopline.PaymentStatusFailed:        domain.OrderStatusFailed,
	shopline.PaymentStatusCancelled:     domain.OrderStatusCancelled,
	shopline.PaymentStatusExpired:       domain.OrderStatusCancelled,
	shopline.PaymentStatusRefunded:      domain.OrderStatusRefunded,
	shopline.PaymentStatusPartialRefund: domain.OrderStatusProcessing,
}

// ApplyResult reports what applying a provider payment state did to an order.
type ApplyResult struct {
	Changed    bool
	MarkedPaid bool
	Previous   domain.OrderStatus
	Current    domain.OrderStatus
}

// ApplyPaymentStatus maps a pulled provider payment onto the order and mutates
// it in place. Three transitions are actionable: the first SUCCEEDED marks the
// order paid and moves it to processing, and FAILED/CANCELLED/EXPIRED move an
// unpaid order to the matching terminal status. Every other known status,
// refund states and stale regressions included, lands in the attribute map
// without touching the order status. Unknown provider statuses leave the order
// untouched entirely.
func ApplyPaymentStatus(order *domain.Order, payment shopline.Payment, now time.Time) ApplyResult {
	result := ApplyResult{Previous: order.Status, Current: order.Status}

	target, ok := paymentStatusMapping[payment.Status]
	if !ok {
		return result
	}

	recordPaymentAttributes(order, payment)

	switch {
	case payment.Succeeded() && !order.Paid:
		markOrderPaid(order, payment.TradeOrderID, now)
		result.MarkedPaid = true
	case target == domain.OrderStatusFailed || target == domain.OrderStatusCancelled:
		if order.Paid {
			// A late failure or cancellation never reverts a recorded payment.
			return result
		}
	default:
		return result
	}

	if order.Status != target {
		order.Status = target
		result.Changed = true
		result.Current = target
	}
	return result
}

// ApplyPaymentSucceeded handles a payment.success notification. The event type
// is the trigger here; the payload's own status field is recorded as metadata
// and may be absent entirely.
func ApplyPaymentSucceeded(order *domain.Order, payment shopline.Payment, now time.Time) ApplyResult {
	result := ApplyResult{Previous: order.Status, Current: order.Status}
	recordPaymentAttributes(order, payment)

	if order.Paid {
		return result
	}
	markOrderPaid(order, payment.TradeOrderID, now)
	result.MarkedPaid = true

	if order.Status != domain.OrderStatusProcessing {
		order.Status = domain.OrderStatusProcessing
		result.Changed = true
		result.Current = domain.OrderStatusProcessing
	}
	return result
}

// ApplyPaymentFailed handles a payment.failed notification. A paid order is
// never reverted by a late failure.
func ApplyPaymentFailed(order *domain.Order, payment shopline.Payment) ApplyResult {
	return applyTerminalEvent(order, payment, domain.OrderStatusFailed)
}

// ApplyPaymentCancelled handles a payment.cancelled notification.
func ApplyPaymentCancelled(order *domain.Order, payment shopline.Payment) ApplyResult {
	return applyTerminalEvent(order, payment, domain.OrderStatusCancelled)
}

func applyTerminalEvent(order *domain.Order, payment shopline.Payment, target domain.OrderStatus) ApplyResult {
	result := ApplyResult{Previous: order.Status, Current: order.Status}
	recordPaymentAttributes(order, payment)

	if order.Paid {
		return result
	}
	if order.Status != target {
		order.Status = target
		result.Changed = true
		result.Current = target
	}
	return result
}

func markOrderPaid(order *domain.Order, tradeOrderID string, now time.Time) {
	order.Paid = true
	paidAt := now.UTC()
	order.PaidAt = &paidAt
	order.PaymentRef = tradeOrderID
}

// recordPaymentAttributes mirrors the provider payment's detail onto the order's
// attribute map using the canonical attribute keys.
func recordPaymentAttributes(order *domain.Order, payment shopline.Payment) {
	order.SetAttribute(domain.AttrTradeOrderID, payment.TradeOrderID)
	if payment.Status != "" {
		order.SetAttribute(domain.AttrPaymentStatus, payment.Status)
	}
	if payment.Method != "" {
		order.SetAttribute(domain.AttrPaymentMethod, payment.Method)
	}
	if payment.Detail != nil {
		order.SetAttribute(domain.AttrPaymentDetail, payment.Detail)
	}
	if payment.NextAction != nil {
		order.SetAttribute(domain.AttrNextAction, payment.NextAction)
	}
	if payment.Instrument != nil {
		if id, ok := payment.Instrument["paymentInstrumentId"].(string); ok && id != "" {
			order.SetAttribute(domain.AttrPaymentInstrumentID, id)
		}
	}
}

// paymentStatusNote renders the standard order note for a status transition.
func paymentStatusNote(payment shopline.Payment, result ApplyResult) string {
	if result.MarkedPaid {
		if payment.Status != "" {
			return fmt.Sprintf("Payment %s confirmed by provider (transaction %s).", payment.Status, payment.TradeOrderID)
		}
		return fmt.Sprintf("Payment confirmed by provider (transaction %s).", payment.TradeOrderID)
	}
	if result.Changed {
		return fmt.Sprintf("Provider payment update moved order from %s to %s.", result.Previous, result.Current)
	}
	return ""
}
