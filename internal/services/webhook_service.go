package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	domain "github.com/orderbridge/payments/internal/domain"
	"github.com/orderbridge/payments/internal/platform/requestctx"
	"github.com/orderbridge/payments/internal/repositories"
	"github.com/orderbridge/payments/internal/shopline"
)

// Webhook event families delivered by the provider.
const (
	webhookEventPaymentSuccess   = "payment.success"
	webhookEventPaymentFailed    = "payment.failed"
	webhookEventPaymentCancelled = "payment.cancelled"
	webhookEventRefundPrefix     = "refund."
)

// WebhookDelivery carries one raw provider notification through the pipeline.
type WebhookDelivery struct {
	Body   []byte
	Header shopline.SignatureHeader
	// Legacy deliveries sign the bare body without a timestamp.
	Legacy          bool
	LegacySignature string
}

// WebhookResult reports how a notification was handled. Unknown event types are
// acknowledged without an order mutation.
type WebhookResult struct {
	EventType string
	OrderID   string
	Applied   bool
	Ignored   bool
}

// WebhookServiceDeps bundles collaborators required to construct a webhook service.
type WebhookServiceDeps struct {
	Orders    repositories.OrderRepository
	Verifier  *shopline.Verifier
	Publisher OrderEventPublisher
	Clock     Clock
	IDs       IDGenerator
}

type webhookService struct {
	orders    repositories.OrderRepository
	verifier  *shopline.Verifier
	publisher OrderEventPublisher
	clock     Clock
	ids       IDGenerator
	locks     *orderLocks
}

// NewWebhookService constructs the notification ingestion service.
func NewWebhookService(deps WebhookServiceDeps) (WebhookService, error) {
	if deps.Orders == nil {
		return nil, errors.New("webhook service: order repository is required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("webhook service: verifier is required")
	}
	if deps.IDs == nil {
		return nil, errors.New("webhook service: id generator is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &webhookService{
		orders:    deps.Orders,
		verifier:  deps.Verifier,
		publisher: deps.Publisher,
		clock:     clock,
		ids:       deps.IDs,
		locks:     newOrderLocks(),
	}, nil
}

type webhookEnvelope struct {
	eventType string
	// merchantTradeNo is the provider's "{orderID}_{timestamp}" order reference.
	merchantTradeNo string
	data            map[string]any
}

// HandleNotification runs the full ingestion pipeline: parse the envelope,
// resolve the target order, verify the signature, then dispatch by event type.
// Resolution happens before verification so a forged notification for an
// unknown order surfaces as a resolution failure, matching what callers can act
// on.
func (s *webhookService) HandleNotification(ctx context.Context, delivery WebhookDelivery) (WebhookResult, error) {
	envelope, err := parseWebhookEnvelope(delivery.Body)
	if err != nil {
		return WebhookResult{}, err
	}
	result := WebhookResult{EventType: envelope.eventType}

	if strings.HasPrefix(envelope.eventType, webhookEventRefundPrefix) {
		return s.handleRefund(ctx, delivery, envelope, result)
	}

	switch envelope.eventType {
	case webhookEventPaymentSuccess, webhookEventPaymentFailed, webhookEventPaymentCancelled:
		return s.handlePayment(ctx, delivery, envelope, result)
	default:
		// Unknown events are acknowledged so the provider stops retrying.
		requestctx.Logger(ctx).Info("webhook.event.ignored", zap.String("event_type", envelope.eventType))
		result.Ignored = true
		return result, nil
	}
}

func (s *webhookService) handlePayment(ctx context.Context, delivery WebhookDelivery, envelope webhookEnvelope, result WebhookResult) (WebhookResult, error) {
	payment, err := shopline.PaymentFromMap(envelope.data)
	if err != nil {
		return result, err
	}

	order, err := s.resolveOrder(ctx, envelope.merchantTradeNo, payment.TradeOrderID)
	if err != nil {
		return result, err
	}
	result.OrderID = order.ID

	if err := s.verify(ctx, delivery); err != nil {
		return result, err
	}

	unlock := s.locks.Lock(order.ID)
	defer unlock()

	// Reload under the lock; a concurrent delivery may have advanced the order.
	order, err = s.orders.FindByID(ctx, order.ID)
	if err != nil {
		return result, shopline.NewHandlerError("webhook.reload_order", err)
	}

	logger := requestctx.Logger(ctx).With(
		zap.String("order_id", order.ID),
		zap.String("trade_order_id", payment.TradeOrderID),
		zap.String("event_type", envelope.eventType),
	)

	now := s.clock().UTC()

	if envelope.eventType == webhookEventPaymentCancelled && !order.Status.AwaitingPayment() {
		// Cancellation only applies to orders still waiting on the provider.
		logger.Info("webhook.cancel.skipped", zap.String("status", string(order.Status)))
		result.Ignored = true
		return result, nil
	}

	if envelope.eventType == webhookEventPaymentSuccess && order.Paid {
		// Duplicate delivery of a success notification is acknowledged as-is.
		logger.Info("webhook.success.duplicate")
		return result, nil
	}

	// The event type drives the transition; the payload's status field is
	// recorded as metadata and may be missing entirely.
	var applied ApplyResult
	switch envelope.eventType {
	case webhookEventPaymentSuccess:
		applied = ApplyPaymentSucceeded(&order, payment, now)
	case webhookEventPaymentFailed:
		applied = ApplyPaymentFailed(&order, payment)
	case webhookEventPaymentCancelled:
		applied = ApplyPaymentCancelled(&order, payment)
	}
	if !applied.Changed && !applied.MarkedPaid {
		logger.Info("webhook.no_change", zap.String("status", string(order.Status)))
		if _, err := s.orders.Update(ctx, order); err != nil {
			return result, shopline.NewHandlerError("webhook.update_order", err)
		}
		return result, nil
	}

	s.recordFailureDetail(&order, envelope.eventType, payment)

	if note := paymentStatusNote(payment, applied); note != "" && !order.HasNoteWithBody(note) {
		order.AppendNote(domain.OrderNote{ID: s.ids(), Body: note, CreatedAt: now})
	}

	if _, err := s.orders.Update(ctx, order); err != nil {
		return result, shopline.NewHandlerError("webhook.update_order", err)
	}
	result.Applied = true

	logger.Info("webhook.applied",
		zap.String("previous_status", string(applied.Previous)),
		zap.String("current_status", string(applied.Current)),
		zap.Bool("marked_paid", applied.MarkedPaid),
	)

	s.publish(ctx, logger, order, payment, envelope.eventType, applied, now)
	return result, nil
}

func (s *webhookService) handleRefund(ctx context.Context, delivery WebhookDelivery, envelope webhookEnvelope, result WebhookResult) (WebhookResult, error) {
	refund := shopline.RefundFromMap(envelope.data)

	order, err := s.resolveOrder(ctx, envelope.merchantTradeNo, refund.TradeOrderID)
	if err != nil {
		return result, err
	}
	result.OrderID = order.ID

	if err := s.verify(ctx, delivery); err != nil {
		return result, err
	}

	unlock := s.locks.Lock(order.ID)
	defer unlock()

	order, err = s.orders.FindByID(ctx, order.ID)
	if err != nil {
		return result, shopline.NewHandlerError("webhook.reload_order", err)
	}

	now := s.clock().UTC()

	// Refund notifications are informational: the authoritative status change
	// arrives through the payment's own REFUNDED state. Record the detail and a
	// note, nothing else.
	order.SetAttribute(domain.AttrRefundDetail, refund.ToMap())

	note := refundNote(refund)
	if !order.HasNoteWithBody(note) {
		order.AppendNote(domain.OrderNote{ID: s.ids(), Body: note, CreatedAt: now})
	}

	if _, err := s.orders.Update(ctx, order); err != nil {
		return result, shopline.NewHandlerError("webhook.update_order", err)
	}
	result.Applied = true

	requestctx.Logger(ctx).Info("webhook.refund.recorded",
		zap.String("order_id", order.ID),
		zap.String("refund_order_id", refund.RefundOrderID),
		zap.String("refund_status", refund.Status),
	)
	return result, nil
}

// resolveOrder locates the order a notification targets. The merchant trade
// reference is tried first because the very first success notification arrives
// before the order has a stored transaction id; the attribute lookup covers
// redeliveries and references the provider rewrote.
func (s *webhookService) resolveOrder(ctx context.Context, merchantTradeNo, tradeOrderID string) (domain.Order, error) {
	if orderID := orderIDFromMerchantTradeNo(merchantTradeNo); orderID != "" {
		order, err := s.orders.FindByID(ctx, orderID)
		if err == nil {
			return order, nil
		}
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
			return domain.Order{}, shopline.NewHandlerError("webhook.resolve_order", err)
		}
	}

	if tradeOrderID == "" {
		return domain.Order{}, shopline.NewResolutionError("webhook.resolve_order",
			"notification carries no resolvable order reference")
	}

	order, err := s.orders.FindByTradeOrderID(ctx, tradeOrderID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return domain.Order{}, shopline.NewResolutionError("webhook.resolve_order",
				fmt.Sprintf("no order for transaction %s", tradeOrderID))
		}
		return domain.Order{}, shopline.NewHandlerError("webhook.resolve_order", err)
	}
	return order, nil
}

// orderIDFromMerchantTradeNo extracts the order id from a "{orderID}_{timestamp}"
// merchant trade reference.
func orderIDFromMerchantTradeNo(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	id, _, _ := strings.Cut(ref, "_")
	return strings.TrimSpace(id)
}

func (s *webhookService) verify(ctx context.Context, delivery WebhookDelivery) error {
	if delivery.Legacy {
		return s.verifier.VerifyLegacy(ctx, delivery.Body, delivery.LegacySignature)
	}
	return s.verifier.Verify(ctx, delivery.Body, delivery.Header)
}

// recordFailureDetail captures provider error information for failed payments so
// support can see why a charge did not complete.
func (s *webhookService) recordFailureDetail(order *domain.Order, eventType string, payment shopline.Payment) {
	if eventType != webhookEventPaymentFailed {
		return
	}
	detail := payment.Detail
	if detail == nil {
		return
	}
	if code, ok := detail["errorCode"].(string); ok && code != "" {
		order.SetAttribute(domain.AttrErrorCode, code)
	}
	if msg, ok := detail["errorMessage"].(string); ok && msg != "" {
		order.SetAttribute(domain.AttrErrorMessage, msg)
	}
}

func (s *webhookService) publish(ctx context.Context, logger *zap.Logger, order domain.Order, payment shopline.Payment, eventType string, applied ApplyResult, now time.Time) {
	if s.publisher == nil {
		return
	}

	event := OrderPaymentEvent{
		OrderID:      order.ID,
		OrderNumber:  order.Number,
		TradeOrderID: payment.TradeOrderID,
		Previous:     string(applied.Previous),
		Current:      string(applied.Current),
		OccurredAt:   now,
	}
	switch eventType {
	case webhookEventPaymentSuccess:
		event.EventType = EventPaymentSucceeded
	case webhookEventPaymentFailed:
		event.EventType = EventPaymentFailed
	case webhookEventPaymentCancelled:
		event.EventType = EventPaymentCancelled
	default:
		return
	}

	if _, err := s.publisher.PublishOrderPaymentEvent(ctx, event); err != nil {
		logger.Warn("webhook.publish_failed", zap.Error(err))
	}
}

func refundNote(refund shopline.Refund) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Refund %s reported as %s", refund.RefundOrderID, strings.ToLower(refund.Status))
	if refund.Amount != nil {
		fmt.Fprintf(&b, " for %v", refund.Amount)
	}
	if refund.Reason != "" {
		fmt.Fprintf(&b, " (%s)", refund.Reason)
	}
	if refund.HasError() {
		fmt.Fprintf(&b, "; provider error %s: %s", refund.Msg.Code, refund.Msg.Message)
	}
	b.WriteString(".")
	return b.String()
}

// parseWebhookEnvelope decodes the outer notification document. The event type
// lives under eventType with event as a fallback; the payload lives under data,
// defaulting to the whole document for flat bodies.
func parseWebhookEnvelope(body []byte) (webhookEnvelope, error) {
	if len(body) == 0 {
		return webhookEnvelope{}, shopline.NewParseError("webhook.envelope", "empty body")
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return webhookEnvelope{}, shopline.NewParseError("webhook.envelope", "body is not valid JSON")
	}

	eventType, _ := raw["eventType"].(string)
	if eventType == "" {
		eventType, _ = raw["event"].(string)
	}
	if strings.TrimSpace(eventType) == "" {
		return webhookEnvelope{}, shopline.NewParseError("webhook.envelope", "eventType is required")
	}

	data, ok := raw["data"].(map[string]any)
	if !ok {
		data = raw
	}

	merchantTradeNo, _ := data["merchantTradeNo"].(string)
	if merchantTradeNo == "" {
		merchantTradeNo, _ = raw["merchantTradeNo"].(string)
	}

	return webhookEnvelope{
		eventType:       strings.TrimSpace(eventType),
		merchantTradeNo: strings.TrimSpace(merchantTradeNo),
		data:            data,
	}, nil
}
