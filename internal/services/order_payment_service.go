package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	domain "github.com/orderbridge/payments/internal/domain"
	"github.com/orderbridge/payments/internal/platform/requestctx"
	"github.com/orderbridge/payments/internal/repositories"
)

var (
	// ErrPaymentNotCancellable indicates the order is not in a state that allows cancelling its payment.
	ErrPaymentNotCancellable = errors.New("order payment: not cancellable")
	// ErrMissingTransactionRef indicates the order carries no provider transaction id.
	ErrMissingTransactionRef = errors.New("order payment: missing transaction reference")
)

// OrderPaymentServiceDeps bundles collaborators required to construct an order payment service.
type OrderPaymentServiceDeps struct {
	Orders    repositories.OrderRepository
	Client    ProviderClient
	Publisher OrderEventPublisher
	Clock     Clock
	IDs       IDGenerator
}

type orderPaymentService struct {
	orders    repositories.OrderRepository
	client    ProviderClient
	publisher OrderEventPublisher
	clock     Clock
	ids       IDGenerator
	locks     *orderLocks
}

// NewOrderPaymentService constructs the per-order payment action service.
func NewOrderPaymentService(deps OrderPaymentServiceDeps) (OrderPaymentService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order payment service: order repository is required")
	}
	if deps.Client == nil {
		return nil, errors.New("order payment service: provider client is required")
	}
	if deps.IDs == nil {
		return nil, errors.New("order payment service: id generator is required")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &orderPaymentService{
		orders:    deps.Orders,
		client:    deps.Client,
		publisher: deps.Publisher,
		clock:     deps.Clock,
		ids:       deps.IDs,
		locks:     newOrderLocks(),
	}, nil
}

// CancelPayment asks the provider to abandon the order's in-flight payment and
// applies the resulting state. Only orders still awaiting payment qualify.
func (s *orderPaymentService) CancelPayment(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, errors.New("order payment: order id is required")
	}

	unlock := s.locks.Lock(orderID)
	defer unlock()

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return Order{}, err
	}

	if order.Paid || !order.Status.AwaitingPayment() {
		return Order{}, fmt.Errorf("%w: order %s is %s", ErrPaymentNotCancellable, order.ID, order.Status)
	}

	tradeOrderID := order.StringAttribute(domain.AttrTradeOrderID)
	if tradeOrderID == "" {
		return Order{}, fmt.Errorf("%w: order %s", ErrMissingTransactionRef, order.ID)
	}

	payment, err := s.client.CancelPayment(ctx, tradeOrderID)
	if err != nil {
		return Order{}, err
	}

	now := s.clock().UTC()
	applied := ApplyPaymentStatus(&order, payment, now)

	note := fmt.Sprintf("Payment cancellation requested for transaction %s; provider reports %s.", tradeOrderID, payment.Status)
	if !order.HasNoteWithBody(note) {
		order.AppendNote(domain.OrderNote{ID: s.ids(), Body: note, CreatedAt: now})
	}

	saved, err := s.orders.Update(ctx, order)
	if err != nil {
		return Order{}, err
	}

	requestctx.Logger(ctx).Info("order_payment.cancelled",
		zap.String("order_id", order.ID),
		zap.String("trade_order_id", tradeOrderID),
		zap.String("payment_status", payment.Status),
	)

	if s.publisher != nil && applied.Changed {
		event := OrderPaymentEvent{
			OrderID:      order.ID,
			OrderNumber:  order.Number,
			TradeOrderID: tradeOrderID,
			EventType:    EventPaymentCancelled,
			Previous:     string(applied.Previous),
			Current:      string(applied.Current),
			OccurredAt:   now,
		}
		if _, err := s.publisher.PublishOrderPaymentEvent(ctx, event); err != nil {
			requestctx.Logger(ctx).Warn("order_payment.publish_failed",
				zap.String("order_id", order.ID),
				zap.Error(err),
			)
		}
	}
	return saved, nil
}
