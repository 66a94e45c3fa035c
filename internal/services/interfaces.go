package services

import (
	"context"
	"time"

	domain "github.com/orderbridge/payments/internal/domain"
	"github.com/orderbridge/payments/internal/shopline"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order       = domain.Order
	OrderNote   = domain.OrderNote
	OrderStatus = domain.OrderStatus

	Payment    = shopline.Payment
	Session    = shopline.Session
	Refund     = shopline.Refund
	Customer   = shopline.Customer
	Instrument = shopline.Instrument
)

// Clock abstracts time for deterministic tests.
type Clock func() time.Time

// IDGenerator produces unique identifiers for notes and events.
type IDGenerator func() string

// ProviderClient is the outbound surface of the payment provider's REST API.
type ProviderClient interface {
	QueryPayment(ctx context.Context, tradeOrderID string) (shopline.Payment, error)
	QuerySession(ctx context.Context, sessionID string) (shopline.Session, error)
	CancelPayment(ctx context.Context, tradeOrderID string) (shopline.Payment, error)
	CreateCustomer(ctx context.Context, req shopline.CreateCustomerRequest) (shopline.Customer, error)
	QueryPaymentInstruments(ctx context.Context, customerID string) ([]shopline.Instrument, error)
	UnbindPaymentInstrument(ctx context.Context, customerID, instrumentID string) error
}

// WebhookService ingests provider notifications and applies them to orders.
type WebhookService interface {
	HandleNotification(ctx context.Context, delivery WebhookDelivery) (WebhookResult, error)
}

// ReconcileService pulls authoritative provider state for orders still waiting
// on payment.
type ReconcileService interface {
	SyncOrder(ctx context.Context, orderID string) (SyncResult, error)
	SyncRecent(ctx context.Context) (BatchSyncResult, error)
}

// CustomerService manages provider customer identity and saved instruments.
type CustomerService interface {
	EnsureCustomer(ctx context.Context, cmd EnsureCustomerCommand) (shopline.Customer, error)
	ListInstruments(ctx context.Context, customerID string) ([]shopline.Instrument, error)
	UnbindInstrument(ctx context.Context, customerID, instrumentID string) error
}

// OrderPaymentService exposes payment actions taken against a single order.
type OrderPaymentService interface {
	CancelPayment(ctx context.Context, orderID string) (Order, error)
}
