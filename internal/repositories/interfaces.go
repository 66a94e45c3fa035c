package repositories

import (
	"context"
	"time"

	domain "github.com/orderbridge/payments/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository persists orders and supports the lookups the payment flows need.
type OrderRepository interface {
	// FindByID loads a single order by its document id.
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// FindByTradeOrderID resolves the order bound to a provider transaction id.
	FindByTradeOrderID(ctx context.Context, tradeOrderID string) (domain.Order, error)
	// ListAwaitingPayment returns orders still waiting on the provider, created at
	// or after since, capped at limit.
	ListAwaitingPayment(ctx context.Context, since time.Time, limit int) ([]domain.Order, error)
	// Update persists the order's mutable state (status, paid flags, attributes, notes).
	Update(ctx context.Context, order domain.Order) (domain.Order, error)
}

// CustomerLinkRepository persists the account-to-provider-customer binding.
type CustomerLinkRepository interface {
	// FindByAccountID loads the binding for a local account.
	FindByAccountID(ctx context.Context, accountID string) (domain.CustomerLink, error)
	// Insert stores a new binding; an existing binding for the account is a conflict.
	Insert(ctx context.Context, link domain.CustomerLink) (domain.CustomerLink, error)
}

// HealthRepository reports persistence-layer reachability for readiness probes.
type HealthRepository interface {
	CheckHealth(ctx context.Context) error
}
