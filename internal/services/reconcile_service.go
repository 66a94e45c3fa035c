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
	"github.com/orderbridge/payments/internal/shopline"
)

const (
	defaultReconcileWindow    = 24 * time.Hour
	defaultReconcileBatchSize = 50

	missingReferenceNote = "Payment status cannot be synced: the order has no transaction reference."
)

// ErrOrderNotFound indicates the requested order does not exist.
var ErrOrderNotFound = errors.New("reconcile: order not found")

// SyncResult reports the outcome of reconciling a single order.
type SyncResult struct {
	OrderID    string
	Synced     bool
	MarkedPaid bool
	Status     domain.OrderStatus
	// Skipped carries the reason when no provider state could be pulled.
	Skipped string
}

// BatchSyncResult aggregates one reconcile sweep.
type BatchSyncResult struct {
	Scanned int
	Synced  int
	Failed  int
}

// ReconcileServiceDeps bundles collaborators required to construct a reconcile service.
type ReconcileServiceDeps struct {
	Orders    repositories.OrderRepository
	Client    ProviderClient
	Publisher OrderEventPublisher
	Clock     Clock
	IDs       IDGenerator
	// Window bounds how far back SyncRecent looks; zero means 24h.
	Window time.Duration
	// BatchSize caps orders per sweep; zero means 50.
	BatchSize int
}

type reconcileService struct {
	orders    repositories.OrderRepository
	client    ProviderClient
	publisher OrderEventPublisher
	clock     Clock
	ids       IDGenerator
	window    time.Duration
	batchSize int
	locks     *orderLocks
}

// NewReconcileService constructs the polling-side synchronisation service.
func NewReconcileService(deps ReconcileServiceDeps) (ReconcileService, error) {
	if deps.Orders == nil {
		return nil, errors.New("reconcile service: order repository is required")
	}
	if deps.Client == nil {
		return nil, errors.New("reconcile service: provider client is required")
	}
	if deps.IDs == nil {
		return nil, errors.New("reconcile service: id generator is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	window := deps.Window
	if window <= 0 {
		window = defaultReconcileWindow
	}
	batchSize := deps.BatchSize
	if batchSize <= 0 {
		batchSize = defaultReconcileBatchSize
	}

	return &reconcileService{
		orders:    deps.Orders,
		client:    deps.Client,
		publisher: deps.Publisher,
		clock:     clock,
		ids:       deps.IDs,
		window:    window,
		batchSize: batchSize,
		locks:     newOrderLocks(),
	}, nil
}

// SyncOrder pulls the authoritative provider state for one order and applies
// it. Orders carrying only a session id first ask the provider which
// transaction the session produced; when the session has not settled yet the
// order gets a note with the session's current status and the sync stops.
// Orders with neither reference get a single explanatory note and are skipped.
func (s *reconcileService) SyncOrder(ctx context.Context, orderID string) (SyncResult, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return SyncResult{}, errors.New("reconcile: order id is required")
	}

	unlock := s.locks.Lock(orderID)
	defer unlock()

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return SyncResult{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return SyncResult{}, err
	}

	result := SyncResult{OrderID: order.ID, Status: order.Status}

	tradeOrderID := order.StringAttribute(domain.AttrTradeOrderID)
	if tradeOrderID == "" {
		if sessionID := order.StringAttribute(domain.AttrSessionID); sessionID != "" {
			session, err := s.client.QuerySession(ctx, sessionID)
			if err != nil {
				return result, err
			}
			if session.TradeOrderID == "" {
				// The session has not produced a transaction yet. Record its
				// current status and try again next sweep.
				note := sessionStatusNote(sessionID, session.Status)
				if !order.HasNoteWithBody(note) {
					order.AppendNote(domain.OrderNote{ID: s.ids(), Body: note, CreatedAt: s.clock().UTC()})
					if _, err := s.orders.Update(ctx, order); err != nil {
						return result, err
					}
				}
				result.Skipped = "session has no transaction yet"
				return result, nil
			}
			// Persist the discovered transaction id so the next sync can go
			// straight to the payment query.
			order.SetAttribute(domain.AttrTradeOrderID, session.TradeOrderID)
			tradeOrderID = session.TradeOrderID
		}
	}

	if tradeOrderID == "" {
		// Nothing to ask the provider about. Leave one note so support knows
		// why the order never moves.
		if !order.HasNoteWithBody(missingReferenceNote) {
			order.AppendNote(domain.OrderNote{ID: s.ids(), Body: missingReferenceNote, CreatedAt: s.clock().UTC()})
			if _, err := s.orders.Update(ctx, order); err != nil {
				return result, err
			}
		}
		result.Skipped = "missing transaction reference"
		return result, nil
	}

	payment, err := s.client.QueryPayment(ctx, tradeOrderID)
	if err != nil {
		return result, err
	}

	now := s.clock().UTC()
	applied := ApplyPaymentStatus(&order, payment, now)

	if applied.Changed || applied.MarkedPaid {
		if note := paymentStatusNote(payment, applied); note != "" && !order.HasNoteWithBody(note) {
			order.AppendNote(domain.OrderNote{ID: s.ids(), Body: note, CreatedAt: now})
		}
	}

	if _, err := s.orders.Update(ctx, order); err != nil {
		return result, err
	}

	result.Synced = true
	result.MarkedPaid = applied.MarkedPaid
	result.Status = order.Status

	requestctx.Logger(ctx).Info("reconcile.order.synced",
		zap.String("order_id", order.ID),
		zap.String("trade_order_id", tradeOrderID),
		zap.String("payment_status", payment.Status),
		zap.String("previous_status", string(applied.Previous)),
		zap.String("current_status", string(applied.Current)),
	)

	if applied.MarkedPaid {
		s.publishPaid(ctx, order, payment, applied, now)
	}
	return result, nil
}

// sessionStatusNote renders the audit note for a checkout session that has not
// settled into a transaction yet.
func sessionStatusNote(sessionID, status string) string {
	if status == "" {
		status = "UNKNOWN"
	}
	return fmt.Sprintf("Checkout session %s status: %s; no transaction to sync yet.", sessionID, status)
}

// SyncRecent reconciles every order still awaiting payment inside the window.
// One failing order never aborts the sweep; cancellation of the context does.
func (s *reconcileService) SyncRecent(ctx context.Context) (BatchSyncResult, error) {
	since := s.clock().UTC().Add(-s.window)

	orders, err := s.orders.ListAwaitingPayment(ctx, since, s.batchSize)
	if err != nil {
		return BatchSyncResult{}, err
	}

	logger := requestctx.Logger(ctx)
	result := BatchSyncResult{Scanned: len(orders)}

	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		syncResult, err := s.SyncOrder(ctx, order.ID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return result, err
			}
			result.Failed++
			logger.Warn("reconcile.order.failed",
				zap.String("order_id", order.ID),
				zap.Error(err),
			)
			continue
		}
		if syncResult.Synced {
			result.Synced++
		}
	}

	logger.Info("reconcile.sweep.done",
		zap.Int("scanned", result.Scanned),
		zap.Int("synced", result.Synced),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

func (s *reconcileService) publishPaid(ctx context.Context, order domain.Order, payment shopline.Payment, applied ApplyResult, now time.Time) {
	if s.publisher == nil {
		return
	}
	event := OrderPaymentEvent{
		OrderID:      order.ID,
		OrderNumber:  order.Number,
		TradeOrderID: payment.TradeOrderID,
		EventType:    EventPaymentSucceeded,
		Previous:     string(applied.Previous),
		Current:      string(applied.Current),
		OccurredAt:   now,
	}
	if _, err := s.publisher.PublishOrderPaymentEvent(ctx, event); err != nil {
		requestctx.Logger(ctx).Warn("reconcile.publish_failed",
			zap.String("order_id", order.ID),
			zap.Error(err),
		)
	}
}
