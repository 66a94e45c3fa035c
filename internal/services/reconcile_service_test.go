package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/orderbridge/payments/internal/domain"
	"github.com/orderbridge/payments/internal/shopline"
)

// stubProviderClient implements ProviderClient with per-call hooks. Calls with
// no hook fail loudly so a test cannot silently exercise an unexpected path.
type stubProviderClient struct {
	queryPayment     func(ctx context.Context, tradeOrderID string) (shopline.Payment, error)
	querySession     func(ctx context.Context, sessionID string) (shopline.Session, error)
	cancelPayment    func(ctx context.Context, tradeOrderID string) (shopline.Payment, error)
	createCustomer   func(ctx context.Context, req shopline.CreateCustomerRequest) (shopline.Customer, error)
	queryInstruments func(ctx context.Context, customerID string) ([]shopline.Instrument, error)
	unbindInstrument func(ctx context.Context, customerID, instrumentID string) error
}

func (c *stubProviderClient) QueryPayment(ctx context.Context, tradeOrderID string) (shopline.Payment, error) {
	if c.queryPayment == nil {
		return shopline.Payment{}, errors.New("unexpected QueryPayment call")
	}
	return c.queryPayment(ctx, tradeOrderID)
}

func (c *stubProviderClient) QuerySession(ctx context.Context, sessionID string) (shopline.Session, error) {
	if c.querySession == nil {
		return shopline.Session{}, errors.New("unexpected QuerySession call")
	}
	return c.querySession(ctx, sessionID)
}

func (c *stubProviderClient) CancelPayment(ctx context.Context, tradeOrderID string) (shopline.Payment, error) {
	if c.cancelPayment == nil {
		return shopline.Payment{}, errors.New("unexpected CancelPayment call")
	}
	return c.cancelPayment(ctx, tradeOrderID)
}

func (c *stubProviderClient) CreateCustomer(ctx context.Context, req shopline.CreateCustomerRequest) (shopline.Customer, error) {
	if c.createCustomer == nil {
		return shopline.Customer{}, errors.New("unexpected CreateCustomer call")
	}
	return c.createCustomer(ctx, req)
}

func (c *stubProviderClient) QueryPaymentInstruments(ctx context.Context, customerID string) ([]shopline.Instrument, error) {
	if c.queryInstruments == nil {
		return nil, errors.New("unexpected QueryPaymentInstruments call")
	}
	return c.queryInstruments(ctx, customerID)
}

func (c *stubProviderClient) UnbindPaymentInstrument(ctx context.Context, customerID, instrumentID string) error {
	if c.unbindInstrument == nil {
		return errors.New("unexpected UnbindPaymentInstrument call")
	}
	return c.unbindInstrument(ctx, customerID, instrumentID)
}

func reconcileFixture(t *testing.T, repo *memOrderRepo, client *stubProviderClient, publisher *memPublisher, now time.Time, opts ...func(*ReconcileServiceDeps)) ReconcileService {
	t.Helper()
	deps := ReconcileServiceDeps{
		Orders:    repo,
		Client:    client,
		Publisher: publisher,
		Clock:     func() time.Time { return now },
		IDs:       sequentialIDs(),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	svc, err := NewReconcileService(deps)
	if err != nil {
		t.Fatalf("NewReconcileService returned error: %v", err)
	}
	return svc
}

func awaitingOrderWithID(id, tradeOrderID string) domain.Order {
	order := domain.Order{
		ID:         id,
		Number:     "n-" + id,
		Status:     domain.OrderStatusPending,
		CreatedAt:  time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		Attributes: map[string]any{},
	}
	if tradeOrderID != "" {
		order.Attributes[domain.AttrTradeOrderID] = tradeOrderID
	}
	return order
}

func TestSyncOrderAppliesProviderState(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	repo := newMemOrderRepo(awaitingOrderWithID("order-1", "T1"))
	publisher := &memPublisher{}
	client := &stubProviderClient{
		queryPayment: func(_ context.Context, tradeOrderID string) (shopline.Payment, error) {
			if tradeOrderID != "T1" {
				t.Fatalf("unexpected trade order id %q", tradeOrderID)
			}
			return shopline.Payment{TradeOrderID: "T1", Status: shopline.PaymentStatusSucceeded}, nil
		},
	}
	svc := reconcileFixture(t, repo, client, publisher, now)

	result, err := svc.SyncOrder(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("SyncOrder returned error: %v", err)
	}
	if !result.Synced || !result.MarkedPaid || result.Status != domain.OrderStatusProcessing {
		t.Fatalf("unexpected result: %+v", result)
	}

	order := repo.orders["order-1"]
	if !order.Paid || order.PaymentRef != "T1" {
		t.Fatalf("expected paid order, got %+v", order)
	}
	if len(order.Notes) != 1 {
		t.Fatalf("expected one audit note, got %d", len(order.Notes))
	}
	if len(publisher.events) != 1 || publisher.events[0].EventType != EventPaymentSucceeded {
		t.Fatalf("expected succeeded event, got %v", publisher.events)
	}
}

func TestSyncOrderDiscoversTransactionThroughSession(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	order := awaitingOrderWithID("order-1", "")
	order.Attributes[domain.AttrSessionID] = "sess-1"
	repo := newMemOrderRepo(order)

	client := &stubProviderClient{
		querySession: func(_ context.Context, sessionID string) (shopline.Session, error) {
			if sessionID != "sess-1" {
				t.Fatalf("unexpected session id %q", sessionID)
			}
			return shopline.Session{ID: "sess-1", TradeOrderID: "T9"}, nil
		},
		queryPayment: func(_ context.Context, tradeOrderID string) (shopline.Payment, error) {
			if tradeOrderID != "T9" {
				t.Fatalf("expected discovered transaction T9, got %q", tradeOrderID)
			}
			return shopline.Payment{TradeOrderID: "T9", Status: shopline.PaymentStatusPending}, nil
		},
	}
	svc := reconcileFixture(t, repo, client, &memPublisher{}, now)

	result, err := svc.SyncOrder(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("SyncOrder returned error: %v", err)
	}
	if !result.Synced {
		t.Fatalf("expected synced result: %+v", result)
	}

	// The discovered transaction id is persisted for the next sweep.
	updated := repo.orders["order-1"]
	if got := updated.StringAttribute(domain.AttrTradeOrderID); got != "T9" {
		t.Fatalf("expected persisted trade order id T9, got %q", got)
	}
}

func TestSyncOrderPendingSessionNotesStatusAndStops(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	order := awaitingOrderWithID("order-1", "")
	order.Attributes[domain.AttrSessionID] = "S1"
	repo := newMemOrderRepo(order)

	// No queryPayment hook: the sync must stop at the session.
	client := &stubProviderClient{
		querySession: func(_ context.Context, sessionID string) (shopline.Session, error) {
			return shopline.Session{ID: sessionID, Status: "PENDING"}, nil
		},
	}
	svc := reconcileFixture(t, repo, client, &memPublisher{}, now)

	result, err := svc.SyncOrder(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("SyncOrder returned error: %v", err)
	}
	if result.Synced || result.Skipped == "" {
		t.Fatalf("expected skipped result: %+v", result)
	}

	updated := repo.orders["order-1"]
	if updated.Status != domain.OrderStatusPending {
		t.Fatalf("pending session must not move the order, got %s", updated.Status)
	}
	if len(updated.Notes) != 1 || updated.Notes[0].Body != "Checkout session S1 status: PENDING; no transaction to sync yet." {
		t.Fatalf("unexpected notes %v", updated.Notes)
	}

	// The same session status does not pile up duplicate notes.
	writes := repo.updates
	if _, err := svc.SyncOrder(context.Background(), "order-1"); err != nil {
		t.Fatalf("second SyncOrder returned error: %v", err)
	}
	if got := len(repo.orders["order-1"].Notes); got != 1 {
		t.Fatalf("expected one session note after redelivery, got %d", got)
	}
	if repo.updates != writes {
		t.Fatal("unchanged session status must not write")
	}
}

func TestSyncOrderWithoutReferenceIsSkippedWithOneNote(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	repo := newMemOrderRepo(awaitingOrderWithID("order-1", ""))
	svc := reconcileFixture(t, repo, &stubProviderClient{}, &memPublisher{}, now)

	result, err := svc.SyncOrder(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("SyncOrder returned error: %v", err)
	}
	if result.Synced || result.Skipped == "" {
		t.Fatalf("expected skipped result: %+v", result)
	}

	notes := repo.orders["order-1"].Notes
	if len(notes) != 1 || notes[0].Body != "Payment status cannot be synced: the order has no transaction reference." {
		t.Fatalf("unexpected notes %v", notes)
	}

	// A second sync does not duplicate the note or rewrite the order.
	writes := repo.updates
	if _, err := svc.SyncOrder(context.Background(), "order-1"); err != nil {
		t.Fatalf("second SyncOrder returned error: %v", err)
	}
	if len(repo.orders["order-1"].Notes) != 1 {
		t.Fatal("missing-reference note must not be duplicated")
	}
	if repo.updates != writes {
		t.Fatal("second skipped sync must not write")
	}
}

func TestSyncOrderUnknownOrder(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := reconcileFixture(t, newMemOrderRepo(), &stubProviderClient{}, &memPublisher{}, now)

	_, err := svc.SyncOrder(context.Background(), "ghost")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestSyncRecentIsolatesPerOrderFailures(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	repo := newMemOrderRepo(
		awaitingOrderWithID("order-1", "T1"),
		awaitingOrderWithID("order-2", "BAD"),
		awaitingOrderWithID("order-3", "T3"),
	)
	client := &stubProviderClient{
		queryPayment: func(_ context.Context, tradeOrderID string) (shopline.Payment, error) {
			if tradeOrderID == "BAD" {
				return shopline.Payment{}, shopline.NewTransportError("query", errors.New("upstream 500"))
			}
			return shopline.Payment{TradeOrderID: tradeOrderID, Status: shopline.PaymentStatusSucceeded}, nil
		},
	}
	svc := reconcileFixture(t, repo, client, &memPublisher{}, now)

	result, err := svc.SyncRecent(context.Background())
	if err != nil {
		t.Fatalf("SyncRecent returned error: %v", err)
	}
	if result.Scanned != 3 || result.Synced != 2 || result.Failed != 1 {
		t.Fatalf("unexpected sweep result: %+v", result)
	}
	if !repo.orders["order-1"].Paid || !repo.orders["order-3"].Paid {
		t.Fatal("healthy orders must still sync when one fails")
	}
	if repo.orders["order-2"].Paid {
		t.Fatal("failing order must stay untouched")
	}
}

func TestSyncRecentAbortsOnCancelledContext(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	repo := newMemOrderRepo(awaitingOrderWithID("order-1", "T1"))
	svc := reconcileFixture(t, repo, &stubProviderClient{}, &memPublisher{}, now)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.SyncRecent(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if repo.orders["order-1"].Paid {
		t.Fatal("cancelled sweep must not touch orders")
	}
}

func TestSyncRecentHonorsWindowAndBatchSize(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	repo := newMemOrderRepo()
	svc := reconcileFixture(t, repo, &stubProviderClient{}, &memPublisher{}, now, func(deps *ReconcileServiceDeps) {
		deps.Window = 2 * time.Hour
		deps.BatchSize = 5
	})

	if _, err := svc.SyncRecent(context.Background()); err != nil {
		t.Fatalf("SyncRecent returned error: %v", err)
	}
	if want := now.Add(-2 * time.Hour); !repo.listSince.Equal(want) {
		t.Fatalf("expected since %v, got %v", want, repo.listSince)
	}
	if repo.listLimit != 5 {
		t.Fatalf("expected limit 5, got %d", repo.listLimit)
	}
}
