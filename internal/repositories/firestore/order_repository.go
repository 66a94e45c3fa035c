package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/orderbridge/payments/internal/domain"
	pfirestore "github.com/orderbridge/payments/internal/platform/firestore"
	"github.com/orderbridge/payments/internal/repositories"
)

const (
	orderCollection = "orders"

	tradeOrderIDField = "attributes." + domain.AttrTradeOrderID
)

// OrderRepository persists orders in Firestore. Provider transaction ids and
// session ids live inside the attributes map, so the provider-side lookups
// query on dotted attribute paths.
type OrderRepository struct {
	provider *pfirestore.Provider
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{provider: provider}, nil
}

// FindByID loads a single order by its document id.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	snap, err := coll.Doc(id).Get(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.get", err)
	}
	return decodeOrderDocument(snap)
}

// FindByTradeOrderID resolves the order bound to a provider transaction id.
func (r *OrderRepository) FindByTradeOrderID(ctx context.Context, tradeOrderID string) (domain.Order, error) {
	return r.findByAttribute(ctx, "orders.find_by_trade_order", tradeOrderIDField, tradeOrderID)
}

func (r *OrderRepository) findByAttribute(ctx context.Context, op, field, value string) (domain.Order, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return domain.Order{}, errors.New("order repository: lookup value is required")
	}

	iter := coll.Where(field, "==", value).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.Order{}, pfirestore.WrapError(op, status.Error(codes.NotFound, "order not found"))
	}
	if err != nil {
		return domain.Order{}, pfirestore.WrapError(op, err)
	}
	return decodeOrderDocument(snap)
}

// ListAwaitingPayment returns orders in an awaiting-payment status created at or
// after since, ordered oldest first, capped at limit.
func (r *OrderRepository) ListAwaitingPayment(ctx context.Context, since time.Time, limit int) ([]domain.Order, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, errors.New("order repository: limit must be positive")
	}

	query := coll.
		Where("status", "in", []string{string(domain.OrderStatusPending), string(domain.OrderStatusOnHold)}).
		Where("createdAt", ">=", since.UTC()).
		OrderBy("createdAt", firestore.Asc).
		Limit(limit)

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("orders.list_awaiting", err)
		}
		order, err := decodeOrderDocument(snap)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// Update persists the order's mutable state. The write is guarded by the last
// observed update time so concurrent writers surface as conflicts.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) (domain.Order, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}

	now := time.Now().UTC()
	doc := encodeOrderDocument(order, now)

	var saved domain.Order
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		docRef := coll.Doc(id)
		snap, err := tx.Get(docRef)
		if err != nil {
			return err
		}
		var current orderDocument
		if err := snap.DataTo(&current); err != nil {
			return fmt.Errorf("decode order %s: %w", id, err)
		}
		if !order.UpdatedAt.IsZero() && current.UpdatedAt.After(order.UpdatedAt) {
			return status.Error(codes.Aborted, "order modified concurrently")
		}
		if err := tx.Set(docRef, doc); err != nil {
			return err
		}
		saved = doc.toDomain(id)
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.update", err)
	}
	return saved, nil
}

func (r *OrderRepository) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("order repository not initialised")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(orderCollection), nil
}

func decodeOrderDocument(snapshot *firestore.DocumentSnapshot) (domain.Order, error) {
	var doc orderDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("decode order %s: %w", snapshot.Ref.ID, err)
	}
	return doc.toDomain(snapshot.Ref.ID), nil
}

func encodeOrderDocument(order domain.Order, now time.Time) orderDocument {
	doc := orderDocument{
		Number:     strings.TrimSpace(order.Number),
		Status:     string(order.Status),
		Paid:       order.Paid,
		PaymentRef: strings.TrimSpace(order.PaymentRef),
		CreatedAt:  order.CreatedAt.UTC(),
		UpdatedAt:  now,
		Attributes: order.Attributes,
	}
	if order.PaidAt != nil {
		paidAt := order.PaidAt.UTC()
		doc.PaidAt = &paidAt
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.Attributes == nil {
		doc.Attributes = map[string]any{}
	}
	doc.Notes = make([]orderNoteDocument, 0, len(order.Notes))
	for _, note := range order.Notes {
		doc.Notes = append(doc.Notes, orderNoteDocument{
			ID:        note.ID,
			Body:      note.Body,
			CreatedAt: note.CreatedAt.UTC(),
		})
	}
	return doc
}

type orderDocument struct {
	Number     string              `firestore:"number"`
	Status     string              `firestore:"status"`
	Paid       bool                `firestore:"paid"`
	PaidAt     *time.Time          `firestore:"paidAt,omitempty"`
	PaymentRef string              `firestore:"paymentRef,omitempty"`
	CreatedAt  time.Time           `firestore:"createdAt"`
	UpdatedAt  time.Time           `firestore:"updatedAt"`
	Attributes map[string]any      `firestore:"attributes"`
	Notes      []orderNoteDocument `firestore:"notes"`
}

type orderNoteDocument struct {
	ID        string    `firestore:"id"`
	Body      string    `firestore:"body"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:         id,
		Number:     d.Number,
		Status:     domain.OrderStatus(d.Status),
		Paid:       d.Paid,
		PaymentRef: d.PaymentRef,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
		Attributes: d.Attributes,
	}
	if d.PaidAt != nil {
		paidAt := *d.PaidAt
		order.PaidAt = &paidAt
	}
	if order.Attributes == nil {
		order.Attributes = map[string]any{}
	}
	order.Notes = make([]domain.OrderNote, 0, len(d.Notes))
	for _, note := range d.Notes {
		order.Notes = append(order.Notes, domain.OrderNote{
			ID:        note.ID,
			Body:      note.Body,
			CreatedAt: note.CreatedAt,
		})
	}
	return order
}

// Ensure interface compliance.
var _ repositories.OrderRepository = (*OrderRepository)(nil)
