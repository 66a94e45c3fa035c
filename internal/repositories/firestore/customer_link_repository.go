package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/orderbridge/payments/internal/domain"
	pfirestore "github.com/orderbridge/payments/internal/platform/firestore"
	"github.com/orderbridge/payments/internal/repositories"
)

const customerLinkCollection = "customerLinks"

// CustomerLinkRepository persists account-to-provider-customer bindings in
// Firestore, keyed by the local account id.
type CustomerLinkRepository struct {
	provider *pfirestore.Provider
}

// NewCustomerLinkRepository constructs a Firestore-backed customer link repository.
func NewCustomerLinkRepository(provider *pfirestore.Provider) (*CustomerLinkRepository, error) {
	if provider == nil {
		return nil, errors.New("customer link repository requires firestore provider")
	}
	return &CustomerLinkRepository{provider: provider}, nil
}

// FindByAccountID loads the binding for a local account.
func (r *CustomerLinkRepository) FindByAccountID(ctx context.Context, accountID string) (domain.CustomerLink, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.CustomerLink{}, err
	}
	id := strings.TrimSpace(accountID)
	if id == "" {
		return domain.CustomerLink{}, errors.New("customer link repository: account id is required")
	}
	snap, err := coll.Doc(id).Get(ctx)
	if err != nil {
		return domain.CustomerLink{}, pfirestore.WrapError("customer_links.get", err)
	}
	var doc customerLinkDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.CustomerLink{}, fmt.Errorf("decode customer link %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

// Insert stores a new binding. A binding already present for the account is
// surfaced as a conflict so callers can fall back to the stored id.
func (r *CustomerLinkRepository) Insert(ctx context.Context, link domain.CustomerLink) (domain.CustomerLink, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.CustomerLink{}, err
	}
	id := strings.TrimSpace(link.AccountID)
	if id == "" {
		return domain.CustomerLink{}, errors.New("customer link repository: account id is required")
	}
	if strings.TrimSpace(link.CustomerID) == "" {
		return domain.CustomerLink{}, errors.New("customer link repository: customer id is required")
	}

	now := time.Now().UTC()
	doc := customerLinkDocument{
		CustomerID: strings.TrimSpace(link.CustomerID),
		Email:      strings.TrimSpace(link.Email),
		CreatedAt:  link.CreatedAt.UTC(),
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		docRef := coll.Doc(id)
		_, err := tx.Get(docRef)
		if err == nil {
			return status.Error(codes.AlreadyExists, "customer link already exists")
		}
		if status.Code(err) != codes.NotFound {
			return err
		}
		return tx.Set(docRef, doc)
	})
	if err != nil {
		return domain.CustomerLink{}, pfirestore.WrapError("customer_links.insert", err)
	}
	return doc.toDomain(id), nil
}

func (r *CustomerLinkRepository) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("customer link repository not initialised")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(customerLinkCollection), nil
}

type customerLinkDocument struct {
	CustomerID string    `firestore:"customerId"`
	Email      string    `firestore:"email,omitempty"`
	CreatedAt  time.Time `firestore:"createdAt"`
}

func (d customerLinkDocument) toDomain(accountID string) domain.CustomerLink {
	return domain.CustomerLink{
		AccountID:  accountID,
		CustomerID: d.CustomerID,
		Email:      d.Email,
		CreatedAt:  d.CreatedAt,
	}
}

// Ensure interface compliance.
var _ repositories.CustomerLinkRepository = (*CustomerLinkRepository)(nil)
