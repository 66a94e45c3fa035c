package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	domain "github.com/orderbridge/payments/internal/domain"
	"github.com/orderbridge/payments/internal/platform/requestctx"
	"github.com/orderbridge/payments/internal/repositories"
	"github.com/orderbridge/payments/internal/shopline"
)

const instrumentCacheTTL = time.Hour

// ErrCustomerInvalidInput indicates the caller supplied invalid customer parameters.
var ErrCustomerInvalidInput = errors.New("customer: invalid input")

// EnsureCustomerCommand identifies the local account to bind a provider customer to.
type EnsureCustomerCommand struct {
	AccountID string
	Email     string
	Name      string
	Phone     string
}

// CustomerServiceDeps bundles collaborators required to construct a customer service.
type CustomerServiceDeps struct {
	Links  repositories.CustomerLinkRepository
	Client ProviderClient
	Clock  Clock
}

type customerService struct {
	links  repositories.CustomerLinkRepository
	client ProviderClient
	clock  Clock

	// instrumentCache maps customer id to a cachedInstruments entry. Entries
	// older than the TTL are treated as absent.
	instrumentCache sync.Map
}

type cachedInstruments struct {
	items     []shopline.Instrument
	fetchedAt time.Time
}

// NewCustomerService constructs the provider customer identity service.
func NewCustomerService(deps CustomerServiceDeps) (CustomerService, error) {
	if deps.Links == nil {
		return nil, errors.New("customer service: link repository is required")
	}
	if deps.Client == nil {
		return nil, errors.New("customer service: provider client is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &customerService{
		links:  deps.Links,
		client: deps.Client,
		clock:  clock,
	}, nil
}

// EnsureCustomer returns the provider customer for a local account, creating it
// on first use. A concurrent creation racing ahead is resolved by re-reading
// the stored binding.
func (s *customerService) EnsureCustomer(ctx context.Context, cmd EnsureCustomerCommand) (shopline.Customer, error) {
	accountID := strings.TrimSpace(cmd.AccountID)
	if accountID == "" {
		return shopline.Customer{}, fmt.Errorf("%w: account id is required", ErrCustomerInvalidInput)
	}

	link, err := s.links.FindByAccountID(ctx, accountID)
	if err == nil {
		return shopline.Customer{ID: link.CustomerID, Email: link.Email}, nil
	}
	if !isNotFound(err) {
		return shopline.Customer{}, err
	}

	customer, err := s.client.CreateCustomer(ctx, shopline.CreateCustomerRequest{
		ReferenceCustomerID: accountID,
		Email:               cmd.Email,
		Name:                cmd.Name,
		Phone:               cmd.Phone,
	})
	if err != nil {
		return shopline.Customer{}, err
	}

	_, err = s.links.Insert(ctx, domain.CustomerLink{
		AccountID:  accountID,
		CustomerID: customer.ID,
		Email:      customer.Email,
		CreatedAt:  s.clock().UTC(),
	})
	if err != nil {
		if isConflict(err) {
			// Another request created the binding first; its id wins.
			link, lookupErr := s.links.FindByAccountID(ctx, accountID)
			if lookupErr != nil {
				return shopline.Customer{}, lookupErr
			}
			return shopline.Customer{ID: link.CustomerID, Email: link.Email}, nil
		}
		return shopline.Customer{}, err
	}

	requestctx.Logger(ctx).Info("customer.created",
		zap.String("account_id", accountID),
		zap.String("customer_id", customer.ID),
	)
	return customer, nil
}

// ListInstruments returns the customer's saved instruments, served from the
// cache while fresh.
func (s *customerService) ListInstruments(ctx context.Context, customerID string) ([]shopline.Instrument, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, fmt.Errorf("%w: customer id is required", ErrCustomerInvalidInput)
	}

	now := s.clock()
	if value, ok := s.instrumentCache.Load(customerID); ok {
		cached := value.(cachedInstruments)
		if now.Sub(cached.fetchedAt) < instrumentCacheTTL {
			return cloneInstruments(cached.items), nil
		}
		s.instrumentCache.Delete(customerID)
	}

	instruments, err := s.client.QueryPaymentInstruments(ctx, customerID)
	if err != nil {
		return nil, err
	}

	s.instrumentCache.Store(customerID, cachedInstruments{
		items:     cloneInstruments(instruments),
		fetchedAt: now,
	})
	return instruments, nil
}

// UnbindInstrument detaches an instrument and drops the customer's cache entry
// so the next list reflects the removal.
func (s *customerService) UnbindInstrument(ctx context.Context, customerID, instrumentID string) error {
	customerID = strings.TrimSpace(customerID)
	instrumentID = strings.TrimSpace(instrumentID)
	if customerID == "" || instrumentID == "" {
		return fmt.Errorf("%w: customer id and instrument id are required", ErrCustomerInvalidInput)
	}

	if err := s.client.UnbindPaymentInstrument(ctx, customerID, instrumentID); err != nil {
		return err
	}
	s.instrumentCache.Delete(customerID)

	requestctx.Logger(ctx).Info("customer.instrument.unbound",
		zap.String("customer_id", customerID),
		zap.String("instrument_id", instrumentID),
	)
	return nil
}

func cloneInstruments(items []shopline.Instrument) []shopline.Instrument {
	out := make([]shopline.Instrument, len(items))
	copy(out, items)
	return out
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
