package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/orderbridge/payments/internal/domain"
	"github.com/orderbridge/payments/internal/shopline"
)

type repoConflictError struct{ msg string }

func (e repoConflictError) Error() string       { return e.msg }
func (e repoConflictError) IsNotFound() bool    { return false }
func (e repoConflictError) IsConflict() bool    { return true }
func (e repoConflictError) IsUnavailable() bool { return false }

// memLinkRepo is an in-memory CustomerLinkRepository.
type memLinkRepo struct {
	links     map[string]domain.CustomerLink
	insertErr error
	inserts   int
}

func newMemLinkRepo(links ...domain.CustomerLink) *memLinkRepo {
	repo := &memLinkRepo{links: make(map[string]domain.CustomerLink)}
	for _, link := range links {
		repo.links[link.AccountID] = link
	}
	return repo
}

func (r *memLinkRepo) FindByAccountID(_ context.Context, accountID string) (domain.CustomerLink, error) {
	link, ok := r.links[accountID]
	if !ok {
		return domain.CustomerLink{}, repoNotFoundError{msg: "no link for " + accountID}
	}
	return link, nil
}

func (r *memLinkRepo) Insert(_ context.Context, link domain.CustomerLink) (domain.CustomerLink, error) {
	if r.insertErr != nil {
		return domain.CustomerLink{}, r.insertErr
	}
	if _, exists := r.links[link.AccountID]; exists {
		return domain.CustomerLink{}, repoConflictError{msg: "link exists for " + link.AccountID}
	}
	r.inserts++
	r.links[link.AccountID] = link
	return link, nil
}

func customerFixture(t *testing.T, links *memLinkRepo, client *stubProviderClient, clock Clock) CustomerService {
	t.Helper()
	svc, err := NewCustomerService(CustomerServiceDeps{
		Links:  links,
		Client: client,
		Clock:  clock,
	})
	if err != nil {
		t.Fatalf("NewCustomerService returned error: %v", err)
	}
	return svc
}

func TestEnsureCustomerCreatesOnFirstUse(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	links := newMemLinkRepo()
	created := 0
	client := &stubProviderClient{
		createCustomer: func(_ context.Context, req shopline.CreateCustomerRequest) (shopline.Customer, error) {
			created++
			if req.ReferenceCustomerID != "acct-1" || req.Email != "a@b.c" {
				t.Fatalf("unexpected create request %+v", req)
			}
			return shopline.Customer{ID: "cus-1", Email: req.Email}, nil
		},
	}
	svc := customerFixture(t, links, client, func() time.Time { return now })

	customer, err := svc.EnsureCustomer(context.Background(), EnsureCustomerCommand{
		AccountID: "acct-1",
		Email:     "a@b.c",
		Name:      "A B",
	})
	if err != nil {
		t.Fatalf("EnsureCustomer returned error: %v", err)
	}
	if customer.ID != "cus-1" {
		t.Fatalf("expected cus-1, got %q", customer.ID)
	}
	if created != 1 || links.inserts != 1 {
		t.Fatalf("expected one creation and one insert, got %d/%d", created, links.inserts)
	}
	if link := links.links["acct-1"]; link.CustomerID != "cus-1" || !link.CreatedAt.Equal(now) {
		t.Fatalf("unexpected stored link %+v", link)
	}
}

func TestEnsureCustomerReusesExistingBinding(t *testing.T) {
	links := newMemLinkRepo(domain.CustomerLink{
		AccountID:  "acct-1",
		CustomerID: "cus-existing",
		Email:      "a@b.c",
	})
	// No createCustomer hook: a provider call would fail the test.
	svc := customerFixture(t, links, &stubProviderClient{}, time.Now)

	customer, err := svc.EnsureCustomer(context.Background(), EnsureCustomerCommand{AccountID: "acct-1"})
	if err != nil {
		t.Fatalf("EnsureCustomer returned error: %v", err)
	}
	if customer.ID != "cus-existing" || customer.Email != "a@b.c" {
		t.Fatalf("expected stored binding, got %+v", customer)
	}
}

func TestEnsureCustomerConflictFallsBackToStoredBinding(t *testing.T) {
	links := newMemLinkRepo()
	client := &stubProviderClient{
		createCustomer: func(_ context.Context, req shopline.CreateCustomerRequest) (shopline.Customer, error) {
			// Simulate a concurrent request winning the insert race.
			links.links[req.ReferenceCustomerID] = domain.CustomerLink{
				AccountID:  req.ReferenceCustomerID,
				CustomerID: "cus-winner",
				Email:      req.Email,
			}
			links.insertErr = repoConflictError{msg: "binding exists"}
			return shopline.Customer{ID: "cus-loser", Email: req.Email}, nil
		},
	}
	svc := customerFixture(t, links, client, time.Now)

	customer, err := svc.EnsureCustomer(context.Background(), EnsureCustomerCommand{
		AccountID: "acct-1",
		Email:     "a@b.c",
	})
	if err != nil {
		t.Fatalf("EnsureCustomer returned error: %v", err)
	}
	if customer.ID != "cus-winner" {
		t.Fatalf("conflict must resolve to the stored binding, got %q", customer.ID)
	}
}

func TestEnsureCustomerRequiresAccountID(t *testing.T) {
	svc := customerFixture(t, newMemLinkRepo(), &stubProviderClient{}, time.Now)

	_, err := svc.EnsureCustomer(context.Background(), EnsureCustomerCommand{AccountID: "  "})
	if !errors.Is(err, ErrCustomerInvalidInput) {
		t.Fatalf("expected ErrCustomerInvalidInput, got %v", err)
	}
}

func TestListInstrumentsCachesForAnHour(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	calls := 0
	client := &stubProviderClient{
		queryInstruments: func(_ context.Context, customerID string) ([]shopline.Instrument, error) {
			calls++
			return []shopline.Instrument{{ID: "pi-1", Status: shopline.InstrumentStatusEnabled}}, nil
		},
	}
	svc := customerFixture(t, newMemLinkRepo(), client, func() time.Time { return now })

	for i := 0; i < 3; i++ {
		instruments, err := svc.ListInstruments(context.Background(), "cus-1")
		if err != nil {
			t.Fatalf("ListInstruments returned error: %v", err)
		}
		if len(instruments) != 1 || instruments[0].ID != "pi-1" {
			t.Fatalf("unexpected instruments %v", instruments)
		}
	}
	if calls != 1 {
		t.Fatalf("expected a single provider call while fresh, got %d", calls)
	}

	now = now.Add(instrumentCacheTTL + time.Minute)
	if _, err := svc.ListInstruments(context.Background(), "cus-1"); err != nil {
		t.Fatalf("ListInstruments returned error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected refetch after expiry, got %d calls", calls)
	}
}

func TestListInstrumentsReturnsCopies(t *testing.T) {
	client := &stubProviderClient{
		queryInstruments: func(context.Context, string) ([]shopline.Instrument, error) {
			return []shopline.Instrument{{ID: "pi-1"}}, nil
		},
	}
	svc := customerFixture(t, newMemLinkRepo(), client, time.Now)

	first, err := svc.ListInstruments(context.Background(), "cus-1")
	if err != nil {
		t.Fatalf("ListInstruments returned error: %v", err)
	}
	first[0].ID = "tampered"

	second, err := svc.ListInstruments(context.Background(), "cus-1")
	if err != nil {
		t.Fatalf("ListInstruments returned error: %v", err)
	}
	if second[0].ID != "pi-1" {
		t.Fatalf("cache must not observe caller mutations, got %q", second[0].ID)
	}
}

func TestUnbindInstrumentInvalidatesCache(t *testing.T) {
	calls := 0
	unbound := ""
	client := &stubProviderClient{
		queryInstruments: func(context.Context, string) ([]shopline.Instrument, error) {
			calls++
			return []shopline.Instrument{{ID: "pi-1"}}, nil
		},
		unbindInstrument: func(_ context.Context, customerID, instrumentID string) error {
			unbound = customerID + "/" + instrumentID
			return nil
		},
	}
	svc := customerFixture(t, newMemLinkRepo(), client, time.Now)

	if _, err := svc.ListInstruments(context.Background(), "cus-1"); err != nil {
		t.Fatalf("ListInstruments returned error: %v", err)
	}
	if err := svc.UnbindInstrument(context.Background(), "cus-1", "pi-1"); err != nil {
		t.Fatalf("UnbindInstrument returned error: %v", err)
	}
	if unbound != "cus-1/pi-1" {
		t.Fatalf("unexpected unbind target %q", unbound)
	}

	if _, err := svc.ListInstruments(context.Background(), "cus-1"); err != nil {
		t.Fatalf("ListInstruments returned error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected cache invalidation to force a refetch, got %d calls", calls)
	}
}

func TestUnbindInstrumentValidatesInput(t *testing.T) {
	svc := customerFixture(t, newMemLinkRepo(), &stubProviderClient{}, time.Now)

	if err := svc.UnbindInstrument(context.Background(), "", "pi-1"); !errors.Is(err, ErrCustomerInvalidInput) {
		t.Fatalf("expected ErrCustomerInvalidInput, got %v", err)
	}
	if err := svc.UnbindInstrument(context.Background(), "cus-1", " "); !errors.Is(err, ErrCustomerInvalidInput) {
		t.Fatalf("expected ErrCustomerInvalidInput, got %v", err)
	}
}
