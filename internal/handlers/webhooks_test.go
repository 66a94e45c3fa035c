package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	domain "github.com/orderbridge/payments/internal/domain"
	"github.com/orderbridge/payments/internal/services"
	"github.com/orderbridge/payments/internal/shopline"
)

type stubWebhookService struct {
	result       services.WebhookResult
	err          error
	lastDelivery services.WebhookDelivery
	calls        int
}

func (s *stubWebhookService) HandleNotification(_ context.Context, delivery services.WebhookDelivery) (services.WebhookResult, error) {
	s.calls++
	s.lastDelivery = delivery
	return s.result, s.err
}

func TestHandleShoplineSuccess(t *testing.T) {
	svc := &stubWebhookService{result: services.WebhookResult{EventType: "payment.success", OrderID: "order-1", Applied: true}}
	handlers := NewWebhookHandlers(svc)

	body := []byte(`{"eventType":"payment.success","data":{"tradeOrderId":"TRADE1"}}`)
	req := httptest.NewRequest(http.MethodPost, "/shopline", bytes.NewReader(body))
	req.Header.Set("timestamp", "1700000000000")
	req.Header.Set("apiVersion", "V1")
	req.Header.Set("sign", "abc123")
	rr := httptest.NewRecorder()

	handlers.HandleShopline(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", payload)
	}

	if svc.lastDelivery.Legacy {
		t.Fatal("REST surface must not mark the delivery as legacy")
	}
	if svc.lastDelivery.Header.Timestamp != "1700000000000" {
		t.Fatalf("expected timestamp header forwarded, got %q", svc.lastDelivery.Header.Timestamp)
	}
	if svc.lastDelivery.Header.APIVersion != "V1" {
		t.Fatalf("expected apiVersion header forwarded, got %q", svc.lastDelivery.Header.APIVersion)
	}
	if svc.lastDelivery.Header.Sign != "abc123" {
		t.Fatalf("expected sign header forwarded, got %q", svc.lastDelivery.Header.Sign)
	}
	if !bytes.Equal(svc.lastDelivery.Body, body) {
		t.Fatal("expected raw body forwarded unchanged")
	}
}

func TestHandleShoplineErrorMapping(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		message string
	}{
		{name: "parse", err: shopline.NewParseError("webhook.envelope", "eventType is required"), message: "Invalid payload"},
		{name: "resolution", err: shopline.NewResolutionError("webhook.resolve_order", "no order"), message: "Order not found"},
		{name: "verification", err: shopline.NewVerificationError("verify", "invalid signature"), message: "Invalid signature"},
		{name: "transport", err: shopline.NewTransportError("query", fmt.Errorf("boom")), message: "Unable to process webhook"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handlers := NewWebhookHandlers(&stubWebhookService{err: tc.err})

			req := httptest.NewRequest(http.MethodPost, "/shopline", bytes.NewReader([]byte(`{}`)))
			rr := httptest.NewRecorder()

			handlers.HandleShopline(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", rr.Code)
			}
			var payload map[string]string
			if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if payload["error"] != tc.message {
				t.Fatalf("expected error %q, got %q", tc.message, payload["error"])
			}
			if raw := rr.Body.String(); bytes.Contains([]byte(raw), []byte("boom")) {
				t.Fatalf("raw error text leaked to the client: %s", raw)
			}
		})
	}
}

func TestHandleShoplineLegacyFunnelsIntoSameService(t *testing.T) {
	svc := &stubWebhookService{result: services.WebhookResult{EventType: "payment.success", Applied: true}}
	handlers := NewWebhookHandlers(svc)

	body := []byte(`{"event":"payment.success","tradeOrderId":"TRADE1"}`)
	req := httptest.NewRequest(http.MethodPost, "/shopline/legacy", bytes.NewReader(body))
	req.Header.Set("X-Shopline-Signature", "deadbeef")
	rr := httptest.NewRecorder()

	handlers.HandleShoplineLegacy(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if svc.calls != 1 {
		t.Fatalf("expected one service call, got %d", svc.calls)
	}
	if !svc.lastDelivery.Legacy {
		t.Fatal("expected delivery marked legacy")
	}
	if svc.lastDelivery.LegacySignature != "deadbeef" {
		t.Fatalf("expected legacy signature forwarded, got %q", svc.lastDelivery.LegacySignature)
	}
}

type webhookOrderRepo struct {
	order   domain.Order
	updated *domain.Order
}

type repoNotFoundError struct{ msg string }

func (e repoNotFoundError) Error() string       { return e.msg }
func (e repoNotFoundError) IsNotFound() bool    { return true }
func (e repoNotFoundError) IsConflict() bool    { return false }
func (e repoNotFoundError) IsUnavailable() bool { return false }

func (r *webhookOrderRepo) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	if orderID != r.order.ID {
		return domain.Order{}, repoNotFoundError{msg: "order not found"}
	}
	return r.order, nil
}

func (r *webhookOrderRepo) FindByTradeOrderID(_ context.Context, tradeOrderID string) (domain.Order, error) {
	if r.order.StringAttribute(domain.AttrTradeOrderID) != tradeOrderID {
		return domain.Order{}, repoNotFoundError{msg: "order not found"}
	}
	return r.order, nil
}

func (r *webhookOrderRepo) ListAwaitingPayment(context.Context, time.Time, int) ([]domain.Order, error) {
	return nil, nil
}

func (r *webhookOrderRepo) Update(_ context.Context, order domain.Order) (domain.Order, error) {
	r.order = order
	r.updated = &order
	return order, nil
}

// TestWebhookSurfaceAppliesSignedSuccess drives a genuine signed delivery through
// the HTTP surface, the ingestion service, and the state mapper.
func TestWebhookSurfaceAppliesSignedSuccess(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	creds := shopline.Credentials{MerchantID: "m1", SandboxKey: "test-key", Sandbox: true}
	verifier := shopline.NewVerifier(creds, shopline.WithVerifierClock(func() time.Time { return now }))

	repo := &webhookOrderRepo{
		order: domain.Order{
			ID:        "order-7",
			Number:    "1007",
			Status:    domain.OrderStatusPending,
			CreatedAt: now.Add(-time.Hour),
			Attributes: map[string]any{
				domain.AttrTradeOrderID: "TRADE7",
			},
		},
	}

	seq := 0
	svc, err := services.NewWebhookService(services.WebhookServiceDeps{
		Orders:   repo,
		Verifier: verifier,
		Clock:    func() time.Time { return now },
		IDs: func() string {
			seq++
			return fmt.Sprintf("note-%d", seq)
		},
	})
	if err != nil {
		t.Fatalf("NewWebhookService returned error: %v", err)
	}

	handlers := NewWebhookHandlers(svc)

	body, err := json.Marshal(map[string]any{
		"eventType": "payment.success",
		"data": map[string]any{
			"tradeOrderId":  "TRADE7",
			"status":        shopline.PaymentStatusSucceeded,
			"paymentMethod": "CreditCard",
		},
	})
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}

	timestamp := strconv.FormatInt(now.UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte("test-key"))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	sign := hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/shopline", bytes.NewReader(body))
	req.Header.Set("timestamp", timestamp)
	req.Header.Set("apiVersion", "V1")
	req.Header.Set("sign", sign)
	rr := httptest.NewRecorder()

	handlers.HandleShopline(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body %s", rr.Code, rr.Body.String())
	}
	if repo.updated == nil {
		t.Fatal("expected the order to be persisted")
	}
	if repo.updated.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected status processing, got %s", repo.updated.Status)
	}
	if !repo.updated.Paid {
		t.Fatal("expected the order to be marked paid")
	}
	if repo.updated.PaymentRef != "TRADE7" {
		t.Fatalf("expected payment reference TRADE7, got %q", repo.updated.PaymentRef)
	}
}

// TestWebhookSurfaceRejectsBadSignature tampers with the body after signing and
// expects the generic signature rejection.
func TestWebhookSurfaceRejectsBadSignature(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	creds := shopline.Credentials{MerchantID: "m1", SandboxKey: "test-key", Sandbox: true}
	verifier := shopline.NewVerifier(creds, shopline.WithVerifierClock(func() time.Time { return now }))

	repo := &webhookOrderRepo{
		order: domain.Order{
			ID:     "order-7",
			Status: domain.OrderStatusPending,
			Attributes: map[string]any{
				domain.AttrTradeOrderID: "TRADE7",
			},
		},
	}

	svc, err := services.NewWebhookService(services.WebhookServiceDeps{
		Orders:   repo,
		Verifier: verifier,
		Clock:    func() time.Time { return now },
		IDs:      func() string { return "note-1" },
	})
	if err != nil {
		t.Fatalf("NewWebhookService returned error: %v", err)
	}

	handlers := NewWebhookHandlers(svc)

	body := []byte(`{"eventType":"payment.success","data":{"tradeOrderId":"TRADE7","status":"SUCCEEDED"}}`)
	timestamp := strconv.FormatInt(now.UnixMilli(), 10)

	req := httptest.NewRequest(http.MethodPost, "/shopline", bytes.NewReader(body))
	req.Header.Set("timestamp", timestamp)
	req.Header.Set("apiVersion", "V1")
	req.Header.Set("sign", hex.EncodeToString([]byte("not-a-real-signature")))
	rr := httptest.NewRecorder()

	handlers.HandleShopline(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload["error"] != "Invalid signature" {
		t.Fatalf("expected Invalid signature, got %q", payload["error"])
	}
	if repo.updated != nil {
		t.Fatal("order must not be mutated on a rejected delivery")
	}
}
