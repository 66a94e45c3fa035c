package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/orderbridge/payments/internal/platform/httpx"
	"github.com/orderbridge/payments/internal/platform/requestctx"
	"github.com/orderbridge/payments/internal/services"
	"github.com/orderbridge/payments/internal/shopline"
)

// headerInternalToken authenticates callers of the /internal surface.
const headerInternalToken = "X-Internal-Token"

// InternalTokenMiddleware rejects requests whose shared-secret header does not
// match the configured token. An empty configured token disables the surface.
func InternalTokenMiddleware(token string) func(http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				httpx.WriteError(r.Context(), w, httpx.NewError("internal_disabled", "internal endpoints are not configured", http.StatusServiceUnavailable))
				return
			}
			provided := strings.TrimSpace(r.Header.Get(headerInternalToken))
			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				httpx.WriteError(r.Context(), w, httpx.NewError("unauthorized", "invalid internal token", http.StatusUnauthorized))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// InternalHandlers exposes operator-triggered reconciliation and customer
// management endpoints.
type InternalHandlers struct {
	reconcile services.ReconcileService
	customers services.CustomerService
	payments  services.OrderPaymentService
}

// InternalHandlersDeps bundles the services backing the internal surface.
type InternalHandlersDeps struct {
	Reconcile services.ReconcileService
	Customers services.CustomerService
	Payments  services.OrderPaymentService
}

// NewInternalHandlers constructs the internal endpoint handlers.
func NewInternalHandlers(deps InternalHandlersDeps) *InternalHandlers {
	return &InternalHandlers{
		reconcile: deps.Reconcile,
		customers: deps.Customers,
		payments:  deps.Payments,
	}
}

// Register mounts the internal routes onto the router group.
func (h *InternalHandlers) Register(r chi.Router) {
	r.Post("/reconcile", h.ReconcileRecent)
	r.Post("/reconcile/{orderID}", h.ReconcileOrder)
	r.Post("/customers", h.EnsureCustomer)
	r.Get("/customers/{customerID}/instruments", h.ListInstruments)
	r.Delete("/customers/{customerID}/instruments/{instrumentID}", h.UnbindInstrument)
	r.Post("/orders/{orderID}/cancel-payment", h.CancelPayment)
}

// ReconcileRecent triggers a sweep over orders still awaiting payment.
func (h *InternalHandlers) ReconcileRecent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil {
		httpx.WriteError(ctx, w, httpx.NewError("not_configured", "reconciliation is not configured", http.StatusServiceUnavailable))
		return
	}

	result, err := h.reconcile.SyncRecent(ctx)
	if err != nil {
		requestctx.Logger(ctx).Error("manual reconcile sweep failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("reconcile_failed", "reconcile sweep failed", http.StatusInternalServerError))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"scanned": result.Scanned,
		"synced":  result.Synced,
		"failed":  result.Failed,
	})
}

// ReconcileOrder triggers reconciliation of a single order.
func (h *InternalHandlers) ReconcileOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconcile == nil {
		httpx.WriteError(ctx, w, httpx.NewError("not_configured", "reconciliation is not configured", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	result, err := h.reconcile.SyncOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, services.ErrOrderNotFound) {
			httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
			return
		}
		requestctx.Logger(ctx).Error("manual order reconcile failed",
			zap.String("order_id", orderID),
			zap.Error(err),
		)
		httpx.WriteError(ctx, w, httpx.NewError("reconcile_failed", "order reconcile failed", http.StatusInternalServerError))
		return
	}

	payload := map[string]any{
		"orderId":    result.OrderID,
		"synced":     result.Synced,
		"markedPaid": result.MarkedPaid,
		"status":     string(result.Status),
	}
	if result.Skipped != "" {
		payload["skipped"] = result.Skipped
	}
	writeJSON(w, http.StatusOK, payload)
}

type ensureCustomerRequest struct {
	AccountID string `json:"accountId"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
}

// EnsureCustomer creates or returns the provider customer for an account.
func (h *InternalHandlers) EnsureCustomer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.customers == nil {
		httpx.WriteError(ctx, w, httpx.NewError("not_configured", "customer management is not configured", http.StatusServiceUnavailable))
		return
	}

	var req ensureCustomerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)).Decode(&req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid request body", http.StatusBadRequest))
		return
	}

	customer, err := h.customers.EnsureCustomer(ctx, services.EnsureCustomerCommand{
		AccountID: req.AccountID,
		Email:     req.Email,
		Name:      req.Name,
		Phone:     req.Phone,
	})
	if err != nil {
		if errors.Is(err, services.ErrCustomerInvalidInput) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "account id and email are required", http.StatusBadRequest))
			return
		}
		requestctx.Logger(ctx).Error("ensure customer failed",
			zap.String("account_id", req.AccountID),
			zap.Error(err),
		)
		httpx.WriteError(ctx, w, httpx.NewError("customer_failed", "could not ensure customer", http.StatusBadGateway))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"customerId": customer.ID,
		"email":      customer.Email,
	})
}

// ListInstruments returns the saved payment instruments for a provider customer.
func (h *InternalHandlers) ListInstruments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.customers == nil {
		httpx.WriteError(ctx, w, httpx.NewError("not_configured", "customer management is not configured", http.StatusServiceUnavailable))
		return
	}

	customerID := strings.TrimSpace(chi.URLParam(r, "customerID"))
	if customerID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "customer id is required", http.StatusBadRequest))
		return
	}

	instruments, err := h.customers.ListInstruments(ctx, customerID)
	if err != nil {
		requestctx.Logger(ctx).Error("list instruments failed",
			zap.String("customer_id", customerID),
			zap.Error(err),
		)
		httpx.WriteError(ctx, w, httpx.NewError("instruments_failed", "could not list payment instruments", http.StatusBadGateway))
		return
	}

	items := make([]map[string]any, 0, len(instruments))
	for _, instrument := range instruments {
		items = append(items, instrumentPayload(instrument))
	}
	writeJSON(w, http.StatusOK, map[string]any{"instruments": items})
}

// UnbindInstrument detaches a saved payment instrument from a customer.
func (h *InternalHandlers) UnbindInstrument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.customers == nil {
		httpx.WriteError(ctx, w, httpx.NewError("not_configured", "customer management is not configured", http.StatusServiceUnavailable))
		return
	}

	customerID := strings.TrimSpace(chi.URLParam(r, "customerID"))
	instrumentID := strings.TrimSpace(chi.URLParam(r, "instrumentID"))
	if customerID == "" || instrumentID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "customer id and instrument id are required", http.StatusBadRequest))
		return
	}

	if err := h.customers.UnbindInstrument(ctx, customerID, instrumentID); err != nil {
		requestctx.Logger(ctx).Error("unbind instrument failed",
			zap.String("customer_id", customerID),
			zap.String("instrument_id", instrumentID),
			zap.Error(err),
		)
		httpx.WriteError(ctx, w, httpx.NewError("unbind_failed", "could not unbind payment instrument", http.StatusBadGateway))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CancelPayment cancels the pending payment attached to an order.
func (h *InternalHandlers) CancelPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("not_configured", "payment actions are not configured", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.payments.CancelPayment(ctx, orderID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrOrderNotFound):
			httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		case errors.Is(err, services.ErrPaymentNotCancellable):
			httpx.WriteError(ctx, w, httpx.NewError("not_cancellable", "payment can no longer be cancelled", http.StatusConflict))
		case errors.Is(err, services.ErrMissingTransactionRef):
			httpx.WriteError(ctx, w, httpx.NewError("missing_transaction_ref", "order has no transaction reference", http.StatusConflict))
		default:
			requestctx.Logger(ctx).Error("cancel payment failed",
				zap.String("order_id", orderID),
				zap.Error(err),
			)
			httpx.WriteError(ctx, w, httpx.NewError("cancel_failed", "could not cancel payment", http.StatusBadGateway))
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"orderId": order.ID,
		"status":  string(order.Status),
	})
}

func instrumentPayload(instrument shopline.Instrument) map[string]any {
	payload := map[string]any{
		"id":     instrument.ID,
		"type":   instrument.Type,
		"status": instrument.Status,
	}
	if last4 := instrument.CardLast4(); last4 != "" {
		payload["cardLast4"] = last4
	}
	if brand := instrument.CardBrand(); brand != "" {
		payload["cardBrand"] = brand
	}
	return payload
}
