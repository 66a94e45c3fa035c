package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/orderbridge/payments/internal/platform/requestctx"
	"github.com/orderbridge/payments/internal/services"
	"github.com/orderbridge/payments/internal/shopline"
)

// maxWebhookBodyBytes bounds inbound notification payloads.
const maxWebhookBodyBytes = 1 << 20

const (
	headerTimestamp       = "timestamp"
	headerAPIVersion      = "apiVersion"
	headerSign            = "sign"
	headerLegacySignature = "X-Shopline-Signature"
)

// WebhookHandlers exposes the payment provider's notification surfaces.
type WebhookHandlers struct {
	service services.WebhookService
}

// NewWebhookHandlers constructs handlers backed by the given webhook service.
func NewWebhookHandlers(service services.WebhookService) *WebhookHandlers {
	return &WebhookHandlers{service: service}
}

// Register mounts the webhook routes onto the router group.
func (h *WebhookHandlers) Register(r chi.Router) {
	r.Post("/shopline", h.HandleShopline)
	r.Post("/shopline/legacy", h.HandleShoplineLegacy)
}

// HandleShopline receives REST webhook deliveries signed via the
// timestamp/apiVersion/sign header triple.
func (h *WebhookHandlers) HandleShopline(w http.ResponseWriter, r *http.Request) {
	body, err := readWebhookBody(r)
	if err != nil {
		writeWebhookError(w, "Invalid payload")
		return
	}

	delivery := services.WebhookDelivery{
		Body: body,
		Header: shopline.SignatureHeader{
			Timestamp:  r.Header.Get(headerTimestamp),
			APIVersion: r.Header.Get(headerAPIVersion),
			Sign:       r.Header.Get(headerSign),
		},
	}

	h.process(r.Context(), w, delivery)
}

// HandleShoplineLegacy receives deliveries on the deprecated surface, which
// signs the bare body under X-Shopline-Signature. Both surfaces funnel into the
// same processing path.
func (h *WebhookHandlers) HandleShoplineLegacy(w http.ResponseWriter, r *http.Request) {
	requestctx.Logger(r.Context()).Warn("deprecated webhook surface used",
		zap.String("surface", "legacy"),
	)

	body, err := readWebhookBody(r)
	if err != nil {
		writeWebhookError(w, "Invalid payload")
		return
	}

	delivery := services.WebhookDelivery{
		Body:            body,
		Legacy:          true,
		LegacySignature: r.Header.Get(headerLegacySignature),
	}

	h.process(r.Context(), w, delivery)
}

func (h *WebhookHandlers) process(ctx context.Context, w http.ResponseWriter, delivery services.WebhookDelivery) {
	if h == nil || h.service == nil {
		writeWebhookError(w, "Unable to process webhook")
		return
	}

	result, err := h.service.HandleNotification(ctx, delivery)
	if err != nil {
		requestctx.Logger(ctx).Warn("webhook rejected",
			zap.String("kind", shopline.KindOf(err).String()),
			zap.Error(err),
		)
		writeWebhookError(w, webhookErrorMessage(err))
		return
	}

	logger := requestctx.Logger(ctx)
	logger.Info("webhook processed",
		zap.String("event_type", result.EventType),
		zap.String("order_id", result.OrderID),
		zap.Bool("applied", result.Applied),
		zap.Bool("ignored", result.Ignored),
	)

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// webhookErrorMessage maps a processing failure to the diagnosable but
// non-leaking response the provider sees. Raw error text never crosses here.
func webhookErrorMessage(err error) string {
	switch shopline.KindOf(err) {
	case shopline.KindParse:
		return "Invalid payload"
	case shopline.KindOrderResolution:
		return "Order not found"
	case shopline.KindVerification:
		return "Invalid signature"
	default:
		return "Unable to process webhook"
	}
}

func readWebhookBody(r *http.Request) ([]byte, error) {
	defer func() { _ = r.Body.Close() }()
	return io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
}

// writeWebhookError emits the provider-facing error envelope. The surface is
// intentionally a bare {"error": ...} object at status 400.
func writeWebhookError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
