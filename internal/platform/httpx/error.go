// Package httpx renders the JSON error envelope used by the health and
// internal surfaces. Webhook responses use the provider-mandated bare
// {"error": ...} shape instead and are rendered in the handlers package.
package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/orderbridge/payments/internal/platform/requestctx"
)

// Error is a stable machine-readable code plus a human-readable message.
type Error struct {
	Code    string
	Message string
	Status  int
}

// NewError constructs an Error, defaulting the status to 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    sanitizeField(code, 80),
		Message: sanitizeField(message, 512),
		Status:  status,
	}
}

// WriteError writes the envelope, attaching the request id and trace id from
// the context when present so a response can be matched to its log lines.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	payload := map[string]any{
		"error":   err.Code,
		"message": err.Message,
		"status":  status,
	}
	if id := sanitizeField(middleware.GetReqID(ctx), 80); id != "" {
		payload["request_id"] = id
	}
	if id := sanitizeField(requestctx.TraceID(ctx), 64); id != "" {
		payload["trace_id"] = id
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// sanitizeField keeps log-injection characters and oversized values out of the
// envelope.
func sanitizeField(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.TrimSpace(value)
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
