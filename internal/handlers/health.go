package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/orderbridge/payments/internal/platform/httpx"
	"github.com/orderbridge/payments/internal/platform/requestctx"
	"github.com/orderbridge/payments/internal/repositories"

	"go.uber.org/zap"
)

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	checker   repositories.HealthRepository
	clock     func() time.Time
	startedAt time.Time
}

// HealthOption customises the health handlers.
type HealthOption func(*HealthHandlers)

// WithHealthRepository wires the dependency checker backing /readyz.
func WithHealthRepository(checker repositories.HealthRepository) HealthOption {
	return func(h *HealthHandlers) {
		h.checker = checker
	}
}

// WithHealthClock injects a clock, primarily for tests.
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithHealthStartTime overrides the process start time used for uptime reporting.
func WithHealthStartTime(startedAt time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if !startedAt.IsZero() {
			h.startedAt = startedAt
		}
	}
}

// NewHealthHandlers constructs health handlers with the provided options.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		clock: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.startedAt.IsZero() {
		h.startedAt = h.clock()
	}
	return h
}

// Healthz reports process liveness. It never touches external dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    now.Sub(h.startedAt).String(),
		"timestamp": now.UTC().Format(time.RFC3339),
	})
}

// Readyz reports whether the service's dependencies are reachable.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.checker == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}

	if err := h.checker.CheckHealth(ctx); err != nil {
		requestctx.Logger(ctx).Warn("readiness check failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("not_ready", "dependency check failed", http.StatusServiceUnavailable))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
