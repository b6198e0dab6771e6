package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/meritflow/compcycle/internal/platform/httpx"
	"github.com/meritflow/compcycle/internal/platform/jobs"
	"github.com/meritflow/compcycle/internal/platform/observability"
)

// InternalJobHandlers receives Pub/Sub push deliveries and runs them through a dispatcher.
type InternalJobHandlers struct {
	dispatcher jobs.Dispatcher
}

// NewInternalJobHandlers constructs InternalJobHandlers.
func NewInternalJobHandlers(dispatcher jobs.Dispatcher) *InternalJobHandlers {
	return &InternalJobHandlers{dispatcher: dispatcher}
}

// Routes registers the push endpoint under /internal.
func (h *InternalJobHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/jobs/push", h.push)
}

// push acknowledges with 204 unless the handler failed; Pub/Sub redelivers on 5xx.
func (h *InternalJobHandlers) push(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.FromContext(ctx)
	if h.dispatcher == nil {
		httpx.WriteError(ctx, w, httpx.NewError("dispatcher_unavailable", "job dispatcher is not configured", http.StatusServiceUnavailable))
		return
	}
	job, err := jobs.DecodePush(http.MaxBytesReader(w, r.Body, maxImportBodySize))
	if err != nil {
		// Malformed deliveries would be redelivered forever.
		logger.Warn("dropping malformed job push", zap.Error(err))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	logger = logger.With(zap.String("job_id", job.ID), zap.String("job_name", job.Name), zap.Int("attempts", job.Attempts))
	if err := h.dispatcher.Dispatch(ctx, job); err != nil {
		switch {
		case errors.Is(err, jobs.ErrNoHandler), errors.Is(err, jobs.ErrInvalidJob):
			logger.Warn("dropping undeliverable job", zap.Error(err))
			w.WriteHeader(http.StatusNoContent)
		default:
			logger.Error("job handler failed", zap.Error(err))
			httpx.WriteError(ctx, w, httpx.NewError("job_failed", "job handler failed", http.StatusInternalServerError))
		}
		return
	}
	logger.Debug("job handled")
	w.WriteHeader(http.StatusNoContent)
}
