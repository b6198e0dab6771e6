package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/platform/auth"
	"github.com/meritflow/compcycle/internal/platform/httpx"
	"github.com/meritflow/compcycle/internal/platform/observability"
	"github.com/meritflow/compcycle/internal/platform/pagination"
	"github.com/meritflow/compcycle/internal/repositories"
	"github.com/meritflow/compcycle/internal/services"
)

const (
	maxCommandBodySize = 64 * 1024
	maxImportBodySize  = 4 << 20
)

var (
	// Anyone who plans or reviews compensation inside a tenant.
	reviewerRoles = []domain.Role{domain.RoleAdmin, domain.RoleHRManager, domain.RoleManager}
	// Cycle owners.
	hrRoles = []domain.Role{domain.RoleAdmin, domain.RoleHRManager}
)

// guard returns the middleware chain that authenticates the caller and enforces roles. A nil
// authenticator leaves routes open.
func guard(authn *auth.Authenticator, roles ...domain.Role) []func(http.Handler) http.Handler {
	if authn == nil {
		return nil
	}
	return []func(http.Handler) http.Handler{authn.Require(roles...), observability.CaptureIdentity}
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.UID) == "" || strings.TrimSpace(identity.TenantID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func urlParam(r *http.Request, name string) string {
	return strings.TrimSpace(chi.URLParam(r, name))
}

func decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	if herr := httpx.DecodeJSON(r, limit, dst); herr != nil {
		httpx.WriteError(ctx, w, *herr)
		return false
	}
	return true
}

func listParams(ctx context.Context, w http.ResponseWriter, r *http.Request, filters ...string) (pagination.Params, bool) {
	params, err := pagination.FromRequest(r, pagination.Options{Filters: filters})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_query", err.Error(), http.StatusBadRequest))
		return pagination.Params{}, false
	}
	return params, true
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func roleStrings(roles []domain.Role) []string {
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		out = append(out, string(role))
	}
	return out
}

func toRoles(values []string) []domain.Role {
	if values == nil {
		return nil
	}
	out := make([]domain.Role, 0, len(values))
	for _, v := range values {
		out = append(out, domain.Role(strings.ToUpper(strings.TrimSpace(v))))
	}
	return out
}

// writeServiceError maps service sentinels onto the API error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCycleNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cycle_not_found", "cycle not found", http.StatusNotFound))
	case errors.Is(err, services.ErrRecommendationNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("recommendation_not_found", "recommendation not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCalibrationNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("calibration_session_not_found", "calibration session not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCycleForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", err.Error(), http.StatusForbidden))
	case errors.Is(err, services.ErrCycleInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCycleInvalidState),
		errors.Is(err, services.ErrBudgetInvalidState),
		errors.Is(err, services.ErrCalibrationInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCycleConflict):
		httpx.WriteError(ctx, w, httpx.NewError("conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCycleInvalidInput),
		errors.Is(err, services.ErrBudgetInvalidInput),
		errors.Is(err, services.ErrRecommendationInvalidInput),
		errors.Is(err, services.ErrCalibrationInvalidInput),
		errors.Is(err, services.ErrMonitorInvalidInput),
		errors.Is(err, services.ErrNotificationInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrRepositoryUnavailable), errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "backing store unavailable", http.StatusServiceUnavailable))
	default:
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) {
			switch {
			case repoErr.IsUnavailable():
				httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "backing store unavailable", http.StatusServiceUnavailable))
				return
			case repoErr.IsNotFound():
				httpx.WriteError(ctx, w, httpx.NewError("not_found", "resource not found", http.StatusNotFound))
				return
			case repoErr.IsConflict():
				httpx.WriteError(ctx, w, httpx.NewError("conflict", "resource was modified concurrently", http.StatusConflict))
				return
			}
		}
		observability.FromContext(ctx).Error("unhandled service error", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError))
	}
}
