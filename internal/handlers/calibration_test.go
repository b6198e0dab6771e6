package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/services"
)

type stubCalibrationService struct {
	createFn func(context.Context, services.CreateCalibrationSessionCommand) (services.CalibrationSession, error)
	getFn    func(context.Context, string, string) (services.CalibrationSession, error)
	lockFn   func(context.Context, services.CalibrationLockCommand) (int, error)
	unlockFn func(context.Context, services.CalibrationLockCommand) (int, error)
	updateFn func(context.Context, services.UpdateCalibrationSessionCommand) (services.CalibrationSession, error)
}

func (s *stubCalibrationService) CreateSession(ctx context.Context, cmd services.CreateCalibrationSessionCommand) (services.CalibrationSession, error) {
	return s.createFn(ctx, cmd)
}

func (s *stubCalibrationService) GetSession(ctx context.Context, tenantID, sessionID string) (services.CalibrationSession, error) {
	return s.getFn(ctx, tenantID, sessionID)
}

func (s *stubCalibrationService) ListSessions(context.Context, string, string) ([]services.CalibrationSession, error) {
	return nil, nil
}

func (s *stubCalibrationService) LockRecommendations(ctx context.Context, cmd services.CalibrationLockCommand) (int, error) {
	return s.lockFn(ctx, cmd)
}

func (s *stubCalibrationService) UnlockRecommendations(ctx context.Context, cmd services.CalibrationLockCommand) (int, error) {
	return s.unlockFn(ctx, cmd)
}

func (s *stubCalibrationService) UpdateSession(ctx context.Context, cmd services.UpdateCalibrationSessionCommand) (services.CalibrationSession, error) {
	return s.updateFn(ctx, cmd)
}

func calibrationRouter(h *CalibrationHandlers) http.Handler {
	r := chi.NewRouter()
	r.Use(withCaller(hrCaller()))
	r.Route("/cycles", h.CycleRoutes)
	r.Route("/calibration-sessions", h.Routes)
	return r
}

func sampleSession() domain.CalibrationSession {
	at := time.Date(2026, 4, 10, 15, 0, 0, 0, time.UTC)
	return domain.CalibrationSession{
		ID:      "cal_1",
		CycleID: "cyc_1",
		Name:    "Engineering L4",
		Status:  domain.CalibrationStatusActive,
		Filter:  domain.CalibrationFilter{Department: "Engineering", Level: "L4"},
		Participants: []domain.CalibrationParticipant{{
			RecommendationID: "rec_1",
			EmployeeID:       "emp-1",
			RecType:          domain.RecommendationTypeMerit,
			CurrentValue:     decimal.NewFromInt(100000),
			ProposedValue:    decimal.NewFromInt(104000),
			OriginalStatus:   domain.RecommendationStatusSubmitted,
		}},
		CreatedBy: "hr-1",
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func TestCalibrationHandlers_CreateSession(t *testing.T) {
	var got services.CreateCalibrationSessionCommand
	svc := &stubCalibrationService{
		createFn: func(_ context.Context, cmd services.CreateCalibrationSessionCommand) (services.CalibrationSession, error) {
			got = cmd
			return sampleSession(), nil
		},
	}
	router := calibrationRouter(NewCalibrationHandlers(nil, svc))

	rr := doJSON(t, router, http.MethodPost, "/cycles/cyc_1/calibration-sessions", map[string]any{
		"name":       "Engineering L4",
		"department": " Engineering ",
		"level":      "L4",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.CycleID != "cyc_1" || got.Department != "Engineering" || got.Level != "L4" {
		t.Fatalf("unexpected command %#v", got)
	}
	session := decodeResponse(t, rr)["session"].(map[string]any)
	filter := session["filter"].(map[string]any)
	if filter["department"] != "Engineering" || len(session["participants"].([]any)) != 1 {
		t.Fatalf("unexpected session payload %v", session)
	}
}

func TestCalibrationHandlers_LockAndUnlock(t *testing.T) {
	svc := &stubCalibrationService{
		lockFn:   func(context.Context, services.CalibrationLockCommand) (int, error) { return 4, nil },
		unlockFn: func(context.Context, services.CalibrationLockCommand) (int, error) { return 3, nil },
	}
	router := calibrationRouter(NewCalibrationHandlers(nil, svc))

	rr := doJSON(t, router, http.MethodPost, "/calibration-sessions/cal_1:lock", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if body := decodeResponse(t, rr); body["locked"] != float64(4) || body["sessionId"] != "cal_1" {
		t.Fatalf("unexpected lock body %v", body)
	}

	rr = doJSON(t, router, http.MethodPost, "/calibration-sessions/cal_1:unlock", nil)
	if body := decodeResponse(t, rr); body["unlocked"] != float64(3) {
		t.Fatalf("unexpected unlock body %v", body)
	}
}

func TestCalibrationHandlers_LockInvalidState(t *testing.T) {
	svc := &stubCalibrationService{
		lockFn: func(context.Context, services.CalibrationLockCommand) (int, error) {
			return 0, services.ErrCalibrationInvalidState
		},
	}
	router := calibrationRouter(NewCalibrationHandlers(nil, svc))

	rr := doJSON(t, router, http.MethodPost, "/calibration-sessions/cal_1:lock", nil)
	assertErrorCode(t, rr, http.StatusConflict, "invalid_state")
}

func TestCalibrationHandlers_UpdateSessionOutcomes(t *testing.T) {
	var got services.UpdateCalibrationSessionCommand
	svc := &stubCalibrationService{
		updateFn: func(_ context.Context, cmd services.UpdateCalibrationSessionCommand) (services.CalibrationSession, error) {
			got = cmd
			s := sampleSession()
			s.Status = domain.CalibrationStatusCompleted
			return s, nil
		},
	}
	router := calibrationRouter(NewCalibrationHandlers(nil, svc))

	rr := doJSON(t, router, http.MethodPatch, "/calibration-sessions/cal_1", map[string]any{
		"outcomes": map[string]any{"rec_1": map[string]any{"adjustedValue": "103000", "rank": 2}},
		"status":   "COMPLETED",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	outcome, ok := got.Outcomes["rec_1"]
	if !ok || outcome.AdjustedValue == nil || !outcome.AdjustedValue.Equal(decimal.NewFromInt(103000)) || *outcome.Rank != 2 {
		t.Fatalf("unexpected outcomes %#v", got.Outcomes)
	}
	if got.Status == nil || *got.Status != domain.CalibrationStatusCompleted {
		t.Fatalf("expected COMPLETED status, got %v", got.Status)
	}
}

func TestCalibrationHandlers_GetSessionNotFound(t *testing.T) {
	svc := &stubCalibrationService{
		getFn: func(context.Context, string, string) (services.CalibrationSession, error) {
			return services.CalibrationSession{}, services.ErrCalibrationNotFound
		},
	}
	router := calibrationRouter(NewCalibrationHandlers(nil, svc))

	rr := doJSON(t, router, http.MethodGet, "/calibration-sessions/missing", nil)
	assertErrorCode(t, rr, http.StatusNotFound, "calibration_session_not_found")
}
