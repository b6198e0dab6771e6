package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/platform/auth"
	"github.com/meritflow/compcycle/internal/services"
)

// CalibrationHandlers exposes calibration sessions and their recommendation locks.
type CalibrationHandlers struct {
	authn    *auth.Authenticator
	sessions services.CalibrationService
}

// NewCalibrationHandlers constructs CalibrationHandlers.
func NewCalibrationHandlers(authn *auth.Authenticator, sessions services.CalibrationService) *CalibrationHandlers {
	return &CalibrationHandlers{authn: authn, sessions: sessions}
}

// CycleRoutes registers the per-cycle session routes under /cycles.
func (h *CalibrationHandlers) CycleRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.With(guard(h.authn, hrRoles...)...).Post("/{cycleID}/calibration-sessions", h.createSession)
	r.With(guard(h.authn, reviewerRoles...)...).Get("/{cycleID}/calibration-sessions", h.listSessions)
}

// Routes registers the session routes under /calibration-sessions.
func (h *CalibrationHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.With(guard(h.authn, reviewerRoles...)...).Get("/{sessionID}", h.getSession)
	r.With(guard(h.authn, hrRoles...)...).Patch("/{sessionID}", h.updateSession)
	r.With(guard(h.authn, hrRoles...)...).Post("/{sessionID}:lock", h.lock)
	r.With(guard(h.authn, hrRoles...)...).Post("/{sessionID}:unlock", h.unlock)
}

type createSessionRequest struct {
	Name              string         `json:"name" validate:"required,max=200"`
	RecommendationIDs []string       `json:"recommendationIds,omitempty" validate:"omitempty,max=2000,dive,required"`
	Department        string         `json:"department,omitempty" validate:"max=120"`
	Level             string         `json:"level,omitempty" validate:"max=60"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

type outcomeRequest struct {
	AdjustedValue *decimal.Decimal `json:"adjustedValue,omitempty"`
	Rank          *int             `json:"rank,omitempty" validate:"omitempty,gte=1"`
	Notes         string           `json:"notes,omitempty" validate:"max=2000"`
}

type updateSessionRequest struct {
	Outcomes map[string]outcomeRequest `json:"outcomes,omitempty" validate:"omitempty,max=2000,dive"`
	Status   string                    `json:"status,omitempty" validate:"omitempty,oneof=ACTIVE COMPLETED CANCELLED"`
	Metadata map[string]any            `json:"metadata,omitempty"`
}

type participantPayload struct {
	RecommendationID string          `json:"recommendationId"`
	EmployeeID       string          `json:"employeeId"`
	EmployeeName     string          `json:"employeeName,omitempty"`
	Department       string          `json:"department,omitempty"`
	Level            string          `json:"level,omitempty"`
	RecType          string          `json:"recType"`
	CurrentValue     decimal.Decimal `json:"currentValue"`
	ProposedValue    decimal.Decimal `json:"proposedValue"`
	OriginalStatus   string          `json:"originalStatus"`
}

type outcomePayload struct {
	AdjustedValue *decimal.Decimal `json:"adjustedValue,omitempty"`
	Rank          *int             `json:"rank,omitempty"`
	Notes         string           `json:"notes,omitempty"`
	RecordedAt    string           `json:"recordedAt"`
	RecordedBy    string           `json:"recordedBy"`
}

type sessionPayload struct {
	ID           string                    `json:"id"`
	CycleID      string                    `json:"cycleId"`
	Name         string                    `json:"name"`
	Status       string                    `json:"status"`
	Filter       map[string]any            `json:"filter"`
	Participants []participantPayload      `json:"participants"`
	Outcomes     map[string]outcomePayload `json:"outcomes"`
	Metadata     map[string]any            `json:"metadata,omitempty"`
	CreatedBy    string                    `json:"createdBy"`
	CreatedAt    string                    `json:"createdAt"`
	UpdatedAt    string                    `json:"updatedAt"`
	CompletedAt  string                    `json:"completedAt,omitempty"`
}

func (h *CalibrationHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req createSessionRequest
	if !decodeBody(ctx, w, r, maxCommandBodySize, &req) {
		return
	}
	session, err := h.sessions.CreateSession(ctx, services.CreateCalibrationSessionCommand{
		TenantID:          identity.TenantID,
		CycleID:           urlParam(r, "cycleID"),
		ActorID:           identity.UID,
		Name:              req.Name,
		RecommendationIDs: req.RecommendationIDs,
		Department:        strings.TrimSpace(req.Department),
		Level:             strings.TrimSpace(req.Level),
		Metadata:          req.Metadata,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, map[string]any{"session": buildSessionPayload(session)})
}

func (h *CalibrationHandlers) listSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	sessions, err := h.sessions.ListSessions(ctx, identity.TenantID, urlParam(r, "cycleID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]sessionPayload, 0, len(sessions))
	for _, s := range sessions {
		items = append(items, buildSessionPayload(s))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": items})
}

func (h *CalibrationHandlers) getSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	session, err := h.sessions.GetSession(ctx, identity.TenantID, urlParam(r, "sessionID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"session": buildSessionPayload(session)})
}

func (h *CalibrationHandlers) updateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req updateSessionRequest
	if !decodeBody(ctx, w, r, maxImportBodySize, &req) {
		return
	}
	cmd := services.UpdateCalibrationSessionCommand{
		TenantID:  identity.TenantID,
		SessionID: urlParam(r, "sessionID"),
		ActorID:   identity.UID,
		Metadata:  req.Metadata,
	}
	if len(req.Outcomes) > 0 {
		cmd.Outcomes = make(map[string]services.CalibrationOutcomeInput, len(req.Outcomes))
		for id, o := range req.Outcomes {
			cmd.Outcomes[strings.TrimSpace(id)] = services.CalibrationOutcomeInput{AdjustedValue: o.AdjustedValue, Rank: o.Rank, Notes: o.Notes}
		}
	}
	if req.Status != "" {
		status := domain.CalibrationStatus(req.Status)
		cmd.Status = &status
	}
	session, err := h.sessions.UpdateSession(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"session": buildSessionPayload(session)})
}

func (h *CalibrationHandlers) lock(w http.ResponseWriter, r *http.Request) {
	h.setLock(w, r, true)
}

func (h *CalibrationHandlers) unlock(w http.ResponseWriter, r *http.Request) {
	h.setLock(w, r, false)
}

func (h *CalibrationHandlers) setLock(w http.ResponseWriter, r *http.Request, locked bool) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	cmd := services.CalibrationLockCommand{
		TenantID:  identity.TenantID,
		SessionID: urlParam(r, "sessionID"),
		ActorID:   identity.UID,
	}
	var (
		count int
		err   error
	)
	if locked {
		count, err = h.sessions.LockRecommendations(ctx, cmd)
	} else {
		count, err = h.sessions.UnlockRecommendations(ctx, cmd)
	}
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	key := "unlocked"
	if locked {
		key = "locked"
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"sessionId": cmd.SessionID, key: count})
}

func buildSessionPayload(s domain.CalibrationSession) sessionPayload {
	payload := sessionPayload{
		ID:           s.ID,
		CycleID:      s.CycleID,
		Name:         s.Name,
		Status:       string(s.Status),
		Filter:       map[string]any{},
		Participants: make([]participantPayload, 0, len(s.Participants)),
		Outcomes:     make(map[string]outcomePayload, len(s.Outcomes)),
		Metadata:     s.Metadata,
		CreatedBy:    s.CreatedBy,
		CreatedAt:    formatTime(s.CreatedAt),
		UpdatedAt:    formatTime(s.UpdatedAt),
		CompletedAt:  formatTimePtr(s.CompletedAt),
	}
	if len(s.Filter.RecommendationIDs) > 0 {
		payload.Filter["recommendationIds"] = s.Filter.RecommendationIDs
	}
	if s.Filter.Department != "" {
		payload.Filter["department"] = s.Filter.Department
	}
	if s.Filter.Level != "" {
		payload.Filter["level"] = s.Filter.Level
	}
	for _, p := range s.Participants {
		payload.Participants = append(payload.Participants, participantPayload{
			RecommendationID: p.RecommendationID,
			EmployeeID:       p.EmployeeID,
			EmployeeName:     p.EmployeeName,
			Department:       p.Department,
			Level:            p.Level,
			RecType:          string(p.RecType),
			CurrentValue:     p.CurrentValue,
			ProposedValue:    p.ProposedValue,
			OriginalStatus:   string(p.OriginalStatus),
		})
	}
	for id, o := range s.Outcomes {
		payload.Outcomes[id] = outcomePayload{
			AdjustedValue: o.AdjustedValue,
			Rank:          o.Rank,
			Notes:         o.Notes,
			RecordedAt:    formatTime(o.RecordedAt),
			RecordedBy:    o.RecordedBy,
		}
	}
	return payload
}
