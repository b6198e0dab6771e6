package memory

import (
	"context"
	"maps"
	"slices"
	"sort"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/repositories"
)

type recommendationRepo struct {
	store *Store
}

func (r *recommendationRepo) FindByID(ctx context.Context, recommendationID string) (domain.Recommendation, error) {
	var out domain.Recommendation
	err := r.store.read(ctx, func(data *state) error {
		rec, ok := data.recs[recommendationID]
		if !ok {
			return notFound("recommendations.get", "recommendation "+recommendationID)
		}
		out = cloneRecommendation(rec)
		return nil
	})
	return out, err
}

func (r *recommendationRepo) FindByIDs(ctx context.Context, ids []string) (map[string]domain.Recommendation, error) {
	out := make(map[string]domain.Recommendation, len(ids))
	err := r.store.read(ctx, func(data *state) error {
		for _, id := range ids {
			if rec, ok := data.recs[id]; ok {
				out[id] = cloneRecommendation(rec)
			}
		}
		return nil
	})
	return out, err
}

func (r *recommendationRepo) List(ctx context.Context, filter repositories.RecommendationFilter) ([]domain.Recommendation, error) {
	var out []domain.Recommendation
	err := r.store.read(ctx, func(data *state) error {
		for _, rec := range data.recs {
			if matchesRecommendation(rec, filter) {
				out = append(out, cloneRecommendation(rec))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *recommendationRepo) Page(ctx context.Context, filter repositories.RecommendationFilter, pager domain.Pagination) (domain.CursorPage[domain.Recommendation], error) {
	items, err := r.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[domain.Recommendation]{}, err
	}
	return paginate(items, pager)
}

func (r *recommendationRepo) Count(ctx context.Context, cycleID string) (int, error) {
	count := 0
	err := r.store.read(ctx, func(data *state) error {
		for _, rec := range data.recs {
			if rec.CycleID == cycleID {
				count++
			}
		}
		return nil
	})
	return count, err
}

func (r *recommendationRepo) SaveAll(ctx context.Context, recs []domain.Recommendation) error {
	return r.store.write(ctx, func(data *state) error {
		for _, rec := range recs {
			data.recs[rec.ID] = cloneRecommendation(rec)
		}
		return nil
	})
}

func matchesRecommendation(rec domain.Recommendation, filter repositories.RecommendationFilter) bool {
	if filter.CycleID != "" && rec.CycleID != filter.CycleID {
		return false
	}
	if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, rec.Status) {
		return false
	}
	if filter.Department != "" && !domain.SameLabel(rec.Employee.Department, filter.Department) {
		return false
	}
	if filter.Level != "" && !domain.SameLabel(rec.Employee.Level, filter.Level) {
		return false
	}
	return true
}

func cloneRecommendation(rec domain.Recommendation) domain.Recommendation {
	rec.Employee.Attributes = maps.Clone(rec.Employee.Attributes)
	if rec.ApprovedAt != nil {
		at := *rec.ApprovedAt
		rec.ApprovedAt = &at
	}
	return rec
}

type sessionRepo struct {
	store *Store
}

func (r *sessionRepo) Insert(ctx context.Context, session domain.CalibrationSession) error {
	return r.store.write(ctx, func(data *state) error {
		if _, exists := data.sessions[session.ID]; exists {
			return conflict("calibrationSessions.insert", "session "+session.ID)
		}
		data.sessions[session.ID] = cloneSession(session)
		return nil
	})
}

func (r *sessionRepo) FindByID(ctx context.Context, sessionID string) (domain.CalibrationSession, error) {
	var out domain.CalibrationSession
	err := r.store.read(ctx, func(data *state) error {
		session, ok := data.sessions[sessionID]
		if !ok {
			return notFound("calibrationSessions.get", "session "+sessionID)
		}
		out = cloneSession(session)
		return nil
	})
	return out, err
}

func (r *sessionRepo) Update(ctx context.Context, session domain.CalibrationSession) error {
	return r.store.write(ctx, func(data *state) error {
		if _, ok := data.sessions[session.ID]; !ok {
			return notFound("calibrationSessions.update", "session "+session.ID)
		}
		data.sessions[session.ID] = cloneSession(session)
		return nil
	})
}

func (r *sessionRepo) ListByCycle(ctx context.Context, cycleID string) ([]domain.CalibrationSession, error) {
	var out []domain.CalibrationSession
	err := r.store.read(ctx, func(data *state) error {
		for _, session := range data.sessions {
			if session.CycleID == cycleID {
				out = append(out, cloneSession(session))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func cloneSession(s domain.CalibrationSession) domain.CalibrationSession {
	s.Participants = slices.Clone(s.Participants)
	s.Outcomes = maps.Clone(s.Outcomes)
	s.Metadata = maps.Clone(s.Metadata)
	s.Filter.RecommendationIDs = slices.Clone(s.Filter.RecommendationIDs)
	return s
}
