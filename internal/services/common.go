package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/platform/requestctx"
	"github.com/meritflow/compcycle/internal/repositories"
)

// RecommendationBatchSize bounds the recommendations written per transaction.
const RecommendationBatchSize = 500

const (
	maxJustificationLength = 2000
	maxNotesLength         = 1000
)

// ErrRepositoryUnavailable marks a backing store outage surfaced through a service.
var ErrRepositoryUnavailable = errors.New("repository unavailable")

func newPrefixedID(prefix string) string {
	return prefix + ulid.Make().String()
}

func utcClock(clock func() time.Time) func() time.Time {
	if clock == nil {
		clock = time.Now
	}
	return func() time.Time { return clock().UTC() }
}

func loggerOrNoop(logger Logger) Logger {
	if logger == nil {
		return func(context.Context, string, map[string]any) {}
	}
	return logger
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func isRepoUnavailable(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

// wrapRepoError attaches ErrRepositoryUnavailable to outages so handlers can answer 503.
func wrapRepoError(op string, err error) error {
	if err == nil {
		return nil
	}
	if isRepoUnavailable(err) {
		return fmt.Errorf("%w: %s: %v", ErrRepositoryUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// loadCycle fetches a cycle and hides cycles owned by another tenant.
func loadCycle(ctx context.Context, repo repositories.CycleRepository, tenantID, cycleID string) (domain.Cycle, error) {
	cycleID = strings.TrimSpace(cycleID)
	if cycleID == "" {
		return domain.Cycle{}, fmt.Errorf("%w: cycle id is required", ErrCycleInvalidInput)
	}
	cycle, err := repo.FindByID(ctx, cycleID)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.Cycle{}, fmt.Errorf("%w: %s", ErrCycleNotFound, cycleID)
		}
		return domain.Cycle{}, wrapRepoError("load cycle", err)
	}
	if tenantID != "" && cycle.TenantID != tenantID {
		return domain.Cycle{}, fmt.Errorf("%w: %s", ErrCycleNotFound, cycleID)
	}
	return cycle, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func batches[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = RecommendationBatchSize
	}
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end])
	}
	return out
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func auditRecord(ctx context.Context, tenantID, actor, action, target string) AuditLogRecord {
	return AuditLogRecord{
		TenantID:  tenantID,
		Actor:     actor,
		Action:    action,
		TargetRef: target,
		RequestID: requestctx.CorrelationID(ctx),
	}
}

func cycleRef(cycleID string) string { return "/cycles/" + cycleID }
func recommendationRef(recID string) string { return "/recommendations/" + recID }
func sessionRef(sessionID string) string { return "/calibration-sessions/" + sessionID }
