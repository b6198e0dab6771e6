// Package firestore implements the repository contracts on Cloud Firestore. Money is stored as
// decimal strings so values round-trip exactly.
package firestore

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/platform/pagination"
)

const (
	cyclesCollection          = "cycles"
	budgetsCollection         = "budgets"
	recommendationsCollection = "recommendations"
	sessionsCollection        = "calibrationSessions"
	ruleSetsCollection        = "ruleSets"
	notificationsCollection   = "notifications"
	auditLogsCollection       = "auditLogs"
	membersCollection         = "tenantMembers"
	employeesCollection       = "employees"
)

var errNotInitialised = errors.New("firestore repository not initialised")

func encodeMoney(value decimal.Decimal) string {
	return value.String()
}

func decodeMoney(raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid money value %q: %w", raw, err)
	}
	return value, nil
}

func encodeMoneyPtr(value *decimal.Decimal) *string {
	if value == nil {
		return nil
	}
	out := value.String()
	return &out
}

func decodeMoneyPtr(raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	value, err := decodeMoney(*raw)
	if err != nil {
		return nil, err
	}
	return &value, nil
}

func chooseTime(primary, fallback time.Time) time.Time {
	if !primary.IsZero() {
		return primary.UTC()
	}
	return fallback.UTC()
}

func normalizeTimePointer(value *time.Time) *time.Time {
	if value == nil || value.IsZero() {
		return nil
	}
	out := value.UTC()
	return &out
}

func cloneMap(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	return maps.Clone(src)
}

// pageWindow resolves the page size and the decoded cursor for a keyset query ordered by
// (timestamp, document ID).
func pageWindow(pager domain.Pagination) (limit int, startAfter []any, err error) {
	limit = pager.PageSize
	if limit <= 0 {
		limit = pagination.DefaultPageSize
	}
	cursor, err := pagination.DecodeToken(pager.PageToken)
	if err != nil {
		return 0, nil, err
	}
	switch {
	case cursor.IsZero():
	case cursor.AfterTime != nil:
		startAfter = []any{*cursor.AfterTime, cursor.AfterID}
	default:
		return 0, nil, fmt.Errorf("%w: cursor does not match a time-ordered listing", pagination.ErrInvalidPageToken)
	}
	return limit, startAfter, nil
}

func nextPageToken(ts time.Time, id string) (string, error) {
	return pagination.EncodeToken(pagination.AfterTimeID(ts, id))
}
