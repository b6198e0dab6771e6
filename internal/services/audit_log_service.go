package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/repositories"
)

const (
	auditIDPrefix        = "aud_"
	defaultAuditSeverity = "info"
	defaultActorType     = "user"
	hashedValuePrefix    = "sha256:"
)

// AuditLogServiceDeps bundles constructor inputs for the audit writer service.
type AuditLogServiceDeps struct {
	Repository repositories.AuditLogRepository
	Clock      func() time.Time
	Logger     Logger
	// HashSalt seeds the digests written in place of sensitive metadata and diff values.
	HashSalt    string
	IDGenerator func() string
}

type auditLogService struct {
	repo     repositories.AuditLogRepository
	clock    func() time.Time
	logger   Logger
	hashSalt string
	newID    func() string
}

var _ AuditLogService = (*auditLogService)(nil)

// NewAuditLogService creates an audit log writer backed by the supplied repository.
func NewAuditLogService(deps AuditLogServiceDeps) (AuditLogService, error) {
	if deps.Repository == nil {
		return nil, errors.New("audit log service: repository is required")
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return newPrefixedID(auditIDPrefix) }
	}
	return &auditLogService{
		repo:     deps.Repository,
		clock:    utcClock(deps.Clock),
		logger:   loggerOrNoop(deps.Logger),
		hashSalt: deps.HashSalt,
		newID:    newID,
	}, nil
}

// Record persists an entry after sanitising it. Append failures are logged and swallowed so the
// mutation that produced the entry is never failed by auditing.
func (s *auditLogService) Record(ctx context.Context, record AuditLogRecord) {
	entry, ok := s.buildEntry(record)
	if !ok {
		s.logger(ctx, "audit.dropped", map[string]any{"action": record.Action, "reason": "missing tenant or action"})
		return
	}
	if err := s.repo.Append(ctx, entry); err != nil {
		s.logger(ctx, "audit.append_failed", map[string]any{"action": entry.Action, "targetRef": entry.TargetRef, "error": err.Error()})
	}
}

func (s *auditLogService) List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[AuditLogEntry], error) {
	tenant := strings.TrimSpace(filter.TenantID)
	if tenant == "" {
		return domain.CursorPage[AuditLogEntry]{}, errors.New("audit log service: tenant id is required")
	}
	var since *time.Time
	if filter.Since != nil {
		ts := filter.Since.UTC()
		since = &ts
	}
	page, err := s.repo.List(ctx, repositories.AuditLogFilter{
		TenantID:   tenant,
		TargetRef:  strings.TrimSpace(filter.TargetRef),
		Actor:      strings.TrimSpace(filter.Actor),
		Action:     strings.TrimSpace(filter.Action),
		Since:      since,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[AuditLogEntry]{}, wrapRepoError("list audit logs", err)
	}
	return page, nil
}

func (s *auditLogService) buildEntry(record AuditLogRecord) (domain.AuditLogEntry, bool) {
	tenant := sanitizeText(record.TenantID, 128)
	action := sanitizeText(record.Action, 120)
	if tenant == "" || action == "" {
		return domain.AuditLogEntry{}, false
	}
	occurred := record.OccurredAt
	if occurred.IsZero() {
		occurred = s.clock()
	}
	actor := sanitizeText(record.Actor, 160)
	entry := domain.AuditLogEntry{
		ID:        s.newID(),
		TenantID:  tenant,
		Actor:     actor,
		ActorType: normalizeActorType(record.ActorType, actor),
		Action:    action,
		TargetRef: sanitizeText(record.TargetRef, 200),
		Severity:  normalizeSeverity(record.Severity),
		RequestID: sanitizeText(record.RequestID, 128),
		CreatedAt: occurred.UTC(),
	}
	if meta := s.prepareMetadata(record.Metadata, record.SensitiveMetadataKeys); len(meta) > 0 {
		entry.Metadata = meta
	}
	if diff := s.prepareDiff(record.Diff, record.SensitiveDiffKeys); len(diff) > 0 {
		entry.Diff = diff
	}
	return entry, true
}

func (s *auditLogService) prepareMetadata(metadata map[string]any, sensitive []string) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	sensitive = lowerKeys(sensitive)
	out := make(map[string]any, len(metadata))
	for key, value := range metadata {
		key = sanitizeText(key, 80)
		if key == "" {
			continue
		}
		if slices.Contains(sensitive, strings.ToLower(key)) {
			out[key] = s.digest(value)
			continue
		}
		out[key] = sanitizeValue(value)
	}
	return out
}

func (s *auditLogService) prepareDiff(diff map[string]AuditLogDiff, sensitive []string) map[string]any {
	if len(diff) == 0 {
		return nil
	}
	sensitive = lowerKeys(sensitive)
	out := make(map[string]any, len(diff))
	for key, change := range diff {
		key = sanitizeText(key, 80)
		if key == "" {
			continue
		}
		before, after := sanitizeValue(change.Before), sanitizeValue(change.After)
		if slices.Contains(sensitive, strings.ToLower(key)) {
			before, after = s.digest(change.Before), s.digest(change.After)
		}
		out[key] = map[string]any{"before": before, "after": after}
	}
	return out
}

// digest hashes a value with the configured salt. Non-string values are hashed through their
// JSON encoding, which sorts map keys.
func (s *auditLogService) digest(value any) string {
	var raw string
	switch v := value.(type) {
	case string:
		raw = strings.TrimSpace(v)
	case fmt.Stringer:
		raw = v.String()
	default:
		if b, err := json.Marshal(v); err == nil {
			raw = string(b)
		} else {
			raw = fmt.Sprintf("%T:%v", v, v)
		}
	}
	sum := sha256.Sum256([]byte(s.hashSalt + raw))
	return hashedValuePrefix + hex.EncodeToString(sum[:])
}

func normalizeActorType(actorType, actor string) string {
	switch normalized := strings.ToLower(strings.TrimSpace(actorType)); normalized {
	case "user", "system", "service":
		return normalized
	}
	switch lower := strings.ToLower(actor); {
	case lower == "", lower == "system", strings.HasPrefix(lower, "system:"):
		return "system"
	case strings.HasPrefix(lower, "service:"):
		return "service"
	default:
		return defaultActorType
	}
}

func normalizeSeverity(severity string) string {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	default:
		return defaultAuditSeverity
	}
}

func sanitizeValue(value any) any {
	switch v := value.(type) {
	case string:
		return sanitizeText(v, 512)
	case fmt.Stringer:
		return sanitizeText(v.String(), 512)
	case []string:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, sanitizeText(item, 512))
		}
		return out
	default:
		return v
	}
}

func lowerKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if key = strings.ToLower(sanitizeText(key, 80)); key != "" {
			out = append(out, key)
		}
	}
	return out
}

// sanitizeText trims, drops control characters other than whitespace, and truncates to limit bytes.
func sanitizeText(input string, limit int) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range input {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
		if b.Len() >= limit {
			break
		}
	}
	return b.String()
}
