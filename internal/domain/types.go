package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// Role identifies the acting user's permission tier inside a tenant.
type Role string

const (
	RoleAdmin     Role = "ADMIN"
	RoleHRManager Role = "HR_MANAGER"
	RoleManager   Role = "MANAGER"
	RoleEmployee  Role = "EMPLOYEE"
)

// Valid reports whether the role is one of the known tiers.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleHRManager, RoleManager, RoleEmployee:
		return true
	}
	return false
}

// Severity grades monitor findings and alerts.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// TenantMember links a user to a tenant with a role.
type TenantMember struct {
	TenantID string
	UserID   string
	Email    string
	Role     Role
}

// Notification is a user-facing message persisted for in-app delivery.
type Notification struct {
	ID        string
	TenantID  string
	UserID    string
	Type      string
	Title     string
	Body      string
	Metadata  map[string]any
	CreatedAt time.Time
	ReadAt    *time.Time
}

const (
	// NotificationTypeMonitorAlert marks notifications produced by monitor runs.
	NotificationTypeMonitorAlert = "MONITOR_ALERT"
	// NotificationTypeApprovalNudge marks reminders sent to pending approvers.
	NotificationTypeApprovalNudge = "APPROVAL_NUDGE"
)

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// AuditLogEntry stores normalized audit information for a tenant.
type AuditLogEntry struct {
	ID        string
	TenantID  string
	Actor     string
	ActorType string
	Action    string
	TargetRef string
	Metadata  map[string]any
	Diff      map[string]any
	Severity  string
	RequestID string
	CreatedAt time.Time
}

// SignedExport describes a generated report object and its time-limited download URL.
type SignedExport struct {
	Object      string
	URL         string
	ContentType string
	ExpiresAt   time.Time
}
