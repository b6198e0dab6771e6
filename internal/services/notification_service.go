package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	domain "github.com/meritflow/compcycle/internal/domain"
	"github.com/meritflow/compcycle/internal/repositories"
)

const notificationIDPrefix = "ntf_"

// ErrNotificationInvalidInput indicates a notification without recipient or content.
var ErrNotificationInvalidInput = errors.New("notification: invalid input")

// NotificationServiceDeps bundles collaborators for the notification sink.
type NotificationServiceDeps struct {
	Repository  repositories.NotificationRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      Logger
}

type notificationService struct {
	repo   repositories.NotificationRepository
	clock  func() time.Time
	newID  func() string
	logger Logger
}

var _ NotificationService = (*notificationService)(nil)

// NewNotificationService constructs the in-app notification sink.
func NewNotificationService(deps NotificationServiceDeps) (NotificationService, error) {
	if deps.Repository == nil {
		return nil, errors.New("notification service: repository is required")
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return newPrefixedID(notificationIDPrefix) }
	}
	return &notificationService{
		repo:   deps.Repository,
		clock:  utcClock(deps.Clock),
		newID:  newID,
		logger: loggerOrNoop(deps.Logger),
	}, nil
}

func (s *notificationService) Create(ctx context.Context, notification Notification) (Notification, error) {
	out, err := s.CreateMany(ctx, []Notification{notification})
	if err != nil {
		return Notification{}, err
	}
	return out[0], nil
}

// CreateMany validates every notification before writing any of them.
func (s *notificationService) CreateMany(ctx context.Context, notifications []Notification) ([]Notification, error) {
	if len(notifications) == 0 {
		return nil, nil
	}
	now := s.clock()
	out := make([]Notification, 0, len(notifications))
	for i, n := range notifications {
		n.TenantID = strings.TrimSpace(n.TenantID)
		n.UserID = strings.TrimSpace(n.UserID)
		n.Title = strings.TrimSpace(n.Title)
		n.Type = strings.TrimSpace(n.Type)
		switch {
		case n.TenantID == "" || n.UserID == "":
			return nil, fmt.Errorf("%w: notifications[%d]: tenant and user are required", ErrNotificationInvalidInput, i)
		case n.Title == "":
			return nil, fmt.Errorf("%w: notifications[%d]: title is required", ErrNotificationInvalidInput, i)
		case n.Type == "":
			return nil, fmt.Errorf("%w: notifications[%d]: type is required", ErrNotificationInvalidInput, i)
		}
		if n.ID == "" {
			n.ID = s.newID()
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}
		n.Metadata = maps.Clone(n.Metadata)
		out = append(out, n)
	}
	if err := s.repo.InsertMany(ctx, out); err != nil {
		return nil, wrapRepoError("create notifications", err)
	}
	s.logger(ctx, "notification.created", map[string]any{"count": len(out), "type": out[0].Type})
	return out, nil
}

func (s *notificationService) ListForUser(ctx context.Context, tenantID, userID string, pager Pagination) (domain.CursorPage[Notification], error) {
	tenantID, userID = strings.TrimSpace(tenantID), strings.TrimSpace(userID)
	if tenantID == "" || userID == "" {
		return domain.CursorPage[Notification]{}, fmt.Errorf("%w: tenant and user are required", ErrNotificationInvalidInput)
	}
	page, err := s.repo.ListByUser(ctx, tenantID, userID, pager)
	if err != nil {
		return domain.CursorPage[Notification]{}, wrapRepoError("list notifications", err)
	}
	return page, nil
}
