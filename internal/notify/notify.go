package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"zakat.org/internal/apperr"
	"zakat.org/internal/auth"
	"zakat.org/internal/ids"
	"zakat.org/internal/obs"
)

// MaxBulkRecipients bounds one bulk send, which is written as one batch.
const MaxBulkRecipients = 500

const (
	defaultListLimit = 50
	maxListLimit     = 200
	maxTypeLength    = 64
)

// Notification is an in-app message addressed to one user.
type Notification struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId"`
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Link      string            `json:"link,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Read      bool              `json:"read"`
	ReadAt    *time.Time        `json:"readAt,omitempty"`
	SentBy    string            `json:"sentBy"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Store persists notifications. Get, MarkRead and Delete return errors
// wrapping apperr.ErrNotFound for unknown ids.
type Store interface {
	InsertNotifications(ctx context.Context, ns []Notification) error
	GetNotification(ctx context.Context, id string) (Notification, error)
	MarkNotificationRead(ctx context.Context, id string, at time.Time) error
	MarkAllNotificationsRead(ctx context.Context, userID string, at time.Time) (int, error)
	DeleteNotification(ctx context.Context, id string) error
	CountUnreadNotifications(ctx context.Context, userID string) (int, error)
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error)
	// ApplicantInMasjid reports whether the user has an application chosen
	// by, assigned to or handled by the masjid.
	ApplicantInMasjid(ctx context.Context, userID, masjidID string) (bool, error)
}

// Service gates who may send, read and mutate notifications. Delivery beyond
// the stored record is handled elsewhere.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService constructs the notification gate.
func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, errors.New("notify: store is required")
	}
	return &Service{store: store, now: time.Now}, nil
}

// Message is the content shared by single and bulk sends.
type Message struct {
	Type    string
	Title   string
	Message string
	Link    string
	Data    map[string]string
}

func (m Message) normalize() (Message, error) {
	m.Type = strings.TrimSpace(m.Type)
	m.Title = strings.TrimSpace(m.Title)
	m.Message = strings.TrimSpace(m.Message)
	m.Link = strings.TrimSpace(m.Link)
	switch {
	case m.Type == "":
		return Message{}, fmt.Errorf("%w: type is required", apperr.ErrInvalidArgument)
	case len(m.Type) > maxTypeLength:
		return Message{}, fmt.Errorf("%w: type is too long", apperr.ErrInvalidArgument)
	case m.Title == "":
		return Message{}, fmt.Errorf("%w: title is required", apperr.ErrInvalidArgument)
	case m.Message == "":
		return Message{}, fmt.Errorf("%w: message is required", apperr.ErrInvalidArgument)
	}
	return m, nil
}

func (s *Service) build(userID string, m Message, actor auth.Identity) Notification {
	return Notification{
		ID:        ids.New(),
		UserID:    userID,
		Type:      m.Type,
		Title:     m.Title,
		Message:   m.Message,
		Link:      m.Link,
		Data:      m.Data,
		SentBy:    actor.UserID,
		CreatedAt: s.now().UTC(),
	}
}

// Send stores a notification for one user. A zakat_admin may only notify
// applicants connected to their masjid.
func (s *Service) Send(ctx context.Context, actor auth.Identity, userID string, m Message) (Notification, error) {
	if err := auth.RequireAuthenticated(actor); err != nil {
		return Notification{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Notification{}, fmt.Errorf("%w: userId is required", apperr.ErrInvalidArgument)
	}
	m, err := m.normalize()
	if err != nil {
		return Notification{}, err
	}
	if err := auth.RequireAdmin(actor); err != nil {
		return Notification{}, err
	}
	if actor.Role == auth.RoleZakatAdmin {
		ok, err := s.store.ApplicantInMasjid(ctx, userID, actor.MasjidID)
		if err != nil {
			return Notification{}, err
		}
		if !ok || actor.MasjidID == "" {
			return Notification{}, fmt.Errorf("%w: recipient is not an applicant of your masjid", apperr.ErrPermissionDenied)
		}
	}
	n := s.build(userID, m, actor)
	if err := s.store.InsertNotifications(ctx, []Notification{n}); err != nil {
		return Notification{}, err
	}
	obs.ObserveNotifications("single", 1)
	return n, nil
}

// SendBulk stores the same message for up to MaxBulkRecipients users in one
// batch. Only super_admin may send in bulk. Duplicate ids are collapsed.
func (s *Service) SendBulk(ctx context.Context, actor auth.Identity, userIDs []string, m Message) (int, error) {
	if err := auth.RequireAuthenticated(actor); err != nil {
		return 0, err
	}
	if len(userIDs) == 0 {
		return 0, fmt.Errorf("%w: userIds must not be empty", apperr.ErrInvalidArgument)
	}
	if len(userIDs) > MaxBulkRecipients {
		return 0, fmt.Errorf("%w: at most %d recipients per bulk send", apperr.ErrInvalidArgument, MaxBulkRecipients)
	}
	m, err := m.normalize()
	if err != nil {
		return 0, err
	}
	if err := auth.RequireSuperAdmin(actor); err != nil {
		return 0, err
	}

	seen := make(map[string]struct{}, len(userIDs))
	batch := make([]Notification, 0, len(userIDs))
	for _, id := range userIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return 0, fmt.Errorf("%w: userIds must not contain empty values", apperr.ErrInvalidArgument)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		batch = append(batch, s.build(id, m, actor))
	}
	if err := s.store.InsertNotifications(ctx, batch); err != nil {
		return 0, err
	}
	obs.ObserveNotifications("bulk", len(batch))
	return len(batch), nil
}

// owned loads a notification and checks that the caller is its recipient.
func (s *Service) owned(ctx context.Context, actor auth.Identity, id string) (Notification, error) {
	if err := auth.RequireAuthenticated(actor); err != nil {
		return Notification{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Notification{}, fmt.Errorf("%w: notificationId is required", apperr.ErrInvalidArgument)
	}
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return Notification{}, err
	}
	if n.UserID != actor.UserID {
		return Notification{}, fmt.Errorf("%w: notification belongs to another user", apperr.ErrPermissionDenied)
	}
	return n, nil
}

// MarkRead marks one of the caller's notifications as read.
func (s *Service) MarkRead(ctx context.Context, actor auth.Identity, notificationID string) error {
	n, err := s.owned(ctx, actor, notificationID)
	if err != nil {
		return err
	}
	if n.Read {
		return nil
	}
	return s.store.MarkNotificationRead(ctx, n.ID, s.now().UTC())
}

// Delete removes one of the caller's notifications.
func (s *Service) Delete(ctx context.Context, actor auth.Identity, notificationID string) error {
	n, err := s.owned(ctx, actor, notificationID)
	if err != nil {
		return err
	}
	return s.store.DeleteNotification(ctx, n.ID)
}

// MarkAllRead marks every unread notification of the caller as read and
// returns how many changed.
func (s *Service) MarkAllRead(ctx context.Context, actor auth.Identity) (int, error) {
	if err := auth.RequireAuthenticated(actor); err != nil {
		return 0, err
	}
	return s.store.MarkAllNotificationsRead(ctx, actor.UserID, s.now().UTC())
}

// UnreadCount returns the caller's unread notification count.
func (s *Service) UnreadCount(ctx context.Context, actor auth.Identity) (int, error) {
	if err := auth.RequireAuthenticated(actor); err != nil {
		return 0, err
	}
	return s.store.CountUnreadNotifications(ctx, actor.UserID)
}

// List returns the caller's notifications, newest first.
func (s *Service) List(ctx context.Context, actor auth.Identity, unreadOnly bool, limit int) ([]Notification, error) {
	if err := auth.RequireAuthenticated(actor); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	out, err := s.store.ListNotifications(ctx, actor.UserID, unreadOnly, limit)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Notification{}
	}
	return out, nil
}
