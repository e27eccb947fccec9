package memory

import (
	"context"
	"sort"
	"time"

	"zakat.org/internal/notify"
)

// InsertNotifications stores the batch atomically. An unknown recipient
// aborts the whole batch.
func (s *Store) InsertNotifications(_ context.Context, ns []notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range ns {
		if _, ok := s.users[n.UserID]; !ok {
			return notFound("user", n.UserID)
		}
	}
	for _, n := range ns {
		s.notifications[n.ID] = n
	}
	return nil
}

// GetNotification returns a notification by id.
func (s *Store) GetNotification(_ context.Context, id string) (notify.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notifications[id]
	if !ok {
		return notify.Notification{}, notFound("notification", id)
	}
	return n, nil
}

// MarkNotificationRead sets the read flag.
func (s *Store) MarkNotificationRead(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return notFound("notification", id)
	}
	n.Read, n.ReadAt = true, &at
	s.notifications[id] = n
	return nil
}

// MarkAllNotificationsRead marks every unread notification of the user.
func (s *Store) MarkAllNotificationsRead(_ context.Context, userID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for id, n := range s.notifications {
		if n.UserID != userID || n.Read {
			continue
		}
		n.Read, n.ReadAt = true, &at
		s.notifications[id] = n
		changed++
	}
	return changed, nil
}

// DeleteNotification removes a notification.
func (s *Store) DeleteNotification(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notifications[id]; !ok {
		return notFound("notification", id)
	}
	delete(s.notifications, id)
	return nil
}

// CountUnreadNotifications counts the user's unread notifications.
func (s *Store) CountUnreadNotifications(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, n := range s.notifications {
		if n.UserID == userID && !n.Read {
			count++
		}
	}
	return count, nil
}

// ListNotifications returns the user's notifications, newest first.
func (s *Store) ListNotifications(_ context.Context, userID string, unreadOnly bool, limit int) ([]notify.Notification, error) {
	s.mu.RLock()
	var out []notify.Notification
	for _, n := range s.notifications {
		if n.UserID != userID || (unreadOnly && n.Read) {
			continue
		}
		out = append(out, n)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ApplicantInMasjid reports whether the user has an application tied to the
// masjid.
func (s *Store) ApplicantInMasjid(_ context.Context, userID, masjidID string) (bool, error) {
	if masjidID == "" {
		return false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, app := range s.apps {
		if app.ApplicantID != userID {
			continue
		}
		if app.MasjidID == masjidID || app.AssignedToMasjid == masjidID || app.HandlingMasjidID == masjidID {
			return true, nil
		}
	}
	return false, nil
}
