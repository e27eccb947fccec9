package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"zakat.org/internal/notify"
)

const notificationColumns = `id, user_id, type, title, message, link, data, read, read_at, sent_by, created_at`

func scanNotification(row interface{ Scan(...any) error }) (notify.Notification, error) {
	var (
		n      notify.Notification
		data   []byte
		readAt sql.NullTime
	)
	if err := row.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.Link, &data,
		&n.Read, &readAt, &n.SentBy, &n.CreatedAt); err != nil {
		return notify.Notification{}, err
	}
	if readAt.Valid {
		t := readAt.Time
		n.ReadAt = &t
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return notify.Notification{}, fmt.Errorf("decode notification data: %w", err)
		}
		if len(n.Data) == 0 {
			n.Data = nil
		}
	}
	return n, nil
}

// InsertNotifications writes the batch in one transaction. An unknown
// recipient aborts the whole batch with apperr.ErrNotFound.
func (s *Store) InsertNotifications(ctx context.Context, ns []notify.Notification) error {
	if len(ns) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		insert into notifications (id, user_id, type, title, message, link, data, read, sent_by, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, false, $8, $9)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, n := range ns {
		data := []byte("{}")
		if len(n.Data) > 0 {
			if data, err = json.Marshal(n.Data); err != nil {
				return fmt.Errorf("encode notification data: %w", err)
			}
		}
		if _, err := stmt.ExecContext(ctx, n.ID, n.UserID, n.Type, n.Title, n.Message, n.Link,
			data, n.SentBy, n.CreatedAt); err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
				return notFound("user", n.UserID)
			}
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetNotification(ctx context.Context, id string) (notify.Notification, error) {
	n, err := scanNotification(s.db.QueryRowContext(ctx,
		`select `+notificationColumns+` from notifications where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Notification{}, notFound("notification", id)
	}
	return n, err
}

func (s *Store) MarkNotificationRead(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update notifications set read = true, read_at = coalesce(read_at, $2) where id = $1
	`, id, at)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound("notification", id)
	}
	return nil
}

func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		update notifications set read = true, read_at = $2 where user_id = $1 and not read
	`, userID, at)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) DeleteNotification(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from notifications where id = $1`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return notFound("notification", id)
	}
	return nil
}

func (s *Store) CountUnreadNotifications(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from notifications where user_id = $1 and not read
	`, userID).Scan(&n)
	return n, err
}

func (s *Store) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]notify.Notification, error) {
	query := `select ` + notificationColumns + ` from notifications where user_id = $1`
	if unreadOnly {
		query += ` and not read`
	}
	query += ` order by created_at desc, id desc limit $2`
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []notify.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) ApplicantInMasjid(ctx context.Context, userID, masjidID string) (bool, error) {
	if masjidID == "" {
		return false, nil
	}
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		select exists (
			select 1 from applications
			where applicant_id = $1
			  and (masjid_id = $2 or assigned_to_masjid = $2 or handling_masjid_id = $2)
		)
	`, userID, masjidID).Scan(&ok)
	return ok, err
}
