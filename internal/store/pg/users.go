package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"zakat.org/internal/auth"
)

const userColumns = `id, email, display_name, phone, role, masjid_id, is_active, is_flagged, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (auth.User, error) {
	var u auth.User
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.Phone, &u.Role, &u.MasjidID,
		&u.IsActive, &u.IsFlagged, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func getUser(ctx context.Context, q queryer, id string, lock bool) (auth.User, error) {
	query := `select ` + userColumns + ` from users where id = $1`
	if lock {
		query += ` for update`
	}
	u, err := scanUser(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, notFound("user", id)
	}
	return u, err
}

// CreateUser inserts a user and its initial claims in one transaction.
func (s *Store) CreateUser(ctx context.Context, u auth.User) (auth.User, auth.UserClaims, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.User{}, auth.UserClaims{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	created, err := scanUser(tx.QueryRowContext(ctx, `
		insert into users (id, email, display_name, phone, role, masjid_id, is_active, is_flagged, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, false, $8, $8)
		returning `+userColumns,
		u.ID, u.Email, u.DisplayName, u.Phone, u.Role, u.MasjidID, u.IsActive, now))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.User{}, auth.UserClaims{}, auth.ErrAlreadyExists
		}
		return auth.User{}, auth.UserClaims{}, err
	}

	c := auth.UserClaims{UserID: created.ID, Role: created.Role, MasjidID: created.MasjidID, Version: 1, UpdatedAt: now}
	if _, err := tx.ExecContext(ctx, `
		insert into user_claims (user_id, role, masjid_id, version, updated_at)
		values ($1, $2, $3, $4, $5)
	`, c.UserID, c.Role, c.MasjidID, c.Version, c.UpdatedAt); err != nil {
		return auth.User{}, auth.UserClaims{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.User{}, auth.UserClaims{}, err
	}
	return created, c, nil
}

// GetUser returns the user document.
func (s *Store) GetUser(ctx context.Context, id string) (auth.User, error) {
	return getUser(ctx, s.db, id, false)
}

// GetClaims returns the claims mirror.
func (s *Store) GetClaims(ctx context.Context, userID string) (auth.UserClaims, error) {
	var c auth.UserClaims
	err := s.db.QueryRowContext(ctx, `
		select user_id, role, masjid_id, version, updated_at
		from user_claims where user_id = $1
	`, userID).Scan(&c.UserID, &c.Role, &c.MasjidID, &c.Version, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.UserClaims{}, notFound("claims", userID)
	}
	return c, err
}

// SetRole updates the user row and the claims mirror atomically and bumps
// the claims version.
func (s *Store) SetRole(ctx context.Context, userID string, role auth.Role, masjidID string) (auth.User, auth.UserClaims, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.User{}, auth.UserClaims{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	u, err := scanUser(tx.QueryRowContext(ctx, `
		update users set role = $2, masjid_id = $3, updated_at = $4
		where id = $1
		returning `+userColumns, userID, role, masjidID, now))
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.UserClaims{}, notFound("user", userID)
	}
	if err != nil {
		return auth.User{}, auth.UserClaims{}, err
	}

	var c auth.UserClaims
	if err := tx.QueryRowContext(ctx, `
		insert into user_claims (user_id, role, masjid_id, version, updated_at)
		values ($1, $2, $3, 1, $4)
		on conflict (user_id) do update
		set role = excluded.role, masjid_id = excluded.masjid_id,
		    version = user_claims.version + 1, updated_at = excluded.updated_at
		returning user_id, role, masjid_id, version, updated_at
	`, userID, role, masjidID, now).Scan(&c.UserID, &c.Role, &c.MasjidID, &c.Version, &c.UpdatedAt); err != nil {
		return auth.User{}, auth.UserClaims{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.User{}, auth.UserClaims{}, err
	}
	return u, c, nil
}
