package auth

import "context"

// Store describes persistence operations required by the auth subsystem.
// Implementations return errors wrapping apperr.ErrNotFound for missing users.
type Store interface {
	CreateUser(ctx context.Context, u User) (User, UserClaims, error)
	GetUser(ctx context.Context, id string) (User, error)
	GetClaims(ctx context.Context, userID string) (UserClaims, error)
	// SetRole writes role and masjid to the user document and to the claims
	// mirror as one unit of work; either both change or neither does.
	SetRole(ctx context.Context, userID string, role Role, masjidID string) (User, UserClaims, error)
}
