package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"zakat.org/internal/apperr"
	"zakat.org/internal/obs"
)

// Service owns role assignment and the token claims mirror.
type Service struct {
	store  Store
	tokens *Tokens
}

// NewService wires the user store and the token signer. tokens may be nil
// when the process only verifies identities produced elsewhere.
func NewService(store Store, tokens *Tokens) *Service {
	return &Service{store: store, tokens: tokens}
}

// SupportsTokens reports whether IssueToken and VerifyToken are available.
func (s *Service) SupportsTokens() bool { return s != nil && s.tokens != nil }

// NewUser is the self-registration payload. Role is always applicant.
type NewUser struct {
	ID          string
	Email       string
	DisplayName string
	Phone       string
}

// RegisterUser creates an applicant record together with its claims.
func (s *Service) RegisterUser(ctx context.Context, in NewUser) (User, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.Email = strings.TrimSpace(strings.ToLower(in.Email))
	if in.ID == "" {
		return User{}, fmt.Errorf("%w: user id is required", apperr.ErrInvalidArgument)
	}
	if in.Email == "" || !strings.Contains(in.Email, "@") {
		return User{}, fmt.Errorf("%w: valid email is required", apperr.ErrInvalidArgument)
	}
	user, _, err := s.store.CreateUser(ctx, User{
		ID:          in.ID,
		Email:       in.Email,
		DisplayName: strings.TrimSpace(in.DisplayName),
		Phone:       strings.TrimSpace(in.Phone),
		Role:        RoleApplicant,
		IsActive:    true,
	})
	if err != nil {
		return User{}, err
	}
	obs.Info("user registered", map[string]any{"user_id": user.ID})
	return user, nil
}

// EnsureSuperAdmin creates or promotes the bootstrap operator account.
func (s *Service) EnsureSuperAdmin(ctx context.Context, id, email string) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, fmt.Errorf("%w: bootstrap user id is required", apperr.ErrInvalidArgument)
	}
	user, err := s.store.GetUser(ctx, id)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		if _, err := s.RegisterUser(ctx, NewUser{ID: id, Email: email}); err != nil {
			return User{}, err
		}
	case err != nil:
		return User{}, err
	case user.Role == RoleSuperAdmin:
		return user, nil
	}
	user, _, err = s.store.SetRole(ctx, id, RoleSuperAdmin, "")
	if err != nil {
		return User{}, err
	}
	obs.Info("super admin bootstrapped", map[string]any{"user_id": id})
	return user, nil
}

// SetRoleInput is the payload of SetUserRole.
type SetRoleInput struct {
	UserID   string
	Role     string
	MasjidID string
}

// SetUserRole changes a user's role and masjid scope. The caller's token
// role is checked first and then confirmed against the durable record so a
// stale super_admin token cannot escalate anyone.
func (s *Service) SetUserRole(ctx context.Context, actor Identity, in SetRoleInput) (User, UserClaims, error) {
	if err := RequireAuthenticated(actor); err != nil {
		return User{}, UserClaims{}, err
	}
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return User{}, UserClaims{}, fmt.Errorf("%w: userId is required", apperr.ErrInvalidArgument)
	}
	role, ok := ParseRole(in.Role)
	if !ok {
		return User{}, UserClaims{}, fmt.Errorf("%w: role must be one of applicant, zakat_admin, super_admin", apperr.ErrInvalidArgument)
	}
	masjidID := strings.TrimSpace(in.MasjidID)
	if role == RoleZakatAdmin && masjidID == "" {
		return User{}, UserClaims{}, fmt.Errorf("%w: masjidId is required for zakat_admin", apperr.ErrInvalidArgument)
	}
	if role != RoleZakatAdmin {
		masjidID = ""
	}
	if err := RequireSuperAdmin(actor); err != nil {
		return User{}, UserClaims{}, err
	}
	caller, err := s.store.GetUser(ctx, actor.UserID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return User{}, UserClaims{}, fmt.Errorf("%w: caller record missing", apperr.ErrPermissionDenied)
		}
		return User{}, UserClaims{}, err
	}
	if caller.Role != RoleSuperAdmin || !caller.IsActive {
		return User{}, UserClaims{}, fmt.Errorf("%w: caller is no longer super_admin", apperr.ErrPermissionDenied)
	}

	user, claims, err := s.store.SetRole(ctx, userID, role, masjidID)
	if err != nil {
		return User{}, UserClaims{}, err
	}
	obs.Info("user role changed", map[string]any{
		"user_id":   userID,
		"role":      string(role),
		"masjid_id": masjidID,
		"actor_id":  actor.UserID,
	})
	return user, claims, nil
}

// GetUserClaims returns the claims mirror. An empty userID means the caller.
func (s *Service) GetUserClaims(ctx context.Context, actor Identity, userID string) (UserClaims, error) {
	if err := RequireAuthenticated(actor); err != nil {
		return UserClaims{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = actor.UserID
	}
	if userID != actor.UserID {
		if err := RequireAdmin(actor); err != nil {
			return UserClaims{}, err
		}
	}
	return s.store.GetClaims(ctx, userID)
}

// SyncClaims re-derives the claims mirror from the user document. It is the
// reconciliation path when the two ever drift apart.
func (s *Service) SyncClaims(ctx context.Context, actor Identity, userID string) (UserClaims, error) {
	if err := RequireAuthenticated(actor); err != nil {
		return UserClaims{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = actor.UserID
	}
	if userID != actor.UserID {
		if err := RequireSuperAdmin(actor); err != nil {
			return UserClaims{}, err
		}
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return UserClaims{}, err
	}
	_, claims, err := s.store.SetRole(ctx, user.ID, user.Role, user.MasjidID)
	if err != nil {
		return UserClaims{}, err
	}
	return claims, nil
}

// GetUser loads a user record.
func (s *Service) GetUser(ctx context.Context, id string) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, fmt.Errorf("%w: user id is required", apperr.ErrInvalidArgument)
	}
	return s.store.GetUser(ctx, id)
}

// IssueToken mints a token from the current claims mirror of an active user.
func (s *Service) IssueToken(ctx context.Context, userID string) (string, time.Time, error) {
	if !s.SupportsTokens() {
		return "", time.Time{}, fmt.Errorf("%w: token issuance disabled", apperr.ErrFailedPrecondition)
	}
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return "", time.Time{}, err
	}
	if !user.IsActive {
		return "", time.Time{}, fmt.Errorf("%w: user is inactive", apperr.ErrPermissionDenied)
	}
	claims, err := s.store.GetClaims(ctx, user.ID)
	if err != nil {
		return "", time.Time{}, err
	}
	return s.tokens.Issue(user, claims)
}

// VerifyToken resolves a bearer token into an Identity.
func (s *Service) VerifyToken(token string) (Identity, error) {
	if !s.SupportsTokens() {
		return Identity{}, ErrInvalidToken
	}
	return s.tokens.Parse(token)
}
