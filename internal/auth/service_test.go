package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zakat.org/internal/apperr"
	"zakat.org/internal/auth"
	"zakat.org/internal/store/memory"
)

func newService(t *testing.T) (*auth.Service, *memory.Store) {
	t.Helper()
	tokens, err := auth.NewTokens("test-secret", auth.WithTokenTTL(time.Hour))
	require.NoError(t, err)
	store := memory.New()
	return auth.NewService(store, tokens), store
}

func identityOf(u auth.User) auth.Identity {
	return auth.Identity{UserID: u.ID, Email: u.Email, Role: u.Role, MasjidID: u.MasjidID}
}

func TestSetUserRoleScenario(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	root, err := svc.EnsureSuperAdmin(ctx, "root", "root@example.org")
	require.NoError(t, err)
	target, err := svc.RegisterUser(ctx, auth.NewUser{ID: "uid", Email: "Imam@Example.org"})
	require.NoError(t, err)
	assert.Equal(t, "imam@example.org", target.Email)
	assert.Equal(t, auth.RoleApplicant, target.Role)

	actor := identityOf(root)
	_, _, err = svc.SetUserRole(ctx, actor, auth.SetRoleInput{UserID: "uid", Role: "zakat_admin"})
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)

	user, claims, err := svc.SetUserRole(ctx, actor, auth.SetRoleInput{UserID: "uid", Role: "zakat_admin", MasjidID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, auth.RoleZakatAdmin, user.Role)
	assert.Equal(t, "m1", user.MasjidID)
	assert.Equal(t, auth.RoleZakatAdmin, claims.Role)
	assert.Equal(t, "m1", claims.MasjidID)

	stored, err := store.GetUser(ctx, "uid")
	require.NoError(t, err)
	mirror, err := store.GetClaims(ctx, "uid")
	require.NoError(t, err)
	assert.Equal(t, stored.Role, mirror.Role)
	assert.Equal(t, stored.MasjidID, mirror.MasjidID)
	assert.Equal(t, int64(2), mirror.Version)

	user, claims, err = svc.SetUserRole(ctx, actor, auth.SetRoleInput{UserID: "uid", Role: "super_admin", MasjidID: "m1"})
	require.NoError(t, err)
	assert.Empty(t, user.MasjidID, "masjid only applies to zakat_admin")
	assert.Empty(t, claims.MasjidID)
}

func TestSetUserRoleChecks(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	root, err := svc.EnsureSuperAdmin(ctx, "root", "root@example.org")
	require.NoError(t, err)
	_, err = svc.RegisterUser(ctx, auth.NewUser{ID: "uid", Email: "uid@example.org"})
	require.NoError(t, err)
	admin, err := svc.RegisterUser(ctx, auth.NewUser{ID: "adm", Email: "adm@example.org"})
	require.NoError(t, err)
	_, _, err = store.SetRole(ctx, admin.ID, auth.RoleZakatAdmin, "m1")
	require.NoError(t, err)

	_, _, err = svc.SetUserRole(ctx, auth.Identity{}, auth.SetRoleInput{UserID: "uid", Role: "applicant"})
	require.ErrorIs(t, err, apperr.ErrUnauthenticated)
	_, _, err = svc.SetUserRole(ctx, identityOf(root), auth.SetRoleInput{UserID: "uid", Role: "owner"})
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, _, err = svc.SetUserRole(ctx, identityOf(root), auth.SetRoleInput{Role: "applicant"})
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, _, err = svc.SetUserRole(ctx, auth.Identity{UserID: "adm", Role: auth.RoleZakatAdmin, MasjidID: "m1"}, auth.SetRoleInput{UserID: "uid", Role: "applicant"})
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, _, err = svc.SetUserRole(ctx, identityOf(root), auth.SetRoleInput{UserID: "missing", Role: "applicant"})
	require.ErrorIs(t, err, apperr.ErrNotFound)

	stale := auth.Identity{UserID: "adm", Role: auth.RoleSuperAdmin}
	_, _, err = svc.SetUserRole(ctx, stale, auth.SetRoleInput{UserID: "uid", Role: "super_admin"})
	require.ErrorIs(t, err, apperr.ErrPermissionDenied, "token role is confirmed against the user record")
}

func TestGetUserClaims(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	_, err := svc.RegisterUser(ctx, auth.NewUser{ID: "a", Email: "a@example.org"})
	require.NoError(t, err)
	_, err = svc.RegisterUser(ctx, auth.NewUser{ID: "b", Email: "b@example.org"})
	require.NoError(t, err)
	_, _, err = store.SetRole(ctx, "b", auth.RoleZakatAdmin, "m1")
	require.NoError(t, err)

	self := auth.Identity{UserID: "a", Role: auth.RoleApplicant}
	claims, err := svc.GetUserClaims(ctx, self, "")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleApplicant, claims.Role)

	_, err = svc.GetUserClaims(ctx, self, "b")
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)

	admin := auth.Identity{UserID: "b", Role: auth.RoleZakatAdmin, MasjidID: "m1"}
	claims, err = svc.GetUserClaims(ctx, admin, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", claims.UserID)

	_, err = svc.GetUserClaims(ctx, auth.Identity{}, "a")
	require.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestSyncClaimsAndIssueToken(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	_, err := svc.RegisterUser(ctx, auth.NewUser{ID: "a", Email: "a@example.org", DisplayName: "Aisha"})
	require.NoError(t, err)

	self := auth.Identity{UserID: "a", Role: auth.RoleApplicant}
	claims, err := svc.SyncClaims(ctx, self, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), claims.Version)
	_, err = svc.SyncClaims(ctx, self, "someone-else")
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)

	token, _, err := svc.IssueToken(ctx, "a")
	require.NoError(t, err)
	id, err := svc.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "a", id.UserID)
	assert.Equal(t, "Aisha", id.Name)
	assert.Equal(t, int64(2), id.ClaimsVersion)

	_, _, err = svc.IssueToken(ctx, "nobody")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = svc.VerifyToken("garbage")
	require.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestRegisterUserValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	_, err := svc.RegisterUser(ctx, auth.NewUser{Email: "x@example.org"})
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = svc.RegisterUser(ctx, auth.NewUser{ID: "x", Email: "nope"})
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = svc.RegisterUser(ctx, auth.NewUser{ID: "x", Email: "x@example.org"})
	require.NoError(t, err)
	_, err = svc.RegisterUser(ctx, auth.NewUser{ID: "x", Email: "x@example.org"})
	require.ErrorIs(t, err, apperr.ErrFailedPrecondition)
}
