package notify_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zakat.org/internal/apperr"
	"zakat.org/internal/auth"
	"zakat.org/internal/notify"
	"zakat.org/internal/pii"
	"zakat.org/internal/store/memory"
	"zakat.org/internal/zakat"
)

var (
	super     = auth.Identity{UserID: "root", Role: auth.RoleSuperAdmin}
	admin     = auth.Identity{UserID: "adm", Role: auth.RoleZakatAdmin, MasjidID: "m1"}
	applicant = auth.Identity{UserID: "alice", Role: auth.RoleApplicant}
	msg       = notify.Message{Type: "status_update", Title: "Update", Message: "Your application moved"}
)

func newService(t *testing.T) (*notify.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc, err := notify.NewService(store)
	require.NoError(t, err)
	return svc, store
}

// seed registers applicants so they can receive notifications.
func seed(t *testing.T, store *memory.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, _, err := store.CreateUser(context.Background(), auth.User{ID: id, Email: id + "@example.org", Role: auth.RoleApplicant, IsActive: true})
		require.NoError(t, err)
	}
}

func recipients(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("user-%03d", i)
	}
	return out
}

func TestSendBulkCap(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	seed(t, store, recipients(500)...)
	seed(t, store, "a", "b")

	_, err := svc.SendBulk(ctx, super, recipients(501), msg)
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = svc.SendBulk(ctx, super, nil, msg)
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)

	n, err := svc.SendBulk(ctx, super, recipients(500), msg)
	require.NoError(t, err)
	assert.Equal(t, 500, n)

	_, err = svc.SendBulk(ctx, admin, recipients(2), msg)
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = svc.SendBulk(ctx, auth.Identity{}, recipients(2), msg)
	require.ErrorIs(t, err, apperr.ErrUnauthenticated)

	n, err = svc.SendBulk(ctx, super, []string{"a", "a", "b"}, msg)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "duplicates collapse")
	_, err = svc.SendBulk(ctx, super, []string{"a", " "}, msg)
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestSendToUnknownUser(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	seed(t, store, "alice")

	_, err := svc.Send(ctx, super, "ghost", msg)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = svc.SendBulk(ctx, super, []string{"alice", "ghost"}, msg)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	alice := auth.Identity{UserID: "alice", Role: auth.RoleApplicant}
	count, err := svc.UnreadCount(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, count, "a failed batch stores nothing")
}

func TestSendValidationAndScope(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)

	for name, m := range map[string]notify.Message{
		"type":    {Title: "t", Message: "m"},
		"title":   {Type: "x", Message: "m"},
		"message": {Type: "x", Title: "t"},
	} {
		_, err := svc.Send(ctx, super, "alice", m)
		require.ErrorIs(t, err, apperr.ErrInvalidArgument, name)
	}
	_, err := svc.Send(ctx, super, "", msg)
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = svc.Send(ctx, applicant, "alice", msg)
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)

	_, err = svc.Send(ctx, admin, "alice", msg)
	require.ErrorIs(t, err, apperr.ErrPermissionDenied, "alice has no application with m1")

	_, _, err = store.CreateUser(ctx, auth.User{ID: "alice", Email: "alice@example.org", Role: auth.RoleApplicant, IsActive: true})
	require.NoError(t, err)
	cipher, err := pii.NewCipher(pii.DevelopmentKey())
	require.NoError(t, err)
	apps, err := zakat.NewService(store, cipher)
	require.NoError(t, err)
	_, err = apps.CreateApplication(ctx, applicant, zakat.DraftInput{MasjidID: "m1"})
	require.NoError(t, err)

	n, err := svc.Send(ctx, admin, "alice", msg)
	require.NoError(t, err)
	assert.Equal(t, "alice", n.UserID)
	assert.Equal(t, "adm", n.SentBy)
	assert.False(t, n.Read)

	seed(t, store, "anyone")
	_, err = svc.Send(ctx, super, "anyone", msg)
	require.NoError(t, err, "super_admin is not scoped")
}

func TestReadAndDeleteOwnership(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	seed(t, store, "alice", "bob")
	_, err := svc.SendBulk(ctx, super, []string{"alice", "bob"}, msg)
	require.NoError(t, err)

	list, err := svc.List(ctx, applicant, false, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	mine := list[0]

	bob := auth.Identity{UserID: "bob", Role: auth.RoleApplicant}
	bobs, err := svc.List(ctx, bob, false, 0)
	require.NoError(t, err)
	require.Len(t, bobs, 1)

	require.ErrorIs(t, svc.MarkRead(ctx, applicant, ""), apperr.ErrInvalidArgument)
	require.ErrorIs(t, svc.MarkRead(ctx, applicant, "missing"), apperr.ErrNotFound)
	require.ErrorIs(t, svc.MarkRead(ctx, applicant, bobs[0].ID), apperr.ErrPermissionDenied)
	require.ErrorIs(t, svc.Delete(ctx, applicant, bobs[0].ID), apperr.ErrPermissionDenied)
	require.ErrorIs(t, svc.Delete(ctx, auth.Identity{}, mine.ID), apperr.ErrUnauthenticated)

	count, err := svc.UnreadCount(ctx, applicant)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, svc.MarkRead(ctx, applicant, mine.ID))
	require.NoError(t, svc.MarkRead(ctx, applicant, mine.ID), "marking twice is harmless")
	count, err = svc.UnreadCount(ctx, applicant)
	require.NoError(t, err)
	assert.Zero(t, count)

	unread, err := svc.List(ctx, applicant, true, 10)
	require.NoError(t, err)
	assert.Empty(t, unread)

	require.NoError(t, svc.Delete(ctx, applicant, mine.ID))
	require.ErrorIs(t, svc.Delete(ctx, applicant, mine.ID), apperr.ErrNotFound)

	changed, err := svc.MarkAllRead(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	count, err = svc.UnreadCount(ctx, bob)
	require.NoError(t, err)
	assert.Zero(t, count)
}
