package zakat_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zakat.org/internal/apperr"
	"zakat.org/internal/auth"
	"zakat.org/internal/zakat"
)

func TestConcurrentClaimIsExclusive(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", auth.RoleApplicant, "")
	admins := []auth.Identity{
		f.user("admin-a", auth.RoleZakatAdmin, "m1"),
		f.user("admin-b", auth.RoleZakatAdmin, "m1"),
	}
	app := f.submitted(alice, "")

	var wg sync.WaitGroup
	errs := make([]error, len(admins))
	start := make(chan struct{})
	for i, admin := range admins {
		wg.Add(1)
		go func(i int, admin auth.Identity) {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.AssignApplication(f.ctx, admin, zakat.AssignInput{ApplicationID: app.ID})
		}(i, admin)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, apperr.ErrFailedPrecondition)
	}
	assert.Equal(t, 1, wins)

	history := f.history(app)
	assigned := 0
	for _, h := range history {
		if h.Action == zakat.ActionAssigned {
			assigned++
		}
	}
	assert.Equal(t, 1, assigned)
}

func TestAssignRules(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", auth.RoleApplicant, "")
	a1 := f.user("admin-m1", auth.RoleZakatAdmin, "m1")
	a1b := f.user("admin-m1b", auth.RoleZakatAdmin, "m1")
	a2 := f.user("admin-m2", auth.RoleZakatAdmin, "m2")
	super := f.user("root", auth.RoleSuperAdmin, "")

	draft := f.draft(alice, "")
	_, err := f.svc.AssignApplication(f.ctx, super, zakat.AssignInput{ApplicationID: draft.ID})
	require.ErrorIs(t, err, apperr.ErrFailedPrecondition, "drafts are not in the pool")

	app := f.submitted(alice, "m1")
	_, err = f.svc.AssignApplication(f.ctx, a2, zakat.AssignInput{ApplicationID: app.ID})
	require.ErrorIs(t, err, apperr.ErrPermissionDenied, "chosen masjid limits the pool")

	_, err = f.svc.AssignApplication(f.ctx, a1, zakat.AssignInput{ApplicationID: app.ID, AssignToUserID: a2.UserID})
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = f.svc.AssignApplication(f.ctx, a1, zakat.AssignInput{ApplicationID: app.ID, AssignToUserID: alice.UserID})
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)

	app, err = f.svc.AssignApplication(f.ctx, a1, zakat.AssignInput{ApplicationID: app.ID, AssignToUserID: a1b.UserID})
	require.NoError(t, err)
	assert.Equal(t, a1b.UserID, app.AssignedTo)
	assert.Equal(t, "m1", app.AssignedToMasjid)

	again, err := f.svc.AssignApplication(f.ctx, a1b, zakat.AssignInput{ApplicationID: app.ID})
	require.NoError(t, err, "claiming your own case is a no-op")
	assert.Equal(t, app.UpdatedAt, again.UpdatedAt)

	_, err = f.svc.AssignApplication(f.ctx, a1, zakat.AssignInput{ApplicationID: app.ID})
	require.ErrorIs(t, err, apperr.ErrFailedPrecondition)

	app, err = f.svc.AssignApplication(f.ctx, super, zakat.AssignInput{ApplicationID: app.ID, AssignToUserID: a1.UserID})
	require.NoError(t, err, "super_admin may reassign")
	assert.Equal(t, a1.UserID, app.AssignedTo)

	history := f.history(app)
	last := history[len(history)-1]
	assert.Equal(t, zakat.ActionAssigned, last.Action)
	assert.Equal(t, a1b.UserID, last.FromAssignee)
	assert.Equal(t, a1.UserID, last.ToAssignee)
}

func TestReleaseRules(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", auth.RoleApplicant, "")
	a1 := f.user("admin-m1", auth.RoleZakatAdmin, "m1")
	a1b := f.user("admin-m1b", auth.RoleZakatAdmin, "m1")
	super := f.user("root", auth.RoleSuperAdmin, "")

	app := f.submitted(alice, "")
	_, err := f.svc.ReleaseApplication(f.ctx, a1, zakat.ReleaseInput{ApplicationID: app.ID})
	require.ErrorIs(t, err, apperr.ErrFailedPrecondition)

	app = f.assign(app, a1)
	app = f.move(app, a1, zakat.StatusUnderReview)
	_, err = f.svc.ReleaseApplication(f.ctx, a1b, zakat.ReleaseInput{ApplicationID: app.ID})
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)

	app, err = f.svc.ReleaseApplication(f.ctx, a1, zakat.ReleaseInput{ApplicationID: app.ID, Reason: "going on leave"})
	require.NoError(t, err)
	assert.Empty(t, app.AssignedTo)
	assert.Empty(t, app.AssignedToMasjid)
	assert.Equal(t, zakat.StatusUnderReview, app.Status)
	assert.True(t, app.InPool())

	app = f.assign(app, a1b)
	app, err = f.svc.ReleaseApplication(f.ctx, super, zakat.ReleaseInput{ApplicationID: app.ID})
	require.NoError(t, err)
	assert.Empty(t, app.AssignedTo)

	history := f.history(app)
	var released []zakat.HistoryEntry
	for _, h := range history {
		if h.Action == zakat.ActionReleased {
			released = append(released, h)
		}
	}
	require.Len(t, released, 2)
	assert.Equal(t, "going on leave", released[0].Details)
	assert.Equal(t, a1.UserID, released[0].FromAssignee)

	assert.Equal(t, []zakat.PoolEventKind{
		zakat.PoolSubmitted, zakat.PoolClaimed, zakat.PoolReleased, zakat.PoolClaimed, zakat.PoolReleased,
	}, f.events.kinds(), "status changes on claimed cases do not touch the pool")
}

func TestReleaseAfterApprovalKeepsLedgerAccess(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", auth.RoleApplicant, "")
	a1 := f.user("admin-m1", auth.RoleZakatAdmin, "m1")
	a1b := f.user("admin-m1b", auth.RoleZakatAdmin, "m1")
	a2 := f.user("admin-m2", auth.RoleZakatAdmin, "m2")

	app := f.approved(alice, a1, 500)
	app, err := f.svc.ReleaseApplication(f.ctx, a1, zakat.ReleaseInput{ApplicationID: app.ID, Reason: "handover"})
	require.NoError(t, err)
	assert.Empty(t, app.AssignedTo)
	assert.Equal(t, "m1", app.HandlingMasjidID)
	assert.False(t, app.InPool())

	_, err = f.svc.RecordDisbursement(f.ctx, a2, zakat.DisbursementInput{ApplicationID: app.ID, Amount: 100, Method: "cash"})
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)

	d, err := f.svc.RecordDisbursement(f.ctx, a1b, zakat.DisbursementInput{ApplicationID: app.ID, Amount: 100, Method: "cash"})
	require.NoError(t, err)
	assert.Equal(t, "m1", d.MasjidID)

	app = f.move(app, a1, zakat.StatusClosed)
	assert.Equal(t, zakat.StatusClosed, app.Status)
}

func TestListApplicationsScopes(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", auth.RoleApplicant, "")
	bob := f.user("bob", auth.RoleApplicant, "")
	a1 := f.user("admin-m1", auth.RoleZakatAdmin, "m1")
	a2 := f.user("admin-m2", auth.RoleZakatAdmin, "m2")
	super := f.user("root", auth.RoleSuperAdmin, "")

	open := f.submitted(alice, "")
	forM1 := f.submitted(bob, "m1")
	forM2 := f.submitted(bob, "m2")
	f.draft(alice, "m1")
	claimed := f.assign(f.submitted(alice, ""), a2)

	ids := func(apps []zakat.Application) []string {
		out := make([]string, 0, len(apps))
		for _, a := range apps {
			out = append(out, a.ID)
		}
		return out
	}

	pool, err := f.svc.ListApplications(f.ctx, a1, zakat.ListInput{PoolOnly: true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{open.ID, forM1.ID}, ids(pool))

	pool, err = f.svc.ListApplications(f.ctx, super, zakat.ListInput{PoolOnly: true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{open.ID, forM1.ID, forM2.ID}, ids(pool))

	mine, err := f.svc.ListApplications(f.ctx, a2, zakat.ListInput{AssignedToMe: true})
	require.NoError(t, err)
	assert.Equal(t, []string{claimed.ID}, ids(mine))

	own, err := f.svc.ListApplications(f.ctx, bob, zakat.ListInput{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{forM1.ID, forM2.ID}, ids(own))
	for _, a := range own {
		assert.Empty(t, a.History)
		assert.Equal(t, "***-**-6789", a.SSNMasked)
	}

	_, err = f.svc.ListApplications(f.ctx, bob, zakat.ListInput{PoolOnly: true})
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = f.svc.ListApplications(f.ctx, a1, zakat.ListInput{Statuses: []string{"lost"}})
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)

	limited, err := f.svc.ListApplications(f.ctx, super, zakat.ListInput{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
