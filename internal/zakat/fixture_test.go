package zakat_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zakat.org/internal/auth"
	"zakat.org/internal/pii"
	"zakat.org/internal/store/memory"
	"zakat.org/internal/zakat"
)

const testSSN = "123-45-6789"

type recorder struct {
	mu     sync.Mutex
	events []zakat.PoolEvent
}

func (r *recorder) Publish(evt zakat.PoolEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) kinds() []zakat.PoolEventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]zakat.PoolEventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *memory.Store
	cipher *pii.Cipher
	svc    *zakat.Service
	events *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cipher, err := pii.NewCipher(pii.DevelopmentKey())
	require.NoError(t, err)
	store := memory.New()
	events := &recorder{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		now = now.Add(time.Second)
		return now
	}
	svc, err := zakat.NewService(store, cipher, zakat.WithPublisher(events), zakat.WithClock(clock))
	require.NoError(t, err)
	return &fixture{t: t, ctx: context.Background(), store: store, cipher: cipher, svc: svc, events: events}
}

// user stores a user with the given role and returns the matching identity.
func (f *fixture) user(id string, role auth.Role, masjid string) auth.Identity {
	f.t.Helper()
	_, _, err := f.store.CreateUser(f.ctx, auth.User{ID: id, Email: id + "@example.org", DisplayName: id, Role: auth.RoleApplicant, IsActive: true})
	require.NoError(f.t, err)
	if role != auth.RoleApplicant {
		_, _, err = f.store.SetRole(f.ctx, id, role, masjid)
		require.NoError(f.t, err)
	}
	return auth.Identity{UserID: id, Email: id + "@example.org", Name: id, Role: role, MasjidID: masjid}
}

func (f *fixture) draft(owner auth.Identity, masjid string) zakat.Application {
	f.t.Helper()
	app, err := f.svc.CreateApplication(f.ctx, owner, zakat.DraftInput{
		MasjidID: masjid,
		Form:     zakat.Form{HouseholdSize: 4, MonthlyIncome: 180000, RequestedAmount: 50000, Reason: "rent arrears"},
		SSN:      testSSN,
	})
	require.NoError(f.t, err)
	return app
}

func (f *fixture) submitted(owner auth.Identity, masjid string) zakat.Application {
	f.t.Helper()
	app := f.draft(owner, masjid)
	app, err := f.svc.SubmitApplication(f.ctx, owner, app.ID)
	require.NoError(f.t, err)
	return app
}

func (f *fixture) assign(app zakat.Application, admin auth.Identity) zakat.Application {
	f.t.Helper()
	out, err := f.svc.AssignApplication(f.ctx, admin, zakat.AssignInput{ApplicationID: app.ID})
	require.NoError(f.t, err)
	return out
}

func (f *fixture) move(app zakat.Application, admin auth.Identity, statuses ...zakat.Status) zakat.Application {
	f.t.Helper()
	for _, st := range statuses {
		var err error
		app, err = f.svc.ChangeStatus(f.ctx, admin, zakat.ChangeStatusInput{ApplicationID: app.ID, Status: string(st)})
		require.NoError(f.t, err)
	}
	return app
}

// approved returns an application claimed by admin and approved for amount.
func (f *fixture) approved(owner, admin auth.Identity, amount int64) zakat.Application {
	f.t.Helper()
	app := f.submitted(owner, admin.MasjidID)
	app = f.assign(app, admin)
	app = f.move(app, admin, zakat.StatusUnderReview)
	app, err := f.svc.ResolveApplication(f.ctx, admin, zakat.ResolveInput{
		ApplicationID:  app.ID,
		Decision:       string(zakat.DecisionApproved),
		AmountApproved: amount,
	})
	require.NoError(f.t, err)
	return app
}

func (f *fixture) history(app zakat.Application) []zakat.HistoryEntry {
	f.t.Helper()
	admin := auth.Identity{UserID: "auditor", Role: auth.RoleSuperAdmin}
	out, err := f.svc.GetApplication(f.ctx, admin, app.ID)
	require.NoError(f.t, err)
	return out.History
}
