package zakat_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zakat.org/internal/apperr"
	"zakat.org/internal/auth"
	"zakat.org/internal/zakat"
)

func TestSubmitThenIllegalJump(t *testing.T) {
	f := newFixture(t)
	applicant := f.user("alice", auth.RoleApplicant, "")
	super := f.user("root", auth.RoleSuperAdmin, "")

	app := f.draft(applicant, "")
	assert.Equal(t, zakat.StatusDraft, app.Status)
	assert.Empty(t, f.history(app))

	app, err := f.svc.SubmitApplication(f.ctx, applicant, app.ID)
	require.NoError(t, err)
	assert.Equal(t, zakat.StatusSubmitted, app.Status)
	require.NotNil(t, app.SubmittedAt)

	history := f.history(app)
	require.Len(t, history, 1)
	assert.Equal(t, zakat.ActionSubmitted, history[0].Action)
	assert.Equal(t, zakat.StatusDraft, history[0].FromStatus)
	assert.Equal(t, zakat.StatusSubmitted, history[0].ToStatus)

	_, err = f.svc.ChangeStatus(f.ctx, super, zakat.ChangeStatusInput{ApplicationID: app.ID, Status: "approved"})
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)

	after, err := f.svc.GetApplication(f.ctx, super, app.ID)
	require.NoError(t, err)
	assert.Equal(t, zakat.StatusSubmitted, after.Status)
	assert.Len(t, after.History, 1)
}

func TestSubmitRules(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", auth.RoleApplicant, "")
	bob := f.user("bob", auth.RoleApplicant, "")
	super := f.user("root", auth.RoleSuperAdmin, "")

	app := f.draft(alice, "")
	_, err := f.svc.SubmitApplication(f.ctx, bob, app.ID)
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = f.svc.SubmitApplication(f.ctx, super, app.ID)
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)

	_, err = f.svc.SubmitApplication(f.ctx, alice, app.ID)
	require.NoError(t, err)
	_, err = f.svc.SubmitApplication(f.ctx, alice, app.ID)
	require.ErrorIs(t, err, apperr.ErrFailedPrecondition)

	_, err = f.svc.SubmitApplication(f.ctx, auth.Identity{}, app.ID)
	require.ErrorIs(t, err, apperr.ErrUnauthenticated)
	_, err = f.svc.SubmitApplication(f.ctx, alice, "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	incomplete, err := f.svc.CreateApplication(f.ctx, alice, zakat.DraftInput{})
	require.NoError(t, err)
	_, err = f.svc.SubmitApplication(f.ctx, alice, incomplete.ID)
	require.ErrorIs(t, err, apperr.ErrFailedPrecondition)
}

func TestCreateRequiresRegistrationAndValidSSN(t *testing.T) {
	f := newFixture(t)
	ghost := auth.Identity{UserID: "ghost", Role: auth.RoleApplicant}
	_, err := f.svc.CreateApplication(f.ctx, ghost, zakat.DraftInput{})
	require.ErrorIs(t, err, apperr.ErrFailedPrecondition)

	alice := f.user("alice", auth.RoleApplicant, "")
	_, err = f.svc.CreateApplication(f.ctx, alice, zakat.DraftInput{SSN: "123456789"})
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestUpdateDraftOnlyWhileDraft(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", auth.RoleApplicant, "")
	app := f.draft(alice, "")
	before, err := f.store.ListApplications(f.ctx, zakat.ListFilter{ApplicantID: alice.UserID})
	require.NoError(t, err)
	require.Len(t, before, 1)

	updated, err := f.svc.UpdateDraft(f.ctx, alice, app.ID, zakat.DraftInput{
		MasjidID: "m1",
		Form:     zakat.Form{RequestedAmount: 70000, Reason: "medical bills"},
	})
	require.NoError(t, err)
	assert.Equal(t, "m1", updated.MasjidID)
	assert.Equal(t, int64(70000), updated.Form.RequestedAmount)
	assert.Equal(t, "***-**-6789", updated.SSNMasked, "empty ssn keeps the stored envelope")

	after, err := f.store.ListApplications(f.ctx, zakat.ListFilter{ApplicantID: alice.UserID})
	require.NoError(t, err)
	assert.Equal(t, before[0].SSNEnvelope, after[0].SSNEnvelope)

	_, err = f.svc.SubmitApplication(f.ctx, alice, app.ID)
	require.NoError(t, err)
	_, err = f.svc.UpdateDraft(f.ctx, alice, app.ID, zakat.DraftInput{})
	require.ErrorIs(t, err, apperr.ErrFailedPrecondition)
}

func TestApplicantCannotActOnOwnApplication(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", auth.RoleApplicant, "")
	app := f.submitted(alice, "")

	_, err := f.svc.AssignApplication(f.ctx, alice, zakat.AssignInput{ApplicationID: app.ID})
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = f.svc.ReleaseApplication(f.ctx, alice, zakat.ReleaseInput{ApplicationID: app.ID})
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)
	for _, st := range zakat.AllowedTransitions(app.Status) {
		_, err = f.svc.ChangeStatus(f.ctx, alice, zakat.ChangeStatusInput{ApplicationID: app.ID, Status: string(st)})
		require.ErrorIs(t, err, apperr.ErrPermissionDenied)
	}
	_, err = f.svc.ResolveApplication(f.ctx, alice, zakat.ResolveInput{ApplicationID: app.ID, Decision: "rejected", RejectionReason: "x"})
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)
	assert.Len(t, f.history(app), 1)
}

func TestMasjidScopeOnAssignedApplication(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", auth.RoleApplicant, "")
	a1 := f.user("admin-m1", auth.RoleZakatAdmin, "m1")
	a2 := f.user("admin-m2", auth.RoleZakatAdmin, "m2")
	colleague := f.user("admin-m1b", auth.RoleZakatAdmin, "m1")

	app := f.submitted(alice, "")
	app = f.assign(app, a1)
	assert.Equal(t, "m1", app.AssignedToMasjid)

	_, err := f.svc.ChangeStatus(f.ctx, a2, zakat.ChangeStatusInput{ApplicationID: app.ID, Status: "under_review"})
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = f.svc.AddNote(f.ctx, a2, zakat.NoteInput{ApplicationID: app.ID, Content: "peek"})
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = f.svc.GetApplication(f.ctx, a2, app.ID)
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = f.svc.AssignApplication(f.ctx, a2, zakat.AssignInput{ApplicationID: app.ID})
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)

	app, err = f.svc.ChangeStatus(f.ctx, colleague, zakat.ChangeStatusInput{ApplicationID: app.ID, Status: "under_review", Reason: "picked up"})
	require.NoError(t, err)
	assert.Equal(t, zakat.StatusUnderReview, app.Status)
}

func TestPoolTriageWithoutClaim(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", auth.RoleApplicant, "")
	a1 := f.user("admin-m1", auth.RoleZakatAdmin, "m1")
	a2 := f.user("admin-m2", auth.RoleZakatAdmin, "m2")

	app := f.submitted(alice, "m1")

	_, err := f.svc.ChangeStatus(f.ctx, a2, zakat.ChangeStatusInput{ApplicationID: app.ID, Status: "under_review"})
	require.ErrorIs(t, err, apperr.ErrPermissionDenied, "chosen masjid excludes other admins")

	app, err = f.svc.ChangeStatus(f.ctx, a1, zakat.ChangeStatusInput{ApplicationID: app.ID, Status: "under_review"})
	require.NoError(t, err)

	_, err = f.svc.ChangeStatus(f.ctx, a1, zakat.ChangeStatusInput{ApplicationID: app.ID, Status: "approved"})
	require.ErrorIs(t, err, apperr.ErrPermissionDenied, "unclaimed cases only allow triage")
	_, err = f.svc.AddNote(f.ctx, a1, zakat.NoteInput{ApplicationID: app.ID, Content: "note"})
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)
}

func TestChangeStatusValidationOrder(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", auth.RoleApplicant, "")
	super := f.user("root", auth.RoleSuperAdmin, "")
	app := f.submitted(alice, "")

	_, err := f.svc.ChangeStatus(f.ctx, auth.Identity{}, zakat.ChangeStatusInput{ApplicationID: app.ID, Status: "bogus"})
	require.ErrorIs(t, err, apperr.ErrUnauthenticated)
	_, err = f.svc.ChangeStatus(f.ctx, super, zakat.ChangeStatusInput{ApplicationID: "missing", Status: "bogus"})
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = f.svc.ChangeStatus(f.ctx, super, zakat.ChangeStatusInput{ApplicationID: "missing", Status: "under_review"})
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.svc.ChangeStatus(f.ctx, super, zakat.ChangeStatusInput{ApplicationID: app.ID, Status: "submitted"})
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestTerminalStatesClearAssignment(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", auth.RoleApplicant, "")
	admin := f.user("admin-m1", auth.RoleZakatAdmin, "m1")

	app := f.submitted(alice, "")
	app = f.assign(app, admin)
	app, err := f.svc.ChangeStatus(f.ctx, admin, zakat.ChangeStatusInput{
		ApplicationID: app.ID,
		Status:        "rejected",
		Reason:        "duplicate",
		Metadata:      map[string]any{"duplicateOf": "ZK-2026-000001"},
	})
	require.NoError(t, err)
	assert.Empty(t, app.AssignedTo)
	assert.Empty(t, app.AssignedToMasjid)
	assert.Equal(t, "m1", app.HandlingMasjidID)

	app = f.move(app, admin, zakat.StatusClosed)
	assert.Equal(t, zakat.StatusClosed, app.Status)

	history := f.history(app)
	last := history[len(history)-1]
	assert.Equal(t, zakat.ActionStatusChanged, last.Action)
	assert.Equal(t, zakat.StatusRejected, last.FromStatus)
	assert.Equal(t, zakat.StatusClosed, last.ToStatus)
	assert.Equal(t, "duplicate", history[len(history)-2].Details)
}

func TestResolveValidation(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", auth.RoleApplicant, "")
	admin := f.user("admin-m1", auth.RoleZakatAdmin, "m1")
	app := f.submitted(alice, "")
	app = f.assign(app, admin)

	cases := []struct {
		name string
		in   zakat.ResolveInput
		want error
	}{
		{"unknown decision", zakat.ResolveInput{Decision: "maybe"}, apperr.ErrInvalidArgument},
		{"partial without amount", zakat.ResolveInput{Decision: "partial"}, apperr.ErrInvalidArgument},
		{"reject without reason", zakat.ResolveInput{Decision: "rejected"}, apperr.ErrInvalidArgument},
		{"bad method", zakat.ResolveInput{Decision: "approved", DisbursementMethod: "crypto"}, apperr.ErrInvalidArgument},
		{"approve from submitted", zakat.ResolveInput{Decision: "approved", AmountApproved: 100}, apperr.ErrFailedPrecondition},
	}
	for _, tc := range cases {
		tc.in.ApplicationID = app.ID
		_, err := f.svc.ResolveApplication(f.ctx, admin, tc.in)
		require.ErrorIs(t, err, tc.want, tc.name)
	}

	app = f.move(app, admin, zakat.StatusUnderReview)
	app, err := f.svc.ResolveApplication(f.ctx, admin, zakat.ResolveInput{
		ApplicationID:      app.ID,
		Decision:           "partial",
		AmountApproved:     25000,
		DisbursementMethod: "zelle",
		Notes:              "half of the request",
	})
	require.NoError(t, err)
	assert.Equal(t, zakat.StatusApproved, app.Status)
	require.NotNil(t, app.Resolution)
	assert.Equal(t, zakat.DecisionPartial, app.Resolution.Decision)
	assert.Equal(t, int64(25000), app.Resolution.AmountApproved)
	assert.Equal(t, zakat.MethodZelle, app.Resolution.DisbursementMethod)
	assert.Equal(t, "admin-m1", app.AssignedTo, "approval keeps the case assigned")
}

func TestNotesAreAppendOnly(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", auth.RoleApplicant, "")
	admin := f.user("admin-m1", auth.RoleZakatAdmin, "m1")
	colleague := f.user("admin-m1b", auth.RoleZakatAdmin, "m1")
	app := f.assign(f.submitted(alice, ""), admin)

	internal, err := f.svc.AddNote(f.ctx, admin, zakat.NoteInput{ApplicationID: app.ID, Content: "called landlord", Internal: true})
	require.NoError(t, err)
	_, err = f.svc.AddNote(f.ctx, admin, zakat.NoteInput{ApplicationID: app.ID, Content: "  "})
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = f.svc.EditNote(f.ctx, colleague, zakat.EditNoteInput{ApplicationID: app.ID, NoteID: internal.ID, Content: "rewrite"})
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = f.svc.EditNote(f.ctx, admin, zakat.EditNoteInput{ApplicationID: app.ID, NoteID: "nope", Content: "rewrite"})
	require.ErrorIs(t, err, apperr.ErrNotFound)

	edited, err := f.svc.EditNote(f.ctx, admin, zakat.EditNoteInput{ApplicationID: app.ID, NoteID: internal.ID, Content: "called landlord twice"})
	require.NoError(t, err)
	assert.Equal(t, internal.ID, edited.EditOf)
	assert.True(t, edited.Internal)

	view, err := f.svc.GetApplication(f.ctx, admin, app.ID)
	require.NoError(t, err)
	require.Len(t, view.AdminNotes, 2)
	assert.Equal(t, "called landlord", view.AdminNotes[0].Content)

	actions := make([]zakat.HistoryAction, 0, len(view.History))
	for _, h := range view.History {
		actions = append(actions, h.Action)
	}
	assert.Equal(t, []zakat.HistoryAction{zakat.ActionSubmitted, zakat.ActionAssigned, zakat.ActionNoteAdded, zakat.ActionNoteEdited}, actions)

	own, err := f.svc.GetApplication(f.ctx, alice, app.ID)
	require.NoError(t, err)
	assert.Empty(t, own.AdminNotes, "applicants never see internal notes")
	assert.Empty(t, own.History)
}

func TestRequestDocuments(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", auth.RoleApplicant, "")
	admin := f.user("admin-m1", auth.RoleZakatAdmin, "m1")
	app := f.assign(f.submitted(alice, ""), admin)

	_, err := f.svc.RequestDocuments(f.ctx, admin, zakat.RequestDocumentsInput{ApplicationID: app.ID, Documents: []string{"lease"}})
	require.ErrorIs(t, err, apperr.ErrFailedPrecondition, "submitted cannot go to pending_documents")

	app = f.move(app, admin, zakat.StatusUnderReview)
	_, err = f.svc.RequestDocuments(f.ctx, admin, zakat.RequestDocumentsInput{ApplicationID: app.ID, Documents: []string{" "}})
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)

	app, err = f.svc.RequestDocuments(f.ctx, admin, zakat.RequestDocumentsInput{
		ApplicationID: app.ID,
		Documents:     []string{"lease", "pay stubs"},
		Message:       "upload by Friday",
	})
	require.NoError(t, err)
	assert.Equal(t, zakat.StatusPendingDocuments, app.Status)

	own, err := f.svc.GetApplication(f.ctx, alice, app.ID)
	require.NoError(t, err)
	require.Len(t, own.AdminNotes, 1)
	assert.Contains(t, own.AdminNotes[0].Content, "lease, pay stubs")
}

func TestSSNIsMaskedAndRevealAudited(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", auth.RoleApplicant, "")
	admin := f.user("admin-m1", auth.RoleZakatAdmin, "m1")
	other := f.user("admin-m2", auth.RoleZakatAdmin, "m2")
	app := f.submitted(alice, "")
	assert.Equal(t, "***-**-6789", app.SSNMasked)

	stored, err := f.store.ListApplications(f.ctx, zakat.ListFilter{ApplicantID: alice.UserID})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.NotContains(t, stored[0].SSNEnvelope, "6789")
	assert.NotEmpty(t, stored[0].SSNEnvelope)

	_, err = f.svc.RevealSSN(f.ctx, alice, app.ID)
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)
	_, err = f.svc.RevealSSN(f.ctx, admin, app.ID)
	require.ErrorIs(t, err, apperr.ErrPermissionDenied, "reveal needs a claim")

	app = f.assign(app, admin)
	_, err = f.svc.RevealSSN(f.ctx, other, app.ID)
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)
	ssn, err := f.svc.RevealSSN(f.ctx, admin, app.ID)
	require.NoError(t, err)
	assert.Equal(t, testSSN, ssn)

	history := f.history(app)
	assert.Equal(t, zakat.ActionSSNRevealed, history[len(history)-1].Action)
}

func TestPoolRejectionKeepsMasjidInCharge(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", auth.RoleApplicant, "")
	a1 := f.user("admin-m1", auth.RoleZakatAdmin, "m1")
	a2 := f.user("admin-m2", auth.RoleZakatAdmin, "m2")

	app := f.submitted(alice, "")
	app, err := f.svc.ChangeStatus(f.ctx, a1, zakat.ChangeStatusInput{ApplicationID: app.ID, Status: "rejected", Reason: "incomplete"})
	require.NoError(t, err)
	assert.Empty(t, app.AssignedTo)
	assert.Equal(t, "m1", app.HandlingMasjidID)

	_, err = f.svc.ChangeStatus(f.ctx, a2, zakat.ChangeStatusInput{ApplicationID: app.ID, Status: "closed"})
	require.ErrorIs(t, err, apperr.ErrPermissionDenied, "another masjid gains nothing from the rejection")

	app = f.move(app, a1, zakat.StatusClosed)
	assert.Equal(t, zakat.StatusClosed, app.Status)
}

func TestPoolTriageToReviewDoesNotGrantHandling(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice", auth.RoleApplicant, "")
	a1 := f.user("admin-m1", auth.RoleZakatAdmin, "m1")

	app := f.submitted(alice, "")
	app = f.move(app, a1, zakat.StatusUnderReview)
	assert.Empty(t, app.HandlingMasjidID)
	assert.True(t, app.InPool())
}
