package zakat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"zakat.org/internal/apperr"
	"zakat.org/internal/audit"
	"zakat.org/internal/auth"
	"zakat.org/internal/ids"
	"zakat.org/internal/pii"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Publisher receives pool events after the transaction that produced them
// has committed.
type Publisher interface {
	Publish(PoolEvent)
}

// Service implements the application lifecycle.
type Service struct {
	store  Store
	cipher *pii.Cipher
	policy auth.Policy
	events Publisher
	now    func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithPublisher attaches a pool event sink.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		s.events = p
	}
}

// NewService constructs the lifecycle service.
func NewService(store Store, cipher *pii.Cipher, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("zakat: store is required")
	}
	if cipher == nil {
		return nil, errors.New("zakat: cipher is required")
	}
	s := &Service{store: store, cipher: cipher, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Service) clock() time.Time { return s.now().UTC() }

func (s *Service) entry(app Application, actor auth.Identity, action HistoryAction) HistoryEntry {
	return HistoryEntry{
		ID:            ids.New(),
		ApplicationID: app.ID,
		Action:        action,
		Actor:         actorOf(actor),
		CreatedAt:     s.clock(),
	}
}

func (s *Service) publish(events []PoolEvent) {
	if s.events == nil {
		return
	}
	for _, evt := range events {
		s.events.Publish(evt)
	}
}

func requireID(field, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%w: %s is required", apperr.ErrInvalidArgument, field)
	}
	return value, nil
}

// DraftInput is the applicant-editable part of an application. SSN is the
// plaintext XXX-XX-XXXX value; it is encrypted before anything is stored.
type DraftInput struct {
	MasjidID string
	Form     Form
	SSN      string
}

func (s *Service) prepareDraft(in DraftInput) (Form, string, error) {
	f := in.Form
	f.Reason = strings.TrimSpace(f.Reason)
	if f.HouseholdSize < 0 || f.MonthlyIncome < 0 || f.RequestedAmount < 0 {
		return Form{}, "", fmt.Errorf("%w: form values must not be negative", apperr.ErrInvalidArgument)
	}
	var envelope string
	if ssn := strings.TrimSpace(in.SSN); ssn != "" {
		var err error
		if envelope, err = s.cipher.EncryptSSN(ssn); err != nil {
			return Form{}, "", err
		}
	}
	return f, envelope, nil
}

// CreateApplication opens a draft owned by the caller. Drafts are private
// to the applicant, so the audit trail starts at submission.
func (s *Service) CreateApplication(ctx context.Context, actor auth.Identity, in DraftInput) (Application, error) {
	if err := auth.RequireAuthenticated(actor); err != nil {
		return Application{}, err
	}
	form, envelope, err := s.prepareDraft(in)
	if err != nil {
		return Application{}, err
	}

	var out Application
	err = s.store.RunInTx(ctx, func(tx Tx) error {
		user, err := tx.GetUser(ctx, actor.UserID)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return fmt.Errorf("%w: register before applying", apperr.ErrFailedPrecondition)
			}
			return err
		}
		flags, err := tx.ListFlags(ctx, user.ID)
		if err != nil {
			return err
		}
		now := s.clock()
		app := Application{
			ID:                ids.New(),
			ApplicationNumber: ids.ApplicationNumber(now),
			ApplicantID:       user.ID,
			ApplicantSnapshot: snapshotOf(user, flags),
			MasjidID:          strings.TrimSpace(in.MasjidID),
			Status:            StatusDraft,
			Form:              form,
			SSNEnvelope:       envelope,
			AdminNotes:        []AdminNote{},
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.PutApplication(ctx, app); err != nil {
			return err
		}
		out = app
		return nil
	})
	if err != nil {
		return Application{}, err
	}
	return s.present(out, actor), nil
}

// UpdateDraft replaces the form of a draft. An empty SSN keeps the stored one.
func (s *Service) UpdateDraft(ctx context.Context, actor auth.Identity, applicationID string, in DraftInput) (Application, error) {
	if err := auth.RequireAuthenticated(actor); err != nil {
		return Application{}, err
	}
	id, err := requireID("applicationId", applicationID)
	if err != nil {
		return Application{}, err
	}
	form, envelope, err := s.prepareDraft(in)
	if err != nil {
		return Application{}, err
	}

	var out Application
	err = s.store.RunInTx(ctx, func(tx Tx) error {
		app, err := tx.GetApplication(ctx, id)
		if err != nil {
			return err
		}
		if err := s.policy.Authorize(actor, app.resource(), auth.ActionEditDraft); err != nil {
			return err
		}
		if app.Status != StatusDraft {
			return fmt.Errorf("%w: only drafts can be edited", apperr.ErrFailedPrecondition)
		}
		app.Form = form
		app.MasjidID = strings.TrimSpace(in.MasjidID)
		if envelope != "" {
			app.SSNEnvelope = envelope
		}
		app.UpdatedAt = s.clock()
		if err := tx.PutApplication(ctx, app); err != nil {
			return err
		}
		out = app
		return nil
	})
	if err != nil {
		return Application{}, err
	}
	return s.present(out, actor), nil
}

// SubmitApplication moves the owner's draft into the review pool.
func (s *Service) SubmitApplication(ctx context.Context, actor auth.Identity, applicationID string) (Application, error) {
	if err := auth.RequireAuthenticated(actor); err != nil {
		return Application{}, err
	}
	id, err := requireID("applicationId", applicationID)
	if err != nil {
		return Application{}, err
	}

	var (
		out    Application
		events []PoolEvent
	)
	err = s.store.RunInTx(ctx, func(tx Tx) error {
		events = nil
		app, err := tx.GetApplication(ctx, id)
		if err != nil {
			return err
		}
		if err := s.policy.Authorize(actor, app.resource(), auth.ActionSubmit); err != nil {
			return err
		}
		if app.Status != StatusDraft {
			return fmt.Errorf("%w: application is %s, only drafts can be submitted", apperr.ErrFailedPrecondition, app.Status)
		}
		if app.Form.RequestedAmount <= 0 || app.Form.Reason == "" {
			return fmt.Errorf("%w: requested amount and reason are required before submitting", apperr.ErrFailedPrecondition)
		}
		now := s.clock()
		app.Status = StatusSubmitted
		app.SubmittedAt = &now
		app.UpdatedAt = now
		if err := tx.PutApplication(ctx, app); err != nil {
			return err
		}
		h := s.entry(app, actor, ActionSubmitted)
		h.FromStatus, h.ToStatus = StatusDraft, StatusSubmitted
		if err := tx.AppendHistory(ctx, h); err != nil {
			return err
		}
		events = append(events, poolEvent(PoolSubmitted, app, actor, now))
		out = app
		return nil
	})
	if err != nil {
		return Application{}, err
	}
	observeTransition(StatusDraft, StatusSubmitted)
	s.publish(events)
	return s.present(out, actor), nil
}

// GetApplication returns the application with its history. Applicants see
// external notes only and no history.
func (s *Service) GetApplication(ctx context.Context, actor auth.Identity, applicationID string) (Application, error) {
	if err := auth.RequireAuthenticated(actor); err != nil {
		return Application{}, err
	}
	id, err := requireID("applicationId", applicationID)
	if err != nil {
		return Application{}, err
	}
	var out Application
	err = s.store.RunInTx(ctx, func(tx Tx) error {
		app, err := tx.GetApplication(ctx, id)
		if err != nil {
			return err
		}
		if err := s.policy.Authorize(actor, app.resource(), auth.ActionRead); err != nil {
			return err
		}
		if actor.IsAdmin() {
			if app.History, err = tx.ListHistory(ctx, app.ID); err != nil {
				return err
			}
		}
		out = app
		return nil
	})
	if err != nil {
		return Application{}, err
	}
	return s.present(out, actor), nil
}

// ListInput narrows ListApplications.
type ListInput struct {
	Statuses     []string
	PoolOnly     bool
	AssignedToMe bool
	Limit        int
}

// ListApplications returns the applications visible to the caller. With
// PoolOnly set it returns the unclaimed, actionable applications in the
// caller's masjid scope.
func (s *Service) ListApplications(ctx context.Context, actor auth.Identity, in ListInput) ([]Application, error) {
	if err := auth.RequireAuthenticated(actor); err != nil {
		return nil, err
	}
	filter := ListFilter{PoolOnly: in.PoolOnly, Limit: in.Limit}
	for _, raw := range in.Statuses {
		st, ok := ParseStatus(raw)
		if !ok {
			return nil, fmt.Errorf("%w: unknown status %q", apperr.ErrInvalidArgument, raw)
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultListLimit
	case filter.Limit > maxListLimit:
		filter.Limit = maxListLimit
	}

	switch actor.Role {
	case auth.RoleSuperAdmin:
	case auth.RoleZakatAdmin:
		if actor.MasjidID == "" {
			return nil, fmt.Errorf("%w: admin has no masjid scope", apperr.ErrPermissionDenied)
		}
		filter.ScopeMasjidID = actor.MasjidID
	default:
		if in.PoolOnly || in.AssignedToMe {
			return nil, fmt.Errorf("%w: pool listing requires an admin role", apperr.ErrPermissionDenied)
		}
		filter.ApplicantID = actor.UserID
	}
	if in.AssignedToMe {
		filter.AssignedTo = actor.UserID
	}

	apps, err := s.store.ListApplications(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]Application, 0, len(apps))
	for _, app := range apps {
		app.History = nil
		out = append(out, s.present(app, actor))
	}
	return out, nil
}

// RevealSSN decrypts the stored SSN for an authorised admin and records the
// access in the history and the audit log.
func (s *Service) RevealSSN(ctx context.Context, actor auth.Identity, applicationID string) (string, error) {
	if err := auth.RequireAdmin(actor); err != nil {
		return "", err
	}
	id, err := requireID("applicationId", applicationID)
	if err != nil {
		return "", err
	}
	var ssn string
	err = s.store.RunInTx(ctx, func(tx Tx) error {
		app, err := tx.GetApplication(ctx, id)
		if err != nil {
			return err
		}
		if err := s.policy.Authorize(actor, app.resource(), auth.ActionRevealSSN); err != nil {
			return err
		}
		if app.SSNEnvelope == "" {
			return fmt.Errorf("%w: no ssn on file", apperr.ErrFailedPrecondition)
		}
		if ssn, err = s.cipher.DecryptSSN(app.SSNEnvelope); err != nil {
			return err
		}
		return tx.AppendHistory(ctx, s.entry(app, actor, ActionSSNRevealed))
	})
	if err != nil {
		return "", err
	}
	_ = audit.LogEvent(ctx, "application.ssn_revealed", map[string]any{
		"application_id": id,
		"masjid_id":      actor.MasjidID,
	})
	return ssn, nil
}

// present shapes an application for the caller: the SSN is only ever
// returned masked, and applicants do not see internal notes.
func (s *Service) present(app Application, actor auth.Identity) Application {
	if app.SSNEnvelope != "" {
		masked, err := s.cipher.MaskSSN(app.SSNEnvelope)
		if err != nil {
			masked = pii.MaskedUnknown
		}
		app.SSNMasked = masked
	}
	app.SSNEnvelope = ""
	if !actor.IsAdmin() {
		notes := make([]AdminNote, 0, len(app.AdminNotes))
		for _, n := range app.AdminNotes {
			if !n.Internal {
				notes = append(notes, n)
			}
		}
		app.AdminNotes = notes
		app.History = nil
	}
	if app.AdminNotes == nil {
		app.AdminNotes = []AdminNote{}
	}
	return app
}

func snapshotOf(u auth.User, flags []Flag) ApplicantSnapshot {
	snap := ApplicantSnapshot{Name: u.DisplayName, Email: u.Email, Phone: u.Phone}
	snap.IsFlagged, snap.FlagSeverity = flagState(flags)
	return snap
}
