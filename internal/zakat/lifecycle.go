package zakat

import (
	"context"
	"fmt"
	"strings"

	"zakat.org/internal/apperr"
	"zakat.org/internal/auth"
	"zakat.org/internal/ids"
	"zakat.org/internal/obs"
)

func observeTransition(from, to Status) { obs.ObserveTransition(string(from), string(to)) }

// ChangeStatusInput moves an application along one lifecycle edge.
type ChangeStatusInput struct {
	ApplicationID   string
	Status          string
	Reason          string
	Metadata        map[string]any
	DisbursedAmount int64
}

// ChangeStatus validates the caller, the target status and the edge, then
// commits the status together with its history entry.
func (s *Service) ChangeStatus(ctx context.Context, actor auth.Identity, in ChangeStatusInput) (Application, error) {
	if err := auth.RequireAuthenticated(actor); err != nil {
		return Application{}, err
	}
	id, err := requireID("applicationId", in.ApplicationID)
	if err != nil {
		return Application{}, err
	}
	to, ok := ParseStatus(in.Status)
	if !ok {
		return Application{}, fmt.Errorf("%w: unknown status %q", apperr.ErrInvalidArgument, in.Status)
	}
	if to == StatusSubmitted {
		return Application{}, fmt.Errorf("%w: use submitApplication to submit a draft", apperr.ErrInvalidArgument)
	}
	if in.DisbursedAmount < 0 {
		return Application{}, fmt.Errorf("%w: disbursedAmount must not be negative", apperr.ErrInvalidArgument)
	}

	var (
		out    Application
		from   Status
		events []PoolEvent
	)
	err = s.store.RunInTx(ctx, func(tx Tx) error {
		events = nil
		app, err := tx.GetApplication(ctx, id)
		if err != nil {
			return err
		}
		action := auth.ActionChangeStatus
		if app.AssignedTo == "" && triageTarget(to) {
			action = auth.ActionTriage
		}
		if err := s.policy.Authorize(actor, app.resource(), action); err != nil {
			return err
		}
		if !CanTransition(app.Status, to) {
			return fmt.Errorf("%w: cannot move from %s to %s", apperr.ErrInvalidArgument, app.Status, to)
		}
		from = app.Status
		wasInPool := app.InPool()
		s.applyStatus(&app, to)
		// A masjid admin closing a case from the pool becomes its handler,
		// otherwise nobody below super_admin could act on it again.
		if action == auth.ActionTriage && to.releasesAssignment() && actor.Role == auth.RoleZakatAdmin {
			app.HandlingMasjidID = actor.MasjidID
		}
		if err := tx.PutApplication(ctx, app); err != nil {
			return err
		}
		h := s.entry(app, actor, ActionStatusChanged)
		h.FromStatus, h.ToStatus = from, to
		h.Details = strings.TrimSpace(in.Reason)
		h.Metadata = copyMetadata(in.Metadata)
		if in.DisbursedAmount > 0 {
			if h.Metadata == nil {
				h.Metadata = map[string]any{}
			}
			h.Metadata["disbursedAmount"] = in.DisbursedAmount
		}
		if err := tx.AppendHistory(ctx, h); err != nil {
			return err
		}
		if wasInPool || app.InPool() {
			events = append(events, poolEvent(PoolStatusChanged, app, actor, app.UpdatedAt))
		}
		out = app
		return nil
	})
	if err != nil {
		return Application{}, err
	}
	observeTransition(from, to)
	s.publish(events)
	return s.present(out, actor), nil
}

// applyStatus sets the new status and drops the assignment when the case
// leaves active review. The handling masjid is kept for later ledger work.
func (s *Service) applyStatus(app *Application, to Status) {
	app.Status = to
	if to.releasesAssignment() {
		app.AssignedTo = ""
		app.AssignedToMasjid = ""
	}
	app.UpdatedAt = s.clock()
}

// NoteInput appends an admin note.
type NoteInput struct {
	ApplicationID string
	Content       string
	Internal      bool
}

// AddNote appends a note. Notes are never rewritten in place.
func (s *Service) AddNote(ctx context.Context, actor auth.Identity, in NoteInput) (AdminNote, error) {
	if err := auth.RequireAuthenticated(actor); err != nil {
		return AdminNote{}, err
	}
	id, err := requireID("applicationId", in.ApplicationID)
	if err != nil {
		return AdminNote{}, err
	}
	content, err := requireID("content", in.Content)
	if err != nil {
		return AdminNote{}, err
	}
	var note AdminNote
	err = s.store.RunInTx(ctx, func(tx Tx) error {
		app, err := tx.GetApplication(ctx, id)
		if err != nil {
			return err
		}
		if err := s.policy.Authorize(actor, app.resource(), auth.ActionAddNote); err != nil {
			return err
		}
		note = s.newNote(actor, content, in.Internal, "")
		return s.appendNote(ctx, tx, app, actor, note, ActionNoteAdded)
	})
	if err != nil {
		return AdminNote{}, err
	}
	return note, nil
}

// EditNoteInput supersedes an existing note.
type EditNoteInput struct {
	ApplicationID string
	NoteID        string
	Content       string
}

// EditNote appends a replacement note that points at the original. Only the
// original author or a super_admin may edit.
func (s *Service) EditNote(ctx context.Context, actor auth.Identity, in EditNoteInput) (AdminNote, error) {
	if err := auth.RequireAuthenticated(actor); err != nil {
		return AdminNote{}, err
	}
	id, err := requireID("applicationId", in.ApplicationID)
	if err != nil {
		return AdminNote{}, err
	}
	noteID, err := requireID("noteId", in.NoteID)
	if err != nil {
		return AdminNote{}, err
	}
	content, err := requireID("content", in.Content)
	if err != nil {
		return AdminNote{}, err
	}
	var note AdminNote
	err = s.store.RunInTx(ctx, func(tx Tx) error {
		app, err := tx.GetApplication(ctx, id)
		if err != nil {
			return err
		}
		if err := s.policy.Authorize(actor, app.resource(), auth.ActionAddNote); err != nil {
			return err
		}
		var original *AdminNote
		for i := range app.AdminNotes {
			if app.AdminNotes[i].ID == noteID {
				original = &app.AdminNotes[i]
				break
			}
		}
		if original == nil {
			return fmt.Errorf("%w: note %s", apperr.ErrNotFound, noteID)
		}
		if original.Author.ID != actor.UserID && !actor.IsSuperAdmin() {
			return fmt.Errorf("%w: only the author may edit a note", apperr.ErrPermissionDenied)
		}
		note = s.newNote(actor, content, original.Internal, original.ID)
		return s.appendNote(ctx, tx, app, actor, note, ActionNoteEdited)
	})
	if err != nil {
		return AdminNote{}, err
	}
	return note, nil
}

func (s *Service) newNote(actor auth.Identity, content string, internal bool, editOf string) AdminNote {
	return AdminNote{
		ID:        ids.New(),
		Content:   content,
		Author:    actorOf(actor),
		Internal:  internal,
		EditOf:    editOf,
		CreatedAt: s.clock(),
	}
}

func (s *Service) appendNote(ctx context.Context, tx Tx, app Application, actor auth.Identity, note AdminNote, action HistoryAction) error {
	app.AdminNotes = append(app.AdminNotes, note)
	app.UpdatedAt = s.clock()
	if err := tx.PutApplication(ctx, app); err != nil {
		return err
	}
	h := s.entry(app, actor, action)
	h.Metadata = map[string]any{"noteId": note.ID, "internal": note.Internal}
	if note.EditOf != "" {
		h.Metadata["editOf"] = note.EditOf
	}
	return tx.AppendHistory(ctx, h)
}

// RequestDocumentsInput asks the applicant for more paperwork.
type RequestDocumentsInput struct {
	ApplicationID string
	Documents     []string
	Message       string
}

// RequestDocuments moves the case to pending_documents and leaves an
// applicant-visible note listing what is missing.
func (s *Service) RequestDocuments(ctx context.Context, actor auth.Identity, in RequestDocumentsInput) (Application, error) {
	if err := auth.RequireAuthenticated(actor); err != nil {
		return Application{}, err
	}
	id, err := requireID("applicationId", in.ApplicationID)
	if err != nil {
		return Application{}, err
	}
	docs := make([]string, 0, len(in.Documents))
	for _, d := range in.Documents {
		if d = strings.TrimSpace(d); d != "" {
			docs = append(docs, d)
		}
	}
	if len(docs) == 0 {
		return Application{}, fmt.Errorf("%w: at least one document is required", apperr.ErrInvalidArgument)
	}

	var (
		out  Application
		from Status
	)
	err = s.store.RunInTx(ctx, func(tx Tx) error {
		app, err := tx.GetApplication(ctx, id)
		if err != nil {
			return err
		}
		if err := s.policy.Authorize(actor, app.resource(), auth.ActionRequestDocuments); err != nil {
			return err
		}
		if !CanTransition(app.Status, StatusPendingDocuments) {
			return fmt.Errorf("%w: cannot request documents while %s", apperr.ErrFailedPrecondition, app.Status)
		}
		from = app.Status
		s.applyStatus(&app, StatusPendingDocuments)
		content := "Documents requested: " + strings.Join(docs, ", ")
		if msg := strings.TrimSpace(in.Message); msg != "" {
			content += "\n" + msg
		}
		app.AdminNotes = append(app.AdminNotes, s.newNote(actor, content, false, ""))
		if err := tx.PutApplication(ctx, app); err != nil {
			return err
		}
		h := s.entry(app, actor, ActionDocumentsRequested)
		h.FromStatus, h.ToStatus = from, StatusPendingDocuments
		h.Details = strings.TrimSpace(in.Message)
		h.Metadata = map[string]any{"documents": docs}
		if err := tx.AppendHistory(ctx, h); err != nil {
			return err
		}
		out = app
		return nil
	})
	if err != nil {
		return Application{}, err
	}
	observeTransition(from, StatusPendingDocuments)
	return s.present(out, actor), nil
}

// ResolveInput records the review decision.
type ResolveInput struct {
	ApplicationID      string
	Decision           string
	AmountApproved     int64
	DisbursementMethod string
	RejectionReason    string
	Notes              string
}

func (in ResolveInput) validate() (Decision, Status, Method, error) {
	decision := Decision(strings.TrimSpace(in.Decision))
	target, ok := decision.target()
	if !ok {
		return "", "", "", fmt.Errorf("%w: decision must be approved, partial or rejected", apperr.ErrInvalidArgument)
	}
	if in.AmountApproved < 0 {
		return "", "", "", fmt.Errorf("%w: amountApproved must not be negative", apperr.ErrInvalidArgument)
	}
	if decision == DecisionPartial && in.AmountApproved <= 0 {
		return "", "", "", fmt.Errorf("%w: partial approval requires amountApproved", apperr.ErrInvalidArgument)
	}
	if decision == DecisionRejected && strings.TrimSpace(in.RejectionReason) == "" {
		return "", "", "", fmt.Errorf("%w: rejection requires rejectionReason", apperr.ErrInvalidArgument)
	}
	var method Method
	if raw := strings.TrimSpace(in.DisbursementMethod); raw != "" {
		if method, ok = ParseMethod(raw); !ok {
			return "", "", "", fmt.Errorf("%w: unknown disbursement method %q", apperr.ErrInvalidArgument, raw)
		}
	}
	return decision, target, method, nil
}

// ResolveApplication writes the resolution and drives the status to
// approved or rejected.
func (s *Service) ResolveApplication(ctx context.Context, actor auth.Identity, in ResolveInput) (Application, error) {
	if err := auth.RequireAuthenticated(actor); err != nil {
		return Application{}, err
	}
	id, err := requireID("applicationId", in.ApplicationID)
	if err != nil {
		return Application{}, err
	}
	decision, target, method, err := in.validate()
	if err != nil {
		return Application{}, err
	}

	var (
		out    Application
		from   Status
		events []PoolEvent
	)
	err = s.store.RunInTx(ctx, func(tx Tx) error {
		events = nil
		app, err := tx.GetApplication(ctx, id)
		if err != nil {
			return err
		}
		if err := s.policy.Authorize(actor, app.resource(), auth.ActionResolve); err != nil {
			return err
		}
		if !CanTransition(app.Status, target) {
			return fmt.Errorf("%w: cannot resolve as %s while %s", apperr.ErrFailedPrecondition, decision, app.Status)
		}
		from = app.Status
		wasInPool := app.InPool()
		res := &Resolution{
			Decision:           decision,
			DisbursementMethod: method,
			Notes:              strings.TrimSpace(in.Notes),
			ResolvedBy:         actorOf(actor),
			ResolvedAt:         s.clock(),
		}
		if decision == DecisionRejected {
			res.RejectionReason = strings.TrimSpace(in.RejectionReason)
		} else {
			res.AmountApproved = in.AmountApproved
		}
		app.Resolution = res
		s.applyStatus(&app, target)
		if err := tx.PutApplication(ctx, app); err != nil {
			return err
		}
		h := s.entry(app, actor, ActionResolved)
		h.FromStatus, h.ToStatus = from, target
		h.Details = res.Notes
		h.Metadata = map[string]any{"decision": string(decision)}
		if res.AmountApproved > 0 {
			h.Metadata["amountApproved"] = res.AmountApproved
		}
		if res.RejectionReason != "" {
			h.Metadata["rejectionReason"] = res.RejectionReason
		}
		if err := tx.AppendHistory(ctx, h); err != nil {
			return err
		}
		if wasInPool {
			events = append(events, poolEvent(PoolStatusChanged, app, actor, app.UpdatedAt))
		}
		out = app
		return nil
	})
	if err != nil {
		return Application{}, err
	}
	observeTransition(from, target)
	s.publish(events)
	return s.present(out, actor), nil
}

func copyMetadata(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
