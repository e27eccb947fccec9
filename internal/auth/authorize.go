package auth

import (
	"fmt"

	"zakat.org/internal/apperr"
)

// Action names an operation gated by the policy evaluator.
type Action string

const (
	ActionRead             Action = "read"
	ActionEditDraft        Action = "edit_draft"
	ActionSubmit           Action = "submit"
	ActionAssign           Action = "assign"
	ActionRelease          Action = "release"
	ActionTriage           Action = "triage"
	ActionChangeStatus     Action = "change_status"
	ActionAddNote          Action = "add_note"
	ActionRequestDocuments Action = "request_documents"
	ActionResolve          Action = "resolve"
	ActionDisburse         Action = "disburse"
	ActionRevealSSN        Action = "reveal_ssn"
)

// Resource is the authorization-relevant projection of an application.
type Resource struct {
	OwnerID          string
	ChosenMasjidID   string
	AssignedTo       string
	AssignedToMasjid string
	HandlingMasjidID string
}

// Assigned reports whether an admin currently holds the case.
func (r Resource) Assigned() bool { return r.AssignedTo != "" }

// Policy is the single place where (actor, resource, action) is evaluated.
// Denials wrap apperr.ErrPermissionDenied; missing identities wrap
// apperr.ErrUnauthenticated.
type Policy struct{}

// Authorize returns nil when the actor may perform action on res.
func (Policy) Authorize(actor Identity, res Resource, action Action) error {
	if err := RequireAuthenticated(actor); err != nil {
		return err
	}
	switch action {
	case ActionSubmit, ActionEditDraft:
		if res.OwnerID == actor.UserID {
			return nil
		}
		return deny(action, "only the applicant may %s", action)
	}

	switch actor.Role {
	case RoleSuperAdmin:
		return nil
	case RoleZakatAdmin:
		return authorizeMasjidAdmin(actor, res, action)
	case RoleApplicant:
		if action == ActionRead && res.OwnerID == actor.UserID {
			return nil
		}
		return deny(action, "applicants may not %s", action)
	default:
		return deny(action, "unknown role %q", actor.Role)
	}
}

// Masjid admins act on cases assigned to their masjid, on the unassigned
// pool of their masjid (claim, read, triage), and on cases their masjid last
// handled after the assignment was cleared.
func authorizeMasjidAdmin(actor Identity, res Resource, action Action) error {
	if actor.MasjidID == "" {
		return deny(action, "admin has no masjid scope")
	}
	if res.Assigned() {
		if res.AssignedToMasjid != actor.MasjidID {
			return deny(action, "application is assigned to another masjid")
		}
		if action == ActionRelease && res.AssignedTo != actor.UserID {
			return deny(action, "only the assignee may release")
		}
		return nil
	}

	if res.HandlingMasjidID != "" && res.HandlingMasjidID == actor.MasjidID {
		return nil
	}
	inPool := res.ChosenMasjidID == "" || res.ChosenMasjidID == actor.MasjidID
	if !inPool {
		return deny(action, "application belongs to another masjid")
	}
	switch action {
	case ActionRead, ActionAssign, ActionTriage, ActionRelease:
		return nil
	default:
		return deny(action, "claim the application before you %s", action)
	}
}

func deny(action Action, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", apperr.ErrPermissionDenied, action, fmt.Sprintf(format, args...))
}

// RequireAuthenticated rejects anonymous callers.
func RequireAuthenticated(actor Identity) error {
	if !actor.Authenticated() {
		return fmt.Errorf("%w: authentication required", apperr.ErrUnauthenticated)
	}
	return nil
}

// RequireAdmin rejects callers that are not zakat_admin or super_admin.
func RequireAdmin(actor Identity) error {
	if err := RequireAuthenticated(actor); err != nil {
		return err
	}
	if !actor.IsAdmin() {
		return fmt.Errorf("%w: admin role required", apperr.ErrPermissionDenied)
	}
	return nil
}

// RequireSuperAdmin rejects callers that are not super_admin.
func RequireSuperAdmin(actor Identity) error {
	if err := RequireAuthenticated(actor); err != nil {
		return err
	}
	if !actor.IsSuperAdmin() {
		return fmt.Errorf("%w: super_admin role required", apperr.ErrPermissionDenied)
	}
	return nil
}
