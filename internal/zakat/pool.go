package zakat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"zakat.org/internal/apperr"
	"zakat.org/internal/auth"
	"zakat.org/internal/obs"
)

// PoolEventKind names a change in pool membership.
type PoolEventKind string

const (
	PoolSubmitted     PoolEventKind = "submitted"
	PoolClaimed       PoolEventKind = "claimed"
	PoolReleased      PoolEventKind = "released"
	PoolStatusChanged PoolEventKind = "status_changed"
)

// PoolEvent is published for admin dashboards. It carries no applicant PII.
type PoolEvent struct {
	Kind              PoolEventKind `json:"kind"`
	ApplicationID     string        `json:"applicationId"`
	ApplicationNumber string        `json:"applicationNumber"`
	Status            Status        `json:"status"`
	MasjidID          string        `json:"masjidId,omitempty"`
	AssignedTo        string        `json:"assignedTo,omitempty"`
	ActorID           string        `json:"actorId"`
	Timestamp         time.Time     `json:"timestamp"`
}

func poolEvent(kind PoolEventKind, app Application, actor auth.Identity, at time.Time) PoolEvent {
	masjid := app.MasjidID
	if app.AssignedToMasjid != "" {
		masjid = app.AssignedToMasjid
	}
	return PoolEvent{
		Kind:              kind,
		ApplicationID:     app.ID,
		ApplicationNumber: app.ApplicationNumber,
		Status:            app.Status,
		MasjidID:          masjid,
		AssignedTo:        app.AssignedTo,
		ActorID:           actor.UserID,
		Timestamp:         at,
	}
}

// AssignInput claims an application. AssignToUserID names another admin to
// receive the case; empty means the caller.
type AssignInput struct {
	ApplicationID  string
	AssignToUserID string
}

// AssignApplication is the pool claim. The check that the application is
// unassigned and the write of the new assignee happen in one transaction, so
// of two concurrent claims exactly one succeeds and the other observes a
// failed precondition.
func (s *Service) AssignApplication(ctx context.Context, actor auth.Identity, in AssignInput) (Application, error) {
	if err := auth.RequireAuthenticated(actor); err != nil {
		return Application{}, err
	}
	id, err := requireID("applicationId", in.ApplicationID)
	if err != nil {
		return Application{}, err
	}
	target := strings.TrimSpace(in.AssignToUserID)

	var (
		out     Application
		result  string
		changed bool
		events  []PoolEvent
	)
	err = s.store.RunInTx(ctx, func(tx Tx) error {
		events, changed, result = nil, false, ""
		app, err := tx.GetApplication(ctx, id)
		if err != nil {
			return err
		}
		if err := s.policy.Authorize(actor, app.resource(), auth.ActionAssign); err != nil {
			return err
		}
		if !app.Status.Actionable() {
			return fmt.Errorf("%w: application is %s and cannot be assigned", apperr.ErrFailedPrecondition, app.Status)
		}
		assignee, masjid, err := s.resolveAssignee(ctx, tx, actor, app, target)
		if err != nil {
			return err
		}
		if app.AssignedTo == assignee {
			out = app
			return nil
		}
		if app.AssignedTo != "" && !actor.IsSuperAdmin() {
			result = "conflict"
			return fmt.Errorf("%w: application is already assigned", apperr.ErrFailedPrecondition)
		}
		result = "claimed"
		if app.AssignedTo != "" {
			result = "reassigned"
		}
		previous := app.AssignedTo
		app.AssignedTo = assignee
		app.AssignedToMasjid = masjid
		if masjid != "" {
			app.HandlingMasjidID = masjid
		}
		app.UpdatedAt = s.clock()
		if err := tx.PutApplication(ctx, app); err != nil {
			return err
		}
		h := s.entry(app, actor, ActionAssigned)
		h.FromAssignee, h.ToAssignee = previous, assignee
		if masjid != "" {
			h.Metadata = map[string]any{"masjidId": masjid}
		}
		if err := tx.AppendHistory(ctx, h); err != nil {
			return err
		}
		events = append(events, poolEvent(PoolClaimed, app, actor, app.UpdatedAt))
		changed = true
		out = app
		return nil
	})
	if result != "" {
		obs.ObserveClaim(result)
	}
	if err != nil {
		return Application{}, err
	}
	if changed {
		s.publish(events)
	}
	return s.present(out, actor), nil
}

// resolveAssignee returns the user and masjid the case will be assigned to.
// A masjid admin may only hand a case to an active admin of the same masjid.
func (s *Service) resolveAssignee(ctx context.Context, tx Tx, actor auth.Identity, app Application, target string) (string, string, error) {
	if target == "" || target == actor.UserID {
		return actor.UserID, actor.MasjidID, nil
	}
	user, err := tx.GetUser(ctx, target)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return "", "", fmt.Errorf("%w: assignee %s does not exist", apperr.ErrInvalidArgument, target)
		}
		return "", "", err
	}
	if !user.Role.IsAdmin() || !user.IsActive {
		return "", "", fmt.Errorf("%w: assignee must be an active admin", apperr.ErrInvalidArgument)
	}
	if actor.Role == auth.RoleZakatAdmin && (user.Role != auth.RoleZakatAdmin || user.MasjidID != actor.MasjidID) {
		return "", "", fmt.Errorf("%w: assignee must belong to your masjid", apperr.ErrPermissionDenied)
	}
	if user.Role == auth.RoleZakatAdmin && app.MasjidID != "" && app.MasjidID != user.MasjidID {
		return "", "", fmt.Errorf("%w: application was filed with another masjid", apperr.ErrFailedPrecondition)
	}
	return user.ID, user.MasjidID, nil
}

// ReleaseInput returns an application to the pool.
type ReleaseInput struct {
	ApplicationID string
	Reason        string
}

// ReleaseApplication clears the assignment regardless of status. Only the
// assignee or a super_admin may release. The handling masjid is dropped only
// when the case goes back to the pool; approved cases keep it for ledger work.
func (s *Service) ReleaseApplication(ctx context.Context, actor auth.Identity, in ReleaseInput) (Application, error) {
	if err := auth.RequireAuthenticated(actor); err != nil {
		return Application{}, err
	}
	id, err := requireID("applicationId", in.ApplicationID)
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
		if err := s.policy.Authorize(actor, app.resource(), auth.ActionRelease); err != nil {
			return err
		}
		if app.AssignedTo == "" {
			return fmt.Errorf("%w: application is not assigned", apperr.ErrFailedPrecondition)
		}
		previous := app.AssignedTo
		app.AssignedTo = ""
		app.AssignedToMasjid = ""
		if app.Status.Actionable() {
			app.HandlingMasjidID = ""
		}
		app.UpdatedAt = s.clock()
		if err := tx.PutApplication(ctx, app); err != nil {
			return err
		}
		h := s.entry(app, actor, ActionReleased)
		h.FromAssignee = previous
		h.Details = strings.TrimSpace(in.Reason)
		if err := tx.AppendHistory(ctx, h); err != nil {
			return err
		}
		events = append(events, poolEvent(PoolReleased, app, actor, app.UpdatedAt))
		out = app
		return nil
	})
	if err != nil {
		return Application{}, err
	}
	obs.ObserveClaim("released")
	s.publish(events)
	return s.present(out, actor), nil
}
