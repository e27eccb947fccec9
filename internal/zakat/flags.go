package zakat

import (
	"context"
	"fmt"
	"strings"

	"zakat.org/internal/apperr"
	"zakat.org/internal/audit"
	"zakat.org/internal/auth"
	"zakat.org/internal/ids"
)

// FlagInput raises a flag on an applicant.
type FlagInput struct {
	ApplicantID string
	Severity    string
	Reason      string
}

// FlagApplicant records a cross-masjid flag. Any admin may flag. The user
// record and every application snapshot of the applicant pick up the new
// flag state in the same transaction.
func (s *Service) FlagApplicant(ctx context.Context, actor auth.Identity, in FlagInput) (Flag, error) {
	if err := auth.RequireAuthenticated(actor); err != nil {
		return Flag{}, err
	}
	applicantID, err := requireID("applicantId", in.ApplicantID)
	if err != nil {
		return Flag{}, err
	}
	severity, ok := ParseSeverity(in.Severity)
	if !ok {
		return Flag{}, fmt.Errorf("%w: severity must be warning or blocked", apperr.ErrInvalidArgument)
	}
	reason, err := requireID("reason", in.Reason)
	if err != nil {
		return Flag{}, err
	}
	if err := auth.RequireAdmin(actor); err != nil {
		return Flag{}, err
	}

	var out Flag
	err = s.store.RunInTx(ctx, func(tx Tx) error {
		user, err := tx.GetUser(ctx, applicantID)
		if err != nil {
			return err
		}
		flag := Flag{
			ID:             ids.New(),
			ApplicantID:    user.ID,
			ApplicantName:  user.DisplayName,
			ApplicantEmail: user.Email,
			Severity:       severity,
			Reason:         reason,
			FlaggedBy:      actorOf(actor),
			FlaggedMasjid:  actor.MasjidID,
			IsActive:       true,
			CreatedAt:      s.clock(),
		}
		if err := tx.PutFlag(ctx, flag); err != nil {
			return err
		}
		if err := s.refreshFlagState(ctx, tx, actor, user.ID, flag, ActionApplicantFlagged); err != nil {
			return err
		}
		out = flag
		return nil
	})
	if err != nil {
		return Flag{}, err
	}
	_ = audit.LogEvent(ctx, "applicant.flagged", map[string]any{
		"flag_id":      out.ID,
		"applicant_id": out.ApplicantID,
		"severity":     string(out.Severity),
	})
	return out, nil
}

// ResolveFlagInput closes a flag with notes.
type ResolveFlagInput struct {
	FlagID string
	Notes  string
}

// ResolveFlag deactivates a flag. Only a super_admin or an admin of the
// masjid that raised it may resolve; the flag itself is kept.
func (s *Service) ResolveFlag(ctx context.Context, actor auth.Identity, in ResolveFlagInput) (Flag, error) {
	if err := auth.RequireAuthenticated(actor); err != nil {
		return Flag{}, err
	}
	flagID, err := requireID("flagId", in.FlagID)
	if err != nil {
		return Flag{}, err
	}
	notes, err := requireID("notes", in.Notes)
	if err != nil {
		return Flag{}, err
	}
	if err := auth.RequireAdmin(actor); err != nil {
		return Flag{}, err
	}

	var out Flag
	err = s.store.RunInTx(ctx, func(tx Tx) error {
		flag, err := tx.GetFlag(ctx, flagID)
		if err != nil {
			return err
		}
		if !actor.IsSuperAdmin() && (actor.MasjidID == "" || actor.MasjidID != flag.FlaggedMasjid) {
			return fmt.Errorf("%w: only the flagging masjid or a super_admin may resolve", apperr.ErrPermissionDenied)
		}
		if !flag.IsActive {
			return fmt.Errorf("%w: flag is already resolved", apperr.ErrFailedPrecondition)
		}
		flag.IsActive = false
		flag.Resolution = &FlagResolution{Notes: notes, ResolvedBy: actorOf(actor), ResolvedAt: s.clock()}
		if err := tx.PutFlag(ctx, flag); err != nil {
			return err
		}
		if err := s.refreshFlagState(ctx, tx, actor, flag.ApplicantID, flag, ActionFlagResolved); err != nil {
			return err
		}
		out = flag
		return nil
	})
	if err != nil {
		return Flag{}, err
	}
	_ = audit.LogEvent(ctx, "applicant.flag_resolved", map[string]any{
		"flag_id":      out.ID,
		"applicant_id": out.ApplicantID,
	})
	return out, nil
}

// GetFlagsForApplicant lists flags on an applicant for any admin.
func (s *Service) GetFlagsForApplicant(ctx context.Context, actor auth.Identity, applicantID string, activeOnly bool) ([]Flag, error) {
	if err := auth.RequireAuthenticated(actor); err != nil {
		return nil, err
	}
	id, err := requireID("applicantId", applicantID)
	if err != nil {
		return nil, err
	}
	if err := auth.RequireAdmin(actor); err != nil {
		return nil, err
	}
	var out []Flag
	err = s.store.RunInTx(ctx, func(tx Tx) error {
		flags, err := tx.ListFlags(ctx, id)
		if err != nil {
			return err
		}
		out = make([]Flag, 0, len(flags))
		for _, f := range flags {
			if activeOnly && !f.IsActive {
				continue
			}
			out = append(out, f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// refreshFlagState recomputes the applicant's flag state from all flags and
// writes it to the user record and to each application snapshot.
func (s *Service) refreshFlagState(ctx context.Context, tx Tx, actor auth.Identity, applicantID string, flag Flag, action HistoryAction) error {
	flags, err := tx.ListFlags(ctx, applicantID)
	if err != nil {
		return err
	}
	flagged, severity := flagState(flags)
	if err := tx.SetUserFlagged(ctx, applicantID, flagged); err != nil {
		return err
	}
	apps, err := tx.ApplicationsByApplicant(ctx, applicantID)
	if err != nil {
		return err
	}
	for _, app := range apps {
		app.ApplicantSnapshot.IsFlagged = flagged
		app.ApplicantSnapshot.FlagSeverity = severity
		app.UpdatedAt = s.clock()
		if err := tx.PutApplication(ctx, app); err != nil {
			return err
		}
		h := s.entry(app, actor, action)
		h.Details = strings.TrimSpace(flag.Reason)
		h.Metadata = map[string]any{"flagId": flag.ID, "severity": string(flag.Severity)}
		if err := tx.AppendHistory(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

// flagState reports whether any flag is active and the highest severity.
func flagState(flags []Flag) (bool, Severity) {
	var (
		active   bool
		severity Severity
	)
	for _, f := range flags {
		if !f.IsActive {
			continue
		}
		active = true
		if f.Severity == SeverityBlocked || severity == "" {
			severity = f.Severity
		}
	}
	return active, severity
}
