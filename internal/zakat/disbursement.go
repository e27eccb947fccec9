package zakat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"zakat.org/internal/apperr"
	"zakat.org/internal/auth"
	"zakat.org/internal/ids"
	"zakat.org/internal/obs"
)

const unscopedMasjid = "unassigned"

// DisbursementInput records one payment. Amount is in minor units.
// IdempotencyKey makes retries of the same payment safe.
type DisbursementInput struct {
	ApplicationID  string
	Amount         int64
	Method         string
	Reference      string
	Notes          string
	Period         *Period
	DisbursedAt    *time.Time
	IdempotencyKey string
}

func (in DisbursementInput) validate() (Method, error) {
	if in.Amount <= 0 {
		return "", fmt.Errorf("%w: amount must be positive", apperr.ErrInvalidArgument)
	}
	method, ok := ParseMethod(in.Method)
	if !ok {
		return "", fmt.Errorf("%w: unknown disbursement method %q", apperr.ErrInvalidArgument, in.Method)
	}
	if p := in.Period; p != nil {
		if p.Month < 1 || p.Month > 12 {
			return "", fmt.Errorf("%w: period month must be 1-12", apperr.ErrInvalidArgument)
		}
		if p.Year < 2000 {
			return "", fmt.Errorf("%w: period year is out of range", apperr.ErrInvalidArgument)
		}
	}
	return method, nil
}

// RecordDisbursement appends a ledger row. The first payment on an approved
// application moves it to disbursed in the same transaction. When the
// resolution carries an approved amount the running total may not exceed it.
func (s *Service) RecordDisbursement(ctx context.Context, actor auth.Identity, in DisbursementInput) (Disbursement, error) {
	if err := auth.RequireAuthenticated(actor); err != nil {
		return Disbursement{}, err
	}
	id, err := requireID("applicationId", in.ApplicationID)
	if err != nil {
		return Disbursement{}, err
	}
	method, err := in.validate()
	if err != nil {
		return Disbursement{}, err
	}
	key := strings.TrimSpace(in.IdempotencyKey)

	var (
		out        Disbursement
		replayed   bool
		transition bool
	)
	err = s.store.RunInTx(ctx, func(tx Tx) error {
		replayed, transition = false, false
		app, err := tx.GetApplication(ctx, id)
		if err != nil {
			return err
		}
		if err := s.policy.Authorize(actor, app.resource(), auth.ActionDisburse); err != nil {
			return err
		}
		if key != "" {
			prev, ok, err := tx.DisbursementByKey(ctx, app.ID, key)
			if err != nil {
				return err
			}
			if ok {
				out, replayed = prev, true
				return nil
			}
		}
		if app.Status != StatusApproved && app.Status != StatusDisbursed {
			return fmt.Errorf("%w: application is %s, disbursements need approved or disbursed", apperr.ErrFailedPrecondition, app.Status)
		}
		existing, err := tx.ListDisbursements(ctx, DisbursementFilter{ApplicationID: app.ID})
		if err != nil {
			return err
		}
		if app.Resolution != nil && app.Resolution.AmountApproved > 0 {
			total := sumAmounts(existing)
			if total+in.Amount > app.Resolution.AmountApproved {
				return fmt.Errorf("%w: disbursement would exceed approved amount (%d of %d already paid)",
					apperr.ErrFailedPrecondition, total, app.Resolution.AmountApproved)
			}
		}

		now := s.clock()
		at := now
		if in.DisbursedAt != nil && !in.DisbursedAt.IsZero() {
			at = in.DisbursedAt.UTC()
		}
		d := Disbursement{
			ID:             ids.New(),
			ApplicationID:  app.ID,
			ApplicantID:    app.ApplicantID,
			Amount:         in.Amount,
			Method:         method,
			Reference:      strings.TrimSpace(in.Reference),
			Notes:          strings.TrimSpace(in.Notes),
			DisbursedBy:    actorOf(actor),
			MasjidID:       disbursingMasjid(app, actor),
			DisbursedAt:    at,
			Period:         in.Period,
			IdempotencyKey: key,
		}
		if err := tx.AddDisbursement(ctx, d); err != nil {
			return err
		}

		from := app.Status
		if app.Status == StatusApproved {
			s.applyStatus(&app, StatusDisbursed)
			transition = true
		} else {
			app.UpdatedAt = now
		}
		if err := tx.PutApplication(ctx, app); err != nil {
			return err
		}
		h := s.entry(app, actor, ActionDisbursementRecorded)
		if transition {
			h.FromStatus, h.ToStatus = from, StatusDisbursed
		}
		h.Metadata = map[string]any{
			"disbursementId": d.ID,
			"amount":         d.Amount,
			"method":         string(d.Method),
		}
		if err := tx.AppendHistory(ctx, h); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return Disbursement{}, err
	}
	if !replayed {
		obs.ObserveDisbursement(string(out.Method), out.Amount)
		if transition {
			observeTransition(StatusApproved, StatusDisbursed)
		}
	}
	return out, nil
}

func disbursingMasjid(app Application, actor auth.Identity) string {
	switch {
	case app.AssignedToMasjid != "":
		return app.AssignedToMasjid
	case app.HandlingMasjidID != "":
		return app.HandlingMasjidID
	case actor.MasjidID != "":
		return actor.MasjidID
	default:
		return app.MasjidID
	}
}

func sumAmounts(ds []Disbursement) int64 {
	var total int64
	for _, d := range ds {
		total += d.Amount
	}
	return total
}

// GetApplicantDisbursementSummary aggregates every disbursement an applicant
// has received, across applications and masajid. Any admin may read it
// regardless of masjid scope; applicants may read their own.
func (s *Service) GetApplicantDisbursementSummary(ctx context.Context, actor auth.Identity, applicantID string) (ApplicantSummary, error) {
	if err := auth.RequireAuthenticated(actor); err != nil {
		return ApplicantSummary{}, err
	}
	applicantID = strings.TrimSpace(applicantID)
	if applicantID == "" && !actor.IsAdmin() {
		applicantID = actor.UserID
	}
	if applicantID == "" {
		return ApplicantSummary{}, fmt.Errorf("%w: applicantId is required", apperr.ErrInvalidArgument)
	}
	if applicantID != actor.UserID && !actor.IsAdmin() {
		return ApplicantSummary{}, fmt.Errorf("%w: only admins may view other applicants", apperr.ErrPermissionDenied)
	}

	var rows []Disbursement
	err := s.store.RunInTx(ctx, func(tx Tx) error {
		var err error
		rows, err = tx.ListDisbursements(ctx, DisbursementFilter{ApplicantID: applicantID})
		return err
	})
	if err != nil {
		return ApplicantSummary{}, err
	}
	return summarize(applicantID, rows), nil
}

func summarize(applicantID string, rows []Disbursement) ApplicantSummary {
	sum := ApplicantSummary{ApplicantID: applicantID, ByMasjid: map[string]MasjidSubtotal{}}
	for _, d := range rows {
		sum.Total += d.Amount
		sum.Count++
		key := d.MasjidID
		if key == "" {
			key = unscopedMasjid
		}
		sub := sum.ByMasjid[key]
		sub.Total += d.Amount
		sub.Count++
		sum.ByMasjid[key] = sub
		if sum.LastDisbursedAt == nil || d.DisbursedAt.After(*sum.LastDisbursedAt) {
			at := d.DisbursedAt
			sum.LastDisbursedAt = &at
		}
	}
	return sum
}

// GetApplicationDisbursements lists the ledger rows of one application,
// newest first.
func (s *Service) GetApplicationDisbursements(ctx context.Context, actor auth.Identity, applicationID string) (ApplicationDisbursements, error) {
	if err := auth.RequireAuthenticated(actor); err != nil {
		return ApplicationDisbursements{}, err
	}
	id, err := requireID("applicationId", applicationID)
	if err != nil {
		return ApplicationDisbursements{}, err
	}
	var out ApplicationDisbursements
	err = s.store.RunInTx(ctx, func(tx Tx) error {
		app, err := tx.GetApplication(ctx, id)
		if err != nil {
			return err
		}
		if err := s.policy.Authorize(actor, app.resource(), auth.ActionRead); err != nil {
			return err
		}
		rows, err := tx.ListDisbursements(ctx, DisbursementFilter{ApplicationID: app.ID})
		if err != nil {
			return err
		}
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].DisbursedAt.After(rows[j].DisbursedAt) })
		out = ApplicationDisbursements{
			ApplicationID: app.ID,
			Disbursements: rows,
			Total:         sumAmounts(rows),
			Count:         len(rows),
		}
		if app.Resolution != nil {
			out.AmountApproved = app.Resolution.AmountApproved
		}
		return nil
	})
	if err != nil {
		return ApplicationDisbursements{}, err
	}
	if out.Disbursements == nil {
		out.Disbursements = []Disbursement{}
	}
	return out, nil
}
