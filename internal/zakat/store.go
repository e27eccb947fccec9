package zakat

import (
	"context"

	"zakat.org/internal/auth"
)

// Tx is the transactional view of the document store. Reads of an
// application inside a Tx lock it until the transaction ends.
type Tx interface {
	GetApplication(ctx context.Context, id string) (Application, error)
	PutApplication(ctx context.Context, app Application) error
	ApplicationsByApplicant(ctx context.Context, applicantID string) ([]Application, error)

	AppendHistory(ctx context.Context, entry HistoryEntry) error
	ListHistory(ctx context.Context, applicationID string) ([]HistoryEntry, error)

	AddDisbursement(ctx context.Context, d Disbursement) error
	DisbursementByKey(ctx context.Context, applicationID, key string) (Disbursement, bool, error)
	ListDisbursements(ctx context.Context, filter DisbursementFilter) ([]Disbursement, error)

	GetUser(ctx context.Context, id string) (auth.User, error)
	SetUserFlagged(ctx context.Context, userID string, flagged bool) error

	PutFlag(ctx context.Context, f Flag) error
	GetFlag(ctx context.Context, id string) (Flag, error)
	ListFlags(ctx context.Context, applicantID string) ([]Flag, error)
}

// Store runs transactions and serves read-only list queries. RunInTx
// commits when fn returns nil and discards every write otherwise; adapters
// may retry fn on transient conflicts.
type Store interface {
	RunInTx(ctx context.Context, fn func(Tx) error) error
	ListApplications(ctx context.Context, filter ListFilter) ([]Application, error)
}

// DisbursementFilter selects ledger rows. Exactly one field is expected.
type DisbursementFilter struct {
	ApplicationID string
	ApplicantID   string
}

// ListFilter selects applications. Zero fields do not filter.
type ListFilter struct {
	ApplicantID string
	Statuses    []Status
	AssignedTo  string
	// PoolOnly keeps unassigned applications in actionable states.
	PoolOnly bool
	// ScopeMasjidID keeps applications visible to an admin of that masjid:
	// assigned to it, handled by it, or unassigned and open to it.
	ScopeMasjidID string
	Limit         int
}

// Match evaluates the filter against a single application. Adapters without
// a query language use it directly.
func (f ListFilter) Match(app Application) bool {
	if f.ApplicantID != "" && app.ApplicantID != f.ApplicantID {
		return false
	}
	if f.AssignedTo != "" && app.AssignedTo != f.AssignedTo {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if s == app.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.PoolOnly && !app.InPool() {
		return false
	}
	if f.ScopeMasjidID != "" {
		m := f.ScopeMasjidID
		switch {
		case app.AssignedTo != "":
			return app.AssignedToMasjid == m
		case app.HandlingMasjidID == m:
			return true
		case f.PoolOnly:
			return app.MasjidID == "" || app.MasjidID == m
		default:
			return app.Status != StatusDraft && (app.MasjidID == "" || app.MasjidID == m)
		}
	}
	return true
}
