package zakat

import (
	"strings"
	"time"

	"zakat.org/internal/auth"
)

// Status is the lifecycle state of an application.
type Status string

const (
	StatusDraft               Status = "draft"
	StatusSubmitted           Status = "submitted"
	StatusUnderReview         Status = "under_review"
	StatusPendingDocuments    Status = "pending_documents"
	StatusPendingVerification Status = "pending_verification"
	StatusApproved            Status = "approved"
	StatusRejected            Status = "rejected"
	StatusDisbursed           Status = "disbursed"
	StatusClosed              Status = "closed"
)

// ParseStatus validates a status name.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.TrimSpace(raw))
	if _, ok := transitions[s]; ok {
		return s, true
	}
	return "", false
}

// Actionable reports whether the status belongs to the review pool.
func (s Status) Actionable() bool {
	switch s {
	case StatusSubmitted, StatusUnderReview, StatusPendingDocuments, StatusPendingVerification:
		return true
	}
	return false
}

// ActionableStatuses lists the pool statuses in transition-table order.
func ActionableStatuses() []Status {
	return []Status{StatusSubmitted, StatusUnderReview, StatusPendingDocuments, StatusPendingVerification}
}

// releasesAssignment reports whether entering s returns the case to passive
// record keeping.
func (s Status) releasesAssignment() bool {
	return s == StatusRejected || s == StatusDisbursed || s == StatusClosed
}

// Actor is the denormalised identity stored on notes, history and ledger rows.
type Actor struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Role     auth.Role `json:"role"`
	MasjidID string    `json:"masjidId,omitempty"`
}

func actorOf(id auth.Identity) Actor {
	return Actor{ID: id.UserID, Name: id.DisplayName(), Role: id.Role, MasjidID: id.MasjidID}
}

// ApplicantSnapshot is copied onto applications for list rendering.
type ApplicantSnapshot struct {
	Name         string   `json:"name,omitempty"`
	Email        string   `json:"email,omitempty"`
	Phone        string   `json:"phone,omitempty"`
	IsFlagged    bool     `json:"isFlagged"`
	FlagSeverity Severity `json:"flagSeverity,omitempty"`
}

// Form holds the applicant-entered answers.
type Form struct {
	HouseholdSize   int    `json:"householdSize,omitempty"`
	MonthlyIncome   int64  `json:"monthlyIncome,omitempty"`
	RequestedAmount int64  `json:"requestedAmount,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// AdminNote is an append-only annotation. Edits are new notes pointing at
// the note they supersede.
type AdminNote struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Author    Actor     `json:"author"`
	Internal  bool      `json:"internal"`
	EditOf    string    `json:"editOf,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Decision is the outcome chosen when resolving an application.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionPartial  Decision = "partial"
	DecisionRejected Decision = "rejected"
)

// target maps the decision onto the status it drives. Partial approvals
// follow the approved edges.
func (d Decision) target() (Status, bool) {
	switch d {
	case DecisionApproved, DecisionPartial:
		return StatusApproved, true
	case DecisionRejected:
		return StatusRejected, true
	}
	return "", false
}

// Resolution is written when an application is approved or rejected.
type Resolution struct {
	Decision           Decision  `json:"decision"`
	AmountApproved     int64     `json:"amountApproved,omitempty"`
	DisbursementMethod Method    `json:"disbursementMethod,omitempty"`
	RejectionReason    string    `json:"rejectionReason,omitempty"`
	Notes              string    `json:"notes,omitempty"`
	ResolvedBy         Actor     `json:"resolvedBy"`
	ResolvedAt         time.Time `json:"resolvedAt"`
}

// Application is the central work item.
type Application struct {
	ID                string            `json:"id"`
	ApplicationNumber string            `json:"applicationNumber"`
	ApplicantID       string            `json:"applicantId"`
	ApplicantSnapshot ApplicantSnapshot `json:"applicantSnapshot"`
	MasjidID          string            `json:"masjidId,omitempty"`
	Status            Status            `json:"status"`
	AssignedTo        string            `json:"assignedTo,omitempty"`
	AssignedToMasjid  string            `json:"assignedToMasjid,omitempty"`
	HandlingMasjidID  string            `json:"handlingMasjidId,omitempty"`
	Form              Form              `json:"form"`
	SSNEnvelope       string            `json:"-"`
	SSNMasked         string            `json:"ssnMasked,omitempty"`
	AdminNotes        []AdminNote       `json:"adminNotes"`
	Resolution        *Resolution       `json:"resolution,omitempty"`
	History           []HistoryEntry    `json:"history,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
	SubmittedAt       *time.Time        `json:"submittedAt,omitempty"`
}

func (a Application) resource() auth.Resource {
	return auth.Resource{
		OwnerID:          a.ApplicantID,
		ChosenMasjidID:   a.MasjidID,
		AssignedTo:       a.AssignedTo,
		AssignedToMasjid: a.AssignedToMasjid,
		HandlingMasjidID: a.HandlingMasjidID,
	}
}

// InPool reports whether the application is waiting to be claimed.
func (a Application) InPool() bool { return a.AssignedTo == "" && a.Status.Actionable() }

// HistoryAction tags history entries.
type HistoryAction string

const (
	ActionSubmitted            HistoryAction = "submitted"
	ActionAssigned             HistoryAction = "assigned"
	ActionReleased             HistoryAction = "released"
	ActionStatusChanged        HistoryAction = "status_changed"
	ActionNoteAdded            HistoryAction = "note_added"
	ActionNoteEdited           HistoryAction = "note_edited"
	ActionDocumentsRequested   HistoryAction = "documents_requested"
	ActionResolved             HistoryAction = "resolved"
	ActionDisbursementRecorded HistoryAction = "disbursement_recorded"
	ActionApplicantFlagged     HistoryAction = "applicant_flagged"
	ActionFlagResolved         HistoryAction = "flag_resolved"
	ActionSSNRevealed          HistoryAction = "ssn_revealed"
)

// HistoryEntry is immutable once appended.
type HistoryEntry struct {
	ID            string         `json:"id"`
	ApplicationID string         `json:"applicationId"`
	Action        HistoryAction  `json:"action"`
	Actor         Actor          `json:"actor"`
	FromStatus    Status         `json:"fromStatus,omitempty"`
	ToStatus      Status         `json:"toStatus,omitempty"`
	FromAssignee  string         `json:"fromAssignee,omitempty"`
	ToAssignee    string         `json:"toAssignee,omitempty"`
	Details       string         `json:"details,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Method is the payment channel of a disbursement.
type Method string

const (
	MethodCash         Method = "cash"
	MethodCheck        Method = "check"
	MethodBankTransfer Method = "bank_transfer"
	MethodZelle        Method = "zelle"
	MethodCard         Method = "card"
	MethodOther        Method = "other"
)

// ParseMethod validates a payment method.
func ParseMethod(raw string) (Method, bool) {
	switch m := Method(strings.TrimSpace(raw)); m {
	case MethodCash, MethodCheck, MethodBankTransfer, MethodZelle, MethodCard, MethodOther:
		return m, true
	}
	return "", false
}

// Period tags recurring assistance.
type Period struct {
	Month int `json:"month"`
	Year  int `json:"year"`
}

// Disbursement is one payment event. Amounts are minor units.
type Disbursement struct {
	ID             string    `json:"id"`
	ApplicationID  string    `json:"applicationId"`
	ApplicantID    string    `json:"applicantId"`
	Amount         int64     `json:"amount"`
	Method         Method    `json:"method"`
	Reference      string    `json:"reference,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	DisbursedBy    Actor     `json:"disbursedBy"`
	MasjidID       string    `json:"masjidId,omitempty"`
	DisbursedAt    time.Time `json:"disbursedAt"`
	Period         *Period   `json:"period,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
}

// MasjidSubtotal aggregates disbursements from one masjid.
type MasjidSubtotal struct {
	Total int64 `json:"total"`
	Count int   `json:"count"`
}

// ApplicantSummary aggregates an applicant's disbursements across masajid.
type ApplicantSummary struct {
	ApplicantID     string                    `json:"applicantId"`
	Total           int64                     `json:"total"`
	Count           int                       `json:"count"`
	ByMasjid        map[string]MasjidSubtotal `json:"byMasjid"`
	LastDisbursedAt *time.Time                `json:"lastDisbursedAt,omitempty"`
}

// ApplicationDisbursements is the application-scoped ledger view.
type ApplicationDisbursements struct {
	ApplicationID  string         `json:"applicationId"`
	Disbursements  []Disbursement `json:"disbursements"`
	Total          int64          `json:"total"`
	Count          int            `json:"count"`
	AmountApproved int64          `json:"amountApproved,omitempty"`
}

// Severity grades an applicant flag.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityBlocked Severity = "blocked"
)

// ParseSeverity validates a flag severity.
func ParseSeverity(raw string) (Severity, bool) {
	switch s := Severity(strings.TrimSpace(raw)); s {
	case SeverityWarning, SeverityBlocked:
		return s, true
	}
	return "", false
}

// FlagResolution records how a flag was closed. Flags are never deleted.
type FlagResolution struct {
	Notes      string    `json:"notes"`
	ResolvedBy Actor     `json:"resolvedBy"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// Flag is a cross-masjid marker on an applicant.
type Flag struct {
	ID             string          `json:"id"`
	ApplicantID    string          `json:"applicantId"`
	ApplicantName  string          `json:"applicantName,omitempty"`
	ApplicantEmail string          `json:"applicantEmail,omitempty"`
	Severity       Severity        `json:"severity"`
	Reason         string          `json:"reason"`
	FlaggedBy      Actor           `json:"flaggedBy"`
	FlaggedMasjid  string          `json:"flaggedByMasjid,omitempty"`
	IsActive       bool            `json:"isActive"`
	Resolution     *FlagResolution `json:"resolution,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}
