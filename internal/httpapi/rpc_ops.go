package httpapi

import (
	"context"
	"time"

	"zakat.org/internal/auth"
	"zakat.org/internal/notify"
	"zakat.org/internal/zakat"
)

// Request payloads. Tags reject structurally invalid input; the services
// own every business rule.

type userIDRequest struct {
	UserID string `json:"userId"`
}

type setUserRoleRequest struct {
	UserID   string `json:"userId" validate:"nonblank"`
	Role     string `json:"role" validate:"nonblank"`
	MasjidID string `json:"masjidId"`
}

type applicationIDRequest struct {
	ApplicationID string `json:"applicationId" validate:"nonblank"`
}

type formPayload struct {
	HouseholdSize   int    `json:"householdSize" validate:"gte=0,lte=100"`
	MonthlyIncome   int64  `json:"monthlyIncome" validate:"gte=0"`
	RequestedAmount int64  `json:"requestedAmount" validate:"gte=0"`
	Reason          string `json:"reason" validate:"max=4000"`
}

func (f formPayload) form() zakat.Form {
	return zakat.Form{
		HouseholdSize:   f.HouseholdSize,
		MonthlyIncome:   f.MonthlyIncome,
		RequestedAmount: f.RequestedAmount,
		Reason:          f.Reason,
	}
}

type createApplicationRequest struct {
	MasjidID string      `json:"masjidId"`
	Form     formPayload `json:"form"`
	SSN      string      `json:"ssn"`
}

type updateDraftRequest struct {
	ApplicationID string      `json:"applicationId" validate:"nonblank"`
	MasjidID      string      `json:"masjidId"`
	Form          formPayload `json:"form"`
	SSN           string      `json:"ssn"`
}

type listApplicationsRequest struct {
	Statuses     []string `json:"statuses" validate:"max=9,dive,nonblank"`
	PoolOnly     bool     `json:"poolOnly"`
	AssignedToMe bool     `json:"assignedToMe"`
	Limit        int      `json:"limit" validate:"gte=0"`
}

type assignRequest struct {
	ApplicationID  string `json:"applicationId" validate:"nonblank"`
	AssignToUserID string `json:"assignToUserId"`
}

type releaseRequest struct {
	ApplicationID string `json:"applicationId" validate:"nonblank"`
	Reason        string `json:"reason" validate:"max=1000"`
}

type changeStatusRequest struct {
	ApplicationID   string         `json:"applicationId" validate:"nonblank"`
	NewStatus       string         `json:"newStatus" validate:"nonblank"`
	Reason          string         `json:"reason" validate:"max=1000"`
	Metadata        map[string]any `json:"metadata"`
	DisbursedAmount int64          `json:"disbursedAmount" validate:"gte=0"`
}

type addNoteRequest struct {
	ApplicationID string `json:"applicationId" validate:"nonblank"`
	Content       string `json:"content" validate:"nonblank,max=4000"`
	IsInternal    bool   `json:"isInternal"`
}

type editNoteRequest struct {
	ApplicationID string `json:"applicationId" validate:"nonblank"`
	NoteID        string `json:"noteId" validate:"nonblank"`
	Content       string `json:"content" validate:"nonblank,max=4000"`
}

type requestDocumentsRequest struct {
	ApplicationID string   `json:"applicationId" validate:"nonblank"`
	Documents     []string `json:"documents" validate:"required,min=1,max=50,dive,nonblank"`
	Message       string   `json:"message" validate:"max=2000"`
}

type resolveRequest struct {
	ApplicationID      string `json:"applicationId" validate:"nonblank"`
	Decision           string `json:"decision" validate:"nonblank"`
	AmountApproved     int64  `json:"amountApproved" validate:"gte=0"`
	DisbursementMethod string `json:"disbursementMethod"`
	RejectionReason    string `json:"rejectionReason" validate:"max=2000"`
	Notes              string `json:"notes" validate:"max=4000"`
}

type periodPayload struct {
	Month int `json:"month"`
	Year  int `json:"year"`
}

type recordDisbursementRequest struct {
	ApplicationID  string         `json:"applicationId" validate:"nonblank"`
	Amount         int64          `json:"amount"`
	Method         string         `json:"method" validate:"nonblank"`
	Reference      string         `json:"reference" validate:"max=200"`
	Notes          string         `json:"notes" validate:"max=2000"`
	Period         *periodPayload `json:"period"`
	DisbursedAt    *time.Time     `json:"disbursedAt"`
	IdempotencyKey string         `json:"idempotencyKey" validate:"max=128"`
}

type applicantIDRequest struct {
	ApplicantID string `json:"applicantId"`
}

type flagApplicantRequest struct {
	ApplicantID string `json:"applicantId" validate:"nonblank"`
	Severity    string `json:"severity" validate:"nonblank"`
	Reason      string `json:"reason" validate:"nonblank,max=2000"`
}

type resolveFlagRequest struct {
	FlagID string `json:"flagId" validate:"nonblank"`
	Notes  string `json:"resolutionNotes" validate:"max=2000"`
}

type flagsForApplicantRequest struct {
	ApplicantID string `json:"applicantId" validate:"nonblank"`
	ActiveOnly  bool   `json:"activeOnly"`
}

type messagePayload struct {
	Type    string            `json:"type"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Link    string            `json:"link"`
	Data    map[string]string `json:"data"`
}

func (m messagePayload) message() notify.Message {
	return notify.Message{Type: m.Type, Title: m.Title, Message: m.Message, Link: m.Link, Data: m.Data}
}

type sendNotificationRequest struct {
	UserID string `json:"userId" validate:"nonblank"`
	messagePayload
}

type sendBulkNotificationRequest struct {
	UserIDs []string `json:"userIds"`
	messagePayload
}

type notificationIDRequest struct {
	NotificationID string `json:"notificationId" validate:"nonblank"`
}

type listNotificationsRequest struct {
	UnreadOnly bool `json:"unreadOnly"`
	Limit      int  `json:"limit" validate:"gte=0"`
}

type emptyRequest struct{}

func (a *API) operations() map[string]operation {
	return map[string]operation{
		// claims
		"setUserRole": bind(func(ctx context.Context, actor auth.Identity, req setUserRoleRequest) (any, error) {
			user, claims, err := a.auth.SetUserRole(ctx, actor, auth.SetRoleInput{
				UserID: req.UserID, Role: req.Role, MasjidID: req.MasjidID,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"user": user, "claims": claims}, nil
		}),
		"getUserClaims": bind(func(ctx context.Context, actor auth.Identity, req userIDRequest) (any, error) {
			return a.auth.GetUserClaims(ctx, actor, req.UserID)
		}),
		"syncClaims": bind(func(ctx context.Context, actor auth.Identity, req userIDRequest) (any, error) {
			return a.auth.SyncClaims(ctx, actor, req.UserID)
		}),

		// applications
		"createApplication": bind(func(ctx context.Context, actor auth.Identity, req createApplicationRequest) (any, error) {
			return a.zakat.CreateApplication(ctx, actor, zakat.DraftInput{
				MasjidID: req.MasjidID, Form: req.Form.form(), SSN: req.SSN,
			})
		}),
		"updateDraft": bind(func(ctx context.Context, actor auth.Identity, req updateDraftRequest) (any, error) {
			return a.zakat.UpdateDraft(ctx, actor, req.ApplicationID, zakat.DraftInput{
				MasjidID: req.MasjidID, Form: req.Form.form(), SSN: req.SSN,
			})
		}),
		"submitApplication": bind(func(ctx context.Context, actor auth.Identity, req applicationIDRequest) (any, error) {
			return a.zakat.SubmitApplication(ctx, actor, req.ApplicationID)
		}),
		"getApplication": bind(func(ctx context.Context, actor auth.Identity, req applicationIDRequest) (any, error) {
			return a.zakat.GetApplication(ctx, actor, req.ApplicationID)
		}),
		"listApplications": bind(func(ctx context.Context, actor auth.Identity, req listApplicationsRequest) (any, error) {
			apps, err := a.zakat.ListApplications(ctx, actor, zakat.ListInput{
				Statuses: req.Statuses, PoolOnly: req.PoolOnly, AssignedToMe: req.AssignedToMe, Limit: req.Limit,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"applications": apps, "count": len(apps)}, nil
		}),
		"assignApplication": bind(func(ctx context.Context, actor auth.Identity, req assignRequest) (any, error) {
			return a.zakat.AssignApplication(ctx, actor, zakat.AssignInput{
				ApplicationID: req.ApplicationID, AssignToUserID: req.AssignToUserID,
			})
		}),
		"releaseApplication": bind(func(ctx context.Context, actor auth.Identity, req releaseRequest) (any, error) {
			return a.zakat.ReleaseApplication(ctx, actor, zakat.ReleaseInput{
				ApplicationID: req.ApplicationID, Reason: req.Reason,
			})
		}),
		"changeStatus": bind(func(ctx context.Context, actor auth.Identity, req changeStatusRequest) (any, error) {
			return a.zakat.ChangeStatus(ctx, actor, zakat.ChangeStatusInput{
				ApplicationID:   req.ApplicationID,
				Status:          req.NewStatus,
				Reason:          req.Reason,
				Metadata:        req.Metadata,
				DisbursedAmount: req.DisbursedAmount,
			})
		}),
		"addNote": bind(func(ctx context.Context, actor auth.Identity, req addNoteRequest) (any, error) {
			return a.zakat.AddNote(ctx, actor, zakat.NoteInput{
				ApplicationID: req.ApplicationID, Content: req.Content, Internal: req.IsInternal,
			})
		}),
		"editNote": bind(func(ctx context.Context, actor auth.Identity, req editNoteRequest) (any, error) {
			return a.zakat.EditNote(ctx, actor, zakat.EditNoteInput{
				ApplicationID: req.ApplicationID, NoteID: req.NoteID, Content: req.Content,
			})
		}),
		"requestDocuments": bind(func(ctx context.Context, actor auth.Identity, req requestDocumentsRequest) (any, error) {
			return a.zakat.RequestDocuments(ctx, actor, zakat.RequestDocumentsInput{
				ApplicationID: req.ApplicationID, Documents: req.Documents, Message: req.Message,
			})
		}),
		"resolveApplication": bind(func(ctx context.Context, actor auth.Identity, req resolveRequest) (any, error) {
			return a.zakat.ResolveApplication(ctx, actor, zakat.ResolveInput{
				ApplicationID:      req.ApplicationID,
				Decision:           req.Decision,
				AmountApproved:     req.AmountApproved,
				DisbursementMethod: req.DisbursementMethod,
				RejectionReason:    req.RejectionReason,
				Notes:              req.Notes,
			})
		}),
		"revealSsn": bind(func(ctx context.Context, actor auth.Identity, req applicationIDRequest) (any, error) {
			ssn, err := a.zakat.RevealSSN(ctx, actor, req.ApplicationID)
			if err != nil {
				return nil, err
			}
			return map[string]string{"ssn": ssn}, nil
		}),

		// ledger
		"recordDisbursement": bind(func(ctx context.Context, actor auth.Identity, req recordDisbursementRequest) (any, error) {
			in := zakat.DisbursementInput{
				ApplicationID:  req.ApplicationID,
				Amount:         req.Amount,
				Method:         req.Method,
				Reference:      req.Reference,
				Notes:          req.Notes,
				DisbursedAt:    req.DisbursedAt,
				IdempotencyKey: req.IdempotencyKey,
			}
			if in.IdempotencyKey == "" {
				in.IdempotencyKey = idempotencyKeyFrom(ctx)
			}
			if req.Period != nil {
				in.Period = &zakat.Period{Month: req.Period.Month, Year: req.Period.Year}
			}
			return a.zakat.RecordDisbursement(ctx, actor, in)
		}),
		"getApplicantDisbursementSummary": bind(func(ctx context.Context, actor auth.Identity, req applicantIDRequest) (any, error) {
			return a.zakat.GetApplicantDisbursementSummary(ctx, actor, req.ApplicantID)
		}),
		"getApplicationDisbursements": bind(func(ctx context.Context, actor auth.Identity, req applicationIDRequest) (any, error) {
			return a.zakat.GetApplicationDisbursements(ctx, actor, req.ApplicationID)
		}),

		// flags
		"flagApplicant": bind(func(ctx context.Context, actor auth.Identity, req flagApplicantRequest) (any, error) {
			return a.zakat.FlagApplicant(ctx, actor, zakat.FlagInput{
				ApplicantID: req.ApplicantID, Severity: req.Severity, Reason: req.Reason,
			})
		}),
		"resolveFlag": bind(func(ctx context.Context, actor auth.Identity, req resolveFlagRequest) (any, error) {
			return a.zakat.ResolveFlag(ctx, actor, zakat.ResolveFlagInput{FlagID: req.FlagID, Notes: req.Notes})
		}),
		"getFlagsForApplicant": bind(func(ctx context.Context, actor auth.Identity, req flagsForApplicantRequest) (any, error) {
			flags, err := a.zakat.GetFlagsForApplicant(ctx, actor, req.ApplicantID, req.ActiveOnly)
			if err != nil {
				return nil, err
			}
			return map[string]any{"flags": flags}, nil
		}),

		// notifications
		"sendNotification": bind(func(ctx context.Context, actor auth.Identity, req sendNotificationRequest) (any, error) {
			return a.notify.Send(ctx, actor, req.UserID, req.message())
		}),
		"sendBulkNotification": bind(func(ctx context.Context, actor auth.Identity, req sendBulkNotificationRequest) (any, error) {
			n, err := a.notify.SendBulk(ctx, actor, req.UserIDs, req.message())
			if err != nil {
				return nil, err
			}
			return map[string]int{"sent": n}, nil
		}),
		"markNotificationRead": bind(func(ctx context.Context, actor auth.Identity, req notificationIDRequest) (any, error) {
			return nil, a.notify.MarkRead(ctx, actor, req.NotificationID)
		}),
		"markAllNotificationsRead": bind(func(ctx context.Context, actor auth.Identity, _ emptyRequest) (any, error) {
			n, err := a.notify.MarkAllRead(ctx, actor)
			if err != nil {
				return nil, err
			}
			return map[string]int{"updated": n}, nil
		}),
		"deleteNotification": bind(func(ctx context.Context, actor auth.Identity, req notificationIDRequest) (any, error) {
			return nil, a.notify.Delete(ctx, actor, req.NotificationID)
		}),
		"getUnreadNotificationCount": bind(func(ctx context.Context, actor auth.Identity, _ emptyRequest) (any, error) {
			n, err := a.notify.UnreadCount(ctx, actor)
			if err != nil {
				return nil, err
			}
			return map[string]int{"count": n}, nil
		}),
		"getUserNotifications": bind(func(ctx context.Context, actor auth.Identity, req listNotificationsRequest) (any, error) {
			ns, err := a.notify.List(ctx, actor, req.UnreadOnly, req.Limit)
			if err != nil {
				return nil, err
			}
			return map[string]any{"notifications": ns}, nil
		}),
	}
}
