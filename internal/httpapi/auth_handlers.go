package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"zakat.org/internal/apperr"
	"zakat.org/internal/audit"
	"zakat.org/internal/auth"
	"zakat.org/internal/ids"
)

type tokenRequest struct {
	UserID string `json:"userId" validate:"nonblank"`
}

type registerRequest struct {
	Email       string `json:"email" validate:"required,email,max=254"`
	DisplayName string `json:"displayName" validate:"max=200"`
	Phone       string `json:"phone" validate:"max=40"`
}

type tokenResponse struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expiresAt"`
	User      *auth.User `json:"user,omitempty"`
}

// handleAuthToken mints a token from a stored user's claims. It is mounted
// only in development and emulator environments.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req tokenRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeRPCError(w, r, fmt.Errorf("%w: %v", apperr.ErrInvalidArgument, err), "")
		return
	}
	if err := rpcValidate.Struct(req); err != nil {
		writeRPCError(w, r, validationError(err), "")
		return
	}

	token, expiresAt, err := a.auth.IssueToken(r.Context(), req.UserID)
	if err != nil {
		writeRPCError(w, r, err, "")
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"subject":    req.UserID,
		"expires_at": expiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, rpcResponse{
		Success:   true,
		Data:      tokenResponse{Token: token, ExpiresAt: expiresAt},
		RequestID: audit.RequestIDFromContext(r.Context()),
	})
}

// handleRegister creates an applicant account and returns its first token.
func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeRPCError(w, r, fmt.Errorf("%w: %v", apperr.ErrInvalidArgument, err), "")
		return
	}
	if err := rpcValidate.Struct(req); err != nil {
		writeRPCError(w, r, validationError(err), "")
		return
	}

	user, err := a.auth.RegisterUser(r.Context(), auth.NewUser{
		ID:          ids.New(),
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Phone:       req.Phone,
	})
	if err != nil {
		writeRPCError(w, r, err, "")
		return
	}
	token, expiresAt, err := a.auth.IssueToken(r.Context(), user.ID)
	if err != nil {
		writeRPCError(w, r, err, "")
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.user.registered", map[string]any{"subject": user.ID})
	writeJSON(w, http.StatusCreated, rpcResponse{
		Success:   true,
		Data:      tokenResponse{Token: token, ExpiresAt: expiresAt, User: &user},
		RequestID: audit.RequestIDFromContext(r.Context()),
	})
}
