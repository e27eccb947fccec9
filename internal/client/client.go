// Package client is a small Go client for the zakat RPC surface. It is used
// by the smoke binary and by operators scripting against a running server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"zakat.org/internal/apperr"
	"zakat.org/internal/auth"
	"zakat.org/internal/zakat"
)

// Client calls /v1/rpc/{op} on a zakat API server.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
	retries uint64
}

// Option configures Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithToken sets the bearer token sent on every call.
func WithToken(token string) Option { return func(c *Client) { c.token = token } }

// WithRetries sets how often rate-limited or unavailable calls are retried.
func WithRetries(n uint64) Option { return func(c *Client) { c.retries = n } }

// New builds a client for baseURL, e.g. http://localhost:8080.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		retries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// As returns a copy of c that authenticates with token.
func (c *Client) As(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// Error is a failed RPC. It unwraps to the matching apperr sentinel so that
// callers can use errors.Is across the wire.
type Error struct {
	Status    int
	Code      apperr.Code
	Message   string
	RequestID string
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s: %s (request %s)", e.Code, e.Message, e.RequestID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return sentinelFor(e.Code) }

func sentinelFor(code apperr.Code) error {
	switch code {
	case apperr.CodeUnauthenticated:
		return apperr.ErrUnauthenticated
	case apperr.CodeInvalidArgument:
		return apperr.ErrInvalidArgument
	case apperr.CodePermissionDenied:
		return apperr.ErrPermissionDenied
	case apperr.CodeFailedPrecondition:
		return apperr.ErrFailedPrecondition
	case apperr.CodeNotFound:
		return apperr.ErrNotFound
	}
	return apperr.ErrInternal
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    apperr.Code `json:"code"`
		Message string      `json:"message"`
	} `json:"error"`
	RequestID string `json:"requestId"`
}

// CallOption tweaks a single call.
type CallOption func(*http.Request)

// WithIdempotencyKey sets the Idempotency-Key header.
func WithIdempotencyKey(key string) CallOption {
	return func(r *http.Request) { r.Header.Set("Idempotency-Key", key) }
}

// Call invokes op with in and decodes the data half of the envelope into out.
// out may be nil.
func (c *Client) Call(ctx context.Context, op string, in, out any, opts ...CallOption) error {
	return c.post(ctx, "/v1/rpc/"+op, in, out, opts...)
}

func (c *Client) post(ctx context.Context, path string, in, out any, opts ...CallOption) error {
	body := []byte("{}")
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	backoff := retry.WithMaxRetries(c.retries, retry.NewExponential(200*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		for _, opt := range opts {
			opt(req)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return retry.RetryableError(err)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			return retry.RetryableError(fmt.Errorf("%s: server returned %d", path, resp.StatusCode))
		}
		return decodeEnvelope(resp.StatusCode, raw, out)
	})
}

func decodeEnvelope(status int, raw []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response (status %d): %w", status, err)
	}
	if !env.Success {
		e := &Error{Status: status, Code: apperr.CodeInternal, Message: "request failed", RequestID: env.RequestID}
		if env.Error != nil {
			e.Code, e.Message = env.Error.Code, env.Error.Message
		}
		return e
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// Token is returned by the token and registration endpoints.
type Token struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expiresAt"`
	User      *auth.User `json:"user,omitempty"`
}

// DevToken mints a token for an existing user. Only development servers
// expose this endpoint.
func (c *Client) DevToken(ctx context.Context, userID string) (Token, error) {
	var t Token
	err := c.post(ctx, "/v1/auth/token", map[string]string{"userId": userID}, &t)
	return t, err
}

// Register creates an applicant account.
func (c *Client) Register(ctx context.Context, email, displayName string) (Token, error) {
	var t Token
	err := c.post(ctx, "/v1/auth/register", map[string]string{"email": email, "displayName": displayName}, &t)
	return t, err
}

// SetUserRole assigns a role. masjidID is required for zakat_admin.
func (c *Client) SetUserRole(ctx context.Context, userID string, role auth.Role, masjidID string) error {
	return c.Call(ctx, "setUserRole", map[string]string{"userId": userID, "role": string(role), "masjidId": masjidID}, nil)
}

// CreateApplication starts a draft.
func (c *Client) CreateApplication(ctx context.Context, masjidID string, form zakat.Form, ssn string) (zakat.Application, error) {
	var app zakat.Application
	err := c.Call(ctx, "createApplication", map[string]any{"masjidId": masjidID, "form": form, "ssn": ssn}, &app)
	return app, err
}

// SubmitApplication moves a draft into the pool.
func (c *Client) SubmitApplication(ctx context.Context, id string) (zakat.Application, error) {
	var app zakat.Application
	err := c.Call(ctx, "submitApplication", map[string]string{"applicationId": id}, &app)
	return app, err
}

// Assign claims an application for the caller.
func (c *Client) Assign(ctx context.Context, id string) (zakat.Application, error) {
	var app zakat.Application
	err := c.Call(ctx, "assignApplication", map[string]string{"applicationId": id}, &app)
	return app, err
}

// ChangeStatus moves an application along the state machine.
func (c *Client) ChangeStatus(ctx context.Context, id string, status zakat.Status, reason string) (zakat.Application, error) {
	var app zakat.Application
	err := c.Call(ctx, "changeStatus", map[string]string{"applicationId": id, "newStatus": string(status), "reason": reason}, &app)
	return app, err
}

// Approve resolves an application as approved for amount minor units.
func (c *Client) Approve(ctx context.Context, id string, amount int64, method zakat.Method) (zakat.Application, error) {
	var app zakat.Application
	err := c.Call(ctx, "resolveApplication", map[string]any{
		"applicationId":      id,
		"decision":           zakat.DecisionApproved,
		"amountApproved":     amount,
		"disbursementMethod": method,
	}, &app)
	return app, err
}

// Disburse records a payment. idemKey makes retries safe.
func (c *Client) Disburse(ctx context.Context, id string, amount int64, method zakat.Method, idemKey string) (zakat.Disbursement, error) {
	var d zakat.Disbursement
	err := c.Call(ctx, "recordDisbursement", map[string]any{
		"applicationId": id,
		"amount":        amount,
		"method":        method,
	}, &d, WithIdempotencyKey(idemKey))
	return d, err
}

// ApplicantSummary returns the cross-masjid disbursement totals. An empty
// applicantID means the caller.
func (c *Client) ApplicantSummary(ctx context.Context, applicantID string) (zakat.ApplicantSummary, error) {
	var s zakat.ApplicantSummary
	err := c.Call(ctx, "getApplicantDisbursementSummary", map[string]string{"applicantId": applicantID}, &s)
	return s, err
}

// IsCode reports whether err is an RPC error with code.
func IsCode(err error, code apperr.Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
