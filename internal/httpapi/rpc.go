package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"zakat.org/internal/apperr"
	"zakat.org/internal/audit"
	"zakat.org/internal/auth"
	"zakat.org/internal/obs"
)

// rpcValidate checks request payloads before they reach a service.
var rpcValidate *validator.Validate

func init() {
	rpcValidate = validator.New()
	rpcValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = rpcValidate.RegisterValidation("nonblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
}

// rpcError is the error half of the response envelope.
type rpcError struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

type rpcResponse struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     *rpcError `json:"error,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
}

// operation runs one RPC for an authenticated caller.
type operation func(ctx context.Context, actor auth.Identity, raw json.RawMessage) (any, error)

// bind decodes and validates the payload into T before calling fn.
func bind[T any](fn func(ctx context.Context, actor auth.Identity, req T) (any, error)) operation {
	return func(ctx context.Context, actor auth.Identity, raw json.RawMessage) (any, error) {
		var req T
		if len(raw) > 0 {
			if err := decodeJSON(bytes.NewReader(raw), &req); err != nil {
				return nil, fmt.Errorf("%w: malformed payload: %v", apperr.ErrInvalidArgument, err)
			}
		}
		if err := rpcValidate.Struct(req); err != nil {
			return nil, validationError(err)
		}
		return fn(ctx, actor, req)
	}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", apperr.ErrInvalidArgument, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		switch fe.Tag() {
		case "required", "nonblank":
			msgs = append(msgs, field+" is required")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", apperr.ErrInvalidArgument, strings.Join(msgs, "; "))
}

// handleRPC serves POST /v1/rpc/{operation}.
func (a *API) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/v1/rpc/")
	op, ok := a.ops[name]
	if !ok {
		writeRPCError(w, r, apperr.ErrNotFound, "unknown operation "+name)
		return
	}
	actor, _ := auth.IdentityFromContext(r.Context())

	var raw json.RawMessage
	if err := decodeJSON(r.Body, &raw); err != nil {
		writeRPCError(w, r, fmt.Errorf("%w: malformed payload", apperr.ErrInvalidArgument), "")
		return
	}

	ctx := r.Context()
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		ctx = withIdempotencyKey(ctx, key)
		w.Header().Set("Idempotency-Key", key)
	}

	data, err := op(ctx, actor, raw)
	if err != nil {
		writeRPCError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, rpcResponse{
		Success:   true,
		Data:      data,
		RequestID: audit.RequestIDFromContext(r.Context()),
	})
}

// writeRPCError maps err to the stable code and a caller-safe message.
// Internal detail is logged, never returned.
func writeRPCError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	code := apperr.CodeOf(err)
	if msg == "" {
		msg = apperr.Message(err)
	}
	rid := audit.RequestIDFromContext(r.Context())
	if code == apperr.CodeInternal {
		obs.Error("rpc internal error", map[string]any{
			"request_id": rid,
			"path":       r.URL.Path,
			"error":      err.Error(),
		})
	}
	writeJSON(w, apperr.HTTPStatus(err), rpcResponse{
		Success:   false,
		Error:     &rpcError{Code: code, Message: msg},
		RequestID: rid,
	})
}

type idempotencyKeyCtx struct{}

func withIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

func idempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	return key
}
