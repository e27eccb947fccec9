// Package apperr defines the error taxonomy shared by every operation and
// its mapping onto the HTTP and gRPC transports.
package apperr

import (
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrFailedPrecondition = errors.New("failed precondition")
	ErrNotFound           = errors.New("not found")
	ErrInternal           = errors.New("internal error")
)

// Code is the stable, caller-visible error code.
type Code string

const (
	CodeUnauthenticated    Code = "unauthenticated"
	CodeInvalidArgument    Code = "invalid-argument"
	CodePermissionDenied   Code = "permission-denied"
	CodeFailedPrecondition Code = "failed-precondition"
	CodeNotFound           Code = "not-found"
	CodeInternal           Code = "internal"
)

var sentinels = []struct {
	err  error
	code Code
}{
	{ErrUnauthenticated, CodeUnauthenticated},
	{ErrInvalidArgument, CodeInvalidArgument},
	{ErrPermissionDenied, CodePermissionDenied},
	{ErrFailedPrecondition, CodeFailedPrecondition},
	{ErrNotFound, CodeNotFound},
	{ErrInternal, CodeInternal},
}

// CodeOf resolves the code of err. Anything outside the taxonomy is internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.code
		}
	}
	return CodeInternal
}

// Message returns the text safe to hand to a caller. Internal failures are
// reduced to a generic message; the detail belongs in server logs only.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if CodeOf(err) == CodeInternal {
		return "internal error"
	}
	return strings.TrimSpace(err.Error())
}

// HTTPStatus maps err onto an HTTP status code.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeFailedPrecondition:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps err onto the equivalent gRPC status code.
func GRPCCode(err error) codes.Code {
	switch CodeOf(err) {
	case "":
		return codes.OK
	case CodeUnauthenticated:
		return codes.Unauthenticated
	case CodeInvalidArgument:
		return codes.InvalidArgument
	case CodePermissionDenied:
		return codes.PermissionDenied
	case CodeFailedPrecondition:
		return codes.FailedPrecondition
	case CodeNotFound:
		return codes.NotFound
	default:
		return codes.Internal
	}
}

// GRPCStatus converts err into a gRPC status error carrying the safe message.
func GRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(GRPCCode(err), Message(err))
}
