package auth

import (
	"errors"
	"fmt"

	"zakat.org/internal/apperr"
)

var (
	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken = fmt.Errorf("%w: invalid token", apperr.ErrUnauthenticated)
	// ErrAlreadyExists is returned by stores when a user id is taken.
	ErrAlreadyExists = fmt.Errorf("%w: user already exists", apperr.ErrFailedPrecondition)

	errMissingSecret = errors.New("auth secret is not configured")
)
