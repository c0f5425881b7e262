package contracts

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyEnvelope   = errors.New("contracts: envelope has no message")
	ErrInvalidRole     = errors.New("contracts: invalid role")
	ErrInvalidRoleID   = errors.New("contracts: invalid role id")
	ErrInvalidTenantID = errors.New("contracts: invalid tenant id")
	ErrMissingTenant   = errors.New("contracts: message has no tenant")
)

// AuthorizationError is returned when a principal attempts something its
// identity does not allow. It is never retried.
type AuthorizationError struct {
	Op     string
	Reason string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("unauthorized: %s: %s", e.Op, e.Reason)
}

// Unauthorized builds an AuthorizationError.
func Unauthorized(op, format string, args ...any) *AuthorizationError {
	return &AuthorizationError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// IsAuthorizationError reports whether err is or wraps an AuthorizationError.
func IsAuthorizationError(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}
