package command

import (
	"errors"
	"fmt"

	"github.com/prozess-io/prozess/core/authorization"
)

// ErrConcurrentModification indicates the commit lost the optimistic
// concurrency race and the whole command was rolled back. Callers may retry.
var ErrConcurrentModification = errors.New("concurrent_modification")

// AuthorizationError reports a denied permission requirement. The command was
// rejected before executing.
type AuthorizationError struct {
	UserID      string
	Requirement authorization.Requirement
}

func (e *AuthorizationError) Error() string {
	target := e.Requirement.ResourceID
	if target == "" {
		target = authorization.Any
	}
	return fmt.Sprintf("user %s is not authorized to %s on %s %s",
		e.UserID, e.Requirement.Permission, e.Requirement.Resource, target)
}

// BusinessError is a domain-level failure raised by a command or a delegate.
// It rolls the command back but is an expected outcome, not an engine fault.
type BusinessError struct {
	Code    string
	Message string
	cause   error
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *BusinessError) Unwrap() error { return e.cause }

// NewBusinessError builds a BusinessError with a formatted message.
func NewBusinessError(code, format string, args ...any) *BusinessError {
	return &BusinessError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapBusinessError classifies err as a business fault while keeping the
// underlying cause reachable through errors.Is/As.
func WrapBusinessError(code string, err error) *BusinessError {
	return &BusinessError{Code: code, Message: err.Error(), cause: err}
}

// IsBusinessError reports whether err is (or wraps) a BusinessError.
func IsBusinessError(err error) bool {
	var be *BusinessError
	return errors.As(err, &be)
}
