package supportbot

import (
	"errors"
	"fmt"
)

var (
	ErrStorageUnavailable   = errors.New("storage unavailable")
	ErrValidation           = errors.New("validation error")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrExternalService      = errors.New("external service error")
	ErrDuplicateCommandName = errors.New("duplicate command name")
	ErrReloadInProgress     = errors.New("reload already in progress")
	ErrCatalogNotLoaded     = errors.New("mod catalog not loaded")
)

// userError is an error whose message is safe to show to the actor
// as-is. It unwraps to its kind, so callers can still use errors.Is.
type userError struct {
	kind error
	msg  string
}

func (e userError) Error() string {
	return e.msg
}

func (e userError) Unwrap() error {
	return e.kind
}

// validationErrorf returns a user-facing error wrapping ErrValidation
func validationErrorf(format string, args ...any) error {
	return userError{kind: ErrValidation, msg: fmt.Sprintf(format, args...)}
}

// storageError wraps a database error so it matches ErrStorageUnavailable
func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

// userMessage returns the text to reply with for a failed command.
func userMessage(err error) string {
	var ue userError
	if errors.As(err, &ue) {
		return ue.msg
	}
	return fmt.Sprintf("Error: %s", err.Error())
}
