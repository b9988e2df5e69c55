// shared/errs/errors.go
package errs

import (
	"errors"

	"github.com/rotisserie/eris"
)

// Cluster error taxonomy. Match with errors.Is; wrap with eris.Wrap.
var (
	ErrLockTimeout         = eris.New("lock acquisition timed out")
	ErrLockNotHeld         = eris.New("lock not held by caller")
	ErrTransactionFailed   = eris.New("transaction failed")
	ErrValidation          = eris.New("validation failed")
	ErrStaleEntry          = eris.New("queue entry is stale")
	ErrInstanceUnreachable = eris.New("instance unreachable")
	ErrRemotePlacement     = eris.New("remote placement failed")
	ErrNotFound            = eris.New("not found")
	ErrStateConflict       = eris.New("session state conflict")
	ErrAuthRequired        = eris.New("authentication required")
	ErrServiceDiscovery    = eris.New("service discovery failed")
)

// Ack codes reported to clients.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeStateConflict    = "STATE_CONFLICT"
	CodeAuthRequired     = "AUTHENTICATION_REQUIRED"
	CodeTeamValidation   = "TEAM_VALIDATION_FAILED"
	CodePlayerIDMismatch = "PLAYER_ID_MISMATCH"
	CodeLock             = "LOCK_ERROR"
	CodeCancel           = "CANCEL_ERROR"
	CodeInternal         = "INTERNAL_ERROR"
)

// CodedError attaches a client-facing code to an error.
type CodedError struct {
	Code    string
	Details string
	Err     error
}

func (e *CodedError) Error() string {
	if e.Details != "" {
		return e.Code + ": " + e.Details
	}
	return e.Code
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// WithCode wraps err with a client-facing code and details.
func WithCode(code string, err error, details string) error {
	return &CodedError{Code: code, Details: details, Err: err}
}

// CodeOf extracts the client code and details of err. Errors without a code map to
// a code derived from the taxonomy, defaulting to CodeInternal.
func CodeOf(err error) (string, string) {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code, ce.Details
	}
	switch {
	case errors.Is(err, ErrValidation):
		return CodeValidation, err.Error()
	case errors.Is(err, ErrStateConflict):
		return CodeStateConflict, err.Error()
	case errors.Is(err, ErrAuthRequired):
		return CodeAuthRequired, err.Error()
	case errors.Is(err, ErrLockTimeout):
		return CodeLock, err.Error()
	default:
		return CodeInternal, err.Error()
	}
}
