// internal/apperr/apperr.go
package apperr

import (
	"github.com/pkg/errors"
)

// Kind classifies an error for the caller: whether to surface it, retry it, or
// report it as a server fault.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindQuotaExceeded
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindTransient:
		return "transient"
	default:
		return "internal"
	}
}

// Error is a classified application error. Code is a stable machine-readable
// reason exposed to clients (e.g. "already_queued").
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Code, so a sentinel matches copies
// that carry extra context.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func newSentinel(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrInvalidArgument    = newSentinel(KindValidation, "invalid_argument", "invalid argument")
	ErrAlreadyQueued      = newSentinel(KindConflict, "already_queued", "user is already in the matchmaking queue")
	ErrAlreadyInLobby     = newSentinel(KindConflict, "already_in_lobby", "user already has an active lobby")
	ErrAlreadyActive      = newSentinel(KindConflict, "already_active", "user already owns or occupies an active lobby")
	ErrNotJoinable        = newSentinel(KindConflict, "not_joinable", "lobby is not accepting players")
	ErrSelfJoin           = newSentinel(KindConflict, "self_join", "host cannot join their own lobby")
	ErrFull               = newSentinel(KindConflict, "full", "lobby is full")
	ErrNotInLobby         = newSentinel(KindConflict, "not_in_lobby", "user is not an occupant of this lobby")
	ErrNotHost            = newSentinel(KindConflict, "not_host", "only the host can do that")
	ErrCodeTaken          = newSentinel(KindConflict, "code_taken", "lobby code already in use")
	ErrWrongState         = newSentinel(KindConflict, "wrong_state", "lobby is not in the required state")
	ErrNotFound           = newSentinel(KindNotFound, "not_found", "lobby not found")
	ErrNotQueued          = newSentinel(KindNotFound, "not_queued", "user is not in the matchmaking queue")
	ErrProfileNotFound    = newSentinel(KindNotFound, "profile_not_found", "profile not found")
	ErrQuotaExceeded      = newSentinel(KindQuotaExceeded, "quota_exceeded", "daily private lobby quota exceeded")
	ErrCodeSpaceExhausted = newSentinel(KindInternal, "code_space_exhausted", "could not allocate a unique lobby code")
)

// Validation returns a validation error with a specific message.
func Validation(msg string) error {
	return &Error{Kind: KindValidation, Code: ErrInvalidArgument.Code, Message: msg}
}

// Transient marks err as a retryable failure of a dependency.
func Transient(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Code: "transient", Message: msg, Err: err}
}

// KindOf reports the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf reports the Code of the first *Error in err's chain, or "internal".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}
