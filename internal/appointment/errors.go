package appointment

import "errors"

type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindConflict
	KindAuthorization
	KindNotFound
	KindTerminal
	KindInvalidTransition
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindTerminal:
		return "terminal_state"
	case KindInvalidTransition:
		return "invalid_transition"
	}
	return "internal"
}

// Error is a classified domain failure. Callers match with errors.Is against
// the sentinels below or read Kind/Code via errors.As.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

var (
	ErrInvalidRange            = &Error{KindValidation, "INVALID_RANGE", "invalid time range"}
	ErrValidation              = &Error{KindValidation, "VALIDATION", "invalid request"}
	ErrPractitionerNotApproved = &Error{KindValidation, "PRACTITIONER_NOT_APPROVED", "practitioner is not approved"}

	ErrSlotUnavailable   = &Error{KindConflict, "SLOT_UNAVAILABLE", "requested slot overlaps an existing appointment"}
	ErrSessionInProgress = &Error{KindConflict, "SESSION_IN_PROGRESS", "a session is already in progress for this appointment"}
	ErrLockBusy          = &Error{KindConflict, "LOCK_BUSY", "resource is busy, retry shortly"}
	ErrConcurrentUpdate  = &Error{KindConflict, "CONCURRENT_UPDATE", "record changed concurrently, retry"}

	ErrForbidden = &Error{KindAuthorization, "FORBIDDEN", "not permitted"}

	ErrAppointmentNotFound  = &Error{KindNotFound, "NOT_FOUND", "appointment not found"}
	ErrConsultationNotFound = &Error{KindNotFound, "NOT_FOUND", "consultation not found"}
	ErrPractitionerNotFound = &Error{KindNotFound, "NOT_FOUND", "practitioner not found"}

	ErrTerminalState     = &Error{KindTerminal, "TERMINAL", "record is in a terminal state"}
	ErrInvalidTransition = &Error{KindInvalidTransition, "INVALID_TRANSITION", "transition not allowed from current status"}
)

// KindOf classifies err; unclassified errors are KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the wire code for err, "INTERNAL" when unclassified.
func CodeOf(err error) string {
	if err == nil {
		return "ok"
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "INTERNAL"
}
