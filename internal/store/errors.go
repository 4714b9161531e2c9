package store

import "errors"

// Sentinel errors returned at the write boundary. Callers match them with
// errors.Is; the wrapped message names the offending id.
var (
	ErrNotFound         = errors.New("not found")
	ErrUnknownSubject   = errors.New("unknown subject")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidInput     = errors.New("invalid input")
)

// Reason returns the audit label for a rejected write.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownSubject):
		return "unknown_subject"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "internal"
	}
}

// IsRejection reports whether err is a write-boundary rejection rather than
// an infrastructure failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrUnknownSubject) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrInvalidInput)
}
