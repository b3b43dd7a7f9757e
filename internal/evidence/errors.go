package evidence

import "fmt"

// Error is a stable, machine-readable error class returned for whole-request
// failures. Per-file and per-source problems never surface as an Error; they
// are recorded in the custody log or the audit.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// WithMessage returns a new Error with the same Code but a specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg}
}

// WithMessagef returns a new Error with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrSubjectRequired  = &Error{Code: "E_SUBJECT_REQUIRED"}
	ErrManifestNotFound = &Error{Code: "E_MANIFEST_NOT_FOUND"}
	ErrArchiveFailed    = &Error{Code: "E_ARCHIVE_FAILED"}
)
