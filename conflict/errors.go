package conflict

import "errors"

// Code is a stable identifier for a conflict-resolution failure.
//
// Callers should branch on Code rather than matching error strings.
type Code string

const (
	CodeNamingConflictUnresolved Code = "NamingConflictUnresolved"
	CodeAmbiguousCapability      Code = "AmbiguousCapability"
	CodeNoCompatibleProvider     Code = "NoCompatibleProvider"
	CodeNoTypeMappingFound       Code = "NoTypeMappingFound"
	CodeUnmappedValue            Code = "UnmappedValue"
	CodeConsensusFailure         Code = "ConsensusFailure"
	CodeInternal                 Code = "InternalError"
)

// Error is the package's structured error type. Candidates carries the full
// candidate or participant set whenever a conflict is surfaced for explicit
// choice, so a caller never has to re-run detection to see its options.
type Error struct {
	Code       Code
	Message    string
	Candidates []string
	Cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func newError(code Code, msg string, candidates []string) error {
	return &Error{Code: code, Message: msg, Candidates: candidates}
}

func wrapError(code Code, msg string, candidates []string, cause error) error {
	return &Error{Code: code, Message: msg, Candidates: candidates, Cause: cause}
}

// CodeOf returns the Code of a structured error, or "" if err is not one.
func CodeOf(err error) Code {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Code
}

// CandidatesOf returns the candidate set attached to a structured error.
func CandidatesOf(err error) []string {
	var e *Error
	if !errors.As(err, &e) {
		return nil
	}
	return e.Candidates
}
