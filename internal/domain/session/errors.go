package session

import "errors"

// Request errors. None of them leave a partial change behind.
var (
	ErrNotFound             = errors.New("session not found")
	ErrInvalidState         = errors.New("operation not allowed in current session state")
	ErrStaleAnswer          = errors.New("answer does not match the outstanding question")
	ErrInvalidAnswer        = errors.New("answer value is required")
	ErrAssessmentIncomplete = errors.New("assessment has not been completed by the engine")
	ErrMissingClinician     = errors.New("clinician id is required")
	ErrMissingReplacement   = errors.New("replacement code is required to reject")
	ErrInvalidCode          = errors.New("malformed ICD-10 code")
	ErrSameCodeRejected     = errors.New("replacement code must differ from the rejected candidate")
	ErrMissingComplaint     = errors.New("chief complaint is required")
)

// Transient errors. The operation changed nothing and may be retried.
var (
	ErrEngineUnavailable = errors.New("assessment engine unavailable")
	ErrVersionConflict   = errors.New("session was modified concurrently")
)

// Transient reports whether err is safe for the caller to retry as-is.
func Transient(err error) bool {
	return errors.Is(err, ErrEngineUnavailable) || errors.Is(err, ErrVersionConflict)
}

// Code returns the stable machine-readable name of a session error, or
// "internal" for anything outside the taxonomy.
func Code(err error) string {
	for _, e := range []struct {
		err  error
		code string
	}{
		{ErrNotFound, "not_found"},
		{ErrInvalidState, "invalid_state"},
		{ErrStaleAnswer, "stale_answer"},
		{ErrInvalidAnswer, "invalid_answer"},
		{ErrAssessmentIncomplete, "assessment_incomplete"},
		{ErrMissingClinician, "missing_clinician"},
		{ErrMissingReplacement, "missing_replacement"},
		{ErrInvalidCode, "invalid_code"},
		{ErrSameCodeRejected, "same_code_rejected"},
		{ErrMissingComplaint, "missing_complaint"},
		{ErrEngineUnavailable, "engine_unavailable"},
		{ErrVersionConflict, "version_conflict"},
	} {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return "internal"
}
