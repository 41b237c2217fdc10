package records

import "fmt"

// Machine-readable validation codes. The compliance suite asserts on these,
// so they are part of the wire contract.
const (
	CodeMissingField       = "MISSING_FIELD"
	CodeInvalidField       = "INVALID_FIELD"
	CodeBadHashChain       = "BAD_HASH_CHAIN"
	CodeUnsupportedVersion = "UNSUPPORTED_VERSION"
	CodeRegistrationDelay  = "REGISTRATION_DELAY_EXCEEDED"
	CodeSDRTermExceeded    = "SDR_TERM_EXCEEDED"
	CodeSDRGenericType     = "SDR_GENERIC_EXCEPTION_TYPE"
	CodeSDRUnknownType     = "SDR_UNKNOWN_EXCEPTION_TYPE"
	CodeRevokerNotAllowed  = "REVOKER_NOT_AUTHORIZED"
)

// ValidationError reports a record that violates a structural or temporal
// admission invariant. The store never holds a record that produced one.
type ValidationError struct {
	Code   string
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s: %s", e.Code, e.Field, e.Detail)
	}
	return fmt.Sprintf("validation: %s: %s", e.Code, e.Detail)
}

func missingField(field string) *ValidationError {
	return &ValidationError{Code: CodeMissingField, Field: field, Detail: "required field is missing or empty"}
}

func invalidField(field, detail string) *ValidationError {
	return &ValidationError{Code: CodeInvalidField, Field: field, Detail: detail}
}
