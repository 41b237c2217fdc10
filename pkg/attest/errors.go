// Package attest validates cryptographic signatures and external timestamp
// proofs. Both checks are admission preconditions: a record that fails either
// is never appended to the chain.
package attest

import "fmt"

const (
	CodeBadSignature = "BAD_SIGNATURE"
	CodeBadTimestamp = "BAD_TIMESTAMP"
)

// Error reports a failed attestation check.
type Error struct {
	ErrCode string
	Detail  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("attestation: %s: %s", e.ErrCode, e.Detail)
}

// Code returns the machine-readable invariant name for API responses.
func (e *Error) Code() string { return e.ErrCode }

func badSignature(format string, args ...any) *Error {
	return &Error{ErrCode: CodeBadSignature, Detail: fmt.Sprintf(format, args...)}
}

func badTimestamp(format string, args ...any) *Error {
	return &Error{ErrCode: CodeBadTimestamp, Detail: fmt.Sprintf(format, args...)}
}
