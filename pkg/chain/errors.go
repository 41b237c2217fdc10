package chain

import "fmt"

const (
	CodeStaleParent  = "STALE_PARENT"
	CodeHashMismatch = "HASH_MISMATCH"
	CodeDuplicate    = "DUPLICATE_RECORD"
	CodeImmutable    = "IMMUTABLE_LEDGER"
	CodeNotFound     = "RECORD_NOT_FOUND"
	CodeCorrupt      = "CHAIN_CORRUPT"
)

// Error reports a chain-level failure with a machine-readable code.
type Error struct {
	ErrCode string
	Detail  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("chain: %s: %s", e.ErrCode, e.Detail)
}

// Code returns the machine-readable name for API responses.
func (e *Error) Code() string { return e.ErrCode }

func chainErr(code, format string, args ...any) *Error {
	return &Error{ErrCode: code, Detail: fmt.Sprintf(format, args...)}
}

// staleParent is the CAS failure: the submitted previous_record_hash is not
// the current tip.
func staleParent(want, got string) *Error {
	return chainErr(CodeStaleParent, "previous_record_hash %s does not match chain tip %s", got, want)
}

func notFound(what string) *Error {
	return chainErr(CodeNotFound, "%s", what)
}
