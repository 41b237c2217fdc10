// Package canonical provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization for deterministic hashing and signing of Fides records.
//
// Canonical form:
//   - JSON, UTF-8, keys sorted recursively, no whitespace, no trailing newline
//   - Numbers without unnecessary precision (ES6 serialization)
//   - Computed fields (record_hash, hash, computed_fields, _comment) are never
//     part of the canonical form
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/gowebpki/jcs"
)

// Computed and annotation fields stripped from every canonical form. They are
// derived from (or commentary on) the canonical bytes, so they can never be
// part of them.
var strippedFields = []string{"record_hash", "hash", "computed_fields", "_comment"}

// signaturesField is additionally stripped for signing bytes: deciders sign the
// record as it existed before any signature was attached.
const signaturesField = "signatures"

// CodecError reports input that has no canonical form (invalid UTF-8,
// NaN/Inf-valued fields, unsupported Go types).
type CodecError struct {
	Reason string
	Err    error
}

func (e *CodecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: %s: %v", e.Reason, e.Err)
	}
	return "codec: " + e.Reason
}

func (e *CodecError) Unwrap() error { return e.Err }

// Code returns the machine-readable invariant name for API responses.
func (e *CodecError) Code() string { return "CODEC_ERROR" }

// Transform returns the RFC 8785 canonical form of a raw JSON document.
func Transform(raw []byte) ([]byte, error) {
	if !utf8.Valid(raw) {
		return nil, &CodecError{Reason: "document is not valid UTF-8"}
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, &CodecError{Reason: "document is not canonicalizable", Err: err}
	}
	return out, nil
}

// Canonicalize converts any Go value into its canonical byte form, stripping
// top-level computed fields first.
//
// Strategy (keeps json struct tags while overriding formatting and key order):
// marshal to intermediate JSON, decode to a generic value with UseNumber so
// numeric literals survive untouched, strip computed fields, then run the RFC
// 8785 transform for final ordering and number formatting.
func Canonicalize(v any) ([]byte, error) {
	return canonicalize(v, false)
}

// SigningBytes returns the canonical bytes a decider signs: the record with
// computed fields AND the signatures array removed.
func SigningBytes(v any) ([]byte, error) {
	return canonicalize(v, true)
}

func canonicalize(v any, forSigning bool) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		// NaN/Inf floats and unsupported types (chans, funcs) land here.
		return nil, &CodecError{Reason: "value has no JSON representation", Err: err}
	}

	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, &CodecError{Reason: "intermediate decode failed", Err: err}
	}

	if obj, ok := generic.(map[string]any); ok {
		for _, k := range strippedFields {
			delete(obj, k)
		}
		if forSigning {
			delete(obj, signaturesField)
		}
	}

	reduced, err := json.Marshal(generic)
	if err != nil {
		return nil, &CodecError{Reason: "re-marshal failed", Err: err}
	}
	return Transform(reduced)
}

// Hash returns the SHA-256 hex digest of the canonical form of v. This is the
// record_hash of a Fides record and the link target of previous_record_hash.
func Hash(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 digest of raw bytes as 64 lowercase hex chars.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
