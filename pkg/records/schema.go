package records

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Admission-time field validation runs against embedded JSON Schemas before
// anything touches the chain. Temporal rules (registration window, term
// limits) are checked separately because they need a clock.

const decisionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://fides.dev/schemas/decision-record.json",
  "type": "object",
  "required": [
    "decision_id", "authority_id", "deciders_id", "act_type", "currency",
    "maximum_value", "beneficiary", "legal_basis", "decision_date",
    "previous_record_hash", "record_timestamp"
  ],
  "properties": {
    "decision_id": {"type": "string", "minLength": 1},
    "authority_id": {"type": "string", "minLength": 1},
    "deciders_id": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
    "act_type": {"type": "string", "minLength": 1},
    "currency": {"type": "string", "pattern": "^[A-Z]{3}$"},
    "maximum_value": {"type": "number", "exclusiveMinimum": 0},
    "beneficiary": {"type": "string", "minLength": 1},
    "legal_basis": {"type": "string", "minLength": 1},
    "decision_date": {"type": "string", "format": "date-time"},
    "previous_record_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "record_timestamp": {"type": "string", "format": "date-time"},
    "record_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "fides_version": {"type": "string"},
    "is_sdr": {"type": "boolean"},
    "exception_type": {"type": "string"},
    "formal_justification": {"type": "string"},
    "maximum_term": {"type": "string", "format": "date-time"},
    "reinforced_deciders": {"type": "array", "items": {"type": "string"}},
    "oversight_authority": {"type": "string"},
    "payload": {"type": "object"},
    "signatures": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["signer_id", "public_key", "algorithm", "signature"],
        "properties": {
          "signer_id": {"type": "string", "minLength": 1},
          "public_key": {"type": "string", "minLength": 1},
          "algorithm": {"type": "string", "minLength": 1},
          "signature": {"type": "string", "minLength": 1}
        }
      }
    },
    "timestamp_attestation": {
      "type": "object",
      "required": ["method", "proof"],
      "properties": {
        "method": {"type": "string", "minLength": 1},
        "proof": {"type": "object"},
        "sources": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

const revocationSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://fides.dev/schemas/revocation-record.json",
  "type": "object",
  "required": [
    "revocation_id", "target_decision_id", "revocation_type",
    "revocation_reason", "revoker_authority", "revoker_id",
    "revocation_date", "previous_record_hash", "record_timestamp"
  ],
  "properties": {
    "revocation_id": {"type": "string", "minLength": 1},
    "target_decision_id": {"type": "string", "minLength": 1},
    "revocation_type": {"type": "string", "enum": ["voluntary", "oversight", "judicial"]},
    "revocation_reason": {"type": "string", "minLength": 50},
    "revoker_authority": {
      "type": "string",
      "enum": ["original_decider", "hierarchical_superior", "oversight_authority", "judicial_authority"]
    },
    "revoker_id": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
    "revocation_date": {"type": "string", "format": "date-time"},
    "court_order": {"type": "string"},
    "previous_record_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "record_timestamp": {"type": "string", "format": "date-time"},
    "record_hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
  }
}`

var (
	compiledDecisionSchema   *jsonschema.Schema
	compiledRevocationSchema *jsonschema.Schema
)

func init() {
	c := jsonschema.NewCompiler()
	c.AssertFormat = true
	if err := c.AddResource("decision-record.json", strings.NewReader(decisionSchema)); err != nil {
		panic(err)
	}
	if err := c.AddResource("revocation-record.json", strings.NewReader(revocationSchema)); err != nil {
		panic(err)
	}
	compiledDecisionSchema = c.MustCompile("decision-record.json")
	compiledRevocationSchema = c.MustCompile("revocation-record.json")
}

// schemaError converts a jsonschema validation failure into the admission
// error taxonomy: required-keyword failures become MISSING_FIELD, everything
// else INVALID_FIELD.
func schemaError(err error) *ValidationError {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return &ValidationError{Code: CodeInvalidField, Detail: err.Error()}
	}
	leaf := leafCause(ve)
	code := CodeInvalidField
	if strings.Contains(leaf.KeywordLocation, "required") {
		code = CodeMissingField
	}
	field := strings.TrimPrefix(leaf.InstanceLocation, "/")
	return &ValidationError{Code: code, Field: field, Detail: leaf.Message}
}

func leafCause(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}
