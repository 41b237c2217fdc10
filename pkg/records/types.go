// Package records defines the Fides v0.3 record types (Decision Records,
// Special Decision Records, Revocation Records) and their admission-time
// structural validation.
package records

import (
	"time"
)

// Kind categorizes a chained record.
type Kind string

const (
	KindDecision        Kind = "DR"
	KindSpecialDecision Kind = "SDR"
	KindRevocation      Kind = "RR"
)

// GenesisHash is the previous_record_hash of the first record in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Signature is one decider's Ed25519 signature over the record's signing
// bytes (canonical form without the signatures array).
type Signature struct {
	SignerID  string `json:"signer_id"`
	PublicKey string `json:"public_key"` // base64 raw Ed25519 public key
	Algorithm string `json:"algorithm"`  // "Ed25519"
	Signature string `json:"signature"`  // base64
	SignedAt  string `json:"signed_at,omitempty"`
}

// Attestation is the external timestamp proof attached to a record.
// Methods accepted in v0.3: rfc3161, blockchain. ntp_consensus is deprecated
// and always rejected.
type Attestation struct {
	Method  string         `json:"method"`
	Proof   map[string]any `json:"proof"`
	Sources []string       `json:"sources,omitempty"`
}

// DelayJustification documents registration delays in the 1h-72h tiers.
type DelayJustification struct {
	DelayHours       float64        `json:"delay_hours"`
	DelayReason      string         `json:"delay_reason"`
	DelayExplanation string         `json:"delay_explanation,omitempty"`
	SupervisorAppr   map[string]any `json:"supervisor_approval,omitempty"`
}

// DecisionRecord is the base chained, signed unit of authorization. When
// IsSDR is set it is a Special Decision Record and the SDR-only fields are
// required.
type DecisionRecord struct {
	DecisionID         string              `json:"decision_id"`
	AuthorityID        string              `json:"authority_id"`
	DecidersID         []string            `json:"deciders_id"`
	ActType            string              `json:"act_type"`
	Currency           string              `json:"currency"`
	MaximumValue       float64             `json:"maximum_value"`
	Beneficiary        string              `json:"beneficiary"`
	LegalBasis         string              `json:"legal_basis"`
	DecisionDate       time.Time           `json:"decision_date"`
	PreviousRecordHash string              `json:"previous_record_hash"`
	RecordTimestamp    time.Time           `json:"record_timestamp"`
	RecordHash         string              `json:"record_hash,omitempty"`
	FidesVersion       string              `json:"fides_version,omitempty"`
	Payload            map[string]any      `json:"payload,omitempty"`
	DelayJustification *DelayJustification `json:"delay_justification,omitempty"`

	// SDR extension.
	IsSDR               bool       `json:"is_sdr,omitempty"`
	ExceptionType       string     `json:"exception_type,omitempty"`
	FormalJustification string     `json:"formal_justification,omitempty"`
	MaximumTerm         *time.Time `json:"maximum_term,omitempty"`
	ReinforcedDeciders  []string   `json:"reinforced_deciders,omitempty"`
	OversightAuthority  string     `json:"oversight_authority,omitempty"`

	Signatures  []Signature  `json:"signatures,omitempty"`
	Attestation *Attestation `json:"timestamp_attestation,omitempty"`

	doc map[string]any // decoded source document, basis for canonical bytes
}

// Kind reports whether the record is a plain DR or an SDR.
func (r *DecisionRecord) Kind() Kind {
	if r.IsSDR {
		return KindSpecialDecision
	}
	return KindDecision
}

// Document returns the decoded source document the record was parsed from.
// Canonical bytes and hashes are always computed over this, never over the
// struct, so unknown fields submitted by the authority survive round-trips.
func (r *DecisionRecord) Document() map[string]any { return r.doc }

// RevocationRecord permanently revokes a target decision. It is chained and
// signed exactly like a DR.
type RevocationRecord struct {
	RevocationID       string    `json:"revocation_id"`
	TargetDecisionID   string    `json:"target_decision_id"`
	RevocationType     string    `json:"revocation_type"`   // voluntary | oversight | judicial
	RevocationReason   string    `json:"revocation_reason"` // >= 50 chars
	RevokerAuthority   string    `json:"revoker_authority"` // original_decider | hierarchical_superior | oversight_authority | judicial_authority
	RevokerID          []string  `json:"revoker_id"`
	RevocationDate     time.Time `json:"revocation_date"`
	CourtOrder         string    `json:"court_order,omitempty"` // required for judicial revocations
	PreviousRecordHash string    `json:"previous_record_hash"`
	RecordTimestamp    time.Time `json:"record_timestamp"`
	RecordHash         string    `json:"record_hash,omitempty"`
	FidesVersion       string    `json:"fides_version,omitempty"`

	Signatures  []Signature  `json:"signatures,omitempty"`
	Attestation *Attestation `json:"timestamp_attestation,omitempty"`

	doc map[string]any
}

// Document returns the decoded source document of the revocation.
func (r *RevocationRecord) Document() map[string]any { return r.doc }

// Status is the derived lifecycle state of a decision. It is computed from
// chain contents and the current time, never stored.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// Exception term limits per exception type. late_registration has no term of its
// own; it exists to bypass the 72h registration window.
var ExceptionTermLimits = map[string]time.Duration{
	"public_calamity":   90 * 24 * time.Hour,
	"health_emergency":  30 * 24 * time.Hour,
	"essential_service": 15 * 24 * time.Hour,
	"national_security": 180 * 24 * time.Hour,
	"late_registration": 0,
}

// Generic exception types are prohibited outright.
var prohibitedExceptionTypes = map[string]bool{
	"exceptional": true,
	"urgent":      true,
	"special":     true,
	"other":       true,
	"general":     true,
	"misc":        true,
}

// RegistrationWindow is the maximum allowed record_timestamp - decision_date
// for a plain DR.
const RegistrationWindow = 72 * time.Hour
