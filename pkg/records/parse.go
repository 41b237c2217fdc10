package records

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// supportedVersions gates fides_version when a record declares one. The
// implementation speaks protocol 0.3.x.
var supportedVersions = mustConstraint("~0.3")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// ParseDecision decodes and structurally validates a DR/SDR document.
// Temporal rules need a clock and live in ValidateTemporal.
func ParseDecision(raw []byte) (*DecisionRecord, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, invalidField("", "request body is not valid JSON: "+err.Error())
	}
	if err := compiledDecisionSchema.Validate(generic); err != nil {
		return nil, schemaError(err)
	}

	var r DecisionRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, invalidField("", "malformed record: "+err.Error())
	}

	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, err
	}
	r.doc = doc

	if _, err := uuid.Parse(r.DecisionID); err != nil {
		return nil, invalidField("decision_id", "must be a UUID")
	}
	if err := checkIdentifiers(map[string]string{
		"decision_id":  r.DecisionID,
		"authority_id": r.AuthorityID,
		"beneficiary":  r.Beneficiary,
	}); err != nil {
		return nil, err
	}
	if err := checkVersion(r.FidesVersion); err != nil {
		return nil, err
	}
	if r.IsSDR {
		if err := validateSDRFields(&r); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// ParseRevocation decodes and structurally validates an RR document.
func ParseRevocation(raw []byte) (*RevocationRecord, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, invalidField("", "request body is not valid JSON: "+err.Error())
	}
	if err := compiledRevocationSchema.Validate(generic); err != nil {
		return nil, schemaError(err)
	}

	var r RevocationRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, invalidField("", "malformed record: "+err.Error())
	}

	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, err
	}
	r.doc = doc

	if _, err := uuid.Parse(r.RevocationID); err != nil {
		return nil, invalidField("revocation_id", "must be a UUID")
	}
	if r.RevocationType == "judicial" && r.CourtOrder == "" {
		return nil, missingField("court_order")
	}
	if err := checkVersion(r.FidesVersion); err != nil {
		return nil, err
	}
	return &r, nil
}

func validateSDRFields(r *DecisionRecord) error {
	if r.ExceptionType == "" {
		return missingField("exception_type")
	}
	if prohibitedExceptionTypes[r.ExceptionType] {
		return &ValidationError{
			Code:   CodeSDRGenericType,
			Field:  "exception_type",
			Detail: fmt.Sprintf("generic exception type %q is prohibited", r.ExceptionType),
		}
	}
	if _, ok := ExceptionTermLimits[r.ExceptionType]; !ok {
		return &ValidationError{
			Code:   CodeSDRUnknownType,
			Field:  "exception_type",
			Detail: fmt.Sprintf("unknown exception type %q", r.ExceptionType),
		}
	}
	if len(r.FormalJustification) < 100 {
		return invalidField("formal_justification", "must be at least 100 characters")
	}
	if r.MaximumTerm == nil {
		return missingField("maximum_term")
	}
	if len(r.ReinforcedDeciders) < 2*len(r.DecidersID) {
		return invalidField("reinforced_deciders", "SDR requires at least twice the decider quorum")
	}
	if r.OversightAuthority == "" {
		return missingField("oversight_authority")
	}
	return nil
}

// ValidateTemporal enforces the time-relative admission rules for a decision:
// ordering of decision_date and record_timestamp, the 72h registration window,
// and SDR term limits.
func (r *DecisionRecord) ValidateTemporal(now time.Time) error {
	// record_timestamp may legitimately sit slightly ahead of the operator's
	// clock; decision_date may not.
	const skew = 5 * time.Minute
	if r.DecisionDate.After(now.Add(skew)) {
		return invalidField("decision_date", "decision_date is in the future")
	}
	if r.DecisionDate.After(r.RecordTimestamp) {
		return invalidField("decision_date", "decision_date is after record_timestamp")
	}

	delay := r.RecordTimestamp.Sub(r.DecisionDate)
	lateRegistration := r.IsSDR && r.ExceptionType == "late_registration"
	if delay > RegistrationWindow && !lateRegistration {
		return &ValidationError{
			Code:  CodeRegistrationDelay,
			Field: "record_timestamp",
			Detail: fmt.Sprintf("registration delay %s exceeds the 72h window; requires an SDR with exception_type late_registration",
				delay.Round(time.Minute)),
		}
	}

	if r.IsSDR {
		limit := ExceptionTermLimits[r.ExceptionType]
		if limit > 0 && r.MaximumTerm.Sub(r.DecisionDate) > limit {
			return &ValidationError{
				Code:  CodeSDRTermExceeded,
				Field: "maximum_term",
				Detail: fmt.Sprintf("term exceeds the %dd limit for exception type %q",
					int(limit.Hours()/24), r.ExceptionType),
			}
		}
	}
	return nil
}

// ValidateTemporal enforces revocation date ordering.
func (r *RevocationRecord) ValidateTemporal(now time.Time) error {
	const skew = 5 * time.Minute
	if r.RevocationDate.After(now.Add(skew)) {
		return invalidField("revocation_date", "revocation_date is in the future")
	}
	return nil
}

// DecisionFromDocument rehydrates a decision from an already-admitted chain
// document. It skips admission validation; the document passed it once.
func DecisionFromDocument(doc map[string]any) (*DecisionRecord, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("re-encode chain document: %w", err)
	}
	var r DecisionRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode chain document: %w", err)
	}
	r.doc = doc
	return &r, nil
}

func decodeDocument(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, invalidField("", "record must be a JSON object")
	}
	return doc, nil
}

func checkIdentifiers(fields map[string]string) error {
	for field, v := range fields {
		if !norm.NFC.IsNormalString(v) {
			return invalidField(field, "identifier must be NFC-normalized")
		}
	}
	return nil
}

func checkVersion(v string) error {
	if v == "" {
		return nil
	}
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return invalidField("fides_version", "not a valid semantic version")
	}
	if !supportedVersions.Check(parsed) {
		return &ValidationError{
			Code:   CodeUnsupportedVersion,
			Field:  "fides_version",
			Detail: fmt.Sprintf("protocol version %s is not supported (want 0.3.x)", v),
		}
	}
	return nil
}
