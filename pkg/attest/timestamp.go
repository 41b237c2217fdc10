package attest

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/fideslabs/fides/pkg/canonical"
	"github.com/fideslabs/fides/pkg/records"
)

// ClaimTolerance is how far a record_timestamp may sit from the verifier's
// clock and still be corroborated by an external proof.
const ClaimTolerance = 24 * time.Hour

// Minimum confirmations for blockchain attestations.
var minConfirmations = map[string]int{
	"bitcoin":  6,
	"ethereum": 12,
}

var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

// AttestedHash is the digest an external timestamp proof must commit to: the
// record's canonical form without the attestation itself or the signatures
// (both are attached after the attested content is fixed).
func AttestedHash(doc map[string]any) (string, error) {
	reduced := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == "timestamp_attestation" || k == "signatures" {
			continue
		}
		reduced[k] = v
	}
	return canonical.Hash(reduced)
}

// VerifyTimestampProof checks that an external attestation corroborates the
// claimed record timestamp. Missing, malformed, deprecated-method, or
// out-of-tolerance proofs are rejected, never silently accepted.
func VerifyTimestampProof(att *records.Attestation, attestedHash string, claimed, now time.Time) error {
	if att == nil {
		return badTimestamp("record carries no timestamp_attestation")
	}
	if att.Proof == nil {
		return badTimestamp("attestation has no proof")
	}

	switch att.Method {
	case "rfc3161":
		if err := verifyRFC3161Proof(att.Proof, attestedHash); err != nil {
			return err
		}
	case "blockchain":
		if err := verifyBlockchainProof(att.Proof); err != nil {
			return err
		}
	case "ntp_consensus":
		return badTimestamp("ntp_consensus is deprecated in v0.3 and rejected")
	default:
		return badTimestamp("unsupported attestation method %q", att.Method)
	}

	if claimed.IsZero() {
		return badTimestamp("record has no attested timestamp")
	}
	if d := absDuration(now.Sub(claimed)); d > ClaimTolerance {
		return badTimestamp("record_timestamp is %s from verification time, outside the ±24h tolerance", d.Round(time.Minute))
	}
	return nil
}

func verifyRFC3161Proof(proof map[string]any, attestedHash string) error {
	for _, field := range []string{"tsa_url", "tsa_certificate", "timestamp_token", "hash_algorithm", "message_imprint"} {
		if s, _ := proof[field].(string); s == "" {
			return badTimestamp("rfc3161 proof is missing %s", field)
		}
	}
	if alg, _ := proof["hash_algorithm"].(string); alg != "SHA-256" {
		return badTimestamp("rfc3161 proof uses hash algorithm %q, want SHA-256", alg)
	}
	imprint, _ := proof["message_imprint"].(string)
	if !hexDigest.MatchString(imprint) {
		return badTimestamp("rfc3161 message_imprint is not a SHA-256 hex digest")
	}
	if imprint != attestedHash {
		return badTimestamp("rfc3161 message_imprint does not commit to this record's digest")
	}
	return nil
}

func verifyBlockchainProof(proof map[string]any) error {
	for _, field := range []string{"chain", "network", "block_hash", "transaction_id", "data_hash"} {
		if s, _ := proof[field].(string); s == "" {
			return badTimestamp("blockchain proof is missing %s", field)
		}
	}
	chain, _ := proof["chain"].(string)
	confirmations := intValue(proof["confirmations_at_record"])
	min, ok := minConfirmations[chain]
	if !ok {
		min = minConfirmations["bitcoin"]
	}
	if confirmations < min {
		return badTimestamp("blockchain proof has %d confirmations, %s requires at least %d", confirmations, chain, min)
	}
	return nil
}

func intValue(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
