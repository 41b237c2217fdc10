package records

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func validDR(t *testing.T, mutate func(m map[string]any)) []byte {
	t.Helper()
	m := map[string]any{
		"decision_id":          uuid.NewString(),
		"authority_id":         "br-gov-treasury",
		"deciders_id":          []any{"minister-a", "minister-b"},
		"act_type":             "grant",
		"currency":             "BRL",
		"maximum_value":        50000.0,
		"beneficiary":          "acme-ltda",
		"legal_basis":          "law 8.666 art 24",
		"decision_date":        testNow.Add(-2 * time.Hour).Format(time.RFC3339),
		"previous_record_hash": GenesisHash,
		"record_timestamp":     testNow.Add(-time.Hour).Format(time.RFC3339),
	}
	if mutate != nil {
		mutate(m)
	}
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	return raw
}

func validRR(t *testing.T, mutate func(m map[string]any)) []byte {
	t.Helper()
	m := map[string]any{
		"revocation_id":        uuid.NewString(),
		"target_decision_id":   uuid.NewString(),
		"revocation_type":      "voluntary",
		"revocation_reason":    "the contracting process was cancelled by the originating authority before execution",
		"revoker_authority":    "original_decider",
		"revoker_id":           []any{"minister-a", "minister-b"},
		"revocation_date":      testNow.Add(-time.Hour).Format(time.RFC3339),
		"previous_record_hash": GenesisHash,
		"record_timestamp":     testNow.Add(-30 * time.Minute).Format(time.RFC3339),
	}
	if mutate != nil {
		mutate(m)
	}
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	return raw
}

func TestParseDecisionValid(t *testing.T) {
	r, err := ParseDecision(validDR(t, nil))
	require.NoError(t, err)
	assert.Equal(t, KindDecision, r.Kind())
	assert.Equal(t, "BRL", r.Currency)
	assert.NotNil(t, r.Document())
	assert.NoError(t, r.ValidateTemporal(testNow))
}

func TestParseDecisionMissingFields(t *testing.T) {
	for _, field := range []string{
		"decision_id", "authority_id", "deciders_id", "act_type", "currency",
		"maximum_value", "beneficiary", "legal_basis", "decision_date",
		"previous_record_hash", "record_timestamp",
	} {
		t.Run(field, func(t *testing.T) {
			raw := validDR(t, func(m map[string]any) { delete(m, field) })
			_, err := ParseDecision(raw)
			require.Error(t, err)
			ve := &ValidationError{}
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, CodeMissingField, ve.Code)
		})
	}
}

func TestParseDecisionInvalidFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(m map[string]any)
	}{
		{"decision_id not uuid", func(m map[string]any) { m["decision_id"] = "not-a-uuid" }},
		{"currency lowercase", func(m map[string]any) { m["currency"] = "brl" }},
		{"currency too long", func(m map[string]any) { m["currency"] = "REAIS" }},
		{"maximum_value zero", func(m map[string]any) { m["maximum_value"] = 0 }},
		{"maximum_value negative", func(m map[string]any) { m["maximum_value"] = -10 }},
		{"deciders empty", func(m map[string]any) { m["deciders_id"] = []any{} }},
		{"previous hash short", func(m map[string]any) { m["previous_record_hash"] = "abc" }},
		{"previous hash uppercase", func(m map[string]any) {
			m["previous_record_hash"] = "ABCDEF0000000000000000000000000000000000000000000000000000000000"
		}},
		{"decision_date not a date", func(m map[string]any) { m["decision_date"] = "yesterday" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDecision(validDR(t, tc.mutate))
			assert.Error(t, err)
		})
	}
}

func TestParseDecisionNotJSON(t *testing.T) {
	_, err := ParseDecision([]byte(`{"broken`))
	require.Error(t, err)
	ve := &ValidationError{}
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, CodeInvalidField, ve.Code)
}

func TestParseDecisionVersionGate(t *testing.T) {
	t.Run("current version accepted", func(t *testing.T) {
		_, err := ParseDecision(validDR(t, func(m map[string]any) { m["fides_version"] = "0.3.0" }))
		assert.NoError(t, err)
	})
	t.Run("patch release accepted", func(t *testing.T) {
		_, err := ParseDecision(validDR(t, func(m map[string]any) { m["fides_version"] = "0.3.2" }))
		assert.NoError(t, err)
	})
	t.Run("absent version accepted", func(t *testing.T) {
		_, err := ParseDecision(validDR(t, nil))
		assert.NoError(t, err)
	})
	t.Run("older minor rejected", func(t *testing.T) {
		_, err := ParseDecision(validDR(t, func(m map[string]any) { m["fides_version"] = "0.2.0" }))
		ve := &ValidationError{}
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, CodeUnsupportedVersion, ve.Code)
	})
	t.Run("garbage version rejected", func(t *testing.T) {
		_, err := ParseDecision(validDR(t, func(m map[string]any) { m["fides_version"] = "latest" }))
		assert.Error(t, err)
	})
}

func TestParseDecisionIdentifierNormalization(t *testing.T) {
	// e + combining acute (U+0301) is NFD, not NFC
	raw := validDR(t, func(m map[string]any) { m["authority_id"] = "age\u0301ncia" })
	_, err := ParseDecision(raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NFC")

	raw = validDR(t, func(m map[string]any) { m["authority_id"] = "ag\u00e9ncia" })
	_, err = ParseDecision(raw)
	assert.NoError(t, err)
}

func sdrFields(m map[string]any) {
	m["is_sdr"] = true
	m["exception_type"] = "health_emergency"
	m["formal_justification"] = "Emergency procurement of hospital supplies during the declared state-level health emergency, authorized under the emergency provisions of the public procurement statute."
	m["maximum_term"] = testNow.Add(20 * 24 * time.Hour).Format(time.RFC3339)
	m["reinforced_deciders"] = []any{"minister-a", "minister-b", "minister-c", "minister-d"}
	m["oversight_authority"] = "audit-tribunal"
}

func TestParseSDRValid(t *testing.T) {
	r, err := ParseDecision(validDR(t, sdrFields))
	require.NoError(t, err)
	assert.Equal(t, KindSpecialDecision, r.Kind())
	assert.NoError(t, r.ValidateTemporal(testNow))
}

func TestParseSDRRules(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(m map[string]any)
		code   string
	}{
		{"missing exception_type", func(m map[string]any) { delete(m, "exception_type") }, CodeMissingField},
		{"generic type urgent", func(m map[string]any) { m["exception_type"] = "urgent" }, CodeSDRGenericType},
		{"generic type other", func(m map[string]any) { m["exception_type"] = "other" }, CodeSDRGenericType},
		{"unknown type", func(m map[string]any) { m["exception_type"] = "budget_overrun" }, CodeSDRUnknownType},
		{"short justification", func(m map[string]any) { m["formal_justification"] = "too short" }, CodeInvalidField},
		{"missing maximum_term", func(m map[string]any) { delete(m, "maximum_term") }, CodeMissingField},
		{"thin reinforced quorum", func(m map[string]any) { m["reinforced_deciders"] = []any{"minister-a", "minister-b"} }, CodeInvalidField},
		{"missing oversight", func(m map[string]any) { delete(m, "oversight_authority") }, CodeMissingField},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := validDR(t, func(m map[string]any) {
				sdrFields(m)
				tc.mutate(m)
			})
			_, err := ParseDecision(raw)
			require.Error(t, err)
			ve := &ValidationError{}
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.code, ve.Code)
		})
	}
}

func TestValidateTemporalDecision(t *testing.T) {
	t.Run("future decision_date rejected", func(t *testing.T) {
		r, err := ParseDecision(validDR(t, func(m map[string]any) {
			m["decision_date"] = testNow.Add(2 * time.Hour).Format(time.RFC3339)
			m["record_timestamp"] = testNow.Add(3 * time.Hour).Format(time.RFC3339)
		}))
		require.NoError(t, err)
		assert.Error(t, r.ValidateTemporal(testNow))
	})

	t.Run("decision after registration rejected", func(t *testing.T) {
		r, err := ParseDecision(validDR(t, func(m map[string]any) {
			m["decision_date"] = testNow.Add(-time.Hour).Format(time.RFC3339)
			m["record_timestamp"] = testNow.Add(-2 * time.Hour).Format(time.RFC3339)
		}))
		require.NoError(t, err)
		assert.Error(t, r.ValidateTemporal(testNow))
	})

	t.Run("within 72h accepted", func(t *testing.T) {
		r, err := ParseDecision(validDR(t, func(m map[string]any) {
			m["decision_date"] = testNow.Add(-71 * time.Hour).Format(time.RFC3339)
			m["record_timestamp"] = testNow.Format(time.RFC3339)
		}))
		require.NoError(t, err)
		assert.NoError(t, r.ValidateTemporal(testNow))
	})

	t.Run("beyond 72h rejected", func(t *testing.T) {
		r, err := ParseDecision(validDR(t, func(m map[string]any) {
			m["decision_date"] = testNow.Add(-80 * time.Hour).Format(time.RFC3339)
			m["record_timestamp"] = testNow.Format(time.RFC3339)
		}))
		require.NoError(t, err)
		err = r.ValidateTemporal(testNow)
		require.Error(t, err)
		ve := &ValidationError{}
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, CodeRegistrationDelay, ve.Code)
	})

	t.Run("beyond 72h allowed with late_registration SDR", func(t *testing.T) {
		r, err := ParseDecision(validDR(t, func(m map[string]any) {
			sdrFields(m)
			m["exception_type"] = "late_registration"
			m["decision_date"] = testNow.Add(-200 * time.Hour).Format(time.RFC3339)
			m["record_timestamp"] = testNow.Format(time.RFC3339)
			m["maximum_term"] = testNow.Add(24 * time.Hour).Format(time.RFC3339)
		}))
		require.NoError(t, err)
		assert.NoError(t, r.ValidateTemporal(testNow))
	})

	t.Run("SDR term over the limit rejected", func(t *testing.T) {
		r, err := ParseDecision(validDR(t, func(m map[string]any) {
			sdrFields(m)
			// health_emergency caps at 30 days
			m["maximum_term"] = testNow.Add(45 * 24 * time.Hour).Format(time.RFC3339)
		}))
		require.NoError(t, err)
		err = r.ValidateTemporal(testNow)
		require.Error(t, err)
		ve := &ValidationError{}
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, CodeSDRTermExceeded, ve.Code)
	})

	t.Run("national_security allows long terms", func(t *testing.T) {
		r, err := ParseDecision(validDR(t, func(m map[string]any) {
			sdrFields(m)
			m["exception_type"] = "national_security"
			m["maximum_term"] = testNow.Add(150 * 24 * time.Hour).Format(time.RFC3339)
		}))
		require.NoError(t, err)
		assert.NoError(t, r.ValidateTemporal(testNow))
	})
}

func TestParseRevocationValid(t *testing.T) {
	r, err := ParseRevocation(validRR(t, nil))
	require.NoError(t, err)
	assert.Equal(t, "voluntary", r.RevocationType)
	assert.NoError(t, r.ValidateTemporal(testNow))
}

func TestParseRevocationRules(t *testing.T) {
	t.Run("short reason rejected", func(t *testing.T) {
		_, err := ParseRevocation(validRR(t, func(m map[string]any) { m["revocation_reason"] = "changed our mind" }))
		assert.Error(t, err)
	})
	t.Run("unknown revocation_type rejected", func(t *testing.T) {
		_, err := ParseRevocation(validRR(t, func(m map[string]any) { m["revocation_type"] = "administrative" }))
		assert.Error(t, err)
	})
	t.Run("unknown revoker_authority rejected", func(t *testing.T) {
		_, err := ParseRevocation(validRR(t, func(m map[string]any) { m["revoker_authority"] = "anyone" }))
		assert.Error(t, err)
	})
	t.Run("judicial without court order rejected", func(t *testing.T) {
		_, err := ParseRevocation(validRR(t, func(m map[string]any) {
			m["revocation_type"] = "judicial"
			m["revoker_authority"] = "judicial_authority"
		}))
		require.Error(t, err)
		ve := &ValidationError{}
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, CodeMissingField, ve.Code)
		assert.Equal(t, "court_order", ve.Field)
	})
	t.Run("judicial with court order accepted", func(t *testing.T) {
		_, err := ParseRevocation(validRR(t, func(m map[string]any) {
			m["revocation_type"] = "judicial"
			m["revoker_authority"] = "judicial_authority"
			m["court_order"] = "case 0012345-67.2026.4.01.3400"
		}))
		assert.NoError(t, err)
	})
	t.Run("future revocation_date rejected", func(t *testing.T) {
		r, err := ParseRevocation(validRR(t, func(m map[string]any) {
			m["revocation_date"] = testNow.Add(2 * time.Hour).Format(time.RFC3339)
		}))
		require.NoError(t, err)
		assert.Error(t, r.ValidateTemporal(testNow))
	})
}
