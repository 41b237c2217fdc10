package canonical

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
)

func TestCanonicalize_Sorting(t *testing.T) {
	input := map[string]any{
		"zebra": 1,
		"apple": 2,
		"mango": 3,
	}

	b, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}

	expected := `{"apple":2,"mango":3,"zebra":1}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonicalize_RecursiveSorting(t *testing.T) {
	input := map[string]any{
		"outer": map[string]any{
			"zebra": 1,
			"apple": 2,
		},
	}

	b, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}

	expected := `{"outer":{"apple":2,"zebra":1}}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonicalize_NoWhitespaceNoNewline(t *testing.T) {
	b, err := Canonicalize(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"a":1,"b":2}` {
		t.Errorf("expected compact form, got %s", string(b))
	}
	if b[len(b)-1] == '\n' {
		t.Error("canonical form must not end with newline")
	}
}

func TestCanonicalize_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<script>alert('xss')</script> &",
	}

	b, err := Canonicalize(input)
	if err != nil {
		t.Fatal(err)
	}

	expected := `{"html":"<script>alert('xss')</script> &"}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonicalize_UnicodePreserved(t *testing.T) {
	b, err := Canonicalize(map[string]string{"beneficiary": "Empresa Brasileira de Aeronáutica"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "Aeronáutica") {
		t.Errorf("unicode must be preserved, not escaped: %s", string(b))
	}
}

func TestCanonicalize_NumberFormatting(t *testing.T) {
	// ES6 serialization drops unnecessary precision: 10000.00 -> 10000.
	b, err := Transform([]byte(`{"value":10000.00}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"value":10000}` {
		t.Errorf("expected ES6 number form, got %s", string(b))
	}
}

func TestCanonicalize_ArrayOrderPreserved(t *testing.T) {
	b, err := Canonicalize(map[string]any{"deciders_id": []string{"CPF-111", "CPF-222", "CPF-333"}})
	if err != nil {
		t.Fatal(err)
	}
	s := string(b)
	if !(strings.Index(s, "CPF-111") < strings.Index(s, "CPF-222") &&
		strings.Index(s, "CPF-222") < strings.Index(s, "CPF-333")) {
		t.Errorf("array order must be preserved: %s", s)
	}
}

func TestCanonicalize_StripsComputedFields(t *testing.T) {
	with := map[string]any{"a": 1, "record_hash": "deadbeef", "_comment": "fixture note"}
	without := map[string]any{"a": 1}

	h1, err := Hash(with)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(without)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("computed fields must be excluded from the canonical form")
	}
}

func TestSigningBytes_ExcludesSignatures(t *testing.T) {
	record := map[string]any{
		"decision_id": "550e8400-e29b-41d4-a716-446655440000",
		"signatures": []map[string]any{
			{"signer_id": "CPF-123", "signature": "abc"},
		},
	}

	signing, err := SigningBytes(record)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(signing), "signatures") {
		t.Errorf("signing bytes must not contain signatures: %s", signing)
	}

	full, err := Canonicalize(record)
	if err != nil {
		t.Fatal(err)
	}
	if string(full) == string(signing) {
		t.Error("record hash input and signing input must differ when signatures are present")
	}
}

func TestHash_Deterministic(t *testing.T) {
	record := map[string]any{
		"decision_id":   "550e8400-e29b-41d4-a716-446655440000",
		"authority_id":  "BR-GOV-001",
		"maximum_value": 50000.00,
	}

	h1, _ := Hash(record)
	h2, _ := Hash(record)
	h3, _ := Hash(record)
	if h1 != h2 || h2 != h3 {
		t.Fatalf("hash must be deterministic: %s %s %s", h1, h2, h3)
	}
	if len(h1) != 64 {
		t.Fatalf("hash must be 64 hex chars, got %d", len(h1))
	}
}

func TestHash_SensitiveToChanges(t *testing.T) {
	record := map[string]any{"decision_id": "x", "maximum_value": 50000.00}
	h1, _ := Hash(record)

	record["maximum_value"] = 50000.01
	h2, _ := Hash(record)

	if h1 == h2 {
		t.Fatal("different values must produce different hashes")
	}
}

func TestHash_StructAndMapAgree(t *testing.T) {
	type rec struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	h1, err := Hash(rec{A: 1, B: 2})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Error("struct and semantically identical map must hash identically")
	}
}

func TestCanonicalize_RejectsNaN(t *testing.T) {
	_, err := Canonicalize(map[string]any{"value": math.NaN()})
	if err == nil {
		t.Fatal("NaN must be rejected")
	}
	var ce *CodecError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CodecError, got %T", err)
	}
}

func TestTransform_RejectsInvalidUTF8(t *testing.T) {
	_, err := Transform([]byte{'{', '"', 0xff, 0xfe, '"', ':', '1', '}'})
	if err == nil {
		t.Fatal("invalid UTF-8 must be rejected")
	}
}

func TestCanonicalize_EdgeCases(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want string
	}{
		{"empty object", map[string]any{}, `{}`},
		{"empty array", map[string]any{"items": []any{}}, `{"items":[]}`},
		{"null value", map[string]any{"value": nil}, `{"value":null}`},
		{"booleans", map[string]any{"is_sdr": true, "revoked": false}, `{"is_sdr":true,"revoked":false}`},
		{
			"deeply nested",
			map[string]any{"level1": map[string]any{"level2": map[string]any{"level3": map[string]any{"value": 42}}}},
			`{"level1":{"level2":{"level3":{"value":42}}}}`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := Canonicalize(tc.in)
			if err != nil {
				t.Fatal(err)
			}
			if string(b) != tc.want {
				t.Errorf("expected %s, got %s", tc.want, string(b))
			}
		})
	}
}

func TestTransform_ValidJSONOutput(t *testing.T) {
	b, err := Transform([]byte(`{"z":{"y":"foo","x":"bar"},"a":1}`))
	if err != nil {
		t.Fatal(err)
	}
	var check any
	if err := json.Unmarshal(b, &check); err != nil {
		t.Errorf("canonical output is not valid JSON: %s", b)
	}
}
