package canonical

import (
	"encoding/json"
	"testing"
)

func FuzzTransform(f *testing.F) {
	f.Add([]byte(`{"a":1,"b":2}`))
	f.Add([]byte(`{"z":{"y":"foo","x":"bar"},"a":1}`))
	f.Add([]byte(`{"html":"<script>alert('xss')</script> &"}`))
	f.Add([]byte(`{"num":123.456,"bool":true,"null":null}`))
	f.Add([]byte(`{"arr":[3,1,2],"nested":{"deep":{"key":"val"}}}`))
	f.Add([]byte(`{}`))
	f.Add([]byte(`{"":"empty_key","a":""}`))
	f.Add([]byte(`{"unicode":"こんにちは","emoji":"🚀"}`))
	f.Add([]byte(`{"escape":"line1\nline2\ttab"}`))
	f.Add([]byte(`{"value":10000.00}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			t.Skip("invalid JSON input")
			return
		}

		b1, err := Transform(data)
		if err != nil {
			// Some valid-looking JSON is not representable; that's fine.
			return
		}

		// Determinism: same input must produce identical output.
		b2, err := Transform(data)
		if err != nil {
			t.Fatal("Transform returned error on second call but not first")
		}
		if string(b1) != string(b2) {
			t.Errorf("Transform non-deterministic:\n  first:  %s\n  second: %s", b1, b2)
		}

		// Idempotence: canonical form is its own canonical form.
		b3, err := Transform(b1)
		if err != nil {
			t.Fatalf("canonical output rejected by Transform: %v", err)
		}
		if string(b1) != string(b3) {
			t.Errorf("Transform not idempotent:\n  once:  %s\n  twice: %s", b1, b3)
		}

		// Output must be valid JSON.
		var check any
		if err := json.Unmarshal(b1, &check); err != nil {
			t.Errorf("canonical output is not valid JSON: %s", string(b1))
		}
	})
}
