// Property-based tests for canonical form stability.
package canonical

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestCanonicalHashDeterminism verifies Hash(obj) == Hash(obj) for any obj.
func TestCanonicalHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical hash is deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			h1, err1 := Hash(obj)
			h2, err2 := Hash(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestCanonicalKeyOrderInvariance verifies that Go map iteration order (which
// is deliberately randomized by the runtime) never leaks into canonical bytes.
func TestCanonicalKeyOrderInvariance(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("insertion order does not affect canonical bytes", prop.ForAll(
		func(keys []string) bool {
			forward := make(map[string]any, len(keys))
			for _, k := range keys {
				forward[k] = "v:" + k
			}
			reverse := make(map[string]any, len(keys))
			for i := len(keys) - 1; i >= 0; i-- {
				reverse[keys[i]] = "v:" + keys[i]
			}

			b1, err1 := Canonicalize(forward)
			b2, err2 := Canonicalize(reverse)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return string(b1) == string(b2)
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
