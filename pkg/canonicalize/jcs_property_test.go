//go:build property
// +build property

// Property-based tests for canonical serialization determinism.
package canonicalize

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestCanonicalDeterminism verifies Canonical(obj) == Canonical(obj) for any
// generated object, and that the digest is stable across repeated hashing.
func TestCanonicalDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical bytes are deterministic", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			b1, err1 := Canonical(obj)
			b2, err2 := Canonical(obj)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return string(b1) == string(b2)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("hash is insensitive to map construction order", prop.ForAll(
		func(keys []string) bool {
			a := make(map[string]any)
			b := make(map[string]any)
			for i, k := range keys {
				if k == "" {
					continue
				}
				a[k] = i
			}
			for i := len(keys) - 1; i >= 0; i-- {
				if keys[i] == "" {
					continue
				}
				b[keys[i]] = indexOf(keys, keys[i])
			}

			h1, err1 := Hash(a)
			h2, err2 := Hash(b)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func indexOf(keys []string, k string) int {
	for i, v := range keys {
		if v == k {
			return i
		}
	}
	return -1
}
