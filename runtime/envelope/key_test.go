package envelope

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

// asAny widens a generator's result type to any so gen.MapOf produces a
// map[string]any. Gen.Map cannot be used for this: a mapper returning any is
// treated by gopter as returning *GenResult and panics at runtime.
func asAny(g gopter.Gen) gopter.Gen {
	anyType := reflect.TypeOf((*any)(nil)).Elem()
	return func(p *gopter.GenParameters) *gopter.GenResult {
		r := g(p)
		v, ok := r.Retrieve()
		if !ok {
			return gopter.NewEmptyResult(anyType)
		}
		return &gopter.GenResult{
			Shrinker:   gopter.NoShrinker,
			Result:     v,
			ResultType: anyType,
			Labels:     r.Labels,
		}
	}
}

func TestEffectiveIdempotencyKeyPrefersExplicit(t *testing.T) {
	req := validRequest()
	req.IdempotencyKey = "caller-key-1"
	e, err := New(req)
	require.NoError(t, err)

	key, err := e.EffectiveIdempotencyKey()
	require.NoError(t, err)
	require.Equal(t, "caller-key-1", key)
}

func TestDeriveKeyIgnoresMapOrdering(t *testing.T) {
	a := map[string]any{"alpha": 1, "beta": "two", "gamma": map[string]any{"x": 1, "y": 2}}
	b := map[string]any{"gamma": map[string]any{"y": 2, "x": 1}, "beta": "two", "alpha": 1}

	ka, err := DeriveKey("t", "c", "u", a)
	require.NoError(t, err)
	kb, err := DeriveKey("t", "c", "u", b)
	require.NoError(t, err)
	require.Equal(t, ka, kb)
}

func TestDeriveKeySeparatesIdentity(t *testing.T) {
	params := map[string]any{"a": 1}

	base, err := DeriveKey("t", "c", "u", params)
	require.NoError(t, err)

	otherUser, err := DeriveKey("t", "c", "u2", params)
	require.NoError(t, err)
	require.NotEqual(t, base, otherUser)

	otherCap, err := DeriveKey("t", "c2", "u", params)
	require.NoError(t, err)
	require.NotEqual(t, base, otherCap)
}

func TestDeriveKeyProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	genParams := gen.MapOf(gen.Identifier(), gen.OneGenOf(
		asAny(gen.AlphaString()),
		asAny(gen.Int()),
		asAny(gen.Bool()),
	))

	properties.Property("derivation is deterministic", prop.ForAll(
		func(params map[string]any) bool {
			k1, err1 := DeriveKey("tool", "cap", "user", params)
			k2, err2 := DeriveKey("tool", "cap", "user", params)
			return err1 == nil && err2 == nil && k1 == k2
		},
		genParams,
	))

	properties.Property("key is a 64-char hex digest", prop.ForAll(
		func(params map[string]any) bool {
			k, err := DeriveKey("tool", "cap", "user", params)
			if err != nil || len(k) != 64 {
				return false
			}
			for _, r := range k {
				if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
					return false
				}
			}
			return true
		},
		genParams,
	))

	properties.Property("distinct tools derive distinct keys", prop.ForAll(
		func(params map[string]any, tool string) bool {
			k1, err1 := DeriveKey("tool_"+tool, "cap", "user", params)
			k2, err2 := DeriveKey("tool_"+tool+"x", "cap", "user", params)
			return err1 == nil && err2 == nil && k1 != k2
		},
		genParams,
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
