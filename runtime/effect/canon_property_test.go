package effect

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Canonicalization must be a fixed point: re-canonicalizing its own output
// changes nothing, and hashes built on it are stable across calls.
func TestCanonicalJSONProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical output is idempotent", prop.ForAll(
		func(params map[string]any) bool {
			first, err := CanonicalJSON(params)
			if err != nil {
				return false
			}
			var decoded any
			if err := json.Unmarshal(first, &decoded); err != nil {
				return false
			}
			second, err := CanonicalJSON(decoded)
			if err != nil {
				return false
			}
			return string(first) == string(second)
		},
		genParams(),
	))

	properties.Property("tool hash is deterministic", prop.ForAll(
		func(name string, params map[string]any) bool {
			return ToolHash(name, params) == ToolHash(name, params)
		},
		gen.Identifier(),
		genParams(),
	))

	properties.Property("tool hash is 40 hex chars", prop.ForAll(
		func(name string, params map[string]any) bool {
			h := ToolHash(name, params)
			if len(h) != 40 {
				return false
			}
			for _, c := range h {
				if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
					return false
				}
			}
			return true
		},
		gen.Identifier(),
		genParams(),
	))

	properties.TestingRun(t)
}

// genParams produces JSON-stable parameter maps, nested one level deep.
func genParams() gopter.Gen {
	scalar := gen.OneGenOf(
		asAny(gen.AlphaString()),
		asAny(gen.Float64Range(-1e9, 1e9)),
		asAny(gen.Bool()),
	)
	return gen.MapOf(gen.Identifier(), gen.OneGenOf(
		scalar,
		asAny(gen.MapOf(gen.Identifier(), scalar)),
	))
}

// asAny widens a generator's result type to any so heterogeneous generators
// can feed gen.MapOf; gopter's Gen.Map cannot return interface types directly.
// The sieve and shrinker are scoped to the original concrete type because
// gen.MapOf applies one element's sieve and shrinker to every value.
func asAny(g gopter.Gen) gopter.Gen {
	anyType := reflect.TypeOf((*any)(nil)).Elem()
	return func(p *gopter.GenParameters) *gopter.GenResult {
		r := g(p)
		concrete := r.ResultType
		if sieve := r.Sieve; sieve != nil {
			r.Sieve = func(v any) bool {
				if reflect.TypeOf(v) != concrete {
					return true
				}
				return sieve(v)
			}
		}
		if shrinker := r.Shrinker; shrinker != nil {
			r.Shrinker = func(v any) gopter.Shrink {
				if reflect.TypeOf(v) != concrete {
					return gopter.NoShrink
				}
				return shrinker(v)
			}
		}
		r.ResultType = anyType
		return r
	}
}
