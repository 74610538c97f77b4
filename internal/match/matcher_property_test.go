//go:build property

package match

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestMatcherProperties validates the allow/deny algebra of compiled matchers.
func TestMatcherProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(4242)
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	segment := gen.RegexMatch(`[a-z]{1,6}`)
	ext := gen.OneConstOf("go", "ts", "css", "md")

	pathGen := gopter.CombineGens(gen.SliceOfN(3, segment), ext).Map(func(values []interface{}) string {
		segs := values[0].([]string)
		return strings.Join(segs, "/") + "." + values[1].(string)
	})

	properties.Property("deny always wins over allow", prop.ForAll(
		func(path string) bool {
			m := MustCompile([]string{"**"}, []string{path})
			return !m.Match(path)
		},
		pathGen,
	))

	properties.Property("empty allow list admits every path not denied", prop.ForAll(
		func(path string) bool {
			m := MustCompile(nil, nil)
			return m.Match(path)
		},
		pathGen,
	))

	properties.Property("extension allow list is exact", prop.ForAll(
		func(path string) bool {
			m := MustCompile([]string{"**/*.go"}, nil)
			return m.Match(path) == strings.HasSuffix(path, ".go")
		},
		pathGen,
	))

	properties.Property("deny of a directory covers everything below it", prop.ForAll(
		func(path string) bool {
			top := strings.SplitN(path, "/", 2)[0]
			m := MustCompile(nil, []string{top + "/"})
			return !m.Match(path)
		},
		pathGen,
	))

	properties.TestingRun(t)
}
