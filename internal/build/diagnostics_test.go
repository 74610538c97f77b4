package build

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOutput(t *testing.T) {
	output := `# github.com/acme/app
./main.go:12:5: undefined: foo
internal/db/db.go:40: missing return
views/page.templ:3:10: expected '}'
go: updates to go.mod needed
package github.com/acme/nope is not in std (/usr/local/go/src/github.com/acme/nope)
open config.yml: permission denied
something unrelated
linker failed badly
`

	diags := ParseOutput(output)
	require.Len(t, diags, 7)

	assert.Equal(t, Diagnostic{
		Kind: DiagnosticCompile, File: "./main.go", Line: 12, Column: 5,
		Message: "undefined: foo", Raw: "./main.go:12:5: undefined: foo",
	}, diags[0])

	assert.Equal(t, DiagnosticCompile, diags[1].Kind)
	assert.Equal(t, "internal/db/db.go:40", diags[1].Location())

	assert.Equal(t, DiagnosticTemplate, diags[2].Kind)
	assert.Equal(t, "views/page.templ", diags[2].File)

	assert.Equal(t, DiagnosticToolchain, diags[3].Kind)
	assert.Empty(t, diags[3].Location())

	assert.Equal(t, DiagnosticCompile, diags[4].Kind)
	assert.Contains(t, diags[4].Message, "github.com/acme/nope")

	assert.Equal(t, DiagnosticPermission, diags[5].Kind)
	assert.Equal(t, "config.yml", diags[5].File)

	assert.Equal(t, DiagnosticUnknown, diags[6].Kind)
	assert.Equal(t, "linker failed badly", diags[6].Message)
}

func TestParseOutputEmpty(t *testing.T) {
	assert.Empty(t, ParseOutput(""))
	assert.Empty(t, ParseOutput("\n\n# pkg\n"))
}

func TestDiagnosticKindString(t *testing.T) {
	assert.Equal(t, "compile", DiagnosticCompile.String())
	assert.Equal(t, "file-not-found", DiagnosticFileNotFound.String())
	assert.Equal(t, "unknown", DiagnosticKind(42).String())
}
