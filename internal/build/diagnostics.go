package build

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DiagnosticKind classifies a line of build output.
type DiagnosticKind int

const (
	DiagnosticUnknown DiagnosticKind = iota
	DiagnosticCompile
	DiagnosticToolchain
	DiagnosticTemplate
	DiagnosticFileNotFound
	DiagnosticPermission
)

func (k DiagnosticKind) String() string {
	switch k {
	case DiagnosticCompile:
		return "compile"
	case DiagnosticToolchain:
		return "toolchain"
	case DiagnosticTemplate:
		return "template"
	case DiagnosticFileNotFound:
		return "file-not-found"
	case DiagnosticPermission:
		return "permission"
	default:
		return "unknown"
	}
}

// Diagnostic is one structured problem extracted from build output.
type Diagnostic struct {
	Kind    DiagnosticKind
	File    string
	Line    int
	Column  int
	Message string
	Raw     string
}

// Location renders file:line:col, omitting unknown parts.
func (d Diagnostic) Location() string {
	if d.File == "" {
		return ""
	}
	switch {
	case d.Line > 0 && d.Column > 0:
		return fmt.Sprintf("%s:%d:%d", d.File, d.Line, d.Column)
	case d.Line > 0:
		return fmt.Sprintf("%s:%d", d.File, d.Line)
	default:
		return d.File
	}
}

type outputPattern struct {
	regex *regexp.Regexp
	kind  DiagnosticKind
	parse func(m []string) (file string, line, col int, msg string)
}

var outputPatterns = []outputPattern{
	{
		regex: regexp.MustCompile(`^(.+\.templ):(\d+):(\d+): (.+)$`),
		kind:  DiagnosticTemplate,
		parse: fileLineCol,
	},
	{
		regex: regexp.MustCompile(`^(.+?):(\d+):(\d+): (.+)$`),
		kind:  DiagnosticCompile,
		parse: fileLineCol,
	},
	{
		regex: regexp.MustCompile(`^(.+?\.go):(\d+): (.+)$`),
		kind:  DiagnosticCompile,
		parse: func(m []string) (string, int, int, string) {
			line, _ := strconv.Atoi(m[2])
			return m[1], line, 0, m[3]
		},
	},
	{
		regex: regexp.MustCompile(`^go: (.+)$`),
		kind:  DiagnosticToolchain,
		parse: func(m []string) (string, int, int, string) { return "", 0, 0, m[1] },
	},
	{
		regex: regexp.MustCompile(`^package (.+) is not in (GOROOT|std).*$`),
		kind:  DiagnosticCompile,
		parse: func(m []string) (string, int, int, string) {
			return "", 0, 0, fmt.Sprintf("package %q not found", m[1])
		},
	},
	{
		regex: regexp.MustCompile(`^(?:open )?(.+): permission denied$`),
		kind:  DiagnosticPermission,
		parse: func(m []string) (string, int, int, string) { return m[1], 0, 0, "permission denied" },
	},
	{
		regex: regexp.MustCompile(`^(?:stat |open )?(.+): no such file or directory$`),
		kind:  DiagnosticFileNotFound,
		parse: func(m []string) (string, int, int, string) { return m[1], 0, 0, "file not found" },
	},
}

func fileLineCol(m []string) (string, int, int, string) {
	line, _ := strconv.Atoi(m[2])
	col, _ := strconv.Atoi(m[3])
	return m[1], line, col, m[4]
}

// ParseOutput extracts diagnostics from compiler output. Lines that match no
// known shape are kept only when they mention an error.
func ParseOutput(output string) []Diagnostic {
	var diags []Diagnostic

	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if d, ok := parseLine(line); ok {
			diags = append(diags, d)
			continue
		}

		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
			diags = append(diags, Diagnostic{Kind: DiagnosticUnknown, Message: line, Raw: line})
		}
	}

	return diags
}

func parseLine(line string) (Diagnostic, bool) {
	for _, p := range outputPatterns {
		m := p.regex.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		file, ln, col, msg := p.parse(m)
		return Diagnostic{Kind: p.kind, File: file, Line: ln, Column: col, Message: msg, Raw: line}, true
	}
	return Diagnostic{}, false
}
