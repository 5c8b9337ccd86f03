// Package normalize canonicalizes extracted identifiers and values and
// collapses duplicate entities into one record per key.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/evidence-pipeline/internal/model"
)

var (
	// CC 6.1, cc6.1, CC-6.1, PI_1.2, A1.2
	tscControlRe = regexp.MustCompile(`^(?i)(cc|pi|a|c|p)[\s\-_]*(\d+(?:\.\d+)*)$`)
	// A.8.2, A 8.2 (ISO 27001 Annex A)
	annexControlRe = regexp.MustCompile(`^(?i)a\s*\.\s*(\d+(?:\.\d+)+)$`)
	spaceRe        = regexp.MustCompile(`\s+`)
	folder         = cases.Fold()
)

// Aliases map a folded identifier onto its canonical form, per entity type.
type Aliases map[model.EntityType]map[string]string

// DefaultAliases covers the subservice providers that appear under several
// names in audit reports.
func DefaultAliases() Aliases {
	return Aliases{
		model.EntitySubserviceOrg: {
			"amazon web services":      "AWS",
			"amazon web services, inc": "AWS",
			"aws":                      "AWS",
			"google cloud platform":    "GCP",
			"google cloud":             "GCP",
			"gcp":                      "GCP",
			"microsoft azure":          "Azure",
			"azure":                    "Azure",
		},
	}
}

// Clean applies NFKC, collapses whitespace and trims surrounding
// punctuation. Case is preserved.
func Clean(s string) string {
	s = norm.NFKC.String(s)
	s = spaceRe.ReplaceAllString(strings.TrimSpace(s), " ")
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || (unicode.IsPunct(r) && r != ')' && r != ']')
	})
}

// Fold is the case-insensitive comparison form of s.
func Fold(s string) string {
	return folder.String(Clean(s))
}

// ControlID canonicalizes a control reference. It returns false when s
// does not look like a TSC or Annex A control identifier.
func ControlID(s string) (string, bool) {
	c := Clean(s)
	if m := annexControlRe.FindStringSubmatch(c); m != nil {
		return "A." + m[1], true
	}
	if m := tscControlRe.FindStringSubmatch(c); m != nil {
		return strings.ToUpper(m[1]) + m[2], true
	}
	return "", false
}

// TSCCategory derives the trust services category from a canonical TSC
// control id: CC6.1 is CC6, A1.2 is A. Annex A ids have none.
func TSCCategory(controlID string) string {
	m := tscControlRe.FindStringSubmatch(controlID)
	if m == nil {
		return ""
	}
	prefix := strings.ToUpper(m[1])
	if prefix != "CC" {
		return prefix
	}
	major, _, _ := strings.Cut(m[2], ".")
	return prefix + major
}

// Identifier canonicalizes one key value for entity type t. Control
// references take their canonical form; everything else is folded and then
// passed through the alias table.
func (a Aliases) Identifier(t model.EntityType, field, raw string) string {
	if strings.HasSuffix(field, "control_id") || field == "related_control" {
		if id, ok := ControlID(raw); ok {
			return id
		}
	}
	folded := Fold(raw)
	if canon, ok := a[t][folded]; ok {
		return canon
	}
	return folded
}

// loose strips everything but letters and digits, for near-match detection.
func loose(s string) string {
	var b strings.Builder
	for _, r := range folder.String(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
