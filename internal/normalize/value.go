package normalize

import (
	"strings"
	"time"
)

var dateLayouts = []string{
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"02 January 2006",
	"01/02/2006",
	"1/2/2006",
	"2006/01/02",
	"January 2 2006",
}

// Date parses common report date spellings into YYYY-MM-DD.
func Date(raw string) (string, bool) {
	s := Clean(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}
	return "", false
}

// Enum maps a free-form value onto one of allowed, comparing folded forms
// with spaces and hyphens treated as underscores.
func Enum(raw string, allowed []string) (string, bool) {
	key := enumKey(raw)
	for _, a := range allowed {
		if enumKey(a) == key {
			return a, true
		}
	}
	return "", false
}

func enumKey(s string) string {
	return strings.NewReplacer(" ", "_", "-", "_").Replace(Fold(s))
}

// Value produces the normalized form of a raw value given its declared
// format and enumeration. Values that fail to parse are cleaned only.
func Value(raw, format string, enum []string) string {
	if raw == "" {
		return ""
	}
	if format == "date" {
		if d, ok := Date(raw); ok {
			return d
		}
	}
	if len(enum) > 0 {
		if e, ok := Enum(raw, enum); ok {
			return e
		}
	}
	return Clean(raw)
}
