package pipeline

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sells-group/evidence-pipeline/internal/docschema"
	"github.com/sells-group/evidence-pipeline/internal/preprocess"
)

// Task names used for logging and cost attribution.
const (
	taskExtractFields = "extract_fields"
	taskExtractList   = "extract_list"
	taskVerify        = "verify_fields"
	taskEscalate      = "escalate_field"
)

const (
	// classifySampleChars bounds the document text sent for classification.
	classifySampleChars = 8000
	// tocSnippetChars is the per-chunk excerpt in the structure table of contents.
	tocSnippetChars = 240
)

const classifyPrompt = `Identify the kind of compliance evidence document below.

Known subtypes:
%s
Answer "unknown" when the document is none of these.
Local keyword guess: %s (%.2f). Treat it as a hint only.

Return {"subtype": "<subtype>", "confidence": <0.0-1.0>}.`

const locatePrompt = `The document below is a %s. It has been split into numbered chunks; a table of contents follows.
Locate each of these sections and list the chunk indexes that contain it:
%s
Mark a section located=false when it does not appear. Report a confidence for every section.`

const fieldsPrompt = `Extract these fields from the "%s" section of a %s.
%s
Use null for a field that is not stated. Copy values as written; do not infer.
Give each value a confidence between 0 and 1 and the page it appears on.`

const listPrompt = `List every %s in the "%s" section of a %s.
%s
Fields per item:
%s
Return one item per distinct row. Use null for missing values. Give each item a confidence and page.`

const verifyPrompt = `Independently read the %s below and extract these fields. Another reader has already answered; you will not see their answers.
%s
Use null for a field that is not stated.`

const escalatePrompt = `A previous reading of this %s was uncertain about one field. Read carefully and extract it.
%s
Field path: %s
Use null if the document does not state it.`

func describeFields(fields []docschema.FieldSpec) string {
	var b strings.Builder
	for _, f := range fields {
		b.WriteString("- " + f.Name + ": " + f.Description)
		if len(f.Enum) > 0 {
			b.WriteString(" (one of: " + strings.Join(f.Enum, ", ") + ")")
		}
		if f.Format == "date" {
			b.WriteString(" (date)")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func describeSubtypes(subtypes []string) string {
	var b strings.Builder
	for _, s := range subtypes {
		schema, ok := docschema.Lookup(s)
		if !ok {
			continue
		}
		b.WriteString("- " + s + ": " + schema.Description + "\n")
	}
	return b.String()
}

func describeSections(sections []docschema.SectionSpec) string {
	var b strings.Builder
	for _, s := range sections {
		b.WriteString("- " + s.Name + ": " + s.Description + "\n")
	}
	return b.String()
}

// classifySample takes leading chunks up to the sample budget.
func classifySample(doc *preprocess.Result) string {
	var b strings.Builder
	for _, c := range doc.Chunks {
		remaining := classifySampleChars - b.Len()
		if remaining <= 0 {
			break
		}
		text := c.Text
		if len(text) > remaining {
			text = truncate(text, remaining)
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	}
	return b.String()
}

// tableOfContents lists each chunk with its page, detected headers and an
// opening excerpt.
func tableOfContents(doc *preprocess.Result) string {
	var b strings.Builder
	for _, c := range doc.Chunks {
		fmt.Fprintf(&b, "[%d] page %d", c.Index, c.Page)
		if c.Section != "" {
			fmt.Fprintf(&b, " section %q", c.Section)
		}
		if len(c.Headers) > 0 {
			fmt.Fprintf(&b, " headers: %s", strings.Join(c.Headers, " | "))
		}
		b.WriteString("\n  ")
		b.WriteString(strings.ReplaceAll(truncate(c.Text, tocSnippetChars), "\n", " "))
		b.WriteString("\n")
	}
	return b.String()
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
