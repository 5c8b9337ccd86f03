package questionnaire

import (
	"fmt"
	"strings"
)

const instructions = `You are answering a vendor security questionnaire from the document below, which is a %s.

Questions:
%s
Rules:
- Answer only where the document gives clear evidence. Leave a question out when it does not.
- Boolean questions are answered "true" or "false".
- Select questions use exactly one of the listed options. Multiselect answers list options separated by commas.
- Every answer cites where it was found: page, section or control id.
- Confidence: 0.9-1.0 when a statement answers the question directly, 0.7-0.89 for a strong implication or a related control, 0.5-0.69 for indirect or partial evidence.`

// Prompt renders the instructions for answering questions from a
// document of documentType.
func Prompt(questions []Question, documentType string) string {
	var b strings.Builder
	for _, q := range questions {
		fmt.Fprintf(&b, "- ID: %s\n  Question: %s\n  Type: %s\n", q.ID, q.Text, q.Type)
		if q.HelpText != "" {
			fmt.Fprintf(&b, "  Context: %s\n", q.HelpText)
		}
		if len(q.Options) > 0 {
			fmt.Fprintf(&b, "  Options: %s\n", strings.Join(q.Options, ", "))
		}
	}
	return fmt.Sprintf(instructions, documentType, b.String())
}

// OutputSchema is the JSON Schema capability output must satisfy.
func OutputSchema(set *Set) map[string]any {
	ids := make([]any, len(set.Questions))
	for i, q := range set.Questions {
		ids[i] = q.ID
	}
	return map[string]any{
		"type":     "object",
		"required": []any{"extractions"},
		"properties": map[string]any{
			"extractions": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []any{"question_id", "answer", "confidence", "citation"},
					"properties": map[string]any{
						"question_id":      map[string]any{"type": "string", "enum": ids},
						"answer":           map[string]any{"type": "string"},
						"confidence":       map[string]any{"type": "number", "minimum": 0, "maximum": 1},
						"citation":         map[string]any{"type": "string"},
						"page":             map[string]any{"type": "integer", "minimum": 0},
						"extraction_notes": map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}
