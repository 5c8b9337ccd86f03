package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/evidence-pipeline/internal/capability"
	"github.com/sells-group/evidence-pipeline/internal/docschema"
	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/preprocess"
	"github.com/sells-group/evidence-pipeline/internal/router"
	"github.com/sells-group/evidence-pipeline/internal/store"
)

type locateAnswer struct {
	Sections []model.SectionLocation `json:"sections"`
}

func locateSchema(sections []docschema.SectionSpec) map[string]any {
	names := make([]any, 0, len(sections))
	for _, s := range sections {
		names = append(names, s.Name)
	}
	return map[string]any{
		"type":     "object",
		"required": []any{"sections"},
		"properties": map[string]any{
			"sections": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":     "object",
					"required": []any{"name", "located", "confidence"},
					"properties": map[string]any{
						"name":       map[string]any{"type": "string", "enum": names},
						"located":    map[string]any{"type": "boolean"},
						"chunks":     map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
						"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
					},
				},
			},
		},
	}
}

// structure locates every schema section in the chunk list. Sections the
// capability misses or is unsure about fall back to heading keywords at the
// structure minimum confidence; a section nobody can find stays unlocated.
func (e *Engine) structure(ctx context.Context, st *state, rec *recorder) (*store.PhaseCommit, error) {
	doc, schema := st.doc, st.schema

	resp, err := e.call(ctx, rec, "", capability.Request{
		Task:         router.TaskLocate,
		Instructions: fmt.Sprintf(locatePrompt, schema.Description, describeSections(schema.Sections)),
		Content:      tableOfContents(doc),
		Schema:       locateSchema(schema.Sections),
		Tier:         e.router.TaskTier(router.TaskLocate),
	})
	var ans locateAnswer
	switch {
	case capability.IsMalformed(err):
		zap.L().Warn("pipeline: section locations malformed, using headings", zap.Error(err))
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(resp.Output, &ans); err != nil {
			ans = locateAnswer{}
		}
	}

	found := model.StructureResult{Sections: make([]model.SectionLocation, 0, len(schema.Sections))}
	for _, spec := range schema.Sections {
		loc, ok := e.usableLocation(ans, spec.Name, len(doc.Chunks))
		if !ok {
			loc = keywordLocation(spec, doc, e.structureMinimum)
		}
		found.Sections = append(found.Sections, loc)
	}

	located := 0
	for _, s := range found.Sections {
		if s.Located {
			located++
		}
	}
	zap.L().Debug("pipeline: sections located",
		zap.Int("located", located),
		zap.Int("expected", len(found.Sections)),
	)

	out, err := encodeOutput(found)
	if err != nil {
		return nil, err
	}
	st.structure = &found
	return &store.PhaseCommit{Output: out}, nil
}

// usableLocation returns the capability's answer for name when it is
// located, confident enough and points at real chunks. A confident "not
// located" is also final.
func (e *Engine) usableLocation(ans locateAnswer, name string, chunks int) (model.SectionLocation, bool) {
	for _, s := range ans.Sections {
		if s.Name != name {
			continue
		}
		s.Confidence = model.ClampConfidence(s.Confidence)
		if s.Confidence < e.structureMinimum {
			return model.SectionLocation{}, false
		}
		if !s.Located {
			return model.SectionLocation{Name: name, Confidence: s.Confidence}, true
		}
		var valid []int
		for _, c := range s.Chunks {
			if c >= 0 && c < chunks && !slices.Contains(valid, c) {
				valid = append(valid, c)
			}
		}
		if len(valid) == 0 {
			return model.SectionLocation{}, false
		}
		slices.Sort(valid)
		s.Chunks = valid
		return s, true
	}
	return model.SectionLocation{}, false
}

// keywordLocation matches section keywords against chunk headings, then
// against chunk text when no heading matches.
func keywordLocation(spec docschema.SectionSpec, doc *preprocess.Result, conf float64) model.SectionLocation {
	match := func(text string) bool {
		text = strings.ToLower(text)
		for _, k := range spec.Keywords {
			if strings.Contains(text, strings.ToLower(k)) {
				return true
			}
		}
		return false
	}

	var chunks []int
	for _, c := range doc.Chunks {
		if match(c.Section + "\n" + strings.Join(c.Headers, "\n")) {
			chunks = append(chunks, c.Index)
		}
	}
	if len(chunks) == 0 {
		for _, c := range doc.Chunks {
			if match(c.Text) {
				chunks = append(chunks, c.Index)
			}
		}
	}
	if len(chunks) == 0 {
		return model.SectionLocation{Name: spec.Name}
	}
	return model.SectionLocation{Name: spec.Name, Located: true, Chunks: chunks, Confidence: conf}
}
