package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-pipeline/internal/capability"
	"github.com/sells-group/evidence-pipeline/internal/docschema"
	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/normalize"
	"github.com/sells-group/evidence-pipeline/internal/preprocess"
	"github.com/sells-group/evidence-pipeline/internal/store"
)

// absentOptionalConfidence is assigned to an optional field the capability
// read its section for and reported as not stated.
const absentOptionalConfidence = 1.0

type fieldAnswer struct {
	Value      *string `json:"value"`
	Confidence float64 `json:"confidence"`
	Page       int     `json:"page"`
}

type fieldsAnswer struct {
	Fields map[string]fieldAnswer `json:"fields"`
}

type listAnswer struct {
	Items []map[string]any `json:"items"`
}

// fieldGroup is one scoped capability call: the fields of one section that
// route to the same tier.
type fieldGroup struct {
	section string
	tier    model.Tier
	fields  []docschema.FieldSpec
}

// extractFields reads the report-level fields section by section, then every
// repeated entity list. Each call sees only the chunks of its section.
func (e *Engine) extractFields(ctx context.Context, st *state, rec *recorder) (*store.PhaseCommit, error) {
	schema := st.schema
	report := model.ExtractedEntity{
		ID:         uuid.NewString(),
		JobID:      rec.jobID,
		Type:       schema.ReportEntity,
		Identifier: string(schema.ReportEntity),
	}

	for _, g := range e.groupFields(schema) {
		fields, err := e.extractGroup(ctx, st, rec, report.Type, g)
		if err != nil {
			return nil, err
		}
		report.Fields = append(report.Fields, fields...)
	}
	for _, f := range report.Fields {
		if f.HasValue() {
			report.Sources = appendSource(report.Sources, f.Location)
		}
	}

	set := FieldSet{Entities: []model.ExtractedEntity{report}}
	for _, list := range schema.Lists {
		entities, issue, err := e.extractList(ctx, st, rec, list)
		if err != nil {
			return nil, err
		}
		if issue != nil {
			set.Issues = append(set.Issues, *issue)
			continue
		}
		set.Entities = append(set.Entities, entities...)
	}

	zap.L().Info("pipeline: fields extracted",
		zap.String("job_id", rec.jobID),
		zap.Int("entities", len(set.Entities)),
		zap.Int("report_fields", len(report.Fields)),
		zap.Int("list_issues", len(set.Issues)),
	)
	out, err := encodeOutput(set)
	if err != nil {
		return nil, err
	}
	st.fields = &set
	return &store.PhaseCommit{Output: out}, nil
}

// groupFields splits the report fields by section and first-attempt tier,
// keeping declaration order.
func (e *Engine) groupFields(schema *docschema.Schema) []fieldGroup {
	var groups []fieldGroup
	index := make(map[[2]string]int)
	for _, f := range schema.Fields {
		tier := e.router.Route(f.Criticality)
		key := [2]string{f.Section, string(tier)}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, fieldGroup{section: f.Section, tier: tier})
		}
		groups[i].fields = append(groups[i].fields, f)
	}
	return groups
}

func (e *Engine) extractGroup(ctx context.Context, st *state, rec *recorder, entityType model.EntityType, g fieldGroup) ([]model.ExtractedField, error) {
	loc, _ := st.structure.Section(g.section)
	out := make([]model.ExtractedField, 0, len(g.fields))
	if !loc.Located {
		for _, spec := range g.fields {
			f := newField(spec, reportPath(entityType, spec.Name), g.tier)
			f.ReviewReason = model.ReasonNotLocated
			f.Location.Section = g.section
			out = append(out, f)
		}
		return out, nil
	}

	resp, err := e.call(ctx, rec, "", capability.Request{
		Task:         taskExtractFields,
		Instructions: fmt.Sprintf(fieldsPrompt, g.section, st.schema.Description, describeFields(g.fields)),
		Content:      st.doc.Text(loc.Chunks),
		Schema:       docschema.FieldsOutputSchema(g.fields),
		Tier:         g.tier,
	})
	var ans fieldsAnswer
	malformed := false
	switch {
	case capability.IsMalformed(err):
		malformed = true
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(resp.Output, &ans); err != nil {
			malformed = true
		}
	}

	for _, spec := range g.fields {
		f := newField(spec, reportPath(entityType, spec.Name), g.tier)
		f.LookedFor = true
		f.Location = locate(st.doc, loc, 0)
		if malformed {
			f.ReviewReason = model.ReasonMalformedOutput
			out = append(out, f)
			continue
		}
		a, ok := ans.Fields[spec.Name]
		if !ok || a.Value == nil || strings.TrimSpace(*a.Value) == "" {
			markAbsent(&f, spec)
		} else {
			setValue(&f, spec, *a.Value, a.Confidence)
			f.Location = locate(st.doc, loc, a.Page)
		}
		out = append(out, f)
	}
	return out, nil
}

// extractList reads every item of one repeated-entity list. A list whose
// section is missing or whose output is unusable becomes an issue for the
// review queue rather than a job failure.
func (e *Engine) extractList(ctx context.Context, st *state, rec *recorder, list docschema.EntitySpec) ([]model.ExtractedEntity, *ListIssue, error) {
	loc, _ := st.structure.Section(list.Section)
	if !loc.Located {
		return nil, &ListIssue{
			Type:   list.Type,
			Reason: model.ReasonNotLocated,
			Detail: fmt.Sprintf("section %q not located", list.Section),
		}, nil
	}

	tier := e.listTier(list)
	resp, err := e.call(ctx, rec, "", capability.Request{
		Task:         taskExtractList,
		Instructions: fmt.Sprintf(listPrompt, list.Type, list.Section, st.schema.Description, list.Description, describeFields(list.Fields)),
		Content:      st.doc.Text(loc.Chunks),
		Schema:       docschema.ListOutputSchema(list),
		Tier:         tier,
		MaxTokens:    8192,
	})
	var ans listAnswer
	switch {
	case capability.IsMalformed(err):
		return nil, &ListIssue{Type: list.Type, Reason: model.ReasonMalformedOutput, Detail: err.Error()}, nil
	case err != nil:
		return nil, nil, err
	}
	if err := json.Unmarshal(resp.Output, &ans); err != nil {
		return nil, &ListIssue{Type: list.Type, Reason: model.ReasonMalformedOutput, Detail: err.Error()}, nil
	}

	entities := make([]model.ExtractedEntity, 0, len(ans.Items))
	for _, item := range ans.Items {
		conf, _ := item["confidence"].(float64)
		page := 0
		if p, ok := item["page"].(float64); ok {
			page = int(p)
		}
		where := locate(st.doc, loc, page)

		ident := make([]string, 0, len(list.KeyFields))
		for _, k := range list.KeyFields {
			v, _ := item[k].(string)
			ident = append(ident, normalize.Clean(v))
		}
		identifier := strings.Join(ident, "|")

		ent := model.ExtractedEntity{
			ID:            uuid.NewString(),
			JobID:         rec.jobID,
			Type:          list.Type,
			Identifier:    identifier,
			RawIdentifier: identifier,
			Sources:       []model.Location{where},
		}
		for _, spec := range list.Fields {
			f := newField(spec, listPath(list.Type, identifier, spec.Name), tier)
			f.LookedFor = true
			f.Location = where
			if v, ok := item[spec.Name].(string); ok && strings.TrimSpace(v) != "" {
				setValue(&f, spec, v, conf)
			} else {
				markAbsent(&f, spec)
			}
			ent.Fields = append(ent.Fields, f)
		}
		entities = append(entities, ent)
	}
	return entities, nil, nil
}

// listTier is the highest first-attempt tier among a list's fields.
func (e *Engine) listTier(list docschema.EntitySpec) model.Tier {
	tier := model.TierLadder[0]
	for _, f := range list.Fields {
		if t := e.router.Route(f.Criticality); t.Rank() > tier.Rank() {
			tier = t
		}
	}
	return tier
}

func newField(spec docschema.FieldSpec, path string, tier model.Tier) model.ExtractedField {
	return model.ExtractedField{
		ID:          uuid.NewString(),
		Name:        spec.Name,
		Path:        path,
		Tier:        tier,
		Criticality: spec.Criticality,
		Status:      model.FieldStatusPending,
		ExtractedAt: time.Now().UTC(),
	}
}

func setValue(f *model.ExtractedField, spec docschema.FieldSpec, raw string, conf float64) {
	f.RawValue = raw
	f.NormalizedValue = normalize.Value(raw, spec.Format, spec.Enum)
	f.Confidence = model.ClampConfidence(conf)
	f.Absent = false
}

// markAbsent records a value the capability reported as not stated. Optional
// fields are confidently absent; a required field that is missing needs a
// human.
func markAbsent(f *model.ExtractedField, spec docschema.FieldSpec) {
	f.RawValue, f.NormalizedValue = "", ""
	f.Absent = true
	if spec.Optional {
		f.Confidence = absentOptionalConfidence
		return
	}
	f.Confidence = 0
}

// locate picks the chunk of a section that holds page. Page 0 or an unknown
// page resolves to the section's first chunk.
func locate(doc *preprocess.Result, loc model.SectionLocation, page int) model.Location {
	if len(loc.Chunks) == 0 {
		return model.Location{Section: loc.Name, Page: page}
	}
	first := doc.Chunks[loc.Chunks[0]]
	for _, i := range loc.Chunks {
		c := doc.Chunks[i]
		if page >= c.Page && page <= max(c.Page, c.EndPage) {
			l := c.Location()
			l.Page = page
			l.Section = loc.Name
			return l
		}
	}
	l := first.Location()
	l.Section = loc.Name
	return l
}

func appendSource(sources []model.Location, l model.Location) []model.Location {
	for _, s := range sources {
		if s == l {
			return sources
		}
	}
	return append(sources, l)
}

func reportPath(t model.EntityType, name string) string {
	return string(t) + "." + name
}

func listPath(t model.EntityType, identifier, name string) string {
	return fmt.Sprintf("%s[%s].%s", t, identifier, name)
}
