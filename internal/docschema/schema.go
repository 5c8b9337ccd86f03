// Package docschema declares, per document subtype, which sections and
// fields extraction looks for and the JSON shape the capability must return.
package docschema

import (
	"sort"

	"github.com/sells-group/evidence-pipeline/internal/model"
)

// SectionSpec names a document region that structural extraction locates.
type SectionSpec struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords,omitempty"`
}

// FieldSpec describes one expected field.
type FieldSpec struct {
	Name        string            `json:"name"`
	Section     string            `json:"section"`
	Criticality model.Criticality `json:"criticality"`
	Optional    bool              `json:"optional,omitempty"`
	Description string            `json:"description"`
	Enum        []string          `json:"enum,omitempty"`
	Format      string            `json:"format,omitempty"`
}

// EntitySpec describes a repeated compound record, such as a control row.
type EntitySpec struct {
	Type        model.EntityType `json:"type"`
	Section     string           `json:"section"`
	Description string           `json:"description"`
	KeyFields   []string         `json:"key_fields"`
	Fields      []FieldSpec      `json:"fields"`
}

// Field returns the named field spec.
func (e EntitySpec) Field(name string) (FieldSpec, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// Schema is the extraction plan for one document subtype.
type Schema struct {
	Subtype      string           `json:"subtype"`
	DocumentType string           `json:"document_type"`
	Description  string           `json:"description"`
	ReportEntity model.EntityType `json:"report_entity"`
	Sections     []SectionSpec    `json:"sections"`
	Fields       []FieldSpec      `json:"fields"`
	Lists        []EntitySpec     `json:"lists,omitempty"`
}

// Section returns the named section spec.
func (s Schema) Section(name string) (SectionSpec, bool) {
	for _, sec := range s.Sections {
		if sec.Name == name {
			return sec, true
		}
	}
	return SectionSpec{}, false
}

// FieldSpec finds the spec for a field of the given entity type.
func (s Schema) FieldSpec(entityType model.EntityType, name string) (FieldSpec, bool) {
	if entityType == s.ReportEntity {
		for _, f := range s.Fields {
			if f.Name == name {
				return f, true
			}
		}
	}
	for _, l := range s.Lists {
		if l.Type == entityType {
			return l.Field(name)
		}
	}
	return FieldSpec{}, false
}

// List returns the entity spec for entityType.
func (s Schema) List(entityType model.EntityType) (EntitySpec, bool) {
	for _, l := range s.Lists {
		if l.Type == entityType {
			return l, true
		}
	}
	return EntitySpec{}, false
}

// KeyFields returns the identifying fields for entityType. The report
// entity is keyed by subtype alone.
func (s Schema) KeyFields(entityType model.EntityType) []string {
	if l, ok := s.List(entityType); ok {
		return l.KeyFields
	}
	return nil
}

// FieldsBySection groups the scalar fields by section in declaration order.
func (s Schema) FieldsBySection() map[string][]FieldSpec {
	out := make(map[string][]FieldSpec)
	for _, f := range s.Fields {
		out[f.Section] = append(out[f.Section], f)
	}
	return out
}

// Lookup returns the schema registered for subtype.
func Lookup(subtype string) (Schema, bool) {
	s, ok := catalog[subtype]
	return s, ok
}

// Subtypes lists the registered subtypes in sorted order.
func Subtypes() []string {
	out := make([]string, 0, len(catalog))
	for k := range catalog {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func valueSchema(f FieldSpec) map[string]any {
	v := map[string]any{"type": []any{"string", "null"}}
	if len(f.Enum) > 0 {
		enum := make([]any, 0, len(f.Enum)+1)
		for _, e := range f.Enum {
			enum = append(enum, e)
		}
		v["enum"] = append(enum, nil)
	}
	return v
}

func confidenceSchema() map[string]any {
	return map[string]any{"type": "number", "minimum": 0, "maximum": 1}
}

// FieldsOutputSchema is the JSON Schema for a scoped scalar extraction call.
func FieldsOutputSchema(fields []FieldSpec) map[string]any {
	props := make(map[string]any, len(fields))
	required := make([]any, 0, len(fields))
	for _, f := range fields {
		props[f.Name] = map[string]any{
			"type":     "object",
			"required": []any{"value", "confidence"},
			"properties": map[string]any{
				"value":      valueSchema(f),
				"confidence": confidenceSchema(),
				"page":       map[string]any{"type": "integer"},
			},
		}
		required = append(required, f.Name)
	}
	return map[string]any{
		"type":     "object",
		"required": []any{"fields"},
		"properties": map[string]any{
			"fields": map[string]any{
				"type":       "object",
				"required":   required,
				"properties": props,
			},
		},
	}
}

// ListOutputSchema is the JSON Schema for a repeated-entity extraction call.
func ListOutputSchema(spec EntitySpec) map[string]any {
	props := map[string]any{
		"confidence": confidenceSchema(),
		"page":       map[string]any{"type": "integer"},
	}
	for _, f := range spec.Fields {
		props[f.Name] = valueSchema(f)
	}
	required := []any{"confidence"}
	for _, k := range spec.KeyFields {
		required = append(required, k)
	}
	return map[string]any{
		"type":     "object",
		"required": []any{"items"},
		"properties": map[string]any{
			"items": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":       "object",
					"required":   required,
					"properties": props,
				},
			},
		},
	}
}

// SingleFieldOutputSchema is the JSON Schema for re-extracting one field.
func SingleFieldOutputSchema(f FieldSpec) map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"value", "confidence"},
		"properties": map[string]any{
			"value":      valueSchema(f),
			"confidence": confidenceSchema(),
			"page":       map[string]any{"type": "integer"},
		},
	}
}
