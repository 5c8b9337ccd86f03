package mapping

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-pipeline/internal/fetcher"
	"github.com/sells-group/evidence-pipeline/internal/model"
)

// Spreadsheet columns, matched case-insensitively against the header row.
// One row per sub-element; rows sharing a requirement_id are grouped in
// sheet order.
const (
	colRequirement    = "requirement_id"
	colTitle          = "title"
	colDescription    = "description"
	colWeight         = "weight"
	colSubElement     = "sub_element_id"
	colSubDescription = "sub_element_description"
	colEntityType     = "entity_type"
	colMatchField     = "match_field"
	colMatchValues    = "match_values"
	colExcludeField   = "exclude_field"
	colExcludeValues  = "exclude_values"
	colRemediation    = "remediation"
)

// ImportXLSX builds a taxonomy from the first sheet of a spreadsheet.
func ImportXLSX(path, name, version string) (*Taxonomy, error) {
	rows, err := fetcher.ReadXLSX(path, fetcher.XLSXOptions{})
	if err != nil {
		return nil, eris.Wrapf(err, "mapping: import %s", path)
	}
	if len(rows) < 2 {
		return nil, eris.Errorf("mapping: %s has no data rows", path)
	}

	cols := make(map[string]int)
	for i, h := range rows[0] {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{colRequirement, colSubElement, colEntityType, colMatchField, colMatchValues} {
		if _, ok := cols[required]; !ok {
			return nil, eris.Errorf("mapping: %s is missing column %q", path, required)
		}
	}
	cell := func(row []string, col string) string {
		i, ok := cols[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	t := &Taxonomy{Name: name, Version: version}
	index := make(map[string]int)
	for n, row := range rows[1:] {
		id := cell(row, colRequirement)
		if id == "" {
			continue
		}
		i, ok := index[id]
		if !ok {
			weight := 1.0
			if w := cell(row, colWeight); w != "" {
				weight, err = strconv.ParseFloat(w, 64)
				if err != nil {
					return nil, eris.Wrapf(err, "mapping: row %d weight", n+2)
				}
			}
			t.Requirements = append(t.Requirements, Requirement{
				ID:          id,
				Title:       cell(row, colTitle),
				Description: cell(row, colDescription),
				Weight:      weight,
			})
			i = len(t.Requirements) - 1
			index[id] = i
		}
		sub := SubElement{
			ID:          cell(row, colSubElement),
			Description: cell(row, colSubDescription),
			EntityType:  model.EntityType(cell(row, colEntityType)),
			Match:       Match{Field: cell(row, colMatchField), Values: splitValues(cell(row, colMatchValues))},
			Remediation: cell(row, colRemediation),
		}
		if f := cell(row, colExcludeField); f != "" {
			sub.Exclude = &Match{Field: f, Values: splitValues(cell(row, colExcludeValues))}
		}
		t.Requirements[i].SubElements = append(t.Requirements[i].SubElements, sub)
	}

	if err := t.Prepare(); err != nil {
		return nil, err
	}
	return t, nil
}

func splitValues(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
