package model

// EntityType names a kind of compound record assembled from fields.
type EntityType string

const (
	EntityReport        EntityType = "report"
	EntityControl       EntityType = "control"
	EntityException     EntityType = "exception"
	EntitySubserviceOrg EntityType = "subservice_org"
	EntityCUEC          EntityType = "cuec"
	EntityCertificate   EntityType = "certificate"
	EntityPolicy        EntityType = "policy"
)

// ExtractedEntity is a compound record built from several fields.
type ExtractedEntity struct {
	ID            string           `json:"id"`
	JobID         string           `json:"job_id"`
	Type          EntityType       `json:"type"`
	Identifier    string           `json:"identifier"`
	RawIdentifier string           `json:"raw_identifier,omitempty"`
	Fields        []ExtractedField `json:"fields"`
	Sources       []Location       `json:"sources,omitempty"`
	MergedFrom    []string         `json:"merged_from,omitempty"`
}

// Confidence is the minimum of the constituent field confidences. An entity
// with no fields has confidence 0.
func (e ExtractedEntity) Confidence() float64 {
	if len(e.Fields) == 0 {
		return 0
	}
	lowest := e.Fields[0].Confidence
	for _, f := range e.Fields[1:] {
		if f.Confidence < lowest {
			lowest = f.Confidence
		}
	}
	return lowest
}

// Field returns a pointer to the named field so callers can update it in place.
func (e *ExtractedEntity) Field(name string) (*ExtractedField, bool) {
	for i := range e.Fields {
		if e.Fields[i].Name == name {
			return &e.Fields[i], true
		}
	}
	return nil, false
}

// FieldByID returns a pointer to the field with the given id.
func (e *ExtractedEntity) FieldByID(id string) (*ExtractedField, bool) {
	for i := range e.Fields {
		if e.Fields[i].ID == id {
			return &e.Fields[i], true
		}
	}
	return nil, false
}

// Value returns the value of the named field, or "" when absent.
func (e ExtractedEntity) Value(name string) string {
	for _, f := range e.Fields {
		if f.Name == name {
			return f.Value()
		}
	}
	return ""
}

// NeedsReview reports whether any field is waiting on a human.
func (e ExtractedEntity) NeedsReview() bool {
	for _, f := range e.Fields {
		if f.Status == FieldStatusInReview {
			return true
		}
	}
	return false
}
