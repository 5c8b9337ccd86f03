package normalize

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-pipeline/internal/model"
)

func controlKeys(t model.EntityType) []string {
	switch t {
	case model.EntityControl:
		return []string{"control_id"}
	case model.EntitySubserviceOrg:
		return []string{"name"}
	}
	return nil
}

func fld(name, value string, conf float64) model.ExtractedField {
	return model.ExtractedField{
		ID:         name + "-" + value,
		Name:       name,
		Path:       "control." + name,
		RawValue:   value,
		Confidence: conf,
		LookedFor:  true,
		Status:     model.FieldStatusAccepted,
	}
}

func control(id string, conf float64, extra ...model.ExtractedField) model.ExtractedEntity {
	fields := append([]model.ExtractedField{fld("control_id", id, conf)}, extra...)
	return model.ExtractedEntity{ID: "e-" + id, Type: model.EntityControl, Identifier: id, Fields: fields}
}

func TestControlID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"CC6.1", "CC6.1", true},
		{"cc6.1", "CC6.1", true},
		{"CC 6.1", "CC6.1", true},
		{"CC-6.1", "CC6.1", true},
		{" CC6.1. ", "CC6.1", true},
		{"ＣＣ６.１", "CC6.1", true},
		{"pi_1.2", "PI1.2", true},
		{"A1.2", "A1.2", true},
		{"A.8.2", "A.8.2", true},
		{"a . 5.15", "A.5.15", true},
		{"access review", "", false},
	}
	for _, tt := range tests {
		got, ok := ControlID(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestTSCCategory(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "CC6", TSCCategory("CC6.1"))
	assert.Equal(t, "CC10", TSCCategory("CC10.2"))
	assert.Equal(t, "A", TSCCategory("A1.2"))
	assert.Equal(t, "PI", TSCCategory("PI1.1"))
	assert.Empty(t, TSCCategory("A.8.2"))
	assert.Empty(t, TSCCategory("foo"))
}

func TestCleanAndFold(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Amazon Web Services", Clean("  Amazon   Web\tServices. "))
	assert.Equal(t, "amazon web services", Fold("AMAZON web SERVICES"))
	assert.Equal(t, "straße", Clean("straße"))
}

func TestAliases(t *testing.T) {
	t.Parallel()
	a := DefaultAliases()

	assert.Equal(t, "AWS", a.Identifier(model.EntitySubserviceOrg, "name", "Amazon Web Services, Inc."))
	assert.Equal(t, "AWS", a.Identifier(model.EntitySubserviceOrg, "name", "aws"))
	assert.Equal(t, "datadog", a.Identifier(model.EntitySubserviceOrg, "name", "Datadog"))
	assert.Equal(t, "CC6.1", a.Identifier(model.EntityControl, "control_id", "cc 6.1"))
	assert.Equal(t, "CC6.1", Aliases(nil).Identifier(model.EntityCUEC, "related_control", "CC-6.1"))
}

func TestValue(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "2024-03-31", Value("March 31, 2024", "date", nil))
	assert.Equal(t, "2024-03-31", Value("03/31/2024", "date", nil))
	assert.Equal(t, "sometime", Value("sometime", "date", nil))
	assert.Equal(t, "operating_effectively", Value("Operating Effectively", "", []string{"operating_effectively", "exception"}))
	assert.Equal(t, "carve_out", Value("carve-out", "", []string{"carve_out", "inclusive"}))
	assert.Equal(t, "unknown thing", Value(" unknown  thing ", "", []string{"a"}))
	assert.Empty(t, Value("", "date", nil))
}

func TestNormalize_DuplicateControlCitation(t *testing.T) {
	t.Parallel()
	n := New(DefaultAliases())

	first := control("CC6.1", 0.9,
		fld("description", "Logical access is restricted", 0.9),
		fld("test_result", "operating_effectively", 0.9))
	second := control("cc 6.1", 0.7,
		fld("description", "Access restricted", 0.7),
		fld("test_result", "exception", 0.7))

	res := n.Normalize("job-1", []model.ExtractedEntity{first, second}, controlKeys)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, 1, res.Merged)
	assert.Empty(t, res.Reviews)

	e := res.Entities[0]
	assert.Equal(t, "CC6.1", e.Identifier)
	assert.Equal(t, "Logical access is restricted", e.Value("description"))
	assert.Equal(t, "operating_effectively", e.Value("test_result"))
	assert.Equal(t, "CC6", e.Value("tsc_category"))
	assert.InDelta(t, 0.9, e.Confidence(), 1e-9)
	assert.Equal(t, []string{"e-cc 6.1"}, e.MergedFrom)

	desc, _ := e.Field("description")
	assert.Equal(t, []string{"Access restricted"}, desc.Alternates)
}

func TestNormalize_DoesNotMutateInput(t *testing.T) {
	t.Parallel()
	n := New(nil)

	in := []model.ExtractedEntity{control("cc6.1", 0.9), control("CC6.1", 0.8)}
	_ = n.Normalize("job-1", in, controlKeys)
	assert.Equal(t, "cc6.1", in[0].Identifier)
	assert.Len(t, in[0].Fields, 1)
	assert.Empty(t, in[0].Fields[0].NormalizedValue)
}

func TestNormalize_EqualConfidenceConflict(t *testing.T) {
	t.Parallel()
	n := New(nil)

	a := control("CC7.2", 0.8, fld("test_result", "operating_effectively", 0.8))
	b := control("CC7.2", 0.8, fld("test_result", "exception", 0.8))

	res := n.Normalize("job-1", []model.ExtractedEntity{a, b}, controlKeys)
	require.Len(t, res.Entities, 1)

	f, ok := res.Entities[0].Field("test_result")
	require.True(t, ok)
	assert.Equal(t, "operating_effectively", f.Value())
	assert.ElementsMatch(t, []string{"operating_effectively", "exception"}, f.Alternates)
	assert.Equal(t, model.FieldStatusInReview, f.Status)
	assert.Equal(t, model.ReasonMergeConflict, f.ReviewReason)
	assert.True(t, res.Entities[0].NeedsReview())
}

func TestNormalize_UnionOfFields(t *testing.T) {
	t.Parallel()
	n := New(nil)

	a := control("CC1.1", 0.9, fld("description", "Board oversight", 0.9))
	b := control("CC1.1", 0.9, fld("test_result", "operating_effectively", 0.95))

	res := n.Normalize("job-1", []model.ExtractedEntity{a, b}, controlKeys)
	require.Len(t, res.Entities, 1)
	assert.Equal(t, "Board oversight", res.Entities[0].Value("description"))
	assert.Equal(t, "operating_effectively", res.Entities[0].Value("test_result"))
}

func TestNormalize_NearMatchIsNotMerged(t *testing.T) {
	t.Parallel()
	n := New(DefaultAliases())

	orgs := []model.ExtractedEntity{
		{ID: "s1", Type: model.EntitySubserviceOrg, Fields: []model.ExtractedField{fld("name", "Snowflake", 0.9)}},
		{ID: "s2", Type: model.EntitySubserviceOrg, Fields: []model.ExtractedField{fld("name", "Snowflake Inc", 0.8)}},
	}
	res := n.Normalize("job-1", orgs, controlKeys)
	require.Len(t, res.Entities, 2)
	require.Len(t, res.Reviews, 1)

	r := res.Reviews[0]
	assert.Equal(t, model.ReasonAmbiguousMatch, r.Reason)
	assert.Equal(t, "job-1", r.JobID)
	assert.ElementsMatch(t, []string{"snowflake", "snowflake inc"}, r.Candidates)
	assert.InDelta(t, 0.8, r.Confidence, 1e-9)
}

func TestNormalize_ControlsOnlyNearMatchOnSeparators(t *testing.T) {
	t.Parallel()
	n := New(nil)

	res := n.Normalize("job-1", []model.ExtractedEntity{control("CC6.1", 0.9), control("CC61", 0.9), control("CC6.10", 0.9)}, controlKeys)
	require.Len(t, res.Entities, 3)
	require.Len(t, res.Reviews, 1)
	assert.ElementsMatch(t, []string{"CC6.1", "CC61"}, res.Reviews[0].Candidates)
}

func TestNormalize_DeterministicOrder(t *testing.T) {
	t.Parallel()
	n := New(nil)

	report := model.ExtractedEntity{ID: "r", Type: model.EntityReport, Fields: []model.ExtractedField{fld("opinion", "unqualified", 1)}}
	in := []model.ExtractedEntity{control("CC7.1", 0.9), report, control("CC1.1", 0.9), control("A1.2", 0.9)}
	reversed := []model.ExtractedEntity{in[3], in[2], in[1], in[0]}

	a := n.Normalize("job-1", in, controlKeys)
	b := n.Normalize("job-1", reversed, controlKeys)

	ids := func(r Result) []string {
		var out []string
		for _, e := range r.Entities {
			out = append(out, string(e.Type)+":"+e.Identifier)
		}
		return out
	}
	assert.Equal(t, []string{"control:A1.2", "control:CC1.1", "control:CC7.1", "report:report"}, ids(a))
	assert.Equal(t, ids(a), ids(b))
}

func TestNormalize_SingletonsCollapse(t *testing.T) {
	t.Parallel()
	n := New(nil)

	a := model.ExtractedEntity{ID: "r1", Type: model.EntityReport, Fields: []model.ExtractedField{fld("opinion", "unqualified", 0.9)}}
	b := model.ExtractedEntity{ID: "r2", Type: model.EntityReport, Fields: []model.ExtractedField{fld("audit_firm", "Example LLP", 0.95)}}
	res := n.Normalize("job-1", []model.ExtractedEntity{a, b}, controlKeys)
	require.Len(t, res.Entities, 1)
	assert.Len(t, res.Entities[0].Fields, 2)
}

func TestNormalize_MissingKeyStaysDistinct(t *testing.T) {
	t.Parallel()
	n := New(DefaultAliases())

	absentID := model.ExtractedField{ID: "cid-absent", Name: "control_id", Absent: true, LookedFor: true}
	a := model.ExtractedEntity{ID: "e1", Type: model.EntityControl, Fields: []model.ExtractedField{
		absentID, fld("description", "Firewall rules reviewed quarterly", 0.9),
	}}
	b := model.ExtractedEntity{ID: "e2", Type: model.EntityControl, Fields: []model.ExtractedField{
		fld("description", "Backups encrypted at rest", 0.8),
	}}
	res := n.Normalize("job-1", []model.ExtractedEntity{a, b, control("CC6.1", 0.9)}, controlKeys)

	require.Len(t, res.Entities, 3)
	assert.Zero(t, res.Merged)

	byID := make(map[string]model.ExtractedEntity)
	for _, e := range res.Entities {
		byID[e.ID] = e
	}
	assert.Equal(t, "unidentified-1", byID["e1"].Identifier)
	assert.Equal(t, "unidentified-2", byID["e2"].Identifier)
	second := byID["e2"]
	desc, ok := second.Field("description")
	require.True(t, ok)
	assert.Equal(t, "Backups encrypted at rest", desc.Value())
	assert.Empty(t, desc.Alternates)

	require.Len(t, res.Reviews, 2)
	for i, r := range res.Reviews {
		assert.Equal(t, model.ReasonNotLocated, r.Reason)
		assert.Equal(t, "job-1", r.JobID)
		assert.Equal(t, []string{"e1", "e2"}[i], r.EntityID)
		assert.Equal(t, "control.control_id", r.FieldPath)
	}
}

func TestNormalize_MissingKeyOrdinalsAreStable(t *testing.T) {
	t.Parallel()
	n := New(nil)

	in := make([]model.ExtractedEntity, 0, 11)
	for i := range 11 {
		in = append(in, model.ExtractedEntity{ID: fmt.Sprintf("e%d", i), Type: model.EntitySubserviceOrg})
	}
	a := n.Normalize("job-1", in, controlKeys)
	b := n.Normalize("job-1", in, controlKeys)
	require.Len(t, a.Entities, 11)
	assert.Equal(t, a.Entities, b.Entities)
	// unidentified-1 and unidentified-10 share a prefix but are not near matches.
	assert.Len(t, a.Reviews, 11)
}
