package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-pipeline/internal/capability"
	"github.com/sells-group/evidence-pipeline/internal/confidence"
	"github.com/sells-group/evidence-pipeline/internal/config"
	"github.com/sells-group/evidence-pipeline/internal/docschema"
	"github.com/sells-group/evidence-pipeline/internal/mapping"
	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/normalize"
	"github.com/sells-group/evidence-pipeline/internal/preprocess"
	"github.com/sells-group/evidence-pipeline/internal/router"
	"github.com/sells-group/evidence-pipeline/internal/store"
)

const reportLocator = "mem://acme-soc2.txt"

const soc2Report = `INDEPENDENT SERVICE AUDITOR'S REPORT

To the management of Acme Cloud. We have examined the description of Acme Cloud's system
throughout the period January 1, 2024 to December 31, 2024 based on the trust services criteria
for security and availability. In our opinion, in all material respects, the controls were suitably
designed and operated effectively. Example CPA LLP.
` + "\f" + `DESCRIPTION OF THE SYSTEM

Scope: SOC 2 Type 2 report covering the Security and Availability trust services criteria.
Acme Cloud uses Amazon Web Services as a subservice organization for hosting. The carve-out
method is used for the subservice organization.
` + "\f" + `TESTS OF CONTROLS

CC6.1 Logical access to production systems is restricted to authorized personnel.
Tests of controls: inspected access lists. No exceptions noted.
CC7.2 Security events are monitored and investigated. No exceptions noted.
` + "\f" + `COMPLEMENTARY USER ENTITY CONTROLS

User entities are responsible for managing their own user access to the platform (CC6.1).
`

var reportValues = map[string]string{
	"report_type":             "type2",
	"audit_firm":              "Example CPA LLP",
	"opinion":                 "unqualified",
	"service_org_name":        "Acme Cloud",
	"period_start":            "2024-01-01",
	"period_end":              "2024-12-31",
	"trust_services_criteria": "Security, Availability",
}

func control(id, description, result string, conf float64) map[string]any {
	return map[string]any{
		"control_id":   id,
		"tsc_category": nil,
		"description":  description,
		"test_result":  result,
		"confidence":   conf,
		"page":         3,
	}
}

func cleanLists() map[model.EntityType][]map[string]any {
	return map[model.EntityType][]map[string]any{
		model.EntityControl: {
			control("CC6.1", "Logical access to production systems is restricted", "operating_effectively", 0.95),
			control("CC7.2", "Security events are monitored and investigated", "operating_effectively", 0.95),
		},
		model.EntitySubserviceOrg: {{
			"name": "Amazon Web Services", "service_description": "Hosting", "treatment": "carve_out",
			"confidence": 0.95, "page": 2,
		}},
		model.EntityCUEC: {{
			"description": "User entities manage their own user access", "related_control": "CC6.1",
			"confidence": 0.95, "page": 4,
		}},
	}
}

// verifyValues holds the verifier's readings of the critical fields.
var verifyValues = map[string]string{
	"opinion":     "unqualified",
	"test_result": "operating_effectively",
}

// cleanExtractor answers every call for soc2Report confidently.
func cleanExtractor() *stubExtractor {
	s := newStubExtractor()
	s.on(router.TaskClassify, func(capability.Request) (any, error) {
		return map[string]any{"subtype": docschema.SubtypeSOC2Type2, "confidence": 0.95}, nil
	})
	s.on(router.TaskLocate, func(req capability.Request) (any, error) {
		schema, _ := docschema.Lookup(docschema.SubtypeSOC2Type2)
		chunks := chunkIndexes(req.Content)
		var sections []map[string]any
		for _, sec := range schema.Sections {
			sections = append(sections, map[string]any{
				"name": sec.Name, "located": true, "chunks": chunks, "confidence": 0.9,
			})
		}
		return map[string]any{"sections": sections}, nil
	})
	s.on(taskExtractFields, answerFields(reportValues, 0.95))
	s.on(taskExtractList, answerLists(cleanLists()))
	s.on(taskVerify, answerFields(verifyValues, 0.9))
	s.on(taskEscalate, answerEscalations(nil))
	return s
}

func testConfig() *config.Config {
	return &config.Config{
		Confidence: config.ConfidenceConfig{
			HighThreshold:     0.85,
			LowThreshold:      0.5,
			ClassifyThreshold: 0.6,
			StructureMinimum:  0.3,
		},
		Worker: config.WorkerConfig{LeaseSecs: 60},
	}
}

func testTaxonomy(version string) *mapping.Taxonomy {
	return &mapping.Taxonomy{
		Name:    "test",
		Version: version,
		Requirements: []mapping.Requirement{
			{ID: "R-access", Title: "Access control", Weight: 1, SubElements: []mapping.SubElement{
				{ID: "CC6", EntityType: model.EntityControl, Match: mapping.Match{Field: "tsc_category", Values: []string{"CC6"}},
					Exclude: &mapping.Match{Field: "test_result", Values: []string{"exception"}}},
				{ID: "CC7", EntityType: model.EntityControl, Match: mapping.Match{Field: "tsc_category", Values: []string{"CC7"}}},
			}},
			{ID: "R-vendor", Title: "Third-party risk", Weight: 0.8, SubElements: []mapping.SubElement{
				{ID: "register", EntityType: model.EntitySubserviceOrg, Match: mapping.Match{Field: "treatment", Values: []string{"carve_out", "inclusive"}}},
			}},
		},
	}
}

type fixture struct {
	engine *Engine
	store  *store.SQLiteStore
	stub   *stubExtractor
	source memSource
}

func newFixture(t *testing.T, stub *stubExtractor) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{store: st, stub: stub, source: memSource{reportLocator: []byte(soc2Report)}}
	f.engine = f.newEngine(t, stub, "worker-1", "v1")
	return f
}

// newEngine builds another engine over the fixture's ledger and source.
func (f *fixture) newEngine(t *testing.T, x capability.Extractor, owner, taxonomyVersion string) *Engine {
	t.Helper()
	cfg := testConfig()

	policy := router.DefaultPolicy()
	policy.Verify.Scope = router.VerifyCritical
	rt, err := router.New(policy)
	require.NoError(t, err)
	ctrl, err := confidence.New(confidence.FromConfig(cfg.Confidence), rt)
	require.NoError(t, err)
	mapper, err := mapping.NewEngine(testTaxonomy(taxonomyVersion), 0.5)
	require.NoError(t, err)

	return New(cfg, Deps{
		Store:        f.store,
		Source:       f.source,
		Extractor:    x,
		Preprocessor: preprocess.New(config.PreprocessConfig{MinTextChars: 50}, nil),
		Router:       rt,
		Controller:   ctrl,
		Normalizer:   normalize.New(normalize.DefaultAliases()),
		Mapper:       mapper,
		Owner:        owner,
	})
}

func (f *fixture) submit(t *testing.T) *model.ExtractionJob {
	t.Helper()
	job, err := f.store.CreateJob(context.Background(), model.DocumentRef{
		Locator:  reportLocator,
		Name:     "acme-soc2.txt",
		TypeHint: "soc2",
	})
	require.NoError(t, err)
	return job
}

func entitiesOf(entities []model.ExtractedEntity, t model.EntityType) []model.ExtractedEntity {
	var out []model.ExtractedEntity
	for _, e := range entities {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func eventKinds(events []model.JobEvent) map[model.EventKind]int {
	out := make(map[model.EventKind]int)
	for _, e := range events {
		out[e.Kind]++
	}
	return out
}
