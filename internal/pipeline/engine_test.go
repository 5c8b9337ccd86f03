package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-pipeline/internal/capability"
	capmocks "github.com/sells-group/evidence-pipeline/internal/capability/mocks"
	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/resilience"
	"github.com/sells-group/evidence-pipeline/internal/router"
	"github.com/sells-group/evidence-pipeline/internal/store"
)

func TestRun_CleanDocument(t *testing.T) {
	f := newFixture(t, cleanExtractor())
	ctx := context.Background()
	job := f.submit(t)

	done, err := f.engine.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, done.Status)
	assert.Equal(t, model.PhaseMap, done.Checkpoint)
	assert.Equal(t, "soc2_type2", done.Subtype)
	assert.Equal(t, "2024.1", done.PolicyVersion)
	assert.Equal(t, "v1", done.TaxonomyVersion)
	assert.Empty(t, done.Owner)
	assert.Len(t, done.Document.ContentHash, 64)
	assert.Equal(t, job.Document.Locator, done.Document.Locator)

	entities, err := f.store.ListEntities(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, entitiesOf(entities, model.EntityReport), 1)
	assert.Len(t, entitiesOf(entities, model.EntityControl), 2)
	assert.Len(t, entitiesOf(entities, model.EntitySubserviceOrg), 1)
	assert.Len(t, entitiesOf(entities, model.EntityCUEC), 1)
	assert.Empty(t, entitiesOf(entities, model.EntityException))

	for _, e := range entities {
		for _, fld := range e.Fields {
			assert.Equal(t, model.FieldStatusAccepted, fld.Status, fld.Path)
			assert.False(t, fld.Escalated, fld.Path)
		}
	}

	report := entitiesOf(entities, model.EntityReport)[0]
	opinion, ok := report.Field("opinion")
	require.True(t, ok)
	assert.Equal(t, "unqualified", opinion.Value())
	assert.Equal(t, model.TierAccurate, opinion.Tier)
	assert.True(t, opinion.Verified)
	assert.Equal(t, 1.0, opinion.Agreement)
	assert.Equal(t, "2024-12-31", report.Value("period_end"))

	reportDate, ok := report.Field("report_date")
	require.True(t, ok)
	assert.True(t, reportDate.Absent, "optional field reported as not stated")
	assert.True(t, reportDate.LookedFor)

	aws := entitiesOf(entities, model.EntitySubserviceOrg)[0]
	assert.Equal(t, "AWS", aws.Identifier)

	cc6 := entitiesOf(entities, model.EntityControl)[0]
	assert.Equal(t, "CC6.1", cc6.Identifier)
	assert.Equal(t, "CC6", cc6.Value("tsc_category"))

	reviews, err := f.store.ListReviewItems(ctx, store.ReviewFilter{JobID: job.ID})
	require.NoError(t, err)
	assert.Empty(t, reviews)

	mappings, err := f.store.ListMappings(ctx, job.ID, false)
	require.NoError(t, err)
	require.Len(t, mappings, 2)
	for _, m := range mappings {
		assert.Equal(t, model.StrengthFull, m.Strength, m.RequirementID)
		assert.Equal(t, "v1", m.TaxonomyVersion)
	}

	assert.Zero(t, f.stub.count(taskEscalate))
	assert.Equal(t, 1, f.stub.count(router.TaskClassify))

	events, err := f.store.ListEvents(ctx, job.ID)
	require.NoError(t, err)
	kinds := eventKinds(events)
	assert.Equal(t, len(model.PhaseOrder), kinds[model.EventPhaseComplete])
	assert.Equal(t, len(f.stub.calls), kinds[model.EventCapabilityCall])
	for _, ev := range events {
		if ev.Kind == model.EventCapabilityCall {
			assert.NotEmpty(t, ev.Tier)
			assert.InDelta(t, 0.001, ev.CostUSD, 1e-9)
		}
	}
}

func TestRun_ScopedContent(t *testing.T) {
	f := newFixture(t, cleanExtractor())
	job := f.submit(t)

	_, err := f.engine.Run(context.Background(), job.ID)
	require.NoError(t, err)

	for _, req := range f.stub.requests(taskExtractFields) {
		assert.NotEmpty(t, req.Content)
		assert.LessOrEqual(t, len(req.Content), len(soc2Report))
	}
	classify := f.stub.requests(router.TaskClassify)
	require.Len(t, classify, 1)
	assert.Contains(t, classify[0].Instructions, "soc2_type2")
	assert.Contains(t, classify[0].Instructions, "Local keyword guess: ")
}

func TestRun_AmbiguousExceptionEscalatesOnce(t *testing.T) {
	stub := cleanExtractor()
	lists := cleanLists()
	lists[model.EntityException] = []map[string]any{{
		"control_id":          "CC6.1",
		"description":         "Two terminated users retained access",
		"management_response": nil,
		"confidence":          0.55,
		"page":                3,
	}}
	stub.on(taskExtractList, answerLists(lists))
	stub.on(taskVerify, answerFields(map[string]string{
		"opinion":     "unqualified",
		"test_result": "operating_effectively",
		"control_id":  "CC6.1",
		"description": "Two terminated users retained access",
	}, 0.9))
	stub.on(taskEscalate, answerEscalations(map[string]map[string]any{
		"].control_id":  value("CC6.1", 0.95),
		"].description": value("Two terminated users retained access", 0.6),
	}))

	f := newFixture(t, stub)
	ctx := context.Background()
	job := f.submit(t)

	done, err := f.engine.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, done.Status, "review items never block completion")

	escalations := stub.requests(taskEscalate)
	require.Len(t, escalations, 2, "each critical field escalates exactly once")
	for _, req := range escalations {
		assert.Equal(t, model.TierExhaustive, req.Tier)
	}

	reviews, err := f.store.ListReviewItems(ctx, store.ReviewFilter{JobID: job.ID})
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	r := reviews[0]
	assert.Equal(t, model.ReasonEscalationExhausted, r.Reason)
	assert.True(t, strings.HasPrefix(r.FieldPath, "exception["), r.FieldPath)
	assert.True(t, strings.HasSuffix(r.FieldPath, ".description"), r.FieldPath)
	assert.InDelta(t, 0.6, r.Confidence, 1e-9)
	assert.Equal(t, []string{"Two terminated users retained access"}, r.Candidates)
	assert.True(t, r.Open())

	entities, err := f.store.ListEntities(ctx, job.ID)
	require.NoError(t, err)
	exc := entitiesOf(entities, model.EntityException)
	require.Len(t, exc, 1)
	cid, _ := exc[0].Field("control_id")
	assert.Equal(t, model.FieldStatusAccepted, cid.Status)
	assert.True(t, cid.Escalated)
	desc, _ := exc[0].Field("description")
	assert.Equal(t, model.FieldStatusInReview, desc.Status)
	assert.Equal(t, r.FieldID, desc.ID)

	events, err := f.store.ListEvents(ctx, job.ID)
	require.NoError(t, err)
	kinds := eventKinds(events)
	assert.Equal(t, 2, kinds[model.EventEscalation])
	assert.Equal(t, 1, kinds[model.EventReviewQueued])
}

func TestRun_ClassificationRejected(t *testing.T) {
	tests := []struct {
		name    string
		answer  func(capability.Request) (any, error)
		reason  string
		locates int
	}{
		{
			name: "uncertain",
			answer: func(capability.Request) (any, error) {
				return map[string]any{"subtype": "soc2_type2", "confidence": 0.1}, nil
			},
			reason: model.ReasonClassificationUncertain,
		},
		{
			name: "unknown subtype",
			answer: func(capability.Request) (any, error) {
				return map[string]any{"subtype": "unknown", "confidence": 0.9}, nil
			},
			reason: model.ReasonUnknownSubtype,
		},
		{
			name: "malformed",
			answer: func(capability.Request) (any, error) {
				return nil, errMalformed
			},
			reason: model.ReasonClassificationUncertain,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := cleanExtractor().on(router.TaskClassify, tt.answer)
			f := newFixture(t, stub)
			ctx := context.Background()
			job := f.submit(t)

			done, err := f.engine.Run(ctx, job.ID)
			require.Error(t, err)
			assert.Equal(t, model.JobStatusFailed, done.Status)
			assert.Equal(t, tt.reason, done.FailureReason)
			assert.Equal(t, model.PhaseClassify, done.FailedPhase)
			assert.Equal(t, model.PhaseNone, done.Checkpoint)
			assert.Zero(t, stub.count(router.TaskLocate), "no extraction after a rejected classification")

			events, err := f.store.ListEvents(ctx, job.ID)
			require.NoError(t, err)
			kinds := eventKinds(events)
			assert.Equal(t, 1, kinds[model.EventPhaseFailed])
			assert.Equal(t, 1, kinds[model.EventCapabilityCall])
		})
	}
}

func TestRun_UndecodableDocument(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
	}{
		{name: "missing"},
		{name: "binary", content: []byte{0xff, 0xfe, 0x00, 0x81, 0x9f, 0xc3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := cleanExtractor()
			f := newFixture(t, stub)
			if tt.content == nil {
				delete(f.source, reportLocator)
			} else {
				f.source[reportLocator] = tt.content
			}
			job := f.submit(t)

			done, err := f.engine.Run(context.Background(), job.ID)
			require.Error(t, err)
			assert.Equal(t, model.JobStatusFailed, done.Status)
			assert.Equal(t, model.ReasonUndecodableDocument, done.FailureReason)
			assert.Empty(t, stub.calls)
		})
	}
}

func TestRun_DuplicateControlsMerge(t *testing.T) {
	stub := cleanExtractor()
	lists := cleanLists()
	lists[model.EntityControl] = []map[string]any{
		control("CC6.1", "Access reviewed quarterly", "operating_effectively", 0.9),
		control("CC 6.1", "Access reviewed annually", "operating_effectively", 0.7),
	}
	stub.on(taskExtractList, answerLists(lists))
	stub.on(taskEscalate, answerEscalations(map[string]map[string]any{
		"[CC 6.1].description": value("Access reviewed annually", 0.7),
		"[CC 6.1].test_result": value("operating_effectively", 0.7),
	}))

	f := newFixture(t, stub)
	ctx := context.Background()
	job := f.submit(t)

	done, err := f.engine.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, done.Status)

	entities, err := f.store.ListEntities(ctx, job.ID)
	require.NoError(t, err)
	controls := entitiesOf(entities, model.EntityControl)
	require.Len(t, controls, 1)
	c := controls[0]
	assert.Equal(t, "CC6.1", c.Identifier)
	assert.Len(t, c.MergedFrom, 1)

	desc, ok := c.Field("description")
	require.True(t, ok)
	assert.Equal(t, "Access reviewed quarterly", desc.Value(), "higher confidence wins")
	assert.InDelta(t, 0.9, desc.Confidence, 1e-9)
	assert.Contains(t, desc.Alternates, "Access reviewed annually")
	assert.Equal(t, "control[CC6.1].description", desc.Path)

	reviews, err := f.store.ListReviewItems(ctx, store.ReviewFilter{JobID: job.ID})
	require.NoError(t, err)
	assert.Empty(t, reviews, "a resolved conflict leaves nothing for a human")
}

func TestRun_ResumesFromCheckpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	crashing := cleanExtractor().on(taskExtractFields, func(capability.Request) (any, error) {
		cancel()
		return nil, context.Canceled
	})
	f := newFixture(t, crashing)
	job := f.submit(t)

	_, err := f.engine.Run(ctx, job.ID)
	require.ErrorIs(t, err, context.Canceled)

	stalled, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, stalled.Status, "interruption leaves the job leased")
	assert.Equal(t, model.PhaseStructure, stalled.Checkpoint)
	assert.Empty(t, stalled.FailureReason)

	resumed := cleanExtractor()
	second := f.newEngine(t, resumed, "worker-1", "v1")
	done, err := second.Run(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, done.Status)
	assert.Equal(t, 2, done.Attempt)

	assert.Zero(t, resumed.count(router.TaskClassify), "classify is not repeated")
	assert.Zero(t, resumed.count(router.TaskLocate), "structure is not repeated")
	assert.Positive(t, resumed.count(taskExtractFields))

	entities, err := f.store.ListEntities(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, entitiesOf(entities, model.EntityControl), 2)
	assert.Len(t, entitiesOf(entities, model.EntityReport), 1)
}

func TestRun_CapabilityFailureLeavesPartialProgress(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{name: "retries exhausted", err: eris.Wrap(resilience.ErrRetryBudgetExhausted, "anthropic"), reason: model.ReasonRetryBudgetExhausted},
		{name: "breaker open", err: eris.Wrap(resilience.ErrCircuitOpen, "accurate tier"), reason: model.ReasonCapabilityUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := cleanExtractor().on(taskExtractFields, func(capability.Request) (any, error) {
				return nil, tt.err
			})
			f := newFixture(t, stub)
			ctx := context.Background()
			job := f.submit(t)

			done, err := f.engine.Run(ctx, job.ID)
			require.Error(t, err)
			assert.Equal(t, model.JobStatusPartiallyFailed, done.Status)
			assert.Equal(t, tt.reason, done.FailureReason)
			assert.Equal(t, model.PhaseFields, done.FailedPhase)
			assert.Equal(t, model.PhaseStructure, done.Checkpoint, "completed phases are kept")

			stub.on(taskExtractFields, answerFields(reportValues, 0.95))
			done, err = f.engine.Run(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusCompleted, done.Status)
			assert.Empty(t, done.FailureReason)
			assert.Equal(t, 1, stub.count(router.TaskClassify))
			assert.Equal(t, 1, stub.count(router.TaskLocate))
		})
	}
}

func TestRun_CancelAtPhaseBoundary(t *testing.T) {
	stub := cleanExtractor()
	f := newFixture(t, stub)
	ctx := context.Background()
	job := f.submit(t)

	stub.on(router.TaskClassify, func(capability.Request) (any, error) {
		_, err := f.store.RequestCancel(context.Background(), job.ID)
		require.NoError(t, err)
		return map[string]any{"subtype": "soc2_type2", "confidence": 0.95}, nil
	})

	done, err := f.engine.Run(ctx, job.ID)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, model.JobStatusCancelled, done.Status)
	assert.Equal(t, model.ReasonCancelled, done.FailureReason)
	assert.Equal(t, model.PhaseClassify, done.Checkpoint, "the running phase finishes and commits")
	assert.Zero(t, stub.count(router.TaskLocate))

	events, err := f.store.ListEvents(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, eventKinds(events)[model.EventCancelled])

	_, err = f.engine.Run(ctx, job.ID)
	require.ErrorIs(t, err, store.ErrNotClaimable)
}

func TestRun_MalformedListBecomesReview(t *testing.T) {
	stub := cleanExtractor()
	lists := answerLists(cleanLists())
	stub.on(taskExtractList, func(req capability.Request) (any, error) {
		if strings.HasPrefix(req.Instructions, "List every cuec ") {
			return nil, errMalformed
		}
		return lists(req)
	})
	f := newFixture(t, stub)
	ctx := context.Background()
	job := f.submit(t)

	done, err := f.engine.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, done.Status)

	reviews, err := f.store.ListReviewItems(ctx, store.ReviewFilter{JobID: job.ID})
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, model.ReasonMalformedOutput, reviews[0].Reason)
	assert.Equal(t, "cuec", reviews[0].FieldPath)
}

func TestRun_UnlocatedSectionFieldsGoToReview(t *testing.T) {
	stub := cleanExtractor()
	stub.on(router.TaskLocate, func(req capability.Request) (any, error) {
		chunks := chunkIndexes(req.Content)
		var sections []map[string]any
		for _, name := range []string{"opinion", "scope", "controls", "exceptions", "subservice", "cuecs"} {
			if name == "opinion" {
				sections = append(sections, map[string]any{"name": name, "located": false, "confidence": 0.9})
				continue
			}
			sections = append(sections, map[string]any{"name": name, "located": true, "chunks": chunks, "confidence": 0.9})
		}
		return map[string]any{"sections": sections}, nil
	})
	f := newFixture(t, stub)
	ctx := context.Background()
	job := f.submit(t)

	_, err := f.engine.Run(ctx, job.ID)
	require.NoError(t, err)

	reviews, err := f.store.ListReviewItems(ctx, store.ReviewFilter{JobID: job.ID})
	require.NoError(t, err)
	paths := make([]string, 0, len(reviews))
	for _, r := range reviews {
		assert.Equal(t, model.ReasonNotLocated, r.Reason)
		paths = append(paths, r.FieldPath)
	}
	assert.ElementsMatch(t, []string{
		"report.audit_firm", "report.opinion", "report.service_org_name", "report.report_date",
	}, paths)
}

func TestRemap(t *testing.T) {
	f := newFixture(t, cleanExtractor())
	ctx := context.Background()
	job := f.submit(t)
	_, err := f.engine.Run(ctx, job.ID)
	require.NoError(t, err)

	before, err := f.store.ListMappings(ctx, job.ID, false)
	require.NoError(t, err)

	res, err := f.engine.Remap(ctx, job.ID, false)
	require.NoError(t, err)
	assert.True(t, res.Skipped, "already mapped at this version")

	res, err = f.engine.Remap(ctx, job.ID, true)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, len(before), res.Records)

	after, err := f.store.ListMappings(ctx, job.ID, false)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].RequirementID, after[i].RequirementID)
		assert.Equal(t, before[i].Strength, after[i].Strength)
		assert.Equal(t, before[i].Coverage, after[i].Coverage)
		assert.NotEqual(t, before[i].ID, after[i].ID)
	}
	history, err := f.store.ListMappings(ctx, job.ID, true)
	require.NoError(t, err)
	assert.Len(t, history, 2*len(before), "prior records are superseded, not deleted")

	upgraded := f.newEngine(t, cleanExtractor(), "worker-2", "v2")
	results, err := upgraded.RemapAll(ctx, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "v1", results[0].From)
	assert.Equal(t, "v2", results[0].To)

	got, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.TaxonomyVersion)

	results, err = upgraded.RemapAll(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRun_TransientClassifyFailure(t *testing.T) {
	x := capmocks.NewMockExtractor(t)
	x.On("Extract", mock.Anything, mock.MatchedBy(func(r capability.Request) bool {
		return r.Task == router.TaskClassify
	})).Return(nil, resilience.NewTransientError(errors.New("overloaded"), 529)).Once()

	f := newFixture(t, cleanExtractor())
	engine := f.newEngine(t, x, "worker-1", "v1")
	job := f.submit(t)

	done, err := engine.Run(context.Background(), job.ID)
	require.Error(t, err)
	assert.Equal(t, model.JobStatusPartiallyFailed, done.Status)
	assert.Equal(t, model.ReasonRetryBudgetExhausted, done.FailureReason)
	assert.Equal(t, model.PhaseClassify, done.FailedPhase)
}

// outcome is a job's final result with ids and timestamps stripped.
type outcome struct {
	Mappings []model.MappingRecord
	Entities []string
	Reviews  []string
}

func outcomeOf(t *testing.T, st store.Store, jobID string) outcome {
	t.Helper()
	ctx := context.Background()

	mappings, err := st.ListMappings(ctx, jobID, false)
	require.NoError(t, err)
	for i := range mappings {
		mappings[i].ID, mappings[i].JobID, mappings[i].ComputedAt = "", "", time.Time{}
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].RequirementID < mappings[j].RequirementID })

	entities, err := st.ListEntities(ctx, jobID)
	require.NoError(t, err)
	var fields []string
	for _, e := range entities {
		for _, f := range e.Fields {
			fields = append(fields, fmt.Sprintf("%s=%q alt=%v conf=%.3f tier=%s status=%s verified=%t absent=%t",
				f.Path, f.Value(), f.Alternates, f.Confidence, f.Tier, f.Status, f.Verified, f.Absent))
		}
	}
	sort.Strings(fields)

	reviews, err := st.ListReviewItems(ctx, store.ReviewFilter{JobID: jobID})
	require.NoError(t, err)
	var items []string
	for _, r := range reviews {
		items = append(items, fmt.Sprintf("%s %s %s", r.Reason, r.FieldPath, r.Detail))
	}
	sort.Strings(items)

	return outcome{Mappings: mappings, Entities: fields, Reviews: items}
}

func TestRun_ResumedMatchesUninterrupted(t *testing.T) {
	f := newFixture(t, cleanExtractor())
	ctx := context.Background()

	straight := f.submit(t)
	_, err := f.engine.Run(ctx, straight.ID)
	require.NoError(t, err)

	crashCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	crashing := cleanExtractor().on(taskExtractFields, func(capability.Request) (any, error) {
		cancel()
		return nil, context.Canceled
	})
	interrupted := f.submit(t)
	_, err = f.newEngine(t, crashing, "worker-2", "v1").Run(crashCtx, interrupted.ID)
	require.ErrorIs(t, err, context.Canceled)

	stalled, err := f.store.GetJob(ctx, interrupted.ID)
	require.NoError(t, err)
	require.Equal(t, model.PhaseStructure, stalled.Checkpoint)

	done, err := f.newEngine(t, cleanExtractor(), "worker-2", "v1").Run(ctx, interrupted.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusCompleted, done.Status)

	want := outcomeOf(t, f.store, straight.ID)
	require.NotEmpty(t, want.Mappings)
	require.NotEmpty(t, want.Entities)
	assert.Equal(t, want, outcomeOf(t, f.store, interrupted.ID))

	again := f.submit(t)
	_, err = f.newEngine(t, cleanExtractor(), "worker-3", "v1").Run(ctx, again.ID)
	require.NoError(t, err)
	assert.Equal(t, want, outcomeOf(t, f.store, again.ID), "two fresh runs of one document agree")
}
