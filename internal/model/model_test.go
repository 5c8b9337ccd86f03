package model

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseOrdering(t *testing.T) {
	t.Parallel()

	assert.Equal(t, PhaseClassify, PhaseNone.Next())
	assert.Equal(t, PhaseStructure, PhaseClassify.Next())
	assert.Equal(t, PhaseVerify, PhaseFields.Next())
	assert.Equal(t, PhaseDone, PhaseMap.Next())
	assert.Equal(t, PhaseDone, PhaseDone.Next())

	assert.True(t, PhaseClassify.Before(PhaseStructure))
	assert.True(t, PhaseNone.Before(PhaseClassify))
	assert.False(t, PhaseMap.Before(PhaseVerify))
	assert.True(t, PhaseMap.Before(PhaseDone))

	assert.True(t, PhaseNone.Valid())
	assert.True(t, PhaseDone.Valid())
	assert.False(t, Phase("bogus").Valid())
}

func TestCompletedPhases(t *testing.T) {
	t.Parallel()

	j := &ExtractionJob{Checkpoint: PhaseNone}
	assert.Empty(t, j.CompletedPhases())

	j.Checkpoint = PhaseStructure
	assert.Equal(t, []Phase{PhaseClassify, PhaseStructure}, j.CompletedPhases())

	j.Checkpoint = PhaseDone
	assert.Equal(t, PhaseOrder, j.CompletedPhases())
}

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusCancelled.Terminal())
	assert.False(t, JobStatusPartiallyFailed.Terminal())
	assert.False(t, JobStatusQueued.Terminal())
}

func TestExtractedFieldValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ExtractedField{Path: "report.opinion", Confidence: 0.9}.Validate())
	assert.NoError(t, ExtractedField{Path: "report.opinion", Confidence: 0}.Validate())
	assert.Error(t, ExtractedField{Confidence: 0.5}.Validate())
	assert.Error(t, ExtractedField{Path: "x", Confidence: 1.01}.Validate())
	assert.Error(t, ExtractedField{Path: "x", Confidence: -0.1}.Validate())
	assert.Error(t, ExtractedField{Path: "x", Confidence: math.NaN()}.Validate())
}

func TestClampConfidence(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, ClampConfidence(math.NaN()))
	assert.Equal(t, 0.0, ClampConfidence(-3))
	assert.Equal(t, 1.0, ClampConfidence(1.7))
	assert.Equal(t, 0.42, ClampConfidence(0.42))
}

func TestTierRank(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, TierFast.Rank())
	assert.Equal(t, 2, TierAccurate.Rank())
	assert.Equal(t, 3, TierExhaustive.Rank())
	assert.Equal(t, -1, Tier("ocr").Rank())
}

func TestEntityConfidenceIsMinimum(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, ExtractedEntity{}.Confidence())

	rng := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 500; i++ {
		n := 1 + rng.IntN(8)
		e := ExtractedEntity{}
		lowest := 1.0
		for j := 0; j < n; j++ {
			c := rng.Float64()
			if c < lowest {
				lowest = c
			}
			e.Fields = append(e.Fields, ExtractedField{Path: "f", Confidence: c})
		}
		require.Equal(t, lowest, e.Confidence(), "iteration %d", i)
	}
}

func TestEntityFieldAccess(t *testing.T) {
	t.Parallel()

	e := &ExtractedEntity{Fields: []ExtractedField{
		{ID: "f1", Name: "control_id", RawValue: "cc 6.1", NormalizedValue: "CC6.1"},
		{ID: "f2", Name: "description", RawValue: "Logical access", Status: FieldStatusInReview},
	}}

	f, ok := e.Field("control_id")
	require.True(t, ok)
	f.Confidence = 0.7
	assert.Equal(t, 0.7, e.Fields[0].Confidence)

	_, ok = e.FieldByID("f2")
	assert.True(t, ok)
	_, ok = e.Field("missing")
	assert.False(t, ok)

	assert.Equal(t, "CC6.1", e.Value("control_id"))
	assert.Equal(t, "Logical access", e.Value("description"))
	assert.Equal(t, "", e.Value("missing"))
	assert.True(t, e.NeedsReview())
}

func TestStrengthForCoverageIsConsistent(t *testing.T) {
	t.Parallel()

	for cov := 0.0; cov <= 100; cov += 0.5 {
		s := StrengthForCoverage(cov)
		rec := MappingRecord{RequirementID: "R", Strength: s, Coverage: cov}
		require.NoError(t, rec.Validate(), "coverage %v", cov)
		assert.Equal(t, s == StrengthNone, cov == 0)
		if s == StrengthFull {
			assert.GreaterOrEqual(t, cov, 90.0)
		}
	}
}

func TestMappingRecordValidateRejectsInconsistent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		strength Strength
		coverage float64
	}{
		{StrengthNone, 10},
		{StrengthMinimal, 0},
		{StrengthPartial, 75},
		{StrengthStrong, 90},
		{StrengthFull, 89},
		{StrengthFull, 101},
		{Strength("bogus"), 50},
	}
	for _, tt := range tests {
		err := MappingRecord{RequirementID: "R", Strength: tt.strength, Coverage: tt.coverage}.Validate()
		assert.ErrorIs(t, err, ErrInconsistentMapping, "%s/%v", tt.strength, tt.coverage)
	}
	assert.Error(t, MappingRecord{Strength: StrengthNone}.Validate())
}

func TestReviewItemOpen(t *testing.T) {
	t.Parallel()

	item := ReviewItem{}
	assert.True(t, item.Open())
	assert.True(t, ResolutionCorrect.Valid())
	assert.False(t, Resolution("maybe").Valid())
}
