package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/evidence-pipeline/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var jobRowColumns = []string{
	"id", "document", "phase", "checkpoint", "status", "failure_reason", "failed_phase", "subtype",
	"policy_version", "taxonomy_version", "cancel_requested", "owner", "lease_until", "attempt", "created_at", "updated_at",
}

func jobRows(id string, phase, checkpoint model.Phase, status model.JobStatus, owner string) *pgxmock.Rows {
	now := time.Now().UTC()
	lease := now.Add(time.Minute)
	return pgxmock.NewRows(jobRowColumns).AddRow(
		id, []byte(`{"locator":"file:///tmp/a.pdf"}`), phase, checkpoint, status, "", model.PhaseNone, "soc2_type2",
		"2024.1", "", false, owner, &lease, 1, now, now,
	)
}

func TestPostgresStore_GetJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM jobs WHERE id = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetJob(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO jobs`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "classify", "queued", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	job, err := s.CreateJob(context.Background(), model.DocumentRef{Locator: "s3://bucket/report.pdf"})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimNext_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status = 'cancelled'`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs("worker-a", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	job, err := s.ClaimNext(context.Background(), "worker-a", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimNext(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status = 'cancelled'`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs("worker-a", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(jobRows("job-1", model.PhaseClassify, model.PhaseNone, model.JobStatusProcessing, "worker-a"))

	job, err := s.ClaimNext(context.Background(), "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, "file:///tmp/a.pdf", job.Document.Locator)
	assert.NotNil(t, job.LeaseUntil)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CommitPhase_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE jobs SET checkpoint`).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.CommitPhase(context.Background(), PhaseCommit{
		JobID: "job-1", Owner: "worker-a", Expected: model.PhaseClassify, Phase: model.PhaseStructure, Lease: time.Minute,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCheckpointConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CommitPhase_WritesEverything(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE jobs SET checkpoint`).
		WillReturnRows(jobRows("job-1", model.PhaseNormalize, model.PhaseEscalate, model.JobStatusProcessing, "worker-a"))
	mock.ExpectExec(`INSERT INTO phase_outputs`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DELETE FROM entities`).
		WithArgs("job-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectCopyFrom(pgx.Identifier{"entities"}, entityCopyColumns).WillReturnResult(1)
	mock.ExpectCopyFrom(pgx.Identifier{"review_items"}, reviewCopyColumns).WillReturnResult(1)
	mock.ExpectCopyFrom(pgx.Identifier{"events"}, eventCopyColumns).WillReturnResult(1)
	mock.ExpectCommit()

	job, err := s.CommitPhase(context.Background(), PhaseCommit{
		JobID: "job-1", Owner: "worker-a", Expected: model.PhaseVerify, Phase: model.PhaseEscalate,
		Output: json.RawMessage(`{"escalated":1}`), Lease: time.Minute,
		ReplaceEntities: true,
		Entities:        []model.ExtractedEntity{testEntity("job-1")},
		Reviews:         []model.ReviewItem{{ID: "rev-1", JobID: "job-1", Reason: model.ReasonLowConfidence}},
		Events:          []model.JobEvent{{JobID: "job-1", Kind: model.EventPhaseComplete, Phase: model.PhaseEscalate}},
	})
	require.NoError(t, err)
	assert.Equal(t, model.PhaseEscalate, job.Checkpoint)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailJob_NotHeld(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE jobs SET status = \$1, failure_reason`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := s.FailJob(context.Background(), Failure{JobID: "job-1", Owner: "worker-a", Status: model.JobStatusFailed})
	assert.True(t, errors.Is(err, ErrCheckpointConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RenewLease(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET lease_until = \$1 WHERE id = \$2 AND owner = \$3 AND checkpoint = \$4`).
		WithArgs(pgxmock.AnyArg(), "job-1", "worker-a", string(model.PhaseFields)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE jobs SET lease_until`).
		WithArgs(pgxmock.AnyArg(), "job-1", "worker-a", string(model.PhaseFields)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, s.RenewLease(context.Background(), "job-1", "worker-a", model.PhaseFields, time.Minute))
	err := s.RenewLease(context.Background(), "job-1", "worker-a", model.PhaseFields, time.Minute)
	assert.True(t, errors.Is(err, ErrLeaseLost))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveReview_AlreadyResolved(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM review_items WHERE id = \$1 FOR UPDATE`).
		WithArgs("rev-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "job_id", "entity_id", "field_id", "field_path", "reason", "detail", "confidence", "candidates",
			"reviewer", "resolution", "resolution_value", "external_ref", "created_at", "resolved_at",
		}).AddRow(
			"rev-1", "job-1", "ent-1", "f-2", "control[CC6.1].test_result", model.ReasonLowConfidence, "", 0.4, []byte(`["exeption"]`),
			"analyst", model.ResolutionAccept, "", "", now, &now,
		))
	mock.ExpectRollback()

	_, err := s.ResolveReview(context.Background(), Resolution{ReviewID: "rev-1", Reviewer: "analyst", Resolution: model.ResolutionReject})
	assert.True(t, errors.Is(err, ErrAlreadyResolved))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetReviewExternalRef_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE review_items SET external_ref`).
		WithArgs("page-1", "rev-9").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SetReviewExternalRef(context.Background(), "rev-9", "page-1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListMappings_Current(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rec := model.MappingRecord{ID: "m-1", RequirementID: "Art.9", Strength: model.StrengthPartial, Coverage: 50, TaxonomyVersion: "v1"}
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT data, superseded FROM mappings WHERE job_id = \$1 AND NOT superseded`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"data", "superseded"}).AddRow(data, false))

	out, err := s.ListMappings(context.Background(), "job-1", false)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Art.9", out[0].RequirementID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveMappings_UnknownJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE jobs SET taxonomy_version`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := s.SaveMappings(context.Background(), "job-x", "v2", nil, nil)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}
