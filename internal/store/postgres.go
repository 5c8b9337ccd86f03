package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-pipeline/internal/db"
	"github.com/sells-group/evidence-pipeline/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

const pgJobColumns = `id, document, phase, checkpoint, status, failure_reason, failed_phase, subtype,
	policy_version, taxonomy_version, cancel_requested, owner, lease_until, attempt, created_at, updated_at`

const pgReviewColumns = `id, job_id, entity_id, field_id, field_path, reason, detail, confidence, candidates,
	reviewer, resolution, resolution_value, external_ref, created_at, resolved_at`

// preparedStatements are warmed on every new connection.
var preparedStatements = map[string]string{
	"get_job":         `SELECT ` + pgJobColumns + ` FROM jobs WHERE id = $1`,
	"list_entities":   `SELECT data FROM entities WHERE job_id = $1 ORDER BY type, identifier, id`,
	"list_events":     `SELECT id, job_id, kind, phase, field_id, tier, detail, cost_usd, created_at FROM events WHERE job_id = $1 ORDER BY created_at, seq`,
	"open_review_cnt": `SELECT COUNT(*) FROM review_items WHERE job_id = $1 AND resolved_at IS NULL`,
}

var (
	entityCopyColumns  = []string{"id", "job_id", "type", "identifier", "data"}
	mappingCopyColumns = []string{"id", "job_id", "requirement_id", "taxonomy_version", "superseded", "position", "data", "computed_at"}
	reviewCopyColumns  = []string{"id", "job_id", "entity_id", "field_id", "field_path", "reason", "detail", "confidence", "candidates", "reviewer", "created_at"}
	eventCopyColumns   = []string{"id", "job_id", "kind", "phase", "field_id", "tier", "detail", "cost_usd", "created_at"}
)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, cfg db.PoolConfig) (*PostgresStore, error) {
	cfg.Prepare = preparedStatements
	pool, err := db.Connect(ctx, connString, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	document         JSONB NOT NULL,
	phase            TEXT NOT NULL DEFAULT 'classify',
	checkpoint       TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'queued',
	failure_reason   TEXT NOT NULL DEFAULT '',
	failed_phase     TEXT NOT NULL DEFAULT '',
	subtype          TEXT NOT NULL DEFAULT '',
	policy_version   TEXT NOT NULL DEFAULT '',
	taxonomy_version TEXT NOT NULL DEFAULT '',
	cancel_requested BOOLEAN NOT NULL DEFAULT false,
	owner            TEXT NOT NULL DEFAULT '',
	lease_until      TIMESTAMPTZ,
	attempt          INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS phase_outputs (
	job_id     TEXT NOT NULL REFERENCES jobs(id),
	phase      TEXT NOT NULL,
	output     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (job_id, phase)
);

CREATE TABLE IF NOT EXISTS entities (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES jobs(id),
	type       TEXT NOT NULL,
	identifier TEXT NOT NULL,
	data       JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS mappings (
	id               TEXT PRIMARY KEY,
	job_id           TEXT NOT NULL REFERENCES jobs(id),
	requirement_id   TEXT NOT NULL,
	taxonomy_version TEXT NOT NULL,
	superseded       BOOLEAN NOT NULL DEFAULT false,
	position         INTEGER NOT NULL,
	data             JSONB NOT NULL,
	computed_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS review_items (
	id               TEXT PRIMARY KEY,
	job_id           TEXT NOT NULL REFERENCES jobs(id),
	entity_id        TEXT NOT NULL DEFAULT '',
	field_id         TEXT NOT NULL DEFAULT '',
	field_path       TEXT NOT NULL DEFAULT '',
	reason           TEXT NOT NULL,
	detail           TEXT NOT NULL DEFAULT '',
	confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
	candidates       JSONB,
	reviewer         TEXT NOT NULL DEFAULT '',
	resolution       TEXT NOT NULL DEFAULT '',
	resolution_value TEXT NOT NULL DEFAULT '',
	external_ref     TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS events (
	seq        BIGSERIAL,
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES jobs(id),
	kind       TEXT NOT NULL,
	phase      TEXT NOT NULL DEFAULT '',
	field_id   TEXT NOT NULL DEFAULT '',
	tier       TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT '',
	cost_usd   DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_entities_job ON entities(job_id);
CREATE INDEX IF NOT EXISTS idx_mappings_job ON mappings(job_id, superseded);
CREATE INDEX IF NOT EXISTS idx_review_items_open ON review_items(job_id) WHERE resolved_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_events_job ON events(job_id, seq);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit")
}

func (s *PostgresStore) CreateJob(ctx context.Context, doc model.DocumentRef) (*model.ExtractionJob, error) {
	now := time.Now().UTC()
	job := &model.ExtractionJob{
		ID:        uuid.NewString(),
		Document:  doc,
		Phase:     model.PhaseClassify,
		Status:    model.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	docJSON, err := marshalJSON(doc, "document")
	if err != nil {
		return nil, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, document, phase, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, docJSON, string(job.Phase), string(job.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert job")
	}
	return job, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.ExtractionJob, error) {
	return getJobPostgres(ctx, s.pool, id, "")
}

func getJobPostgres(ctx context.Context, q db.Pool, id, suffix string) (*model.ExtractionJob, error) {
	job, err := scanJobPostgres(q.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "job %s", id)
	}
	return job, err
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.ExtractionJob, error) {
	query := `SELECT ` + pgJobColumns + ` FROM jobs`
	args := []any{limitOr(filter.Limit, 100), filter.Offset}
	if filter.Status != "" {
		query += ` WHERE status = $3`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.ExtractionJob
	for rows.Next() {
		j, err := scanJobPostgres(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) ClaimNext(ctx context.Context, owner string, lease time.Duration) (*model.ExtractionJob, error) {
	now := time.Now().UTC()
	if _, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'cancelled', failure_reason = $1, owner = '', lease_until = NULL, updated_at = $2
		 WHERE status = 'processing' AND cancel_requested AND lease_until < $2`,
		model.ReasonCancelled, now,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: settle cancelled")
	}

	job, err := scanJobPostgres(s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'processing', owner = $1, lease_until = $2, attempt = attempt + 1,
		 failure_reason = '', failed_phase = '', updated_at = $3
		 WHERE id = (
			SELECT id FROM jobs
			WHERE NOT cancel_requested AND (status = 'queued' OR (status = 'processing' AND lease_until < $3))
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+pgJobColumns,
		owner, now.Add(lease), now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim next")
	}
	return job, nil
}

func (s *PostgresStore) ClaimJob(ctx context.Context, id, owner string, lease time.Duration) (*model.ExtractionJob, error) {
	now := time.Now().UTC()
	var claimed *model.ExtractionJob
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		job, err := getJobPostgres(ctx, tx, id, " FOR UPDATE")
		if err != nil {
			return err
		}
		if !claimable(job, owner, now) {
			return eris.Wrapf(ErrNotClaimable, "job %s is %s", id, job.Status)
		}
		claimed, err = scanJobPostgres(tx.QueryRow(ctx,
			`UPDATE jobs SET status = 'processing', owner = $1, lease_until = $2, attempt = attempt + 1,
			 failure_reason = '', failed_phase = '', updated_at = $3
			 WHERE id = $4 RETURNING `+pgJobColumns,
			owner, now.Add(lease), now, id,
		))
		return eris.Wrapf(err, "postgres: claim job %s", id)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *PostgresStore) CommitPhase(ctx context.Context, c PhaseCommit) (*model.ExtractionJob, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	status, next, owner := model.JobStatusProcessing, c.Phase.Next(), c.Owner
	lease := now.Add(c.Lease)
	leaseUntil := &lease
	if c.Complete {
		status, next, owner, leaseUntil = model.JobStatusCompleted, model.PhaseDone, "", nil
	}

	var advanced *model.ExtractionJob
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		job, err := scanJobPostgres(tx.QueryRow(ctx,
			`UPDATE jobs SET checkpoint = $1, phase = $2, status = $3, owner = $4, lease_until = $5,
			 subtype = COALESCE(NULLIF($6, ''), subtype),
			 policy_version = COALESCE(NULLIF($7, ''), policy_version),
			 taxonomy_version = COALESCE(NULLIF($8, ''), taxonomy_version),
			 document = CASE WHEN $13::text = '' THEN document
			            ELSE jsonb_set(document, '{content_hash}', to_jsonb($13::text)) END,
			 updated_at = $9
			 WHERE id = $10 AND checkpoint = $11 AND owner = $12 AND status = 'processing'
			 RETURNING `+pgJobColumns,
			string(c.Phase), string(next), string(status), owner, leaseUntil,
			c.Subtype, c.PolicyVersion, c.TaxonomyVersion,
			now, c.JobID, string(c.Expected), c.Owner, c.ContentHash,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrCheckpointConflict, "job %s at %q", c.JobID, c.Expected)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: advance job %s", c.JobID)
		}
		advanced = job

		output := c.Output
		if output == nil {
			output = json.RawMessage("null")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO phase_outputs (job_id, phase, output, created_at) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (job_id, phase) DO UPDATE SET output = EXCLUDED.output, created_at = EXCLUDED.created_at`,
			c.JobID, string(c.Phase), []byte(output), now,
		); err != nil {
			return eris.Wrapf(err, "postgres: save %s output", c.Phase)
		}

		if c.ReplaceEntities {
			if _, err := tx.Exec(ctx, `DELETE FROM entities WHERE job_id = $1`, c.JobID); err != nil {
				return eris.Wrap(err, "postgres: clear entities")
			}
			if err := copyEntities(ctx, tx, c.JobID, c.Entities); err != nil {
				return err
			}
		}
		if err := copyReviews(ctx, tx, c.Reviews); err != nil {
			return err
		}
		if c.Mappings != nil {
			if err := saveMappingsPostgres(ctx, tx, c.JobID, c.Mappings); err != nil {
				return err
			}
		}
		return copyEvents(ctx, tx, c.Events)
	})
	if err != nil {
		return nil, err
	}
	return advanced, nil
}

func (s *PostgresStore) RenewLease(ctx context.Context, id, owner string, checkpoint model.Phase, lease time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET lease_until = $1 WHERE id = $2 AND owner = $3 AND checkpoint = $4 AND status = 'processing'`,
		time.Now().UTC().Add(lease), id, owner, string(checkpoint),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: renew lease %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrLeaseLost, "job %s at %q held by %s", id, checkpoint, owner)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, f Failure) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE jobs SET status = $1, failure_reason = $2, failed_phase = $3, owner = '', lease_until = NULL,
			 cancel_requested = false, updated_at = $4
			 WHERE id = $5 AND owner = $6 AND status = 'processing'`,
			string(f.Status), f.Reason, string(f.Phase), time.Now().UTC(), f.JobID, f.Owner,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: fail job %s", f.JobID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrCheckpointConflict, "job %s no longer held by %s", f.JobID, f.Owner)
		}
		return copyEvents(ctx, tx, f.Events)
	})
}

func (s *PostgresStore) RequestCancel(ctx context.Context, id string) (*model.ExtractionJob, error) {
	now := time.Now().UTC()
	var out *model.ExtractionJob
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		job, err := getJobPostgres(ctx, tx, id, " FOR UPDATE")
		if err != nil {
			return err
		}
		switch job.Status {
		case model.JobStatusQueued, model.JobStatusPartiallyFailed:
			if _, err := tx.Exec(ctx,
				`UPDATE jobs SET status = 'cancelled', failure_reason = $1, updated_at = $2 WHERE id = $3`,
				model.ReasonCancelled, now, id,
			); err != nil {
				return eris.Wrapf(err, "postgres: cancel job %s", id)
			}
			job.Status, job.FailureReason, job.UpdatedAt = model.JobStatusCancelled, model.ReasonCancelled, now
			if err := copyEvents(ctx, tx, []model.JobEvent{cancelEvent(id, job.Phase, now)}); err != nil {
				return err
			}
		case model.JobStatusProcessing:
			if _, err := tx.Exec(ctx,
				`UPDATE jobs SET cancel_requested = true, updated_at = $1 WHERE id = $2`, now, id,
			); err != nil {
				return eris.Wrapf(err, "postgres: flag cancel %s", id)
			}
			job.CancelRequested, job.UpdatedAt = true, now
		}
		out = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Requeue(ctx context.Context, id string) (*model.ExtractionJob, error) {
	var out *model.ExtractionJob
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		job, err := getJobPostgres(ctx, tx, id, " FOR UPDATE")
		if err != nil {
			return err
		}
		if !requeueable(job.Status) {
			return eris.Wrapf(ErrNotClaimable, "job %s is %s", id, job.Status)
		}
		out, err = scanJobPostgres(tx.QueryRow(ctx,
			`UPDATE jobs SET status = 'queued', failure_reason = '', failed_phase = '', cancel_requested = false,
			 owner = '', lease_until = NULL, updated_at = $1 WHERE id = $2 RETURNING `+pgJobColumns,
			time.Now().UTC(), id,
		))
		return eris.Wrapf(err, "postgres: requeue job %s", id)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) LoadPhaseOutput(ctx context.Context, id string, phase model.Phase) (json.RawMessage, error) {
	var out []byte
	err := s.pool.QueryRow(ctx,
		`SELECT output FROM phase_outputs WHERE job_id = $1 AND phase = $2`, id, string(phase),
	).Scan(&out)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "job %s phase %s output", id, phase)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load %s output", phase)
	}
	return json.RawMessage(out), nil
}

func (s *PostgresStore) ListEntities(ctx context.Context, jobID string) ([]model.ExtractedEntity, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM entities WHERE job_id = $1 ORDER BY type, identifier, id`, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entities")
	}
	defer rows.Close()

	var out []model.ExtractedEntity
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity")
		}
		var e model.ExtractedEntity
		if err := unmarshalJSON(data, &e, "entity"); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list entities iterate")
}

func (s *PostgresStore) ListMappings(ctx context.Context, jobID string, history bool) ([]model.MappingRecord, error) {
	query := `SELECT data, superseded FROM mappings WHERE job_id = $1`
	if !history {
		query += ` AND NOT superseded`
	}
	query += ` ORDER BY computed_at, position`

	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list mappings")
	}
	defer rows.Close()

	var out []model.MappingRecord
	for rows.Next() {
		var data []byte
		var superseded bool
		if err := rows.Scan(&data, &superseded); err != nil {
			return nil, eris.Wrap(err, "postgres: scan mapping")
		}
		var m model.MappingRecord
		if err := unmarshalJSON(data, &m, "mapping"); err != nil {
			return nil, err
		}
		m.Superseded = superseded
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list mappings iterate")
}

func (s *PostgresStore) SaveMappings(ctx context.Context, jobID, taxonomyVersion string, records []model.MappingRecord, events []model.JobEvent) error {
	for _, m := range records {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE jobs SET taxonomy_version = $1, updated_at = $2 WHERE id = $3`,
			taxonomyVersion, time.Now().UTC(), jobID,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: stamp taxonomy version")
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "job %s", jobID)
		}
		if err := saveMappingsPostgres(ctx, tx, jobID, records); err != nil {
			return err
		}
		return copyEvents(ctx, tx, events)
	})
}

func saveMappingsPostgres(ctx context.Context, tx pgx.Tx, jobID string, records []model.MappingRecord) error {
	if _, err := tx.Exec(ctx,
		`UPDATE mappings SET superseded = true WHERE job_id = $1 AND NOT superseded`, jobID,
	); err != nil {
		return eris.Wrap(err, "postgres: supersede mappings")
	}
	rows := make([][]any, 0, len(records))
	for i, m := range records {
		m.Superseded = false
		data, err := marshalJSON(m, "mapping")
		if err != nil {
			return err
		}
		rows = append(rows, []any{m.ID, jobID, m.RequirementID, m.TaxonomyVersion, false, i, data, m.ComputedAt})
	}
	_, err := db.CopyFrom(ctx, tx, "mappings", mappingCopyColumns, rows)
	return eris.Wrap(err, "postgres: insert mappings")
}

func copyEntities(ctx context.Context, tx pgx.Tx, jobID string, entities []model.ExtractedEntity) error {
	rows := make([][]any, 0, len(entities))
	for _, e := range entities {
		e.JobID = jobID
		data, err := marshalJSON(e, "entity")
		if err != nil {
			return err
		}
		rows = append(rows, []any{e.ID, jobID, string(e.Type), e.Identifier, data})
	}
	_, err := db.CopyFrom(ctx, tx, "entities", entityCopyColumns, rows)
	return eris.Wrap(err, "postgres: insert entities")
}

func copyReviews(ctx context.Context, tx pgx.Tx, items []model.ReviewItem) error {
	rows := make([][]any, 0, len(items))
	for _, r := range items {
		candidates, err := marshalJSON(r.Candidates, "candidates")
		if err != nil {
			return err
		}
		rows = append(rows, []any{r.ID, r.JobID, r.EntityID, r.FieldID, r.FieldPath, string(r.Reason),
			r.Detail, r.Confidence, candidates, r.Reviewer, r.CreatedAt})
	}
	_, err := db.CopyFrom(ctx, tx, "review_items", reviewCopyColumns, rows)
	return eris.Wrap(err, "postgres: insert review items")
}

func copyEvents(ctx context.Context, tx db.Pool, events []model.JobEvent) error {
	now := time.Now().UTC()
	rows := db.Rows(events, func(e model.JobEvent) []any {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		return []any{e.ID, e.JobID, string(e.Kind), string(e.Phase), e.FieldID, string(e.Tier), e.Detail, e.CostUSD, e.CreatedAt}
	})
	_, err := db.CopyFrom(ctx, tx, "events", eventCopyColumns, rows)
	return eris.Wrap(err, "postgres: insert events")
}

func (s *PostgresStore) GetReviewItem(ctx context.Context, id string) (*model.ReviewItem, error) {
	return getReviewPostgres(ctx, s.pool, id, "")
}

func getReviewPostgres(ctx context.Context, q db.Pool, id, suffix string) (*model.ReviewItem, error) {
	item, err := scanReviewPostgres(q.QueryRow(ctx, `SELECT `+pgReviewColumns+` FROM review_items WHERE id = $1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "review item %s", id)
	}
	return item, err
}

func (s *PostgresStore) ListReviewItems(ctx context.Context, filter ReviewFilter) ([]model.ReviewItem, error) {
	query := `SELECT ` + pgReviewColumns + ` FROM review_items WHERE ($1 = '' OR job_id = $1)`
	if filter.OpenOnly {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY created_at, id LIMIT $2`

	rows, err := s.pool.Query(ctx, query, filter.JobID, limitOr(filter.Limit, 500))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list review items")
	}
	defer rows.Close()

	var out []model.ReviewItem
	for rows.Next() {
		item, err := scanReviewPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list review items iterate")
}

func (s *PostgresStore) ResolveReview(ctx context.Context, r Resolution) (*model.ReviewItem, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var resolved *model.ReviewItem
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		item, err := getReviewPostgres(ctx, tx, r.ReviewID, " FOR UPDATE")
		if err != nil {
			return err
		}
		if !item.Open() {
			return eris.Wrapf(ErrAlreadyResolved, "review item %s", item.ID)
		}
		item.Reviewer, item.Resolution, item.ResolutionValue, item.ResolvedAt = r.Reviewer, r.Resolution, r.Value, &now

		if item.EntityID != "" && item.FieldID != "" {
			var data []byte
			err := tx.QueryRow(ctx, `SELECT data FROM entities WHERE id = $1 FOR UPDATE`, item.EntityID).Scan(&data)
			if errors.Is(err, pgx.ErrNoRows) {
				return eris.Wrapf(ErrNotFound, "entity %s", item.EntityID)
			}
			if err != nil {
				return eris.Wrap(err, "postgres: load entity")
			}
			var e model.ExtractedEntity
			if err := unmarshalJSON(data, &e, "entity"); err != nil {
				return err
			}
			if err := applyResolution(&e, item, r); err != nil {
				return err
			}
			updated, err := marshalJSON(e, "entity")
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `UPDATE entities SET data = $1 WHERE id = $2`, updated, e.ID); err != nil {
				return eris.Wrap(err, "postgres: update entity")
			}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE review_items SET reviewer = $1, resolution = $2, resolution_value = $3, resolved_at = $4 WHERE id = $5`,
			item.Reviewer, string(item.Resolution), item.ResolutionValue, now, item.ID,
		); err != nil {
			return eris.Wrap(err, "postgres: resolve review item")
		}
		resolved = item
		return copyEvents(ctx, tx, resolutionEvents(item, now))
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

func (s *PostgresStore) SetReviewExternalRef(ctx context.Context, id, ref string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE review_items SET external_ref = $1 WHERE id = $2`, ref, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set external ref %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "review item %s", id)
	}
	return nil
}

func (s *PostgresStore) OpenReviewCount(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM review_items WHERE job_id = $1 AND resolved_at IS NULL`, jobID,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count open reviews")
}

func (s *PostgresStore) AppendEvents(ctx context.Context, events []model.JobEvent) error {
	return copyEvents(ctx, s.pool, events)
}

func (s *PostgresStore) ListEvents(ctx context.Context, jobID string) ([]model.JobEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, kind, phase, field_id, tier, detail, cost_usd, created_at
		 FROM events WHERE job_id = $1 ORDER BY created_at, seq`, jobID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list events")
	}
	defer rows.Close()

	var out []model.JobEvent
	for rows.Next() {
		var e model.JobEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.Kind, &e.Phase, &e.FieldID, &e.Tier, &e.Detail, &e.CostUSD, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

func scanJobPostgres(row scannable) (*model.ExtractionJob, error) {
	var j model.ExtractionJob
	var doc []byte
	err := row.Scan(&j.ID, &doc, &j.Phase, &j.Checkpoint, &j.Status, &j.FailureReason, &j.FailedPhase, &j.Subtype,
		&j.PolicyVersion, &j.TaxonomyVersion, &j.CancelRequested, &j.Owner, &j.LeaseUntil, &j.Attempt, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan job")
	}
	if err := unmarshalJSON(doc, &j.Document, "document"); err != nil {
		return nil, err
	}
	return &j, nil
}

func scanReviewPostgres(row scannable) (*model.ReviewItem, error) {
	var r model.ReviewItem
	var candidates []byte
	err := row.Scan(&r.ID, &r.JobID, &r.EntityID, &r.FieldID, &r.FieldPath, &r.Reason, &r.Detail, &r.Confidence,
		&candidates, &r.Reviewer, &r.Resolution, &r.ResolutionValue, &r.ExternalRef, &r.CreatedAt, &r.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan review item")
	}
	if len(candidates) > 0 && string(candidates) != "null" {
		if err := unmarshalJSON(candidates, &r.Candidates, "candidates"); err != nil {
			return nil, err
		}
	}
	return &r, nil
}
