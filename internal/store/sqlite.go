package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/evidence-pipeline/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Writes are
// serialized over a single connection.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	document         TEXT NOT NULL,
	phase            TEXT NOT NULL DEFAULT 'classify',
	checkpoint       TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'queued',
	failure_reason   TEXT NOT NULL DEFAULT '',
	failed_phase     TEXT NOT NULL DEFAULT '',
	subtype          TEXT NOT NULL DEFAULT '',
	policy_version   TEXT NOT NULL DEFAULT '',
	taxonomy_version TEXT NOT NULL DEFAULT '',
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	owner            TEXT NOT NULL DEFAULT '',
	lease_until      INTEGER NOT NULL DEFAULT 0,
	attempt          INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS phase_outputs (
	job_id     TEXT NOT NULL REFERENCES jobs(id),
	phase      TEXT NOT NULL,
	output     TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (job_id, phase)
);

CREATE TABLE IF NOT EXISTS entities (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES jobs(id),
	type       TEXT NOT NULL,
	identifier TEXT NOT NULL,
	data       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS mappings (
	id               TEXT PRIMARY KEY,
	job_id           TEXT NOT NULL REFERENCES jobs(id),
	requirement_id   TEXT NOT NULL,
	taxonomy_version TEXT NOT NULL,
	superseded       INTEGER NOT NULL DEFAULT 0,
	position         INTEGER NOT NULL,
	data             TEXT NOT NULL,
	computed_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS review_items (
	id               TEXT PRIMARY KEY,
	job_id           TEXT NOT NULL REFERENCES jobs(id),
	entity_id        TEXT NOT NULL DEFAULT '',
	field_id         TEXT NOT NULL DEFAULT '',
	field_path       TEXT NOT NULL DEFAULT '',
	reason           TEXT NOT NULL,
	detail           TEXT NOT NULL DEFAULT '',
	confidence       REAL NOT NULL DEFAULT 0,
	candidates       TEXT,
	reviewer         TEXT NOT NULL DEFAULT '',
	resolution       TEXT NOT NULL DEFAULT '',
	resolution_value TEXT NOT NULL DEFAULT '',
	external_ref     TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL,
	resolved_at      DATETIME
);

CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES jobs(id),
	kind       TEXT NOT NULL,
	phase      TEXT NOT NULL DEFAULT '',
	field_id   TEXT NOT NULL DEFAULT '',
	tier       TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT '',
	cost_usd   REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_entities_job ON entities(job_id);
CREATE INDEX IF NOT EXISTS idx_mappings_job ON mappings(job_id, superseded);
CREATE INDEX IF NOT EXISTS idx_review_items_job ON review_items(job_id);
CREATE INDEX IF NOT EXISTS idx_events_job ON events(job_id);
`

const sqliteJobColumns = `id, document, phase, checkpoint, status, failure_reason, failed_phase, subtype,
	policy_version, taxonomy_version, cancel_requested, owner, lease_until, attempt, created_at, updated_at`

const sqliteReviewColumns = `id, job_id, entity_id, field_id, field_path, reason, detail, confidence, candidates,
	reviewer, resolution, resolution_value, external_ref, created_at, resolved_at`

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

func (s *SQLiteStore) CreateJob(ctx context.Context, doc model.DocumentRef) (*model.ExtractionJob, error) {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, document, phase, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, string(docJSON), string(job.Phase), string(job.Status), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert job")
	}
	return job, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.ExtractionJob, error) {
	return getJobSQLite(ctx, s.db, id)
}

func getJobSQLite(ctx context.Context, q sqlQuerier, id string) (*model.ExtractionJob, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJobSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "job %s", id)
	}
	return job, err
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.ExtractionJob, error) {
	query := `SELECT ` + sqliteJobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, limitOr(filter.Limit, 100), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.ExtractionJob
	for rows.Next() {
		j, err := scanJobSQLite(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) ClaimNext(ctx context.Context, owner string, lease time.Duration) (*model.ExtractionJob, error) {
	now := time.Now().UTC()
	var id string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// Abandoned jobs that were asked to cancel are settled rather than resumed.
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, failure_reason = ?, owner = '', lease_until = 0, updated_at = ?
			 WHERE status = ? AND cancel_requested = 1 AND lease_until < ?`,
			string(model.JobStatusCancelled), model.ReasonCancelled, now, string(model.JobStatusProcessing), now.UnixMilli(),
		); err != nil {
			return eris.Wrap(err, "sqlite: settle cancelled")
		}

		err := tx.QueryRowContext(ctx,
			`SELECT id FROM jobs
			 WHERE cancel_requested = 0 AND (status = ? OR (status = ? AND lease_until < ?))
			 ORDER BY created_at, id LIMIT 1`,
			string(model.JobStatusQueued), string(model.JobStatusProcessing), now.UnixMilli(),
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			id = ""
			return nil
		}
		if err != nil {
			return eris.Wrap(err, "sqlite: select claimable")
		}
		return claimSQLite(ctx, tx, id, owner, now, lease)
	})
	if err != nil || id == "" {
		return nil, err
	}
	return s.GetJob(ctx, id)
}

func claimSQLite(ctx context.Context, tx *sql.Tx, id, owner string, now time.Time, lease time.Duration) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, owner = ?, lease_until = ?, attempt = attempt + 1,
		 failure_reason = '', failed_phase = '', updated_at = ? WHERE id = ?`,
		string(model.JobStatusProcessing), owner, now.Add(lease).UnixMilli(), now, id,
	)
	return eris.Wrapf(err, "sqlite: claim job %s", id)
}

func (s *SQLiteStore) ClaimJob(ctx context.Context, id, owner string, lease time.Duration) (*model.ExtractionJob, error) {
	now := time.Now().UTC()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		job, err := getJobSQLite(ctx, tx, id)
		if err != nil {
			return err
		}
		if !claimable(job, owner, now) {
			return eris.Wrapf(ErrNotClaimable, "job %s is %s", id, job.Status)
		}
		return claimSQLite(ctx, tx, id, owner, now, lease)
	})
	if err != nil {
		return nil, err
	}
	return s.GetJob(ctx, id)
}

func (s *SQLiteStore) CommitPhase(ctx context.Context, c PhaseCommit) (*model.ExtractionJob, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	status, next, owner, leaseUntil := string(model.JobStatusProcessing), c.Phase.Next(), c.Owner, now.Add(c.Lease).UnixMilli()
	if c.Complete {
		status, next, owner, leaseUntil = string(model.JobStatusCompleted), model.PhaseDone, "", 0
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET checkpoint = ?, phase = ?, status = ?, owner = ?, lease_until = ?,
			 subtype = CASE WHEN ? = '' THEN subtype ELSE ? END,
			 policy_version = CASE WHEN ? = '' THEN policy_version ELSE ? END,
			 taxonomy_version = CASE WHEN ? = '' THEN taxonomy_version ELSE ? END,
			 document = CASE WHEN ? = '' THEN document ELSE json_set(document, '$.content_hash', ?) END,
			 updated_at = ?
			 WHERE id = ? AND checkpoint = ? AND owner = ? AND status = ?`,
			string(c.Phase), string(next), status, owner, leaseUntil,
			c.Subtype, c.Subtype, c.PolicyVersion, c.PolicyVersion, c.TaxonomyVersion, c.TaxonomyVersion,
			c.ContentHash, c.ContentHash,
			now, c.JobID, string(c.Expected), c.Owner, string(model.JobStatusProcessing),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: advance job %s", c.JobID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return eris.Wrapf(ErrCheckpointConflict, "job %s at %q", c.JobID, c.Expected)
		}

		output := c.Output
		if output == nil {
			output = json.RawMessage("null")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO phase_outputs (job_id, phase, output, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (job_id, phase) DO UPDATE SET output = excluded.output, created_at = excluded.created_at`,
			c.JobID, string(c.Phase), string(output), now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: save %s output", c.Phase)
		}

		if c.ReplaceEntities {
			if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE job_id = ?`, c.JobID); err != nil {
				return eris.Wrap(err, "sqlite: clear entities")
			}
			for _, e := range c.Entities {
				if err := insertEntitySQLite(ctx, tx, c.JobID, e); err != nil {
					return err
				}
			}
		}
		for _, r := range c.Reviews {
			if err := insertReviewSQLite(ctx, tx, r); err != nil {
				return err
			}
		}
		if c.Mappings != nil {
			if err := saveMappingsSQLite(ctx, tx, c.JobID, c.Mappings); err != nil {
				return err
			}
		}
		return insertEventsSQLite(ctx, tx, c.Events)
	})
	if err != nil {
		return nil, err
	}
	return s.GetJob(ctx, c.JobID)
}

func (s *SQLiteStore) RenewLease(ctx context.Context, id, owner string, checkpoint model.Phase, lease time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET lease_until = ? WHERE id = ? AND owner = ? AND checkpoint = ? AND status = ?`,
		time.Now().UTC().Add(lease).UnixMilli(), id, owner, string(checkpoint), string(model.JobStatusProcessing),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: renew lease %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrLeaseLost, "job %s at %q held by %s", id, checkpoint, owner)
	}
	return nil
}

func (s *SQLiteStore) FailJob(ctx context.Context, f Failure) error {
	now := time.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, failure_reason = ?, failed_phase = ?, owner = '', lease_until = 0,
			 cancel_requested = 0, updated_at = ?
			 WHERE id = ? AND owner = ? AND status = ?`,
			string(f.Status), f.Reason, string(f.Phase), now, f.JobID, f.Owner, string(model.JobStatusProcessing),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: fail job %s", f.JobID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return eris.Wrapf(ErrCheckpointConflict, "job %s no longer held by %s", f.JobID, f.Owner)
		}
		return insertEventsSQLite(ctx, tx, f.Events)
	})
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, id string) (*model.ExtractionJob, error) {
	now := time.Now().UTC()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		job, err := getJobSQLite(ctx, tx, id)
		if err != nil {
			return err
		}
		switch job.Status {
		case model.JobStatusQueued, model.JobStatusPartiallyFailed:
			if _, err := tx.ExecContext(ctx,
				`UPDATE jobs SET status = ?, failure_reason = ?, updated_at = ? WHERE id = ?`,
				string(model.JobStatusCancelled), model.ReasonCancelled, now, id,
			); err != nil {
				return eris.Wrapf(err, "sqlite: cancel job %s", id)
			}
			return insertEventsSQLite(ctx, tx, []model.JobEvent{cancelEvent(id, job.Phase, now)})
		case model.JobStatusProcessing:
			_, err := tx.ExecContext(ctx, `UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ?`, now, id)
			return eris.Wrapf(err, "sqlite: flag cancel %s", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetJob(ctx, id)
}

func (s *SQLiteStore) Requeue(ctx context.Context, id string) (*model.ExtractionJob, error) {
	now := time.Now().UTC()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		job, err := getJobSQLite(ctx, tx, id)
		if err != nil {
			return err
		}
		if !requeueable(job.Status) {
			return eris.Wrapf(ErrNotClaimable, "job %s is %s", id, job.Status)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, failure_reason = '', failed_phase = '', cancel_requested = 0,
			 owner = '', lease_until = 0, updated_at = ? WHERE id = ?`,
			string(model.JobStatusQueued), now, id,
		)
		return eris.Wrapf(err, "sqlite: requeue job %s", id)
	})
	if err != nil {
		return nil, err
	}
	return s.GetJob(ctx, id)
}

func (s *SQLiteStore) LoadPhaseOutput(ctx context.Context, id string, phase model.Phase) (json.RawMessage, error) {
	var out string
	err := s.db.QueryRowContext(ctx, `SELECT output FROM phase_outputs WHERE job_id = ? AND phase = ?`, id, string(phase)).Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "job %s phase %s output", id, phase)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load %s output", phase)
	}
	return json.RawMessage(out), nil
}

func (s *SQLiteStore) ListEntities(ctx context.Context, jobID string) ([]model.ExtractedEntity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM entities WHERE job_id = ? ORDER BY type, identifier, id`, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entities")
	}
	defer rows.Close()

	var out []model.ExtractedEntity
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity")
		}
		var e model.ExtractedEntity
		if err := unmarshalJSON([]byte(data), &e, "entity"); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list entities iterate")
}

func (s *SQLiteStore) ListMappings(ctx context.Context, jobID string, history bool) ([]model.MappingRecord, error) {
	query := `SELECT data, superseded FROM mappings WHERE job_id = ?`
	if !history {
		query += ` AND superseded = 0`
	}
	query += ` ORDER BY computed_at, position`

	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list mappings")
	}
	defer rows.Close()

	var out []model.MappingRecord
	for rows.Next() {
		var data string
		var superseded bool
		if err := rows.Scan(&data, &superseded); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan mapping")
		}
		var m model.MappingRecord
		if err := unmarshalJSON([]byte(data), &m, "mapping"); err != nil {
			return nil, err
		}
		m.Superseded = superseded
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list mappings iterate")
}

func (s *SQLiteStore) SaveMappings(ctx context.Context, jobID, taxonomyVersion string, records []model.MappingRecord, events []model.JobEvent) error {
	for _, m := range records {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := getJobSQLite(ctx, tx, jobID); err != nil {
			return err
		}
		if err := saveMappingsSQLite(ctx, tx, jobID, records); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET taxonomy_version = ?, updated_at = ? WHERE id = ?`,
			taxonomyVersion, time.Now().UTC(), jobID,
		); err != nil {
			return eris.Wrap(err, "sqlite: stamp taxonomy version")
		}
		return insertEventsSQLite(ctx, tx, events)
	})
}

func saveMappingsSQLite(ctx context.Context, tx *sql.Tx, jobID string, records []model.MappingRecord) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE mappings SET superseded = 1 WHERE job_id = ? AND superseded = 0`, jobID,
	); err != nil {
		return eris.Wrap(err, "sqlite: supersede mappings")
	}
	for i, m := range records {
		m.Superseded = false
		data, err := marshalJSON(m, "mapping")
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO mappings (id, job_id, requirement_id, taxonomy_version, superseded, position, data, computed_at)
			 VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
			m.ID, jobID, m.RequirementID, m.TaxonomyVersion, i, string(data), m.ComputedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert mapping %s", m.RequirementID)
		}
	}
	return nil
}

func insertEntitySQLite(ctx context.Context, tx *sql.Tx, jobID string, e model.ExtractedEntity) error {
	e.JobID = jobID
	data, err := marshalJSON(e, "entity")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO entities (id, job_id, type, identifier, data) VALUES (?, ?, ?, ?, ?)`,
		e.ID, jobID, string(e.Type), e.Identifier, string(data),
	)
	return eris.Wrapf(err, "sqlite: insert entity %s", e.ID)
}

func insertReviewSQLite(ctx context.Context, tx *sql.Tx, r model.ReviewItem) error {
	candidates, err := marshalJSON(r.Candidates, "candidates")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO review_items (id, job_id, entity_id, field_id, field_path, reason, detail, confidence, candidates, reviewer, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.JobID, r.EntityID, r.FieldID, r.FieldPath, string(r.Reason), r.Detail, r.Confidence,
		string(candidates), r.Reviewer, r.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert review item %s", r.ID)
}

func insertEventsSQLite(ctx context.Context, q sqlQuerier, events []model.JobEvent) error {
	for _, e := range events {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		if _, err := q.ExecContext(ctx,
			`INSERT INTO events (id, job_id, kind, phase, field_id, tier, detail, cost_usd, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.JobID, string(e.Kind), string(e.Phase), e.FieldID, string(e.Tier), e.Detail, e.CostUSD, e.CreatedAt,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert %s event", e.Kind)
		}
	}
	return nil
}

func (s *SQLiteStore) GetReviewItem(ctx context.Context, id string) (*model.ReviewItem, error) {
	return getReviewSQLite(ctx, s.db, id)
}

func getReviewSQLite(ctx context.Context, q sqlQuerier, id string) (*model.ReviewItem, error) {
	row := q.QueryRowContext(ctx, `SELECT `+sqliteReviewColumns+` FROM review_items WHERE id = ?`, id)
	item, err := scanReviewSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "review item %s", id)
	}
	return item, err
}

func (s *SQLiteStore) ListReviewItems(ctx context.Context, filter ReviewFilter) ([]model.ReviewItem, error) {
	query := `SELECT ` + sqliteReviewColumns + ` FROM review_items WHERE 1=1`
	var args []any
	if filter.JobID != "" {
		query += ` AND job_id = ?`
		args = append(args, filter.JobID)
	}
	if filter.OpenOnly {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limitOr(filter.Limit, 500))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list review items")
	}
	defer rows.Close()

	var out []model.ReviewItem
	for rows.Next() {
		item, err := scanReviewSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list review items iterate")
}

func (s *SQLiteStore) ResolveReview(ctx context.Context, r Resolution) (*model.ReviewItem, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		item, err := getReviewSQLite(ctx, tx, r.ReviewID)
		if err != nil {
			return err
		}
		if !item.Open() {
			return eris.Wrapf(ErrAlreadyResolved, "review item %s", item.ID)
		}
		item.Reviewer, item.Resolution, item.ResolutionValue, item.ResolvedAt = r.Reviewer, r.Resolution, r.Value, &now

		if item.EntityID != "" && item.FieldID != "" {
			var data string
			err := tx.QueryRowContext(ctx, `SELECT data FROM entities WHERE id = ?`, item.EntityID).Scan(&data)
			if errors.Is(err, sql.ErrNoRows) {
				return eris.Wrapf(ErrNotFound, "entity %s", item.EntityID)
			}
			if err != nil {
				return eris.Wrap(err, "sqlite: load entity")
			}
			var e model.ExtractedEntity
			if err := unmarshalJSON([]byte(data), &e, "entity"); err != nil {
				return err
			}
			if err := applyResolution(&e, item, r); err != nil {
				return err
			}
			updated, err := marshalJSON(e, "entity")
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE entities SET data = ? WHERE id = ?`, string(updated), e.ID); err != nil {
				return eris.Wrap(err, "sqlite: update entity")
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE review_items SET reviewer = ?, resolution = ?, resolution_value = ?, resolved_at = ? WHERE id = ?`,
			item.Reviewer, string(item.Resolution), item.ResolutionValue, now, item.ID,
		); err != nil {
			return eris.Wrap(err, "sqlite: resolve review item")
		}
		return insertEventsSQLite(ctx, tx, resolutionEvents(item, now))
	})
	if err != nil {
		return nil, err
	}
	return s.GetReviewItem(ctx, r.ReviewID)
}

func (s *SQLiteStore) SetReviewExternalRef(ctx context.Context, id, ref string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE review_items SET external_ref = ? WHERE id = ?`, ref, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set external ref %s", id)
	}
	return checkRowsAffected(res, "review item", id)
}

func (s *SQLiteStore) OpenReviewCount(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM review_items WHERE job_id = ? AND resolved_at IS NULL`, jobID,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count open reviews")
}

func (s *SQLiteStore) AppendEvents(ctx context.Context, events []model.JobEvent) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertEventsSQLite(ctx, tx, events)
	})
}

func (s *SQLiteStore) ListEvents(ctx context.Context, jobID string) ([]model.JobEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, kind, phase, field_id, tier, detail, cost_usd, created_at
		 FROM events WHERE job_id = ? ORDER BY created_at, rowid`, jobID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list events")
	}
	defer rows.Close()

	var out []model.JobEvent
	for rows.Next() {
		var e model.JobEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.Kind, &e.Phase, &e.FieldID, &e.Tier, &e.Detail, &e.CostUSD, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJobSQLite(row scannable) (*model.ExtractionJob, error) {
	var j model.ExtractionJob
	var doc string
	var leaseMs int64
	err := row.Scan(&j.ID, &doc, &j.Phase, &j.Checkpoint, &j.Status, &j.FailureReason, &j.FailedPhase, &j.Subtype,
		&j.PolicyVersion, &j.TaxonomyVersion, &j.CancelRequested, &j.Owner, &leaseMs, &j.Attempt, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}
	if leaseMs > 0 {
		t := time.UnixMilli(leaseMs).UTC()
		j.LeaseUntil = &t
	}
	if err := unmarshalJSON([]byte(doc), &j.Document, "document"); err != nil {
		return nil, err
	}
	return &j, nil
}

func scanReviewSQLite(row scannable) (*model.ReviewItem, error) {
	var r model.ReviewItem
	var candidates sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&r.ID, &r.JobID, &r.EntityID, &r.FieldID, &r.FieldPath, &r.Reason, &r.Detail, &r.Confidence,
		&candidates, &r.Reviewer, &r.Resolution, &r.ResolutionValue, &r.ExternalRef, &r.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan review item")
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		r.ResolvedAt = &t
	}
	if candidates.Valid {
		if err := unmarshalJSON([]byte(candidates.String), &r.Candidates, "candidates"); err != nil {
			return nil, err
		}
	}
	return &r, nil
}
