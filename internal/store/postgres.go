package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/pald-cli/internal/db"
	"github.com/sells-group/pald-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	sqlIncrementCandidate = `INSERT INTO field_candidates (name, first_seen_at, last_seen_at, occurrence_count) VALUES ($1, $2, $2, 1)
ON CONFLICT (name) DO UPDATE SET occurrence_count = field_candidates.occurrence_count + 1, last_seen_at = EXCLUDED.last_seen_at
RETURNING name, first_seen_at, last_seen_at, occurrence_count, promoted, promoted_version`

	sqlClaimJobs = `UPDATE bias_jobs SET status = 'running', attempts = attempts + 1, updated_at = $1
WHERE id IN (
	SELECT id FROM bias_jobs
	WHERE (status IN ('pending', 'failed') AND next_attempt_at <= $1)
	   OR (status = 'running' AND updated_at < $2)
	ORDER BY created_at, id
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + pgJobColumns

	sqlInsertRecord = `INSERT INTO records (id, session_id, schema_version, kind, content, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	sqlAppendAudit  = `INSERT INTO audit_events (id, entity_id, kind, ts, payload_summary) VALUES ($1, $2, $3, $4, $5)`
	sqlSchemaToken  = `SELECT version || ':' || checksum FROM schema_versions ORDER BY seq DESC LIMIT 1`
)

const pgJobColumns = `id, record_a, record_b, analysis_types, status, attempts, max_attempts, next_attempt_at, last_error, results, created_at, updated_at`

// preparedStatements lists the hot-path queries prepared on each new
// connection.
var preparedStatements = map[string]string{
	"increment_candidate": sqlIncrementCandidate,
	"claim_jobs":          sqlClaimJobs,
	"insert_record":       sqlInsertRecord,
	"append_audit":        sqlAppendAudit,
	"schema_token":        sqlSchemaToken,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. The caller owns its lifecycle.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS records (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL DEFAULT '',
	schema_version TEXT NOT NULL,
	kind           TEXT NOT NULL,
	content        JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS schema_versions (
	seq          BIGSERIAL PRIMARY KEY,
	version      TEXT NOT NULL UNIQUE,
	parent       TEXT NOT NULL UNIQUE,
	checksum     TEXT NOT NULL,
	document     JSONB NOT NULL,
	published_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS field_candidates (
	name             TEXT PRIMARY KEY,
	first_seen_at    TIMESTAMPTZ NOT NULL,
	last_seen_at     TIMESTAMPTZ NOT NULL,
	occurrence_count BIGINT NOT NULL DEFAULT 0,
	promoted         BOOLEAN NOT NULL DEFAULT false,
	promoted_version TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS bias_jobs (
	id              TEXT PRIMARY KEY,
	record_a        TEXT NOT NULL REFERENCES records(id),
	record_b        TEXT NOT NULL REFERENCES records(id),
	analysis_types  JSONB NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempts        INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL DEFAULT 3,
	next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_error      TEXT NOT NULL DEFAULT '',
	results         JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS audit_events (
	seq             BIGSERIAL PRIMARY KEY,
	id              TEXT NOT NULL UNIQUE,
	entity_id       TEXT NOT NULL,
	kind            TEXT NOT NULL,
	ts              TIMESTAMPTZ NOT NULL DEFAULT now(),
	payload_summary TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS convergence_runs (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	status     TEXT NOT NULL,
	iterations INTEGER NOT NULL DEFAULT 0,
	state      JSONB NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_session ON records(session_id);
CREATE INDEX IF NOT EXISTS idx_bias_jobs_due ON bias_jobs(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts);
CREATE INDEX IF NOT EXISTS idx_audit_events_entity ON audit_events(entity_id);
CREATE INDEX IF NOT EXISTS idx_convergence_runs_updated ON convergence_runs(updated_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- records ---

func (s *PostgresStore) CreateRecord(ctx context.Context, r *model.Record) error {
	content, err := json.Marshal(r.Content)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal record content")
	}
	_, err = s.pool.Exec(ctx, sqlInsertRecord,
		r.ID, r.SessionID, r.SchemaVersion, string(r.Kind), content, r.CreatedAt)
	return eris.Wrapf(err, "postgres: insert record %s", r.ID)
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, session_id, schema_version, kind, content, created_at FROM records WHERE id = $1`, id)
	r, err := scanPgRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "record %s", id)
	}
	return r, err
}

func (s *PostgresStore) ListRecords(ctx context.Context, sessionID string) ([]model.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, schema_version, kind, content, created_at FROM records
		 WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		r, err := scanPgRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

// --- schema versions ---

func (s *PostgresStore) ListSchemas(ctx context.Context) ([]model.Schema, error) {
	rows, err := s.pool.Query(ctx, `SELECT document FROM schema_versions ORDER BY seq`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list schemas")
	}
	defer rows.Close()

	var out []model.Schema
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "postgres: scan schema")
		}
		sch, err := decodeSchema(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, *sch)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list schemas iterate")
}

func (s *PostgresStore) SchemaToken(ctx context.Context) (string, error) {
	var token string
	err := s.pool.QueryRow(ctx, sqlSchemaToken).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return token, eris.Wrap(err, "postgres: schema token")
}

func (s *PostgresStore) PublishSchema(ctx context.Context, next *model.Schema, promoted []string) error {
	doc, err := json.Marshal(next)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal schema")
	}

	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var latest string
		err := tx.QueryRow(ctx, `SELECT version FROM schema_versions ORDER BY seq DESC LIMIT 1`).Scan(&latest)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrap(err, "postgres: read latest schema")
		}
		if latest != next.Parent {
			return eris.Wrapf(model.ErrPromotionConflict, "postgres: publish %s: parent %q is not latest %q", next.Version, next.Parent, latest)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO schema_versions (version, parent, checksum, document, published_at) VALUES ($1, $2, $3, $4, $5)`,
			next.Version, next.Parent, next.Checksum, doc, next.PublishedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return eris.Wrapf(model.ErrPromotionConflict, "postgres: publish %s", next.Version)
			}
			return eris.Wrapf(err, "postgres: insert schema %s", next.Version)
		}

		for _, name := range promoted {
			if _, err := tx.Exec(ctx,
				`UPDATE field_candidates SET promoted = true, promoted_version = $1 WHERE name = $2`,
				next.Version, name,
			); err != nil {
				return eris.Wrapf(err, "postgres: mark candidate %s promoted", name)
			}
		}
		return nil
	})
}

// --- field candidates ---

func (s *PostgresStore) MarkCandidatesPromoted(ctx context.Context, version string, names []string) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, name := range names {
			if _, err := tx.Exec(ctx,
				`UPDATE field_candidates SET promoted = true, promoted_version = $1 WHERE name = $2`,
				version, name,
			); err != nil {
				return eris.Wrapf(err, "postgres: mark candidate %s promoted", name)
			}
		}
		return nil
	})
}

func (s *PostgresStore) IncrementCandidate(ctx context.Context, name string, at time.Time) (*model.FieldCandidate, error) {
	c, err := scanPgCandidate(s.pool.QueryRow(ctx, sqlIncrementCandidate, name, at.UTC()))
	return c, eris.Wrapf(err, "postgres: increment candidate %s", name)
}

func (s *PostgresStore) GetCandidate(ctx context.Context, name string) (*model.FieldCandidate, error) {
	c, err := scanPgCandidate(s.pool.QueryRow(ctx,
		`SELECT name, first_seen_at, last_seen_at, occurrence_count, promoted, promoted_version
		 FROM field_candidates WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "candidate %s", name)
	}
	return c, eris.Wrapf(err, "postgres: get candidate %s", name)
}

func (s *PostgresStore) ListCandidates(ctx context.Context, filter CandidateFilter) ([]model.FieldCandidate, error) {
	query := `SELECT name, first_seen_at, last_seen_at, occurrence_count, promoted, promoted_version
		FROM field_candidates WHERE occurrence_count >= $1`
	args := []any{filter.MinCount}
	if !filter.IncludePromoted {
		query += ` AND NOT promoted`
	}
	query += ` ORDER BY occurrence_count DESC, first_seen_at ASC, name ASC`
	if filter.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list candidates")
	}
	defer rows.Close()

	var out []model.FieldCandidate
	for rows.Next() {
		c, err := scanPgCandidate(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list candidates iterate")
}

func (s *PostgresStore) DeleteCandidate(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM field_candidates WHERE name = $1`, name)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete candidate %s", name)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "candidate %s", name)
	}
	return nil
}

// --- bias jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.BiasJob) error {
	types, err := json.Marshal(job.AnalysisTypes)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal analysis types")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO bias_jobs (id, record_a, record_b, analysis_types, status, attempts, max_attempts,
			next_attempt_at, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.RecordAID, job.RecordBID, types, string(job.Status), job.Attempts, job.MaxAttempts,
		job.NextAttemptAt, job.LastError, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.BiasJob, error) {
	j, err := scanPgJob(s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM bias_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "job %s", id)
	}
	return j, eris.Wrapf(err, "postgres: get job %s", id)
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter model.JobFilter) ([]model.BiasJob, error) {
	query := `SELECT ` + pgJobColumns + ` FROM bias_jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	return collectPgJobs(rows)
}

func (s *PostgresStore) ClaimJobs(ctx context.Context, opts ClaimOptions) ([]model.BiasJob, error) {
	if opts.Limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, sqlClaimJobs, opts.Now.UTC(), opts.StaleBefore.UTC(), opts.Limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim jobs")
	}
	return collectPgJobs(rows)
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id string, results map[model.AnalysisType]json.RawMessage, at time.Time) error {
	body, err := json.Marshal(results)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job results")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE bias_jobs SET status = 'succeeded', results = $1, last_error = '', updated_at = $2
		 WHERE id = $3 AND status = 'running'`,
		body, at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "running job %s", id)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, id string, status model.JobStatus, lastErr string, nextAttemptAt, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bias_jobs SET status = $1, last_error = $2, next_attempt_at = $3, updated_at = $4
		 WHERE id = $5 AND status = 'running'`,
		string(status), lastErr, nextAttemptAt.UTC(), at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "running job %s", id)
	}
	return nil
}

func (s *PostgresStore) RequeueJob(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bias_jobs SET status = 'pending', attempts = 0, next_attempt_at = $1, updated_at = $1
		 WHERE id = $2 AND status = 'dead_letter'`,
		at.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: requeue job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "dead-lettered job %s", id)
	}
	return nil
}

func (s *PostgresStore) CountJobs(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM bias_jobs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count jobs")
	}
	defer rows.Close()

	out := make(map[model.JobStatus]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job count")
		}
		out[model.JobStatus(status)] = int(n)
	}
	return out, eris.Wrap(rows.Err(), "postgres: count jobs iterate")
}

// --- audit ---

func (s *PostgresStore) AppendAudit(ctx context.Context, ev *model.AuditEvent) error {
	_, err := s.pool.Exec(ctx, sqlAppendAudit,
		ev.ID, ev.EntityID, string(ev.Kind), ev.Timestamp.UTC(), ev.PayloadSummary)
	return eris.Wrapf(err, "postgres: append audit %s", ev.Kind)
}

func (s *PostgresStore) ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEvent, error) {
	query := `SELECT id, entity_id, kind, ts, payload_summary FROM audit_events WHERE ts >= $1`
	args := []any{filter.Since.UTC()}
	argIdx := 2
	if filter.Kind != "" {
		query += fmt.Sprintf(` AND kind = $%d`, argIdx)
		args = append(args, string(filter.Kind))
		argIdx++
	}
	if filter.EntityID != "" {
		query += fmt.Sprintf(` AND entity_id = $%d`, argIdx)
		args = append(args, filter.EntityID)
		argIdx++
	}
	query += ` ORDER BY seq`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audit")
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		var kind string
		if err := rows.Scan(&ev.ID, &ev.EntityID, &kind, &ev.Timestamp, &ev.PayloadSummary); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit")
		}
		ev.Kind = model.AuditKind(kind)
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list audit iterate")
}

// --- convergence runs ---

func (s *PostgresStore) SaveRun(ctx context.Context, state *model.ConvergenceState) error {
	body, err := json.Marshal(state)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run state")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO convergence_runs (id, session_id, status, iterations, state, started_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, iterations = EXCLUDED.iterations,
			state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		state.RunID, state.SessionID, string(state.Status), state.Iteration, body,
		state.StartedAt.UTC(), state.UpdatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save run %s", state.RunID)
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.ConvergenceState, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM convergence_runs WHERE id = $1`, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", id)
	}
	var state model.ConvergenceState
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal run state")
	}
	return &state, nil
}

func (s *PostgresStore) CountRuns(ctx context.Context, since time.Time) (map[model.LoopStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM convergence_runs WHERE updated_at >= $1 GROUP BY status`, since.UTC())
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count runs")
	}
	defer rows.Close()

	out := make(map[model.LoopStatus]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run count")
		}
		out[model.LoopStatus(status)] = int(n)
	}
	return out, eris.Wrap(rows.Err(), "postgres: count runs iterate")
}

// helpers

func scanPgRecord(row pgx.Row) (*model.Record, error) {
	var r model.Record
	var kind string
	var content []byte
	if err := row.Scan(&r.ID, &r.SessionID, &r.SchemaVersion, &kind, &content, &r.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan record")
	}
	r.Kind = model.RecordKind(kind)
	if err := json.Unmarshal(content, &r.Content); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal record content")
	}
	return &r, nil
}

func scanPgCandidate(row pgx.Row) (*model.FieldCandidate, error) {
	var c model.FieldCandidate
	if err := row.Scan(&c.Name, &c.FirstSeenAt, &c.LastSeenAt, &c.OccurrenceCount, &c.Promoted, &c.PromotedVersion); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanPgJob(row pgx.Row) (*model.BiasJob, error) {
	var j model.BiasJob
	var status string
	var types, results []byte
	err := row.Scan(&j.ID, &j.RecordAID, &j.RecordBID, &types, &status, &j.Attempts, &j.MaxAttempts,
		&j.NextAttemptAt, &j.LastError, &results, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	if err := json.Unmarshal(types, &j.AnalysisTypes); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal analysis types")
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &j.Results); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal job results")
		}
	}
	return &j, nil
}

func collectPgJobs(rows pgx.Rows) ([]model.BiasJob, error) {
	defer rows.Close()
	var out []model.BiasJob
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}
