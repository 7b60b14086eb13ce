package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/pald-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// The pool is limited to one connection so multi-statement transactions
// never race on the write lock.
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
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS records (
	id             TEXT PRIMARY KEY,
	session_id     TEXT NOT NULL DEFAULT '',
	schema_version TEXT NOT NULL,
	kind           TEXT NOT NULL,
	content        TEXT NOT NULL,
	created_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_versions (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	version      TEXT NOT NULL UNIQUE,
	parent       TEXT NOT NULL UNIQUE,
	checksum     TEXT NOT NULL,
	document     TEXT NOT NULL,
	published_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS field_candidates (
	name             TEXT PRIMARY KEY,
	first_seen_at    TEXT NOT NULL,
	last_seen_at     TEXT NOT NULL,
	occurrence_count INTEGER NOT NULL DEFAULT 0,
	promoted         INTEGER NOT NULL DEFAULT 0,
	promoted_version TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS bias_jobs (
	id              TEXT PRIMARY KEY,
	record_a        TEXT NOT NULL REFERENCES records(id),
	record_b        TEXT NOT NULL REFERENCES records(id),
	analysis_types  TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	attempts        INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL DEFAULT 3,
	next_attempt_at TEXT NOT NULL,
	last_error      TEXT NOT NULL DEFAULT '',
	results         TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	entity_id       TEXT NOT NULL,
	kind            TEXT NOT NULL,
	ts              TEXT NOT NULL,
	payload_summary TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS convergence_runs (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	status     TEXT NOT NULL,
	iterations INTEGER NOT NULL DEFAULT 0,
	state      TEXT NOT NULL,
	started_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_session ON records(session_id);
CREATE INDEX IF NOT EXISTS idx_bias_jobs_due ON bias_jobs(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts);
CREATE INDEX IF NOT EXISTS idx_audit_events_entity ON audit_events(entity_id);
CREATE INDEX IF NOT EXISTS idx_convergence_runs_updated ON convergence_runs(updated_at);
`

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

// --- records ---

func (s *SQLiteStore) CreateRecord(ctx context.Context, r *model.Record) error {
	content, err := json.Marshal(r.Content)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal record content")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (id, session_id, schema_version, kind, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.SchemaVersion, string(r.Kind), string(content), fmtTime(r.CreatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert record %s", r.ID)
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, schema_version, kind, content, created_at FROM records WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "record %s", id)
	}
	return r, err
}

func (s *SQLiteStore) ListRecords(ctx context.Context, sessionID string) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, schema_version, kind, content, created_at FROM records
		 WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

// --- schema versions ---

func (s *SQLiteStore) ListSchemas(ctx context.Context) ([]model.Schema, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM schema_versions ORDER BY seq`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list schemas")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Schema
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan schema")
		}
		sch, err := decodeSchema([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, *sch)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list schemas iterate")
}

func (s *SQLiteStore) SchemaToken(ctx context.Context) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT version || ':' || checksum FROM schema_versions ORDER BY seq DESC LIMIT 1`).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return token, eris.Wrap(err, "sqlite: schema token")
}

func (s *SQLiteStore) PublishSchema(ctx context.Context, next *model.Schema, promoted []string) error {
	doc, err := json.Marshal(next)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal schema")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin publish")
	}
	defer tx.Rollback() //nolint:errcheck

	var latest string
	err = tx.QueryRowContext(ctx, `SELECT version FROM schema_versions ORDER BY seq DESC LIMIT 1`).Scan(&latest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return eris.Wrap(err, "sqlite: read latest schema")
	}
	if latest != next.Parent {
		return eris.Wrapf(model.ErrPromotionConflict, "sqlite: publish %s: parent %q is not latest %q", next.Version, next.Parent, latest)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO schema_versions (version, parent, checksum, document, published_at) VALUES (?, ?, ?, ?, ?)`,
		next.Version, next.Parent, next.Checksum, string(doc), fmtTime(next.PublishedAt),
	)
	if err != nil {
		if isSQLiteUnique(err) {
			return eris.Wrapf(model.ErrPromotionConflict, "sqlite: publish %s", next.Version)
		}
		return eris.Wrapf(err, "sqlite: insert schema %s", next.Version)
	}

	for _, name := range promoted {
		if _, err := tx.ExecContext(ctx,
			`UPDATE field_candidates SET promoted = 1, promoted_version = ? WHERE name = ?`,
			next.Version, name,
		); err != nil {
			return eris.Wrapf(err, "sqlite: mark candidate %s promoted", name)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit publish")
}

// --- field candidates ---

func (s *SQLiteStore) MarkCandidatesPromoted(ctx context.Context, version string, names []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin mark promoted")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, name := range names {
		if _, err := tx.ExecContext(ctx,
			`UPDATE field_candidates SET promoted = 1, promoted_version = ? WHERE name = ?`,
			version, name,
		); err != nil {
			return eris.Wrapf(err, "sqlite: mark candidate %s promoted", name)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit mark promoted")
}

func (s *SQLiteStore) IncrementCandidate(ctx context.Context, name string, at time.Time) (*model.FieldCandidate, error) {
	ts := fmtTime(at)
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO field_candidates (name, first_seen_at, last_seen_at, occurrence_count) VALUES (?, ?, ?, 1)
		 ON CONFLICT(name) DO UPDATE SET occurrence_count = occurrence_count + 1, last_seen_at = excluded.last_seen_at
		 RETURNING name, first_seen_at, last_seen_at, occurrence_count, promoted, promoted_version`,
		name, ts, ts,
	)
	c, err := scanCandidate(row)
	return c, eris.Wrapf(err, "sqlite: increment candidate %s", name)
}

func (s *SQLiteStore) GetCandidate(ctx context.Context, name string) (*model.FieldCandidate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, first_seen_at, last_seen_at, occurrence_count, promoted, promoted_version
		 FROM field_candidates WHERE name = ?`, name)
	c, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "candidate %s", name)
	}
	return c, err
}

func (s *SQLiteStore) ListCandidates(ctx context.Context, filter CandidateFilter) ([]model.FieldCandidate, error) {
	query := `SELECT name, first_seen_at, last_seen_at, occurrence_count, promoted, promoted_version
		FROM field_candidates WHERE occurrence_count >= ?`
	args := []any{filter.MinCount}
	if !filter.IncludePromoted {
		query += ` AND promoted = 0`
	}
	query += ` ORDER BY occurrence_count DESC, first_seen_at ASC, name ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list candidates")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.FieldCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list candidates iterate")
}

func (s *SQLiteStore) DeleteCandidate(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM field_candidates WHERE name = ?`, name)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete candidate %s", name)
	}
	return checkRowsAffected(res, "candidate", name)
}

// --- bias jobs ---

const jobColumns = `id, record_a, record_b, analysis_types, status, attempts, max_attempts,
	next_attempt_at, last_error, results, created_at, updated_at`

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.BiasJob) error {
	types, err := json.Marshal(job.AnalysisTypes)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal analysis types")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO bias_jobs (id, record_a, record_b, analysis_types, status, attempts, max_attempts,
			next_attempt_at, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.RecordAID, job.RecordBID, string(types), string(job.Status), job.Attempts, job.MaxAttempts,
		fmtTime(job.NextAttemptAt), job.LastError, fmtTime(job.CreatedAt), fmtTime(job.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.BiasJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM bias_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "job %s", id)
	}
	return j, err
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter model.JobFilter) ([]model.BiasJob, error) {
	query := `SELECT ` + jobColumns + ` FROM bias_jobs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close() //nolint:errcheck
	return collectJobs(rows)
}

func (s *SQLiteStore) ClaimJobs(ctx context.Context, opts ClaimOptions) ([]model.BiasJob, error) {
	if opts.Limit <= 0 {
		return nil, nil
	}
	now := fmtTime(opts.Now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin claim")
	}
	defer tx.Rollback() //nolint:errcheck

	query := `SELECT id FROM bias_jobs
		WHERE (status IN ('pending', 'failed') AND next_attempt_at <= ?)`
	args := []any{now}
	if !opts.StaleBefore.IsZero() {
		query += ` OR (status = 'running' AND updated_at < ?)`
		args = append(args, fmtTime(opts.StaleBefore))
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, opts.Limit)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select due jobs")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "sqlite: scan due job")
		}
		ids = append(ids, id)
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: select due jobs iterate")
	}

	claimed := make([]model.BiasJob, 0, len(ids))
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE bias_jobs SET status = 'running', attempts = attempts + 1, updated_at = ? WHERE id = ?`,
			now, id,
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: claim job %s", id)
		}
		j, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM bias_jobs WHERE id = ?`, id))
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, *j)
	}
	return claimed, eris.Wrap(tx.Commit(), "sqlite: commit claim")
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string, results map[model.AnalysisType]json.RawMessage, at time.Time) error {
	body, err := json.Marshal(results)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job results")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE bias_jobs SET status = 'succeeded', results = ?, last_error = '', updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		string(body), fmtTime(at), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", id)
	}
	return checkRowsAffected(res, "running job", id)
}

func (s *SQLiteStore) FailJob(ctx context.Context, id string, status model.JobStatus, lastErr string, nextAttemptAt, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bias_jobs SET status = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		string(status), lastErr, fmtTime(nextAttemptAt), fmtTime(at), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", id)
	}
	return checkRowsAffected(res, "running job", id)
}

func (s *SQLiteStore) RequeueJob(ctx context.Context, id string, at time.Time) error {
	ts := fmtTime(at)
	res, err := s.db.ExecContext(ctx,
		`UPDATE bias_jobs SET status = 'pending', attempts = 0, next_attempt_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'dead_letter'`,
		ts, ts, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: requeue job %s", id)
	}
	return checkRowsAffected(res, "dead-lettered job", id)
}

func (s *SQLiteStore) CountJobs(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM bias_jobs GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count jobs")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[model.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job count")
		}
		out[model.JobStatus(status)] = n
	}
	return out, eris.Wrap(rows.Err(), "sqlite: count jobs iterate")
}

// --- audit ---

func (s *SQLiteStore) AppendAudit(ctx context.Context, ev *model.AuditEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, entity_id, kind, ts, payload_summary) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.EntityID, string(ev.Kind), fmtTime(ev.Timestamp), ev.PayloadSummary,
	)
	return eris.Wrapf(err, "sqlite: append audit %s", ev.Kind)
}

func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]model.AuditEvent, error) {
	query := `SELECT id, entity_id, kind, ts, payload_summary FROM audit_events WHERE ts >= ?`
	args := []any{fmtTime(filter.Since)}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	if filter.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, filter.EntityID)
	}
	query += ` ORDER BY seq`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audit")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		var kind, ts string
		if err := rows.Scan(&ev.ID, &ev.EntityID, &kind, &ts, &ev.PayloadSummary); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit")
		}
		ev.Kind = model.AuditKind(kind)
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list audit iterate")
}

// --- convergence runs ---

func (s *SQLiteStore) SaveRun(ctx context.Context, state *model.ConvergenceState) error {
	body, err := json.Marshal(state)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run state")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO convergence_runs (id, session_id, status, iterations, state, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, iterations = excluded.iterations,
			state = excluded.state, updated_at = excluded.updated_at`,
		state.RunID, state.SessionID, string(state.Status), state.Iteration, string(body),
		fmtTime(state.StartedAt), fmtTime(state.UpdatedAt),
	)
	return eris.Wrapf(err, "sqlite: save run %s", state.RunID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.ConvergenceState, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM convergence_runs WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", id)
	}
	var state model.ConvergenceState
	if err := json.Unmarshal([]byte(body), &state); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal run state")
	}
	return &state, nil
}

func (s *SQLiteStore) CountRuns(ctx context.Context, since time.Time) (map[model.LoopStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM convergence_runs WHERE updated_at >= ? GROUP BY status`, fmtTime(since))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count runs")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[model.LoopStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run count")
		}
		out[model.LoopStatus(status)] = n
	}
	return out, eris.Wrap(rows.Err(), "sqlite: count runs iterate")
}

// helpers

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	return t, eris.Wrapf(err, "sqlite: parse time %q", s)
}

func isSQLiteUnique(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*model.Record, error) {
	var r model.Record
	var kind, content, created string
	if err := row.Scan(&r.ID, &r.SessionID, &r.SchemaVersion, &kind, &content, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan record")
	}
	r.Kind = model.RecordKind(kind)
	if err := json.Unmarshal([]byte(content), &r.Content); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal record content")
	}
	var err error
	r.CreatedAt, err = parseTime(created)
	return &r, err
}

func scanCandidate(row scannable) (*model.FieldCandidate, error) {
	var c model.FieldCandidate
	var first, last string
	var promoted int
	if err := row.Scan(&c.Name, &first, &last, &c.OccurrenceCount, &promoted, &c.PromotedVersion); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan candidate")
	}
	c.Promoted = promoted != 0
	var err error
	if c.FirstSeenAt, err = parseTime(first); err != nil {
		return nil, err
	}
	c.LastSeenAt, err = parseTime(last)
	return &c, err
}

func scanJob(row scannable) (*model.BiasJob, error) {
	var j model.BiasJob
	var types, status, next, created, updated string
	var results sql.NullString
	err := row.Scan(&j.ID, &j.RecordAID, &j.RecordBID, &types, &status, &j.Attempts, &j.MaxAttempts,
		&next, &j.LastError, &results, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan job")
	}
	j.Status = model.JobStatus(status)
	if err := json.Unmarshal([]byte(types), &j.AnalysisTypes); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal analysis types")
	}
	if results.Valid && results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &j.Results); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal job results")
		}
	}
	if j.NextAttemptAt, err = parseTime(next); err != nil {
		return nil, err
	}
	if j.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	j.UpdatedAt, err = parseTime(updated)
	return &j, err
}

func collectJobs(rows *sql.Rows) ([]model.BiasJob, error) {
	var out []model.BiasJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func decodeSchema(doc []byte) (*model.Schema, error) {
	var sch model.Schema
	if err := json.Unmarshal(doc, &sch); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal schema")
	}
	if err := sch.Reindex(); err != nil {
		return nil, eris.Wrap(err, "store: reindex schema")
	}
	return &sch, nil
}
