package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"taskbeat/internal/clock"
	"taskbeat/internal/job"
	logx "taskbeat/pkg/logx"
)

// dialect captures what differs between the SQL drivers.
type dialect struct {
	name        string
	schema      string
	numbered    bool // $1, $2 ... placeholders instead of ?
	isDuplicate func(error) bool
}

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// sqlStore implements Store on database/sql. Timestamps are stored as
// unix nanoseconds so both drivers round-trip them exactly.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
	now clock.Func
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger, o options) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, d: d, log: log, now: clock.OrSystem(o.now)}
}

func (s *sqlStore) bootstrap(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.d.schema); err != nil {
		return fmt.Errorf("%s bootstrap schema: %w", s.d.name, err)
	}
	return nil
}

const jobColumns = `id, kind, queue, payload, state, attempt_count, max_attempts, not_before, last_error, lease_token, definition_id, created_at, updated_at`

const defColumns = `id, kind, queue, payload, schedule, timezone, last_materialized_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanJob(r rowScanner) (job.Job, error) {
	var (
		j                           job.Job
		state                       string
		notBefore, created, updated int64
	)
	if err := r.Scan(&j.ID, &j.Kind, &j.Queue, &j.Payload, &state, &j.AttemptCount, &j.MaxAttempts,
		&notBefore, &j.LastError, &j.LeaseToken, &j.DefinitionID, &created, &updated); err != nil {
		return job.Job{}, err
	}
	j.State = job.State(state)
	j.NotBefore = fromNanos(notBefore)
	j.CreatedAt = fromNanos(created)
	j.UpdatedAt = fromNanos(updated)
	return j, nil
}

func scanDef(r rowScanner) (job.RecurringDefinition, error) {
	var (
		d                      job.RecurringDefinition
		last, created, updated int64
	)
	if err := r.Scan(&d.ID, &d.Kind, &d.Queue, &d.Payload, &d.Schedule, &d.Timezone, &last, &created, &updated); err != nil {
		return job.RecurringDefinition{}, err
	}
	d.LastMaterializedAt = fromNanos(last)
	d.CreatedAt = fromNanos(created)
	d.UpdatedAt = fromNanos(updated)
	return d, nil
}

func (s *sqlStore) Create(ctx context.Context, n job.NewJob) (job.Job, error) {
	j, err := n.Build(s.now())
	if err != nil {
		return job.Job{}, err
	}
	if err := s.insertJob(ctx, s.db, j); err != nil {
		return job.Job{}, err
	}
	return j, nil
}

func (s *sqlStore) insertJob(ctx context.Context, ex execer, j job.Job) error {
	_, err := ex.ExecContext(ctx, s.d.rebind(`INSERT INTO jobs(`+jobColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		j.ID, j.Kind, j.Queue, j.Payload, string(j.State), j.AttemptCount, j.MaxAttempts,
		nanos(j.NotBefore), j.LastError, j.LeaseToken, j.DefinitionID, nanos(j.CreatedAt), nanos(j.UpdatedAt),
	)
	if err != nil {
		if s.d.isDuplicate != nil && s.d.isDuplicate(err) {
			return fmt.Errorf("job %s already exists: %w", j.ID, job.ErrConflict)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, id string) (job.Job, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, fmt.Errorf("job %s: %w", id, job.ErrNotFound)
	}
	if err != nil {
		return job.Job{}, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// Transition reads the row, then applies the update guarded by the state,
// attempt count and lease token it read. attempt_count only grows when a job
// enters RUNNING, so a state that left and came back is always detected.
func (s *sqlStore) Transition(ctx context.Context, id string, expected, next job.State, f job.Fields) (job.Job, error) {
	if !job.CanTransition(expected, next) {
		return job.Job{}, fmt.Errorf("%w: %s -> %s", job.ErrInvalidTransition, expected, next)
	}
	cur, err := s.Get(ctx, id)
	if err != nil {
		return job.Job{}, err
	}
	if cur.State != expected {
		return job.Job{}, job.StateConflict(id, expected, cur.State)
	}
	if f.ExpectLease != "" && cur.LeaseToken != f.ExpectLease {
		return job.Job{}, &job.ConflictError{ID: id, Field: "lease_token", Expected: f.ExpectLease, Actual: cur.LeaseToken}
	}

	upd := cur
	f.Apply(&upd, next, s.now())
	res, err := s.db.ExecContext(ctx, s.d.rebind(`UPDATE jobs
		SET state = ?, attempt_count = ?, not_before = ?, last_error = ?, lease_token = ?, updated_at = ?
		WHERE id = ? AND state = ? AND attempt_count = ? AND lease_token = ?`),
		string(upd.State), upd.AttemptCount, nanos(upd.NotBefore), upd.LastError, upd.LeaseToken, nanos(upd.UpdatedAt),
		id, string(cur.State), cur.AttemptCount, cur.LeaseToken,
	)
	if err != nil {
		return job.Job{}, fmt.Errorf("transition job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return job.Job{}, fmt.Errorf("transition job: %w", err)
	}
	if n == 0 {
		latest, err := s.Get(ctx, id)
		if err != nil {
			return job.Job{}, err
		}
		if latest.State == expected {
			return job.Job{}, &job.ConflictError{ID: id, Field: "lease_token", Expected: cur.LeaseToken, Actual: latest.LeaseToken}
		}
		return job.Job{}, job.StateConflict(id, expected, latest.State)
	}
	return upd, nil
}

func whereJobs(f job.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, st := range f.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "state IN ("+strings.Join(marks, ",")+")")
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.Queue != "" {
		conds = append(conds, "queue = ?")
		args = append(args, f.Queue)
	}
	if f.DefinitionID != "" {
		conds = append(conds, "definition_id = ?")
		args = append(args, f.DefinitionID)
	}
	if !f.NotBeforeUntil.IsZero() {
		conds = append(conds, "not_before <= ?")
		args = append(args, nanos(f.NotBeforeUntil))
	}
	if !f.UpdatedUntil.IsZero() {
		conds = append(conds, "updated_at <= ?")
		args = append(args, nanos(f.UpdatedUntil))
	}
	if f.After != nil {
		at := nanos(f.After.CreatedAt)
		conds = append(conds, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, at, at, f.After.ID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *sqlStore) List(ctx context.Context, f job.Filter) ([]job.Job, error) {
	where, args := whereJobs(f)
	q := `SELECT ` + jobColumns + ` FROM jobs` + where + ` ORDER BY created_at, id`
	limit := f.Limit
	if f.Offset > 0 && limit <= 0 {
		limit = math.MaxInt32
	}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
		if f.Offset > 0 {
			q += ` OFFSET ?`
			args = append(args, f.Offset)
		}
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := []job.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqlStore) Count(ctx context.Context, f job.Filter) (map[job.State]int, error) {
	where, args := whereJobs(f)
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`SELECT state, COUNT(*) FROM jobs`+where+` GROUP BY state`), args...)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	out := map[job.State]int{}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("count jobs: %w", err)
		}
		out[job.State(st)] = n
	}
	return out, rows.Err()
}

func (s *sqlStore) UpsertDefinition(ctx context.Context, d job.RecurringDefinition) (job.RecurringDefinition, error) {
	d, err := d.Normalize()
	if err != nil {
		return job.RecurringDefinition{}, err
	}
	now := s.now()
	last := d.LastMaterializedAt
	if last.IsZero() {
		last = now
	}
	_, err = s.db.ExecContext(ctx, s.d.rebind(`INSERT INTO recurring_definitions(`+defColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, queue = excluded.queue, payload = excluded.payload,
			schedule = excluded.schedule, timezone = excluded.timezone, updated_at = excluded.updated_at`),
		d.ID, d.Kind, d.Queue, d.Payload, d.Schedule, d.Timezone, nanos(last), nanos(now), nanos(now),
	)
	if err != nil {
		return job.RecurringDefinition{}, fmt.Errorf("upsert definition: %w", err)
	}
	return s.GetDefinition(ctx, d.ID)
}

func (s *sqlStore) GetDefinition(ctx context.Context, id string) (job.RecurringDefinition, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+defColumns+` FROM recurring_definitions WHERE id = ?`), id)
	d, err := scanDef(row)
	if errors.Is(err, sql.ErrNoRows) {
		return job.RecurringDefinition{}, fmt.Errorf("definition %s: %w", id, job.ErrNotFound)
	}
	if err != nil {
		return job.RecurringDefinition{}, fmt.Errorf("get definition: %w", err)
	}
	return d, nil
}

func (s *sqlStore) ListDefinitions(ctx context.Context) ([]job.RecurringDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+defColumns+` FROM recurring_definitions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	out := []job.RecurringDefinition{}
	for rows.Next() {
		d, err := scanDef(rows)
		if err != nil {
			return nil, fmt.Errorf("list definitions: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqlStore) Materialize(ctx context.Context, defID string, expectedLast, newLast time.Time, n job.NewJob) (job.Job, error) {
	now := s.now()
	n.DefinitionID = defID
	j, err := n.Build(now)
	if err != nil {
		return job.Job{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return job.Job{}, fmt.Errorf("materialize: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.d.rebind(`UPDATE recurring_definitions
		SET last_materialized_at = ?, updated_at = ?
		WHERE id = ? AND last_materialized_at = ?`),
		nanos(newLast), nanos(now), defID, nanos(expectedLast),
	)
	if err != nil {
		return job.Job{}, fmt.Errorf("materialize: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return job.Job{}, fmt.Errorf("materialize: %w", err)
	}
	if affected == 0 {
		var cur int64
		err := tx.QueryRowContext(ctx, s.d.rebind(`SELECT last_materialized_at FROM recurring_definitions WHERE id = ?`), defID).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return job.Job{}, fmt.Errorf("definition %s: %w", defID, job.ErrNotFound)
		}
		if err != nil {
			return job.Job{}, fmt.Errorf("materialize: %w", err)
		}
		return job.Job{}, lastConflict(defID, expectedLast, fromNanos(cur))
	}
	if err := s.insertJob(ctx, tx, j); err != nil {
		return job.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return job.Job{}, fmt.Errorf("materialize commit: %w", err)
	}
	return j, nil
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
