package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"taskbeat/internal/clock"
	"taskbeat/internal/job"
)

// Memory is an in-process Store. All operations are serialized by one mutex,
// which makes every compare-and-swap trivially atomic.
type Memory struct {
	mu     sync.Mutex
	now    clock.Func
	jobs   map[string]job.Job
	defs   map[string]job.RecurringDefinition
	closed bool
}

func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		now:  o.now,
		jobs: map[string]job.Job{},
		defs: map[string]job.RecurringDefinition{},
	}
}

func (s *Memory) Create(ctx context.Context, n job.NewJob) (job.Job, error) {
	if err := ctx.Err(); err != nil {
		return job.Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return job.Job{}, ErrClosed
	}
	return s.createLocked(n)
}

func (s *Memory) createLocked(n job.NewJob) (job.Job, error) {
	j, err := n.Build(s.now())
	if err != nil {
		return job.Job{}, err
	}
	if _, dup := s.jobs[j.ID]; dup {
		return job.Job{}, fmt.Errorf("job %s already exists: %w", j.ID, job.ErrConflict)
	}
	s.jobs[j.ID] = j
	return cloneJob(j), nil
}

func (s *Memory) Get(ctx context.Context, id string) (job.Job, error) {
	if err := ctx.Err(); err != nil {
		return job.Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return job.Job{}, ErrClosed
	}
	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, fmt.Errorf("job %s: %w", id, job.ErrNotFound)
	}
	return cloneJob(j), nil
}

func (s *Memory) Transition(ctx context.Context, id string, expected, next job.State, f job.Fields) (job.Job, error) {
	if !job.CanTransition(expected, next) {
		return job.Job{}, fmt.Errorf("%w: %s -> %s", job.ErrInvalidTransition, expected, next)
	}
	if err := ctx.Err(); err != nil {
		return job.Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return job.Job{}, ErrClosed
	}
	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, fmt.Errorf("job %s: %w", id, job.ErrNotFound)
	}
	if j.State != expected {
		return job.Job{}, job.StateConflict(id, expected, j.State)
	}
	if f.ExpectLease != "" && j.LeaseToken != f.ExpectLease {
		return job.Job{}, &job.ConflictError{ID: id, Field: "lease_token", Expected: f.ExpectLease, Actual: j.LeaseToken}
	}
	f.Apply(&j, next, s.now())
	s.jobs[id] = j
	return cloneJob(j), nil
}

func (s *Memory) List(ctx context.Context, f job.Filter) ([]job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if f.Match(j) {
			out = append(out, cloneJob(j))
		}
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b job.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []job.Job{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Memory) Count(ctx context.Context, f job.Filter) (map[job.State]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[job.State]int{}
	for _, j := range s.jobs {
		if f.Match(j) {
			out[j.State]++
		}
	}
	return out, nil
}

func (s *Memory) UpsertDefinition(ctx context.Context, d job.RecurringDefinition) (job.RecurringDefinition, error) {
	d, err := d.Normalize()
	if err != nil {
		return job.RecurringDefinition{}, err
	}
	if err := ctx.Err(); err != nil {
		return job.RecurringDefinition{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return job.RecurringDefinition{}, ErrClosed
	}
	now := s.now()
	if cur, ok := s.defs[d.ID]; ok {
		cur.Kind, cur.Queue, cur.Payload = d.Kind, d.Queue, d.Payload
		cur.Schedule, cur.Timezone = d.Schedule, d.Timezone
		cur.UpdatedAt = now
		s.defs[d.ID] = cur
		return cloneDef(cur), nil
	}
	if d.LastMaterializedAt.IsZero() {
		d.LastMaterializedAt = now
	}
	d.CreatedAt, d.UpdatedAt = now, now
	s.defs[d.ID] = d
	return cloneDef(d), nil
}

func (s *Memory) GetDefinition(ctx context.Context, id string) (job.RecurringDefinition, error) {
	if err := ctx.Err(); err != nil {
		return job.RecurringDefinition{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[id]
	if !ok {
		return job.RecurringDefinition{}, fmt.Errorf("definition %s: %w", id, job.ErrNotFound)
	}
	return cloneDef(d), nil
}

func (s *Memory) ListDefinitions(ctx context.Context) ([]job.RecurringDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]job.RecurringDefinition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, cloneDef(d))
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b job.RecurringDefinition) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *Memory) Materialize(ctx context.Context, defID string, expectedLast, newLast time.Time, n job.NewJob) (job.Job, error) {
	if err := ctx.Err(); err != nil {
		return job.Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return job.Job{}, ErrClosed
	}
	d, ok := s.defs[defID]
	if !ok {
		return job.Job{}, fmt.Errorf("definition %s: %w", defID, job.ErrNotFound)
	}
	if !d.LastMaterializedAt.Equal(expectedLast) {
		return job.Job{}, lastConflict(defID, expectedLast, d.LastMaterializedAt)
	}
	n.DefinitionID = defID
	j, err := s.createLocked(n)
	if err != nil {
		return job.Job{}, err
	}
	d.LastMaterializedAt = newLast
	d.UpdatedAt = s.now()
	s.defs[defID] = d
	return j, nil
}

func (s *Memory) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Memory) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func lastConflict(defID string, expected, actual time.Time) *job.ConflictError {
	return &job.ConflictError{
		ID:       defID,
		Field:    "last_materialized_at",
		Expected: expected.Format(time.RFC3339Nano),
		Actual:   actual.Format(time.RFC3339Nano),
	}
}

func cloneJob(j job.Job) job.Job {
	j.Payload = slices.Clone(j.Payload)
	return j
}

func cloneDef(d job.RecurringDefinition) job.RecurringDefinition {
	d.Payload = slices.Clone(d.Payload)
	return d
}
