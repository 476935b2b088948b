// Package beat materializes recurring definitions into jobs. Any number of
// scheduler instances may run against one store; the conditional update of
// last_materialized_at decides which instance creates each occurrence.
package beat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"taskbeat/internal/broker"
	"taskbeat/internal/clock"
	"taskbeat/internal/eventbus"
	"taskbeat/internal/job"
	rtsup "taskbeat/internal/runtime/supervisor"
	"taskbeat/internal/store"
	logx "taskbeat/pkg/logx"
)

// ErrHalted is reported by Err once MaxStoreFailures consecutive store
// failures have occurred.
var ErrHalted = errors.New("beat scheduler halted")

type Config struct {
	// Timezone applies to cron definitions that do not name their own.
	Timezone     string
	TickInterval time.Duration
	// ResyncEvery is how often queued jobs missing from the broker are
	// re-enqueued; ResyncGrace is how overdue a job must be to qualify.
	ResyncEvery time.Duration
	ResyncGrace time.Duration
	// ResyncBatch bounds each resync page. Pages continue from the previous
	// round and wrap once a short page is returned.
	ResyncBatch int
	// VisibilityTimeout is the worker lease length. RUNNING jobs untouched
	// for longer than VisibilityTimeout+ResyncGrace are handed back to the
	// broker so an expired lease that the broker lost is still recovered.
	VisibilityTimeout time.Duration
	// MaxStoreFailures is the consecutive failure count that halts the scheduler.
	MaxStoreFailures int
}

func (c Config) WithDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.ResyncEvery <= 0 {
		c.ResyncEvery = 30 * time.Second
	}
	if c.ResyncGrace <= 0 {
		c.ResyncGrace = time.Minute
	}
	if c.ResyncBatch <= 0 {
		c.ResyncBatch = 500
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = time.Minute
	}
	if c.MaxStoreFailures <= 0 {
		c.MaxStoreFailures = 5
	}
	return c
}

type Deps struct {
	Store  store.Store
	Broker broker.Broker
	Bus    eventbus.Bus
	Log    logx.Logger
	Now    clock.Func
}

type compiled struct {
	key   string
	sched cron.Schedule
	err   error
}

type Scheduler struct {
	cfg Config
	st  store.Store
	br  broker.Broker
	bus eventbus.Bus
	log logx.Logger
	now clock.Func
	loc *time.Location

	mu  sync.Mutex
	sup *rtsup.Supervisor

	cmu   sync.Mutex
	cache map[string]compiled

	rmu           sync.Mutex
	queuedCursor  *job.Cursor
	runningCursor *job.Cursor

	failures     atomic.Int32
	materialized atomic.Uint64
	catchups     atomic.Uint64
	conflicts    atomic.Uint64
	resynced     atomic.Uint64
	requeued     atomic.Uint64
	lastTick     atomic.Int64
}

func New(cfg Config, d Deps) *Scheduler {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "beat"))
	cfg = cfg.WithDefaults()

	loc, err := LoadLocation(cfg.Timezone, time.UTC)
	if err != nil {
		log.Warn("invalid timezone, fallback to UTC", logx.String("tz", cfg.Timezone), logx.Err(err))
		loc = time.UTC
	}
	return &Scheduler{
		cfg:   cfg,
		st:    d.Store,
		br:    d.Broker,
		bus:   d.Bus,
		log:   log,
		now:   clock.OrSystem(d.Now),
		loc:   loc,
		cache: map[string]compiled{},
	}
}

// Register validates and upserts defs. New definitions are anchored at the
// current time, so their first occurrence is the first due time after it.
func (s *Scheduler) Register(ctx context.Context, defs ...job.RecurringDefinition) error {
	for _, d := range defs {
		d, err := d.Normalize()
		if err != nil {
			return err
		}
		sched, err := s.schedule(d)
		if err != nil {
			return fmt.Errorf("definition %s: %w", d.ID, err)
		}
		saved, err := s.st.UpsertDefinition(ctx, d)
		if err != nil {
			return fmt.Errorf("definition %s: %w", d.ID, err)
		}
		s.log.Info("beat.definition",
			logx.String("id", saved.ID),
			logx.String("kind", saved.Kind),
			logx.String("schedule", saved.Schedule),
			logx.Any("next", NextRuns(sched, saved.LastMaterializedAt, 3)),
		)
	}
	return nil
}

// schedule returns the compiled schedule of d, caching by schedule and zone.
func (s *Scheduler) schedule(d job.RecurringDefinition) (cron.Schedule, error) {
	key := d.Schedule + "|" + d.Timezone
	s.cmu.Lock()
	c, ok := s.cache[d.ID]
	s.cmu.Unlock()
	if ok && c.key == key {
		return c.sched, c.err
	}

	c = compiled{key: key}
	spec, err := ParseSchedule(d.Schedule)
	if err == nil {
		var loc *time.Location
		loc, err = LoadLocation(d.Timezone, s.loc)
		if err == nil {
			c.sched, err = spec.Schedule(loc)
		}
	}
	c.err = err
	s.cmu.Lock()
	s.cache[d.ID] = c
	s.cmu.Unlock()
	return c.sched, c.err
}

// Tick materializes every definition that is due and returns how many jobs
// this instance created. Store errors abort the tick; broker errors are
// logged and left for Resync.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now()
	s.lastTick.Store(now.UnixNano())
	defs, err := s.st.ListDefinitions(ctx)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, d := range defs {
		if ctx.Err() != nil {
			return created, ctx.Err()
		}
		ok, err := s.fire(ctx, d, now)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

func (s *Scheduler) fire(ctx context.Context, d job.RecurringDefinition, now time.Time) (bool, error) {
	sched, err := s.schedule(d)
	if err != nil {
		s.log.Warn("beat.bad_definition", logx.String("id", d.ID), logx.Err(err))
		return false, nil
	}
	anchor := d.LastMaterializedAt
	if anchor.IsZero() {
		anchor = d.CreatedAt
	}
	due := sched.Next(anchor)
	if due.IsZero() || now.Before(due) {
		return false, nil
	}

	// One occurrence per tick. When more than one due time has passed, the
	// missed ones collapse into a single job that runs now.
	nb, last := due, due
	catchup := false
	if next := sched.Next(due); !next.After(now) {
		nb, last = now, now
		catchup = true
	}

	j, err := s.st.Materialize(ctx, d.ID, d.LastMaterializedAt, last, job.NewJob{
		Kind:         d.Kind,
		Queue:        d.Queue,
		Payload:      d.Payload,
		NotBefore:    nb,
		DefinitionID: d.ID,
	})
	switch {
	case job.IsConflict(err):
		s.conflicts.Add(1)
		s.log.Debug("beat.skip", logx.String("id", d.ID), logx.String("reason", "materialized elsewhere"))
		return false, nil
	case errors.Is(err, job.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}

	s.materialized.Add(1)
	if catchup {
		s.catchups.Add(1)
	}
	if err := s.br.Enqueue(ctx, j.ID, j.Queue, j.NotBefore); err != nil {
		s.log.Warn("beat.enqueue_failed", logx.String("job_id", j.ID), logx.Err(err))
	}
	s.log.Info("beat.materialized",
		logx.String("id", d.ID),
		logx.String("job_id", j.ID),
		logx.Time("not_before", j.NotBefore),
		logx.Bool("catchup", catchup),
	)
	eventbus.Publish(s.bus, job.EventMaterialized, job.EventOf(j))
	return true, nil
}

// Resync re-enqueues PENDING and SCHEDULED jobs whose not_before is older
// than ResyncGrace, and RUNNING jobs with no store update for
// VisibilityTimeout+ResyncGrace. Enqueue is idempotent, so jobs already in
// the broker keep their position and any active lease.
func (s *Scheduler) Resync(ctx context.Context) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	now := s.now()
	queued, err := s.resyncPage(ctx, &s.queuedCursor, job.Filter{
		States:         []job.State{job.StatePending, job.StateScheduled},
		NotBeforeUntil: now.Add(-s.cfg.ResyncGrace),
	})
	var running int
	if err == nil {
		running, err = s.resyncPage(ctx, &s.runningCursor, job.Filter{
			States:       []job.State{job.StateRunning},
			UpdatedUntil: now.Add(-(s.cfg.VisibilityTimeout + s.cfg.ResyncGrace)),
		})
	}

	n := queued + running
	if n > 0 {
		s.resynced.Add(uint64(n))
		s.requeued.Add(uint64(running))
		s.log.Info("beat.resync", logx.Int("jobs", n), logx.Int("stale_running", running))
	}
	return n, err
}

// resyncPage enqueues one page of f starting after *cur and advances *cur.
func (s *Scheduler) resyncPage(ctx context.Context, cur **job.Cursor, f job.Filter) (int, error) {
	f.After = *cur
	f.Limit = s.cfg.ResyncBatch
	jobs, err := s.st.List(ctx, f)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if err := s.br.Enqueue(ctx, j.ID, j.Queue, j.NotBefore); err != nil {
			return n, err
		}
		*cur = job.CursorOf(j)
		n++
	}
	if len(jobs) < f.Limit {
		*cur = nil
	}
	return n, nil
}

// Start launches the tick and resync loops. It is idempotent.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.st == nil || s.br == nil {
		return errors.New("beat scheduler needs a store and a broker")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup = sup

	sup.GoRestart("beat.tick", func(c context.Context) error {
		s.every(c, s.cfg.TickInterval, s.Tick)
		return nil
	})
	sup.GoRestart("beat.resync", func(c context.Context) error {
		s.every(c, s.cfg.ResyncEvery, s.Resync)
		return nil
	})
	s.log.Info("beat scheduler started",
		logx.Duration("tick", s.cfg.TickInterval),
		logx.String("tz", s.loc.String()),
	)
	return nil
}

func (s *Scheduler) every(ctx context.Context, d time.Duration, fn func(context.Context) (int, error)) {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		if _, err := fn(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.storeFailure(err)
		} else {
			s.failures.Store(0)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Scheduler) storeFailure(err error) {
	n := int(s.failures.Add(1))
	s.log.Error("beat.store_failure", logx.Err(err), logx.Int("consecutive", n))
	if n < s.cfg.MaxStoreFailures {
		return
	}
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup != nil {
		sup.Fail(fmt.Errorf("%w after %d consecutive failures: %w", ErrHalted, n, err))
	}
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.log.Info("beat scheduler stopped",
		logx.Uint64("materialized", s.materialized.Load()),
		logx.Uint64("resynced", s.resynced.Load()),
	)
	return err
}

func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup == nil {
		return nil
	}
	return s.sup.Done()
}

func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup == nil {
		return nil
	}
	return s.sup.Err()
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Timezone            string        `json:"timezone"`
	LastTick            time.Time     `json:"last_tick,omitzero"`
	Materialized        uint64        `json:"materialized"`
	CatchUps            uint64        `json:"catch_ups"`
	Conflicts           uint64        `json:"conflicts"`
	Resynced            uint64        `json:"resynced"`
	RequeuedRunning     uint64        `json:"requeued_running"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Halted              string        `json:"halted,omitempty"`
	Goroutines          []rtsup.Stats `json:"goroutines,omitempty"`
}

func (s *Scheduler) Snapshot() Snapshot {
	out := Snapshot{
		Timezone:            s.loc.String(),
		Materialized:        s.materialized.Load(),
		CatchUps:            s.catchups.Load(),
		Conflicts:           s.conflicts.Load(),
		Resynced:            s.resynced.Load(),
		RequeuedRunning:     s.requeued.Load(),
		ConsecutiveFailures: int(s.failures.Load()),
	}
	if ns := s.lastTick.Load(); ns != 0 {
		out.LastTick = time.Unix(0, ns).UTC()
	}
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup != nil {
		out.Goroutines = sup.Snapshot()
		if err := sup.Err(); err != nil {
			out.Halted = err.Error()
		}
	}
	return out
}
