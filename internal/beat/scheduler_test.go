package beat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbeat/internal/broker"
	"taskbeat/internal/clock"
	"taskbeat/internal/eventbus"
	"taskbeat/internal/job"
	rtsup "taskbeat/internal/runtime/supervisor"
	"taskbeat/internal/store"
	logx "taskbeat/pkg/logx"
)

var t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

type env struct {
	clk *clock.Fake
	st  store.Store
	br  *broker.Memory
	bus eventbus.Bus
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := clock.NewFake(t0)
	return &env{
		clk: clk,
		st:  store.NewMemory(store.WithClock(clk.Now)),
		br:  broker.NewMemory(broker.WithClock(clk.Now)),
		bus: eventbus.New(),
	}
}

func (e *env) scheduler(cfg Config) *Scheduler {
	return New(cfg, Deps{Store: e.st, Broker: e.br, Bus: e.bus, Now: e.clk.Now})
}

func everyMinute(id string) job.RecurringDefinition {
	return job.RecurringDefinition{ID: id, Kind: "report", Schedule: "1m", Payload: []byte(`{"n":1}`)}
}

func occurrences(t *testing.T, st store.Store, defID string) []job.Job {
	t.Helper()
	jobs, err := st.List(context.Background(), job.Filter{DefinitionID: defID})
	require.NoError(t, err)
	return jobs
}

func TestTickFiresOnTime(t *testing.T) {
	e := newEnv(t)
	s := e.scheduler(Config{})
	ctx := context.Background()
	require.NoError(t, s.Register(ctx, everyMinute("d1")))

	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing is due at the anchor")

	e.clk.Advance(time.Minute)
	n, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs := occurrences(t, e.st, "d1")
	require.Len(t, jobs, 1)
	assert.Equal(t, "report", jobs[0].Kind)
	assert.Equal(t, job.DefaultQueue, jobs[0].Queue)
	assert.Equal(t, job.StatePending, jobs[0].State)
	assert.True(t, jobs[0].NotBefore.Equal(t0.Add(time.Minute)))
	assert.JSONEq(t, `{"n":1}`, string(jobs[0].Payload))

	depth, err := e.br.Depth(ctx, []string{job.DefaultQueue})
	require.NoError(t, err)
	assert.Equal(t, 1, depth.Ready)

	n, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "same due time is not materialized twice")
}

func TestTickCatchUpCollapsesMissedOccurrences(t *testing.T) {
	e := newEnv(t)
	s := e.scheduler(Config{})
	ctx := context.Background()
	require.NoError(t, s.Register(ctx, everyMinute("d1")))

	// Paused for five intervals.
	e.clk.Advance(5*time.Minute + 10*time.Second)
	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	jobs := occurrences(t, e.st, "d1")
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].NotBefore.Equal(e.clk.Now()), "catch-up runs now")

	e.clk.Advance(time.Second)
	n, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	e.clk.Advance(time.Minute)
	n, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, occurrences(t, e.st, "d1"), 2)
	assert.EqualValues(t, 1, s.Snapshot().CatchUps)
}

func TestConcurrentSchedulersMaterializeOncePerDueTime(t *testing.T) {
	stores := map[string]func(t *testing.T, clk *clock.Fake) store.Store{
		"memory": func(_ *testing.T, clk *clock.Fake) store.Store {
			return store.NewMemory(store.WithClock(clk.Now))
		},
		"sqlite": func(t *testing.T, clk *clock.Fake) store.Store {
			st, err := store.Open(store.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "beat.db")}, logx.Nop(), store.WithClock(clk.Now))
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			clk := clock.NewFake(t0)
			st := open(t, clk)
			br := broker.NewMemory(broker.WithClock(clk.Now))
			ctx := context.Background()

			const instances = 5
			scheds := make([]*Scheduler, instances)
			for i := range scheds {
				scheds[i] = New(Config{}, Deps{Store: st, Broker: br, Now: clk.Now})
			}
			require.NoError(t, scheds[0].Register(ctx, everyMinute("shared")))

			const minutes = 8
			for m := 1; m <= minutes; m++ {
				clk.Advance(time.Minute)
				var (
					wg      sync.WaitGroup
					created atomic.Int32
				)
				for _, s := range scheds {
					wg.Add(1)
					go func() {
						defer wg.Done()
						n, err := s.Tick(ctx)
						assert.NoError(t, err)
						created.Add(int32(n))
					}()
				}
				wg.Wait()
				require.EqualValues(t, 1, created.Load(), "minute %d", m)
			}

			jobs := occurrences(t, st, "shared")
			require.Len(t, jobs, minutes)
			seen := map[time.Time]bool{}
			for _, j := range jobs {
				nb := j.NotBefore.UTC()
				assert.False(t, seen[nb], "duplicate occurrence at %v", nb)
				seen[nb] = true
			}
		})
	}
}

func TestResyncReenqueuesOverdueJobs(t *testing.T) {
	e := newEnv(t)
	s := e.scheduler(Config{ResyncGrace: time.Minute})
	ctx := context.Background()

	// Created in the store but never handed to the broker.
	lost, err := e.st.Create(ctx, job.NewJob{Kind: "echo"})
	require.NoError(t, err)
	e.clk.Advance(90 * time.Second)
	_, err = e.st.Create(ctx, job.NewJob{Kind: "echo"})
	require.NoError(t, err)

	n, err := s.Resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only jobs older than the grace period")

	n, err = s.Resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	depth, err := e.br.Depth(ctx, []string{job.DefaultQueue})
	require.NoError(t, err)
	assert.Equal(t, 1, depth.Total(), "re-enqueue is idempotent")

	d, err := e.br.Dequeue(ctx, "w", []string{job.DefaultQueue}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, lost.ID, d.JobID)
}

func TestResyncRecoversRunningJobAfterBrokerLoss(t *testing.T) {
	clk := clock.NewFake(t0)
	st, err := store.Open(store.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "beat.db")}, logx.Nop(), store.WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	old := broker.NewMemory(broker.WithClock(clk.Now))
	j, err := st.Create(ctx, job.NewJob{Kind: "echo"})
	require.NoError(t, err)
	require.NoError(t, old.Enqueue(ctx, j.ID, j.Queue, j.NotBefore))
	d, err := old.Dequeue(ctx, "w1", []string{job.DefaultQueue}, time.Minute)
	require.NoError(t, err)
	_, err = st.Transition(ctx, j.ID, job.StatePending, job.StateRunning, job.Fields{
		IncrementAttempt: true,
		LeaseToken:       job.Ptr(d.Token),
	})
	require.NoError(t, err)

	// The process restarts with an empty in-memory broker.
	br := broker.NewMemory(broker.WithClock(clk.Now))
	s := New(Config{VisibilityTimeout: time.Minute, ResyncGrace: time.Minute}, Deps{Store: st, Broker: br, Now: clk.Now})

	clk.Advance(90 * time.Second)
	n, err := s.Resync(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "lease may still be live")

	clk.Advance(24 * time.Hour)
	n, err = s.Resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, s.Snapshot().RequeuedRunning)

	got, err := br.Dequeue(ctx, "w2", []string{job.DefaultQueue}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.JobID)

	// A leased entry is left alone by later rounds.
	n, err = s.Resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	depth, err := br.Depth(ctx, []string{job.DefaultQueue})
	require.NoError(t, err)
	assert.Equal(t, 1, depth.Leased)
	assert.Zero(t, depth.Ready)
}

func TestResyncPagesPastBacklog(t *testing.T) {
	e := newEnv(t)
	s := e.scheduler(Config{ResyncGrace: time.Minute, ResyncBatch: 10})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		e.clk.Advance(time.Millisecond)
		j, err := e.st.Create(ctx, job.NewJob{Kind: "echo"})
		require.NoError(t, err)
		require.NoError(t, e.br.Enqueue(ctx, j.ID, j.Queue, j.NotBefore))
	}
	e.clk.Advance(time.Millisecond)
	orphan, err := e.st.Create(ctx, job.NewJob{Kind: "echo"})
	require.NoError(t, err)

	e.clk.Advance(time.Hour)
	var total int
	for round := 0; round < 3; round++ {
		n, err := s.Resync(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, n, 10)
		total += n
	}
	assert.Equal(t, 21, total)

	n, err := s.Resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, n, "the scan wraps after a short page")

	depth, err := e.br.Depth(ctx, []string{job.DefaultQueue})
	require.NoError(t, err)
	assert.Equal(t, 21, depth.Total())

	var found bool
	for i := 0; i < 21; i++ {
		d, err := e.br.Dequeue(ctx, "w", []string{job.DefaultQueue}, time.Minute)
		require.NoError(t, err)
		found = found || d.JobID == orphan.ID
	}
	assert.True(t, found, "orphan behind the backlog was enqueued")
}

func TestRegisterRejectsBadSchedule(t *testing.T) {
	e := newEnv(t)
	s := e.scheduler(Config{})
	err := s.Register(context.Background(), job.RecurringDefinition{ID: "bad", Kind: "x", Schedule: "sometimes"})
	require.Error(t, err)

	err = s.Register(context.Background(), job.RecurringDefinition{ID: "tz", Kind: "x", Schedule: "0 9 * * *", Timezone: "Nowhere/City"})
	require.Error(t, err)

	defs, err := e.st.ListDefinitions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestRegisterKeepsLastMaterialized(t *testing.T) {
	e := newEnv(t)
	s := e.scheduler(Config{})
	ctx := context.Background()
	require.NoError(t, s.Register(ctx, everyMinute("d1")))

	e.clk.Advance(time.Minute)
	_, err := s.Tick(ctx)
	require.NoError(t, err)

	e.clk.Advance(10 * time.Second)
	upd := everyMinute("d1")
	upd.Payload = []byte(`{"n":2}`)
	require.NoError(t, s.Register(ctx, upd))

	d, err := e.st.GetDefinition(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, d.LastMaterializedAt.Equal(t0.Add(time.Minute)))
	assert.JSONEq(t, `{"n":2}`, string(d.Payload))
}

func TestTickSkipsUnparseableDefinition(t *testing.T) {
	e := newEnv(t)
	s := e.scheduler(Config{})
	ctx := context.Background()
	_, err := e.st.UpsertDefinition(ctx, job.RecurringDefinition{ID: "broken", Kind: "x", Schedule: "whenever"})
	require.NoError(t, err)
	require.NoError(t, s.Register(ctx, everyMinute("ok")))

	e.clk.Advance(time.Minute)
	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMaterializedEventPublished(t *testing.T) {
	e := newEnv(t)
	s := e.scheduler(Config{})
	ctx := context.Background()
	ch, unsub := e.bus.Subscribe(4, job.EventMaterialized)
	defer unsub()

	require.NoError(t, s.Register(ctx, everyMinute("d1")))
	e.clk.Advance(time.Minute)
	_, err := s.Tick(ctx)
	require.NoError(t, err)

	select {
	case ev := <-ch:
		data, ok := ev.Data.(job.Event)
		require.True(t, ok)
		assert.Equal(t, "d1", data.DefinitionID)
	case <-time.After(time.Second):
		t.Fatal("no materialized event")
	}
}

type failingStore struct {
	store.Store
	calls atomic.Int32
}

func (f *failingStore) ListDefinitions(context.Context) ([]job.RecurringDefinition, error) {
	f.calls.Add(1)
	return nil, errors.New("connection refused")
}

func (f *failingStore) List(context.Context, job.Filter) ([]job.Job, error) {
	f.calls.Add(1)
	return nil, fmt.Errorf("connection refused")
}

func TestSchedulerHaltsOnStoreFailures(t *testing.T) {
	e := newEnv(t)
	fs := &failingStore{Store: e.st}
	s := New(Config{TickInterval: 5 * time.Millisecond, ResyncEvery: time.Hour, MaxStoreFailures: 2},
		Deps{Store: fs, Broker: e.br, Now: e.clk.Now})

	require.NoError(t, s.Start(context.Background()))
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not halt")
	}
	require.ErrorIs(t, s.Err(), ErrHalted)
	assert.GreaterOrEqual(t, fs.calls.Load(), int32(2))
}

func TestStoreFailureThreshold(t *testing.T) {
	e := newEnv(t)
	s := New(Config{MaxStoreFailures: 3}, Deps{Store: e.st, Broker: e.br, Now: e.clk.Now})
	s.sup = rtsup.New(context.Background())
	t.Cleanup(func() { _ = s.sup.Stop(context.Background()) })

	boom := errors.New("connection refused")
	s.storeFailure(boom)
	s.storeFailure(boom)
	require.NoError(t, s.Err())
	s.storeFailure(boom)
	require.ErrorIs(t, s.Err(), ErrHalted)
}

func TestStartStop(t *testing.T) {
	e := newEnv(t)
	s := e.scheduler(Config{TickInterval: 5 * time.Millisecond})
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.Snapshot().LastTick.IsZero())
}
