// Package worker pulls deliveries from the broker and drives each job
// through its state machine: RUNNING on start, then SUCCEEDED, SCHEDULED
// for a retry, or ABANDONED.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskbeat/internal/broker"
	"taskbeat/internal/clock"
	"taskbeat/internal/eventbus"
	"taskbeat/internal/job"
	"taskbeat/internal/retry"
	rtsup "taskbeat/internal/runtime/supervisor"
	"taskbeat/internal/store"
	logx "taskbeat/pkg/logx"
)

// ErrHalted is reported by Err after too many consecutive store or broker
// failures.
var ErrHalted = errors.New("worker pool halted")

// ErrExecutionTimeout is the failure recorded for attempts that overran
// Config.ExecutionTimeout.
var ErrExecutionTimeout = errors.New("execution timeout")

type Config struct {
	Concurrency       int
	Queues            []string
	VisibilityTimeout time.Duration
	ExecutionTimeout  time.Duration
	// ExtendEvery is the lease keep-alive period; 0 means VisibilityTimeout/3.
	ExtendEvery      time.Duration
	PollInterval     time.Duration
	MaxPollInterval  time.Duration
	MaxStoreFailures int
	// FinalizeTimeout bounds the store and broker calls that record a result.
	FinalizeTimeout time.Duration
	HistorySize     int
}

func (c Config) WithDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if len(c.Queues) == 0 {
		c.Queues = []string{job.DefaultQueue}
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 30 * time.Second
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = max(time.Minute, 2*c.ExecutionTimeout)
	}
	if c.ExtendEvery <= 0 {
		c.ExtendEvery = c.VisibilityTimeout / 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = max(2*time.Second, c.PollInterval)
	}
	if c.MaxStoreFailures <= 0 {
		c.MaxStoreFailures = 5
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 10 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Validate rejects configs where a lease could expire while the attempt is
// still allowed to run.
func (c Config) Validate() error {
	c = c.WithDefaults()
	if c.VisibilityTimeout <= c.ExecutionTimeout {
		return fmt.Errorf("visibility_timeout (%s) must exceed execution_timeout (%s)", c.VisibilityTimeout, c.ExecutionTimeout)
	}
	if c.ExtendEvery >= c.VisibilityTimeout {
		return fmt.Errorf("extend_every (%s) must be below visibility_timeout (%s)", c.ExtendEvery, c.VisibilityTimeout)
	}
	return nil
}

// Deps are the collaborators of a Pool. Bus and Now are optional.
type Deps struct {
	Store    store.Store
	Broker   broker.Broker
	Registry *Registry
	Policy   retry.Policy
	Bus      eventbus.Bus
	Log      logx.Logger
	Now      clock.Func
}

type Pool struct {
	cfg    Config
	st     store.Store
	br     broker.Broker
	reg    *Registry
	policy retry.Policy
	bus    eventbus.Bus
	log    logx.Logger
	now    clock.Func
	id     string

	mu       sync.Mutex
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopOnce sync.Once

	failures atomic.Int32
	inFlight atomic.Int32
	counters counters

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, d Deps) *Pool {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	reg := d.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	id := uuid.NewString()[:8]
	return &Pool{
		cfg:    cfg.WithDefaults(),
		st:     d.Store,
		br:     d.Broker,
		reg:    reg,
		policy: d.Policy.WithDefaults(),
		bus:    d.Bus,
		log:    log.With(logx.String("comp", "worker"), logx.String("pool", id)),
		now:    clock.OrSystem(d.Now),
		id:     id,
	}
}

func (p *Pool) Registry() *Registry { return p.reg }

// Start launches Concurrency supervised pull loops. It is idempotent.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.cfg.Validate(); err != nil {
		return err
	}
	if p.st == nil || p.br == nil {
		return errors.New("worker pool needs a store and a broker")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup != nil {
		return nil
	}
	p.sup = rtsup.New(ctx, rtsup.WithLogger(p.log))
	p.stopCh = make(chan struct{})
	sup, stopCh := p.sup, p.stopCh

	for i := range p.cfg.Concurrency {
		wid := fmt.Sprintf("%s-%d", p.id, i)
		sup.GoRestart("worker."+wid, func(c context.Context) error {
			p.loop(c, stopCh, wid, int64(i))
			return nil
		})
	}
	p.log.Info("worker pool started",
		logx.Int("concurrency", p.cfg.Concurrency),
		logx.Strings("queues", p.cfg.Queues),
		logx.Strings("kinds", p.reg.Kinds()),
		logx.Duration("visibility", p.cfg.VisibilityTimeout),
		logx.Int("max_attempts", p.policy.MaxAttempts),
		logx.Float64("jitter", p.policy.Jitter),
	)
	return nil
}

// Stop stops pulling work and waits for in-flight attempts. When ctx ends
// first, running handlers are cancelled and their jobs put back.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	sup, stopCh := p.sup, p.stopCh
	p.mu.Unlock()
	if sup == nil {
		return nil
	}
	p.stopOnce.Do(func() { close(stopCh) })

	select {
	case <-sup.Done():
	case <-ctx.Done():
		p.log.Warn("worker drain timed out, cancelling in-flight jobs", logx.Int64("in_flight", int64(p.inFlight.Load())))
		sup.Cancel()
		<-sup.Done()
	}
	sup.Cancel()
	p.log.Info("worker pool stopped")
	return nil
}

// Done is closed when every pull loop has returned: after Stop, or when the
// pool halts on infrastructure failures.
func (p *Pool) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup == nil {
		return nil
	}
	return p.sup.Done()
}

// Err returns the fatal error that halted the pool, if any.
func (p *Pool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup == nil {
		return nil
	}
	return p.sup.Err()
}

func (p *Pool) loop(ctx context.Context, stopCh <-chan struct{}, wid string, idx int64) {
	// Per-worker RNG so concurrent retries don't contend on the global source.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (idx << 32)))
	wait := p.cfg.PollInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		worked, err := p.step(ctx, wid, rng)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			p.infraFailure(err)
		case worked:
			p.failures.Store(0)
			wait = p.cfg.PollInterval
			continue
		default:
			p.failures.Store(0)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-stopCh:
			t.Stop()
			return
		case <-t.C:
		}
		wait = min(wait*2, p.cfg.MaxPollInterval)
	}
}

func (p *Pool) infraFailure(err error) {
	n := int(p.failures.Add(1))
	p.log.Error("worker.infra_failure", logx.Err(err), logx.Int("consecutive", n))
	if n < p.cfg.MaxStoreFailures {
		return
	}
	p.mu.Lock()
	sup := p.sup
	p.mu.Unlock()
	if sup != nil {
		sup.Fail(fmt.Errorf("%w after %d consecutive failures: %w", ErrHalted, n, err))
	}
}

func (p *Pool) publish(typ string, e job.Event) {
	eventbus.Publish(p.bus, typ, e)
}
