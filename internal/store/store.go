package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"taskbeat/internal/clock"
	"taskbeat/internal/job"
	logx "taskbeat/pkg/logx"
)

// Store is the persistence API used by the worker pool, scheduler and client.
type Store interface {
	Create(ctx context.Context, n job.NewJob) (job.Job, error)
	Get(ctx context.Context, id string) (job.Job, error)
	// Transition moves a job from expected to next. It fails with a
	// *job.ConflictError, without mutating anything, when the stored state
	// (or the stored lease token, if f.ExpectLease is set) does not match.
	Transition(ctx context.Context, id string, expected, next job.State, f job.Fields) (job.Job, error)
	List(ctx context.Context, f job.Filter) ([]job.Job, error)
	Count(ctx context.Context, f job.Filter) (map[job.State]int, error)

	// UpsertDefinition inserts d, or updates its template and schedule while
	// keeping the stored last_materialized_at.
	UpsertDefinition(ctx context.Context, d job.RecurringDefinition) (job.RecurringDefinition, error)
	GetDefinition(ctx context.Context, id string) (job.RecurringDefinition, error)
	ListDefinitions(ctx context.Context) ([]job.RecurringDefinition, error)
	// Materialize atomically moves last_materialized_at of defID from
	// expectedLast to newLast and creates the occurrence job.
	Materialize(ctx context.Context, defID string, expectedLast, newLast time.Time, n job.NewJob) (job.Job, error)

	Ping(ctx context.Context) error
	Close() error
}

// Config configures the store.
//
// Driver values:
//   - "memory" (default)
//   - "sqlite": Path is the database file
//   - "postgres": DSN is a lib/pq connection string or URL
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	MaxOpenConns int           // postgres only; 0 means default
}

var ErrClosed = errors.New("store closed")

type Option func(*options)

type options struct {
	now clock.Func
}

// WithClock overrides the time source used for created_at/updated_at.
func WithClock(now clock.Func) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	o.now = clock.OrSystem(o.now)
	return o
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger, opts ...Option) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	o := buildOptions(opts)

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(opts...), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log, o)
	case "postgres", "postgresql", "pg":
		return openPostgres(cfg, log, o)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
