package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"taskbeat/internal/clock"
	logx "taskbeat/pkg/logx"
)

// ErrEmpty is returned by Dequeue when no entry is eligible.
var ErrEmpty = errors.New("broker: no eligible delivery")

var ErrClosed = errors.New("broker closed")

// Broker is a visibility-timeout queue keyed by job id.
//
// Ack, Nack and Extend fail with job.ErrLeaseExpired when d is no longer the
// active lease of its entry.
type Broker interface {
	// Enqueue adds jobID or moves the not_before of an un-leased entry. An
	// entry with an active lease is left untouched.
	Enqueue(ctx context.Context, jobID, queue string, notBefore time.Time) error
	// Dequeue leases the eligible entry with the lowest not_before across
	// queues, ties broken by enqueue order.
	Dequeue(ctx context.Context, workerID string, queues []string, visibility time.Duration) (Delivery, error)
	Extend(ctx context.Context, d Delivery, visibility time.Duration) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	Nack(ctx context.Context, d Delivery, delay time.Duration) error
	// Depth counts entries of the given queues; all queues when none are given.
	Depth(ctx context.Context, queues []string) (Depth, error)

	Ping(ctx context.Context) error
	Close() error
}

// Delivery is a leased entry. Token identifies the lease; a redelivery of
// the same job carries a new token.
type Delivery struct {
	JobID      string    `json:"job_id"`
	Queue      string    `json:"queue"`
	WorkerID   string    `json:"worker_id"`
	Token      string    `json:"-"`
	Deliveries int       `json:"deliveries"`
	Expires    time.Time `json:"expires"`
}

// Depth is the backpressure signal exposed to autoscalers.
type Depth struct {
	Ready   int `json:"ready"`
	Delayed int `json:"delayed"`
	Leased  int `json:"leased"`
}

func (d Depth) Total() int { return d.Ready + d.Delayed + d.Leased }

// Config configures the broker.
//
// Driver values:
//   - "memory" (default)
//   - "redis": URL is a redis:// connection string
type Config struct {
	Driver         string
	URL            string
	Prefix         string
	RetryAttempts  int
	RetryInterval  time.Duration
	ConnectTimeout time.Duration
}

type Option func(*options)

type options struct {
	now      clock.Func
	newToken func() string
}

// WithClock overrides the time source used for not_before and lease expiry.
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
	if o.newToken == nil {
		o.newToken = newToken
	}
	return o
}

// Open initializes the configured broker.
func Open(ctx context.Context, cfg Config, log logx.Logger, opts ...Option) (Broker, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(opts...), nil
	case "redis":
		return OpenRedis(ctx, cfg, log, opts...)
	default:
		return nil, errors.New("unknown broker driver: " + driver)
	}
}

func queueSet(queues []string) map[string]bool {
	if len(queues) == 0 {
		return nil
	}
	m := make(map[string]bool, len(queues))
	for _, q := range queues {
		m[q] = true
	}
	return m
}
