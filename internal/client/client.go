// Package client is the submission and status facade used by producers.
// It talks to the store and broker directly; no worker needs to run in the
// same process.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"taskbeat/internal/broker"
	"taskbeat/internal/clock"
	"taskbeat/internal/eventbus"
	"taskbeat/internal/job"
	"taskbeat/internal/store"
	logx "taskbeat/pkg/logx"
)

const cancelledReason = "cancelled"

// ErrEnqueue wraps broker failures after the job was persisted. The job
// stays queued in the store and is picked up by the beat resync.
var ErrEnqueue = errors.New("enqueue failed")

type Config struct {
	// RatePerSec limits Submit calls per client; 0 disables the limit.
	RatePerSec int
	// Queues are reported by Depth. Default: [default].
	Queues []string
}

type Deps struct {
	Store  store.Store
	Broker broker.Broker
	Bus    eventbus.Bus
	Log    logx.Logger
	Now    clock.Func
}

type Client struct {
	st      store.Store
	br      broker.Broker
	bus     eventbus.Bus
	log     logx.Logger
	now     clock.Func
	queues  []string
	limiter *rate.Limiter
}

func New(cfg Config, d Deps) *Client {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		st:     d.Store,
		br:     d.Broker,
		bus:    d.Bus,
		log:    log.With(logx.String("comp", "client")),
		now:    clock.OrSystem(d.Now),
		queues: cfg.Queues,
	}
	if len(c.queues) == 0 {
		c.queues = []string{job.DefaultQueue}
	}
	if cfg.RatePerSec > 0 {
		// Burst = rate per sec, so short spikes don't block too hard.
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return c
}

type submitOptions struct {
	id          string
	queue       string
	delay       time.Duration
	notBefore   time.Time
	maxAttempts int
}

type SubmitOption func(*submitOptions)

// WithDelay makes the job eligible d after submission.
func WithDelay(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.delay = d }
}

// WithNotBefore makes the job eligible at t. It wins over WithDelay.
func WithNotBefore(t time.Time) SubmitOption {
	return func(o *submitOptions) { o.notBefore = t }
}

func WithQueue(q string) SubmitOption {
	return func(o *submitOptions) { o.queue = q }
}

// WithMaxAttempts overrides the retry policy limit for this job.
func WithMaxAttempts(n int) SubmitOption {
	return func(o *submitOptions) { o.maxAttempts = n }
}

// WithID sets the job id. Submitting an id twice fails with job.ErrConflict.
func WithID(id string) SubmitOption {
	return func(o *submitOptions) { o.id = id }
}

// Submit persists a job and hands it to the broker. When only the enqueue
// fails, the id is returned along with an error wrapping ErrEnqueue.
func (c *Client) Submit(ctx context.Context, kind string, payload []byte, opts ...SubmitOption) (string, error) {
	var o submitOptions
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.maxAttempts < 0 {
		return "", errors.New("max attempts must be >= 0")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("submit: %w", err)
		}
	}

	nb := o.notBefore
	if nb.IsZero() && o.delay > 0 {
		nb = c.now().Add(o.delay)
	}
	j, err := c.st.Create(ctx, job.NewJob{
		ID:          o.id,
		Kind:        kind,
		Queue:       o.queue,
		Payload:     payload,
		NotBefore:   nb,
		MaxAttempts: o.maxAttempts,
	})
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	eventbus.Publish(c.bus, job.EventSubmitted, job.EventOf(j))

	if err := c.br.Enqueue(ctx, j.ID, j.Queue, j.NotBefore); err != nil {
		c.log.Warn("client.enqueue_failed", logx.String("job_id", j.ID), logx.Err(err))
		return j.ID, fmt.Errorf("%w: job %s: %w", ErrEnqueue, j.ID, err)
	}
	c.log.Debug("job.submitted",
		logx.String("job_id", j.ID),
		logx.String("kind", j.Kind),
		logx.String("queue", j.Queue),
		logx.String("state", j.State.String()),
	)
	return j.ID, nil
}

// SubmitJSON marshals v as the payload.
func (c *Client) SubmitJSON(ctx context.Context, kind string, v any, opts ...SubmitOption) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("submit: encode payload: %w", err)
	}
	return c.Submit(ctx, kind, b, opts...)
}

// JobStatus is the producer-facing view of a job.
type JobStatus struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Queue        string    `json:"queue"`
	State        job.State `json:"state"`
	AttemptCount int       `json:"attempt_count"`
	LastError    string    `json:"last_error,omitempty"`
	NotBefore    time.Time `json:"not_before"`
	UpdatedAt    time.Time `json:"updated_at"`
	DefinitionID string    `json:"definition_id,omitempty"`
}

// Done reports whether the job reached a terminal state.
func (s JobStatus) Done() bool { return s.State.Terminal() }

func statusOf(j job.Job) JobStatus {
	return JobStatus{
		ID:           j.ID,
		Kind:         j.Kind,
		Queue:        j.Queue,
		State:        j.State,
		AttemptCount: j.AttemptCount,
		LastError:    j.LastError,
		NotBefore:    j.NotBefore,
		UpdatedAt:    j.UpdatedAt,
		DefinitionID: j.DefinitionID,
	}
}

func (c *Client) Status(ctx context.Context, id string) (JobStatus, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return JobStatus{}, fmt.Errorf("job id required: %w", job.ErrNotFound)
	}
	j, err := c.st.Get(ctx, id)
	if err != nil {
		return JobStatus{}, err
	}
	return statusOf(j), nil
}

// Wait polls Status every poll until the job is terminal or ctx ends.
func (c *Client) Wait(ctx context.Context, id string, poll time.Duration) (JobStatus, error) {
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		st, err := c.Status(ctx, id)
		if err != nil || st.Done() {
			return st, err
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-t.C:
		}
	}
}

// Cancel moves a queued job to FAILED. Running or finished jobs yield a
// *job.ConflictError. The broker entry is dropped by the worker that next
// receives it.
func (c *Client) Cancel(ctx context.Context, id string) (JobStatus, error) {
	j, err := c.st.Get(ctx, id)
	if err != nil {
		return JobStatus{}, err
	}
	if !j.State.Queued() {
		return statusOf(j), job.StateConflict(id, job.StatePending, j.State)
	}
	j, err = c.st.Transition(ctx, id, j.State, job.StateFailed, job.Fields{
		LastError: job.Ptr(cancelledReason),
	})
	if err != nil {
		return JobStatus{}, err
	}
	eventbus.Publish(c.bus, job.EventCancelled, job.EventOf(j))
	c.log.Info("job.cancelled", logx.String("job_id", id))
	return statusOf(j), nil
}

func (c *Client) List(ctx context.Context, f job.Filter) ([]JobStatus, error) {
	jobs, err := c.st.List(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, statusOf(j))
	}
	return out, nil
}

// Depth reports broker backlog for the configured queues.
func (c *Client) Depth(ctx context.Context) (broker.Depth, error) {
	return c.br.Depth(ctx, c.queues)
}

// Counts returns the number of jobs per state, including zero counts.
func (c *Client) Counts(ctx context.Context) (map[job.State]int, error) {
	got, err := c.st.Count(ctx, job.Filter{})
	if err != nil {
		return nil, err
	}
	out := make(map[job.State]int, len(job.States()))
	for _, s := range job.States() {
		out[s] = got[s]
	}
	return out, nil
}
