package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"taskbeat/internal/job"
)

var (
	ErrDuplicateKind = errors.New("handler kind already registered")
	ErrUnknownKind   = errors.New("no handler registered for kind")
)

// Task is what a handler sees of the job it runs.
type Task struct {
	ID           string
	Kind         string
	Queue        string
	Payload      []byte
	Attempt      int
	MaxAttempts  int
	DefinitionID string
}

// HandlerFunc executes one attempt. Returned errors are retried unless
// wrapped with job.Permanent; job.RetryAfter overrides the backoff.
type HandlerFunc func(ctx context.Context, t Task) error

// Registry maps job kinds to handlers. It is safe for concurrent use, but
// handlers are expected to be registered before the pool starts.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]HandlerFunc{}}
}

func (r *Registry) Register(kind string, h HandlerFunc) error {
	if kind == "" {
		return job.ErrKindRequired
	}
	if h == nil {
		return fmt.Errorf("handler for %q is nil", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[kind]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKind, kind)
	}
	r.handlers[kind] = h
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(kind string, h HandlerFunc) {
	if err := r.Register(kind, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(kind string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	r.mu.RUnlock()
	sort.Strings(kinds)
	return kinds
}

// RegisterJSON registers a handler whose payload is decoded from JSON into
// T. A payload that does not decode fails the job permanently.
func RegisterJSON[T any](r *Registry, kind string, fn func(ctx context.Context, t Task, payload T) error) error {
	return r.Register(kind, func(ctx context.Context, t Task) error {
		var v T
		if len(t.Payload) > 0 {
			if err := json.Unmarshal(t.Payload, &v); err != nil {
				return job.Permanent(fmt.Errorf("decode %s payload: %w", kind, err))
			}
		}
		return fn(ctx, t, v)
	})
}

func taskOf(j job.Job) Task {
	return Task{
		ID:           j.ID,
		Kind:         j.Kind,
		Queue:        j.Queue,
		Payload:      slices.Clone(j.Payload),
		Attempt:      j.AttemptCount,
		MaxAttempts:  j.MaxAttempts,
		DefinitionID: j.DefinitionID,
	}
}
