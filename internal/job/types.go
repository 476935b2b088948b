package job

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultQueue is used when a job or definition does not name a queue.
const DefaultQueue = "default"

// Job is one unit of schedulable, executable work.
type Job struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Queue        string    `json:"queue"`
	Payload      []byte    `json:"payload,omitempty"`
	State        State     `json:"state"`
	AttemptCount int       `json:"attempt_count"`
	MaxAttempts  int       `json:"max_attempts,omitempty"`
	NotBefore    time.Time `json:"not_before"`
	LastError    string    `json:"last_error,omitempty"`
	LeaseToken   string    `json:"-"`
	DefinitionID string    `json:"definition_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewJob is the input to Store.Create.
type NewJob struct {
	// ID is generated when empty.
	ID    string
	Kind  string
	Queue string

	Payload   []byte
	NotBefore time.Time

	// MaxAttempts overrides the retry policy when > 0.
	MaxAttempts  int
	DefinitionID string
}

var ErrKindRequired = errors.New("job kind required")

// Build validates n and returns the record a store should persist at now.
// Jobs due at or before now start PENDING, delayed jobs start SCHEDULED.
func (n NewJob) Build(now time.Time) (Job, error) {
	kind := strings.TrimSpace(n.Kind)
	if kind == "" {
		return Job{}, ErrKindRequired
	}
	if n.MaxAttempts < 0 {
		return Job{}, errors.New("max attempts must be >= 0")
	}
	id := strings.TrimSpace(n.ID)
	if id == "" {
		id = uuid.NewString()
	}
	queue := strings.TrimSpace(n.Queue)
	if queue == "" {
		queue = DefaultQueue
	}
	nb := n.NotBefore
	if nb.IsZero() {
		nb = now
	}
	st := StatePending
	if nb.After(now) {
		st = StateScheduled
	}
	return Job{
		ID:           id,
		Kind:         kind,
		Queue:        queue,
		Payload:      slices.Clone(n.Payload),
		State:        st,
		MaxAttempts:  n.MaxAttempts,
		NotBefore:    nb,
		DefinitionID: n.DefinitionID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Fields carries the optional column updates of a transition.
// Nil pointers leave the stored value untouched.
type Fields struct {
	NotBefore        *time.Time
	LastError        *string
	LeaseToken       *string
	IncrementAttempt bool

	// ExpectLease, when non-empty, extends the compare-and-swap to the stored
	// lease token so a worker whose lease was taken over cannot overwrite
	// the new owner's outcome.
	ExpectLease string
}

// Apply mutates j as a successful transition to next at now would.
func (f Fields) Apply(j *Job, next State, now time.Time) {
	j.State = next
	if f.IncrementAttempt {
		j.AttemptCount++
	}
	if f.NotBefore != nil {
		j.NotBefore = *f.NotBefore
	}
	if f.LastError != nil {
		j.LastError = *f.LastError
	}
	if f.LeaseToken != nil {
		j.LeaseToken = *f.LeaseToken
	}
	j.UpdatedAt = now
}

// Ptr returns a pointer to v, for filling Fields.
func Ptr[T any](v T) *T { return &v }

// Filter selects jobs for Store.List and Store.Count.
type Filter struct {
	States []State
	Kind   string
	Queue  string

	// NotBeforeUntil keeps jobs with not_before <= the given time. Zero disables.
	NotBeforeUntil time.Time
	// UpdatedUntil keeps jobs with updated_at <= the given time. Zero disables.
	UpdatedUntil time.Time
	DefinitionID string

	// After resumes a listing past a position in (created_at, id) order.
	After *Cursor

	Limit  int
	Offset int
}

// Cursor is a position in the (created_at, id) listing order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorOf returns the listing position of j.
func CursorOf(j Job) *Cursor {
	return &Cursor{CreatedAt: j.CreatedAt, ID: j.ID}
}

// Before reports whether c sorts strictly before j.
func (c Cursor) Before(j Job) bool {
	if d := c.CreatedAt.Compare(j.CreatedAt); d != 0 {
		return d < 0
	}
	return c.ID < j.ID
}

// Match reports whether j passes every filter criterion (limit/offset excluded).
func (f Filter) Match(j Job) bool {
	if len(f.States) > 0 && !slices.Contains(f.States, j.State) {
		return false
	}
	if f.Kind != "" && j.Kind != f.Kind {
		return false
	}
	if f.Queue != "" && j.Queue != f.Queue {
		return false
	}
	if f.DefinitionID != "" && j.DefinitionID != f.DefinitionID {
		return false
	}
	if !f.NotBeforeUntil.IsZero() && j.NotBefore.After(f.NotBeforeUntil) {
		return false
	}
	if !f.UpdatedUntil.IsZero() && j.UpdatedAt.After(f.UpdatedUntil) {
		return false
	}
	if f.After != nil && !f.After.Before(j) {
		return false
	}
	return true
}

// RecurringDefinition is a template that produces jobs on a schedule.
type RecurringDefinition struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Queue    string `json:"queue"`
	Payload  []byte `json:"payload_template,omitempty"`
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone,omitempty"`

	// LastMaterializedAt is the due time (or catch-up time) of the most recent
	// occurrence. It is the compare-and-swap guard between scheduler instances.
	LastMaterializedAt time.Time `json:"last_materialized_at"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Normalize trims fields and applies the default queue.
func (d RecurringDefinition) Normalize() (RecurringDefinition, error) {
	d.ID = strings.TrimSpace(d.ID)
	d.Kind = strings.TrimSpace(d.Kind)
	d.Queue = strings.TrimSpace(d.Queue)
	d.Schedule = strings.TrimSpace(d.Schedule)
	d.Timezone = strings.TrimSpace(d.Timezone)
	if d.ID == "" {
		return d, errors.New("definition id required")
	}
	if d.Kind == "" {
		return d, ErrKindRequired
	}
	if d.Schedule == "" {
		return d, errors.New("definition schedule required")
	}
	if d.Queue == "" {
		d.Queue = DefaultQueue
	}
	d.Payload = slices.Clone(d.Payload)
	return d, nil
}
