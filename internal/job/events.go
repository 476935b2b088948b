package job

import "time"

// Lifecycle event types published on the in-process bus.
const (
	EventSubmitted      = "job.submitted"
	EventStarted        = "job.started"
	EventSucceeded      = "job.succeeded"
	EventRetryScheduled = "job.retry_scheduled"
	EventAbandoned      = "job.abandoned"
	EventRedelivered    = "job.redelivered"
	EventCancelled      = "job.cancelled"
	EventMaterialized   = "beat.materialized"
)

// Event is the payload of a lifecycle event.
type Event struct {
	ID           string        `json:"id"`
	Kind         string        `json:"kind"`
	Queue        string        `json:"queue"`
	State        State         `json:"state"`
	Attempt      int           `json:"attempt"`
	Error        string        `json:"error,omitempty"`
	Delay        time.Duration `json:"delay,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	DefinitionID string        `json:"definition_id,omitempty"`
	NotBefore    time.Time     `json:"not_before,omitempty"`
}

// EventOf summarizes j for a lifecycle event.
func EventOf(j Job) Event {
	return Event{
		ID:           j.ID,
		Kind:         j.Kind,
		Queue:        j.Queue,
		State:        j.State,
		Attempt:      j.AttemptCount,
		Error:        j.LastError,
		DefinitionID: j.DefinitionID,
		NotBefore:    j.NotBefore,
	}
}
