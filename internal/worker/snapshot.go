package worker

import (
	"slices"
	"sync/atomic"
	"time"

	rtsup "taskbeat/internal/runtime/supervisor"
)

const (
	outcomeSucceeded   = "succeeded"
	outcomeRetried     = "retried"
	outcomeAbandoned   = "abandoned"
	outcomeInterrupted = "interrupted"
	outcomeDropped     = "dropped"
	outcomeError       = "error"
)

type counters struct {
	processed   atomic.Uint64
	succeeded   atomic.Uint64
	retried     atomic.Uint64
	abandoned   atomic.Uint64
	redelivered atomic.Uint64
	duplicates  atomic.Uint64
}

// HistoryItem is one finished attempt.
type HistoryItem struct {
	JobID    string        `json:"job_id"`
	Kind     string        `json:"kind"`
	Attempt  int           `json:"attempt"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Outcome  string        `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	PoolID      string   `json:"pool_id"`
	Concurrency int      `json:"concurrency"`
	Queues      []string `json:"queues"`
	InFlight    int      `json:"in_flight"`

	Processed   uint64 `json:"processed"`
	Succeeded   uint64 `json:"succeeded"`
	Retried     uint64 `json:"retried"`
	Abandoned   uint64 `json:"abandoned"`
	Redelivered uint64 `json:"redelivered"`
	Duplicates  uint64 `json:"duplicates"`

	ConsecutiveFailures int    `json:"consecutive_failures"`
	Halted              string `json:"halted,omitempty"`

	History    []HistoryItem `json:"history"`
	Goroutines []rtsup.Stats `json:"goroutines,omitempty"`
}

func (p *Pool) record(item HistoryItem) {
	p.hmu.Lock()
	p.history = append(p.history, item)
	if len(p.history) > p.cfg.HistorySize {
		p.history = p.history[len(p.history)-p.cfg.HistorySize:]
	}
	p.hmu.Unlock()
}

func (p *Pool) Snapshot() Snapshot {
	s := Snapshot{
		PoolID:              p.id,
		Concurrency:         p.cfg.Concurrency,
		Queues:              slices.Clone(p.cfg.Queues),
		InFlight:            int(p.inFlight.Load()),
		Processed:           p.counters.processed.Load(),
		Succeeded:           p.counters.succeeded.Load(),
		Retried:             p.counters.retried.Load(),
		Abandoned:           p.counters.abandoned.Load(),
		Redelivered:         p.counters.redelivered.Load(),
		Duplicates:          p.counters.duplicates.Load(),
		ConsecutiveFailures: int(p.failures.Load()),
	}
	if err := p.Err(); err != nil {
		s.Halted = err.Error()
	}

	p.hmu.Lock()
	s.History = slices.Clone(p.history)
	p.hmu.Unlock()

	p.mu.Lock()
	if p.sup != nil {
		s.Goroutines = p.sup.Snapshot()
	}
	p.mu.Unlock()
	return s
}
