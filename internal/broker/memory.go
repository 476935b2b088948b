package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskbeat/internal/job"
)

func newToken() string { return uuid.NewString() }

type entry struct {
	jobID     string
	queue     string
	notBefore time.Time
	seq       uint64

	token      string
	workerID   string
	expires    time.Time
	deliveries int
}

func (e *entry) leased(now time.Time) bool {
	return e.token != "" && now.Before(e.expires)
}

func (e *entry) eligible(now time.Time) bool {
	return !e.leased(now) && !e.notBefore.After(now)
}

// Memory is an in-process broker. Dequeue scans all entries, which is fine
// for tests and single-process deployments.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64
	closed  bool
	o       options
}

var _ Broker = (*Memory)(nil)

func NewMemory(opts ...Option) *Memory {
	return &Memory{entries: map[string]*entry{}, o: buildOptions(opts)}
}

func (m *Memory) Enqueue(ctx context.Context, jobID, queue string, notBefore time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	now := m.o.now()
	if e, ok := m.entries[jobID]; ok {
		if e.leased(now) {
			return nil
		}
		e.queue = queue
		e.notBefore = notBefore
		e.token, e.workerID, e.expires = "", "", time.Time{}
		return nil
	}
	m.seq++
	m.entries[jobID] = &entry{jobID: jobID, queue: queue, notBefore: notBefore, seq: m.seq}
	return nil
}

func (m *Memory) Dequeue(ctx context.Context, workerID string, queues []string, visibility time.Duration) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return Delivery{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Delivery{}, ErrClosed
	}
	now := m.o.now()
	want := queueSet(queues)

	var best *entry
	for _, e := range m.entries {
		if want != nil && !want[e.queue] {
			continue
		}
		if !e.eligible(now) {
			continue
		}
		if best == nil || e.notBefore.Before(best.notBefore) ||
			(e.notBefore.Equal(best.notBefore) && e.seq < best.seq) {
			best = e
		}
	}
	if best == nil {
		return Delivery{}, ErrEmpty
	}
	best.token = m.o.newToken()
	best.workerID = workerID
	best.expires = now.Add(visibility)
	best.deliveries++
	return best.delivery(), nil
}

func (e *entry) delivery() Delivery {
	return Delivery{
		JobID:      e.jobID,
		Queue:      e.queue,
		WorkerID:   e.workerID,
		Token:      e.token,
		Deliveries: e.deliveries,
		Expires:    e.expires,
	}
}

// active returns the entry currently leased by d. Callers hold m.mu.
func (m *Memory) active(d Delivery) (*entry, error) {
	if m.closed {
		return nil, ErrClosed
	}
	e, ok := m.entries[d.JobID]
	if !ok || e.token != d.Token || !e.leased(m.o.now()) {
		return nil, job.ErrLeaseExpired
	}
	return e, nil
}

func (m *Memory) Extend(ctx context.Context, d Delivery, visibility time.Duration) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return Delivery{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.active(d)
	if err != nil {
		return Delivery{}, err
	}
	e.expires = m.o.now().Add(visibility)
	return e.delivery(), nil
}

func (m *Memory) Ack(ctx context.Context, d Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.active(d); err != nil {
		return err
	}
	delete(m.entries, d.JobID)
	return nil
}

func (m *Memory) Nack(ctx context.Context, d Delivery, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.active(d)
	if err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}
	m.seq++
	e.seq = m.seq
	e.notBefore = m.o.now().Add(delay)
	e.token, e.workerID, e.expires = "", "", time.Time{}
	return nil
}

func (m *Memory) Depth(ctx context.Context, queues []string) (Depth, error) {
	if err := ctx.Err(); err != nil {
		return Depth{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Depth{}, ErrClosed
	}
	now := m.o.now()
	want := queueSet(queues)
	var d Depth
	for _, e := range m.entries {
		if want != nil && !want[e.queue] {
			continue
		}
		switch {
		case e.leased(now):
			d.Leased++
		case e.notBefore.After(now):
			d.Delayed++
		default:
			d.Ready++
		}
	}
	return d, nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
