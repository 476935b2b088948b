package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskbeat/internal/eventbus"
	"taskbeat/internal/job"
	logx "taskbeat/pkg/logx"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	declared   []string
	kind       string
	durable    bool
	msgs       []published
	failNext   bool
	closed     bool
	declareErr error
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared = append(f.declared, name)
	f.kind, f.durable = kind, durable
	return f.declareErr
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("channel/connection is not open")
	}
	f.msgs = append(f.msgs, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func TestNewPublisherDeclaresTopicExchange(t *testing.T) {
	ch := &fakeChannel{}
	_, err := NewPublisher(ch, Config{}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, []string{"taskbeat.events"}, ch.declared)
	assert.Equal(t, amqp.ExchangeTopic, ch.kind)
	assert.True(t, ch.durable)
}

func TestNewPublisherDeclareFailure(t *testing.T) {
	ch := &fakeChannel{declareErr: errors.New("access refused")}
	_, err := NewPublisher(ch, Config{Exchange: "x"}, logx.Nop())
	require.Error(t, err)
	assert.True(t, ch.closed)
}

func TestPublishEnvelope(t *testing.T) {
	ch := &fakeChannel{}
	p, err := NewPublisher(ch, Config{Exchange: "jobs"}, logx.Nop())
	require.NoError(t, err)

	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	err = p.Publish(context.Background(), eventbus.Event{
		Type: job.EventSucceeded,
		Time: at,
		Data: job.Event{ID: "j1", Kind: "echo", State: job.StateSucceeded, Attempt: 1},
	})
	require.NoError(t, err)

	msgs := ch.sent()
	require.Len(t, msgs, 1)
	m := msgs[0]
	assert.Equal(t, "jobs", m.exchange)
	assert.Equal(t, job.EventSucceeded, m.key)
	assert.Equal(t, "j1", m.msg.MessageId)
	assert.Equal(t, uint8(amqp.Persistent), m.msg.DeliveryMode)

	var env struct {
		Type string    `json:"type"`
		Data job.Event `json:"data"`
	}
	require.NoError(t, json.Unmarshal(m.msg.Body, &env))
	assert.Equal(t, job.EventSucceeded, env.Type)
	assert.Equal(t, "echo", env.Data.Kind)
	assert.Equal(t, 1, env.Data.Attempt)
}

func TestRunForwardsSelectedTypes(t *testing.T) {
	ch := &fakeChannel{failNext: true}
	p, err := NewPublisher(ch, Config{}, logx.Nop())
	require.NoError(t, err)
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, bus) }()

	// Wait for the subscription.
	require.Eventually(t, func() bool {
		eventbus.Publish(bus, job.EventStarted, job.Event{ID: "ignored"})
		eventbus.Publish(bus, job.EventAbandoned, job.Event{ID: "a"})
		pub, failed := p.Stats()
		return pub >= 1 && failed >= 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	for _, m := range ch.sent() {
		assert.Equal(t, job.EventAbandoned, m.key)
	}
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeDialer struct {
	mu    sync.Mutex
	chans []*fakeChannel
	notes []chan *amqp.Error
	fails int
}

func (d *fakeDialer) dial() (Channel, <-chan *amqp.Error, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.chans) > 0 && d.fails > 0 {
		d.fails--
		return nil, nil, errors.New("dial tcp: connection refused")
	}
	ch := &fakeChannel{}
	note := make(chan *amqp.Error, 1)
	d.chans = append(d.chans, ch)
	d.notes = append(d.notes, note)
	return ch, note, nil
}

func (d *fakeDialer) channel(i int) *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.chans) {
		return nil
	}
	return d.chans[i]
}

func TestNewDialingFailsFast(t *testing.T) {
	_, err := NewDialing(func() (Channel, <-chan *amqp.Error, error) {
		return nil, nil, errors.New("dial tcp: connection refused")
	}, Config{}, logx.Nop())
	require.Error(t, err)

	_, err = Dial(Config{}, logx.Nop())
	require.Error(t, err)
}

func TestRunRedialsAfterChannelClose(t *testing.T) {
	d := &fakeDialer{fails: 2}
	p, err := NewDialing(d.dial, Config{RedialMin: time.Millisecond, RedialMax: 5 * time.Millisecond}, logx.Nop())
	require.NoError(t, err)
	bus := eventbus.New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, bus) }()

	require.Eventually(t, func() bool {
		eventbus.Publish(bus, job.EventAbandoned, job.Event{ID: "a"})
		pub, _ := p.Stats()
		return pub >= 1
	}, 2*time.Second, 10*time.Millisecond)

	d.mu.Lock()
	d.notes[0] <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"}
	d.mu.Unlock()

	require.Eventually(t, func() bool {
		eventbus.Publish(bus, job.EventAbandoned, job.Event{ID: "b"})
		next := d.channel(1)
		return next != nil && len(next.sent()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, d.channel(0).isClosed())
	snap := p.Snapshot()
	assert.True(t, snap.Connected)
	assert.EqualValues(t, 1, snap.Reconnects)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, p.Close())
	assert.True(t, d.channel(1).isClosed())
	assert.False(t, p.Snapshot().Connected)
}
