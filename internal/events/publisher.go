// Package events forwards lifecycle events from the in-process bus to an
// AMQP topic exchange. Publishing is best-effort: failures are logged and
// counted, and a slow exchange only drops events at the bus subscription.
// A dropped connection is redialed with backoff while Run is active.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"taskbeat/internal/eventbus"
	"taskbeat/internal/job"
	rtsup "taskbeat/internal/runtime/supervisor"
	logx "taskbeat/pkg/logx"
)

// DefaultTypes are forwarded when Config.Types is empty.
var DefaultTypes = []string{
	job.EventSucceeded,
	job.EventRetryScheduled,
	job.EventAbandoned,
	job.EventRedelivered,
	job.EventMaterialized,
}

// ErrNotConnected is returned by Publish while no channel is open.
var ErrNotConnected = errors.New("events: not connected")

type Config struct {
	URL            string
	Exchange       string
	Types          []string
	Buffer         int
	PublishTimeout time.Duration
	// RedialMin and RedialMax bound the reconnect backoff.
	RedialMin time.Duration
	RedialMax time.Duration
}

func (c Config) WithDefaults() Config {
	c.Exchange = strings.TrimSpace(c.Exchange)
	if c.Exchange == "" {
		c.Exchange = "taskbeat.events"
	}
	if len(c.Types) == 0 {
		c.Types = DefaultTypes
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.RedialMin <= 0 {
		c.RedialMin = 500 * time.Millisecond
	}
	if c.RedialMax < c.RedialMin {
		c.RedialMax = max(30*time.Second, c.RedialMin)
	}
	return c
}

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Dialer opens a channel and returns it with a notification that fires when
// the channel or its connection closes.
type Dialer func() (Channel, <-chan *amqp.Error, error)

type Publisher struct {
	cfg  Config
	dial Dialer
	log  logx.Logger

	mu     sync.Mutex
	ch     Channel
	closed <-chan *amqp.Error

	published  atomic.Uint64
	failed     atomic.Uint64
	reconnects atomic.Uint64
}

// Dial connects to cfg.URL and declares the exchange. The returned
// publisher redials the same URL after the connection drops.
func Dial(cfg Config, log logx.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("events: amqp url required")
	}
	return NewDialing(AMQPDialer(cfg.URL), cfg, log)
}

// AMQPDialer dials url and opens one channel on the connection.
func AMQPDialer(url string) Dialer {
	return func() (Channel, <-chan *amqp.Error, error) {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, nil, fmt.Errorf("events: dial: %w", err)
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("events: channel: %w", err)
		}
		// Connection shutdown closes every channel, so the channel
		// notification covers both.
		closed := ch.NotifyClose(make(chan *amqp.Error, 1))
		return &session{Channel: ch, conn: conn}, closed, nil
	}
}

// session closes its connection together with its channel.
type session struct {
	*amqp.Channel
	conn *amqp.Connection
}

func (s *session) Close() error {
	err := s.Channel.Close()
	if cerr := s.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// NewDialing dials once, failing fast, and keeps dial for reconnects.
func NewDialing(dial Dialer, cfg Config, log logx.Logger) (*Publisher, error) {
	if dial == nil {
		return nil, errors.New("events: dialer required")
	}
	p := newPublisher(cfg, log)
	p.dial = dial
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewPublisher declares a durable topic exchange on ch. It never redials.
func NewPublisher(ch Channel, cfg Config, log logx.Logger) (*Publisher, error) {
	p := newPublisher(cfg, log)
	if err := p.declare(ch); err != nil {
		return nil, err
	}
	p.ch = ch
	return p, nil
}

func newPublisher(cfg Config, log logx.Logger) *Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.WithDefaults()
	return &Publisher{
		cfg: cfg,
		log: log.With(logx.String("comp", "events"), logx.String("exchange", cfg.Exchange)),
	}
}

func (p *Publisher) declare(ch Channel) error {
	if err := ch.ExchangeDeclare(p.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("events: declare exchange %s: %w", p.cfg.Exchange, err)
	}
	return nil
}

func (p *Publisher) connect() error {
	ch, closed, err := p.dial()
	if err != nil {
		return err
	}
	if err := p.declare(ch); err != nil {
		return err
	}
	p.mu.Lock()
	p.ch, p.closed = ch, closed
	p.mu.Unlock()
	return nil
}

// ensure returns the open channel's close notification, dialing when the
// previous channel was dropped.
func (p *Publisher) ensure() (<-chan *amqp.Error, error) {
	p.mu.Lock()
	ch, closed := p.ch, p.closed
	p.mu.Unlock()
	if ch != nil {
		return closed, nil
	}
	if p.dial == nil {
		return nil, ErrNotConnected
	}
	if err := p.connect(); err != nil {
		return nil, err
	}
	p.reconnects.Add(1)
	p.log.Info("events.reconnected", logx.Uint64("reconnects", p.reconnects.Load()))
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, nil
}

// drop closes and forgets the current channel.
func (p *Publisher) drop() {
	p.mu.Lock()
	ch := p.ch
	p.ch, p.closed = nil, nil
	p.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
}

func (p *Publisher) channel() Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch
}

type envelope struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// Publish sends e with its type as routing key.
func (p *Publisher) Publish(ctx context.Context, e eventbus.Event) error {
	body, err := json.Marshal(envelope{Type: e.Type, Time: e.Time.UTC(), Data: e.Data})
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", e.Type, err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.Time,
		Type:         e.Type,
		Body:         body,
	}
	if je, ok := e.Data.(job.Event); ok {
		msg.MessageId = je.ID
	}
	ch := p.channel()
	if ch == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()
	return ch.PublishWithContext(ctx, p.cfg.Exchange, e.Type, false, false, msg)
}

// Run forwards bus events until ctx ends. When the channel closes, the
// forwarding loop exits and is restarted with backoff, redialing first.
// Events published meanwhile wait in the bus subscription buffer.
func (p *Publisher) Run(ctx context.Context, bus eventbus.Bus) error {
	if bus == nil {
		return errors.New("events: bus required")
	}
	events, unsub := bus.Subscribe(p.cfg.Buffer, p.cfg.Types...)
	defer unsub()
	p.log.Info("event publisher started", logx.Strings("types", p.cfg.Types))

	sup := rtsup.New(ctx, rtsup.WithLogger(p.log), rtsup.WithCancelOnError(false))
	sup.GoRestart("events.forward", func(c context.Context) error {
		return p.forward(c, events)
	}, rtsup.WithRestartBackoff(p.cfg.RedialMin, p.cfg.RedialMax))
	<-ctx.Done()
	return sup.Stop(context.Background())
}

func (p *Publisher) forward(ctx context.Context, events <-chan eventbus.Event) error {
	closed, err := p.ensure()
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case aerr := <-closed:
			p.drop()
			if aerr != nil {
				return fmt.Errorf("events: channel closed: %w", aerr)
			}
			return errors.New("events: channel closed")
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if err := p.Publish(ctx, e); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.failed.Add(1)
				p.log.Warn("events.publish_failed", logx.String("type", e.Type), logx.Err(err))
				continue
			}
			p.published.Add(1)
		}
	}
}

// Stats returns published and failed counts.
func (p *Publisher) Stats() (published, failed uint64) {
	return p.published.Load(), p.failed.Load()
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Connected  bool   `json:"connected"`
	Published  uint64 `json:"published"`
	Failed     uint64 `json:"failed"`
	Reconnects uint64 `json:"reconnects"`
}

func (p *Publisher) Snapshot() Snapshot {
	return Snapshot{
		Connected:  p.channel() != nil,
		Published:  p.published.Load(),
		Failed:     p.failed.Load(),
		Reconnects: p.reconnects.Load(),
	}
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	ch := p.ch
	p.ch, p.closed = nil, nil
	p.mu.Unlock()
	if ch == nil {
		return nil
	}
	return ch.Close()
}
