package config

import (
	"errors"
	"fmt"
	"strings"

	"taskbeat/internal/beat"
	"taskbeat/internal/broker"
	"taskbeat/internal/client"
	"taskbeat/internal/events"
	"taskbeat/internal/job"
	"taskbeat/internal/observability/admin"
	"taskbeat/internal/retry"
	"taskbeat/internal/store"
	"taskbeat/internal/worker"
	logx "taskbeat/pkg/logx"
)

// The methods below turn the file representation into component configs.
// Each one reports the first invalid field by its config path.

func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

func (c *Config) StoreConfig() (store.Config, error) {
	var p durations
	out := store.Config{
		Driver:       strings.ToLower(strings.TrimSpace(c.Storage.Driver)),
		Path:         strings.TrimSpace(c.Storage.Path),
		DSN:          strings.TrimSpace(c.Storage.DSN),
		BusyTimeout:  p.get("storage.busy_timeout", c.Storage.BusyTimeout),
		MaxOpenConns: c.Storage.MaxOpenConns,
	}
	return out, p.err
}

func (c *Config) BrokerConfig() (broker.Config, error) {
	var p durations
	out := broker.Config{
		Driver:         strings.ToLower(strings.TrimSpace(c.Broker.Driver)),
		URL:            strings.TrimSpace(c.Broker.URL),
		Prefix:         strings.TrimSpace(c.Broker.Prefix),
		RetryAttempts:  c.Broker.RetryAttempts,
		RetryInterval:  p.get("broker.retry_interval", c.Broker.RetryInterval),
		ConnectTimeout: p.get("broker.connect_timeout", c.Broker.ConnectTimeout),
	}
	return out, p.err
}

func (c *Config) WorkerConfig() (worker.Config, error) {
	var p durations
	w := c.Worker
	out := worker.Config{
		Concurrency:       w.Concurrency,
		Queues:            w.Queues,
		VisibilityTimeout: p.get("worker.visibility_timeout", w.VisibilityTimeout),
		ExecutionTimeout:  p.get("worker.execution_timeout", w.ExecutionTimeout),
		ExtendEvery:       p.get("worker.extend_every", w.ExtendEvery),
		PollInterval:      p.get("worker.poll_interval", w.PollInterval),
		MaxPollInterval:   p.get("worker.max_poll_interval", w.MaxPollInterval),
		MaxStoreFailures:  w.MaxStoreFailures,
		FinalizeTimeout:   p.get("worker.finalize_timeout", w.FinalizeTimeout),
		HistorySize:       w.HistorySize,
	}
	if p.err != nil {
		return worker.Config{}, p.err
	}
	if err := out.Validate(); err != nil {
		return worker.Config{}, fmt.Errorf("worker: %w", err)
	}
	return out.WithDefaults(), nil
}

func (c *Config) RetryPolicy() (retry.Policy, error) {
	var p durations
	out := retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   p.get("retry.base_delay", c.Retry.BaseDelay),
		MaxDelay:    p.get("retry.max_delay", c.Retry.MaxDelay),
	}
	if p.err != nil {
		return retry.Policy{}, p.err
	}
	if c.Retry.MaxAttempts < 0 {
		return retry.Policy{}, errors.New("retry.max_attempts: must be >= 0")
	}
	if j := c.Retry.Jitter; j != nil {
		if *j < 0 || *j > 1 {
			return retry.Policy{}, fmt.Errorf("retry.jitter: %v outside [0,1]", *j)
		}
		out.Jitter = *j
		if *j == 0 {
			out.Jitter = -1
		}
	}
	return out.WithDefaults(), nil
}

func (c *Config) BeatConfig() (beat.Config, error) {
	var p durations
	b := c.Beat
	out := beat.Config{
		Timezone:         strings.TrimSpace(b.Timezone),
		TickInterval:     p.get("beat.tick_interval", b.TickInterval),
		ResyncEvery:      p.get("beat.resync_every", b.ResyncEvery),
		ResyncGrace:      p.get("beat.resync_grace", b.ResyncGrace),
		ResyncBatch:      b.ResyncBatch,
		MaxStoreFailures: b.MaxStoreFailures,
	}
	if p.err != nil {
		return beat.Config{}, p.err
	}
	// Stale RUNNING jobs are judged against the worker lease length.
	wc, err := c.WorkerConfig()
	if err != nil {
		return beat.Config{}, err
	}
	out.VisibilityTimeout = wc.VisibilityTimeout
	if _, err := beat.LoadLocation(out.Timezone, nil); err != nil {
		return beat.Config{}, fmt.Errorf("beat.timezone: %w", err)
	}
	return out.WithDefaults(), nil
}

func (c *Config) ClientConfig() client.Config {
	return client.Config{RatePerSec: c.Client.RatePerSec, Queues: c.Worker.Queues}
}

func (c *Config) EventsConfig() events.Config {
	return events.Config{
		URL:      strings.TrimSpace(c.Events.URL),
		Exchange: c.Events.Exchange,
		Types:    c.Events.Types,
	}
}

func (c *Config) AdminConfig() (admin.Config, error) {
	var p durations
	a := c.Admin
	out := admin.Config{
		Addr:          strings.TrimSpace(a.Addr),
		Token:         strings.TrimSpace(a.Token),
		AllowInsecure: a.AllowInsecure,
		ReadTimeout:   p.get("admin.read_timeout", a.ReadTimeout),
		WriteTimeout:  p.get("admin.write_timeout", a.WriteTimeout),
		IdleTimeout:   p.get("admin.idle_timeout", a.IdleTimeout),
	}
	if p.err != nil {
		return admin.Config{}, p.err
	}
	if a.Enabled {
		if err := out.CheckBind(); err != nil {
			return admin.Config{}, err
		}
	}
	return out, nil
}

// Definitions returns the recurring definitions, validated.
func (c *Config) Definitions() ([]job.RecurringDefinition, error) {
	out := make([]job.RecurringDefinition, 0, len(c.Recurring))
	seen := make(map[string]bool, len(c.Recurring))
	for i, r := range c.Recurring {
		path := fmt.Sprintf("recurring[%d]", i)
		d, err := job.RecurringDefinition{
			ID:       r.ID,
			Kind:     r.Kind,
			Queue:    r.Queue,
			Schedule: r.Schedule,
			Timezone: r.Timezone,
			Payload:  []byte(r.Payload),
		}.Normalize()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("%s: duplicate id %q", path, d.ID)
		}
		seen[d.ID] = true
		if _, err := beat.ParseSchedule(d.Schedule); err != nil {
			return nil, fmt.Errorf("%s.schedule: %w", path, err)
		}
		if _, err := beat.LoadLocation(d.Timezone, nil); err != nil {
			return nil, fmt.Errorf("%s.timezone: %w", path, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			return fmt.Errorf("logging.level: unknown level %q", lvl)
		}
	}

	sc, err := c.StoreConfig()
	if err != nil {
		return err
	}
	switch sc.Driver {
	case "", "memory":
	case "sqlite", "sqlite3":
		if sc.Path == "" {
			return errors.New("storage.path: required for sqlite")
		}
	case "postgres", "postgresql", "pg":
		if sc.DSN == "" {
			return errors.New("storage.dsn: required for postgres")
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", sc.Driver)
	}

	bc, err := c.BrokerConfig()
	if err != nil {
		return err
	}
	switch bc.Driver {
	case "", "memory":
	case "redis":
		if bc.URL == "" {
			return errors.New("broker.url: required for redis")
		}
	default:
		return fmt.Errorf("broker.driver: unknown driver %q", bc.Driver)
	}

	if _, err := c.WorkerConfig(); err != nil {
		return err
	}
	if _, err := ParseDurationField("worker.shutdown_timeout", c.Worker.ShutdownTimeout); err != nil {
		return err
	}
	if _, err := c.RetryPolicy(); err != nil {
		return err
	}
	if _, err := c.BeatConfig(); err != nil {
		return err
	}
	if c.Client.RatePerSec < 0 {
		return errors.New("client.rate_per_sec: must be >= 0")
	}
	if c.Events.Enabled && strings.TrimSpace(c.Events.URL) == "" {
		return errors.New("events.url: required when events.enabled")
	}
	if _, err := c.AdminConfig(); err != nil {
		return err
	}
	_, err = c.Definitions()
	return err
}
