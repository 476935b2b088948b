package config

import "encoding/json"

// Config is the on-disk configuration. All durations are Go duration
// strings ("500ms", "30s", "5m"); omitted fields take component defaults.
type Config struct {
	Logging   LoggingConfig     `json:"logging"`
	Storage   StorageConfig     `json:"storage"`
	Broker    BrokerConfig      `json:"broker"`
	Worker    WorkerConfig      `json:"worker"`
	Retry     RetryConfig       `json:"retry"`
	Beat      BeatConfig        `json:"beat"`
	Client    ClientConfig      `json:"client"`
	Events    EventsConfig      `json:"events"`
	Admin     AdminConfig       `json:"admin"`
	Recurring []RecurringConfig `json:"recurring,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the job record store.
//
// Drivers:
//   - "memory" (default): process local, lost on restart
//   - "sqlite": path is the database file
//   - "postgres": dsn is a lib/pq connection string or URL
type StorageConfig struct {
	Driver       string `json:"driver,omitempty"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
}

// BrokerConfig selects the delivery queue: "memory" (default) or "redis".
type BrokerConfig struct {
	Driver         string `json:"driver,omitempty"`
	URL            string `json:"url,omitempty"`
	Prefix         string `json:"prefix,omitempty"`
	RetryAttempts  int    `json:"retry_attempts,omitempty"`
	RetryInterval  string `json:"retry_interval,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
}

// WorkerConfig controls the worker pool.
//
// Defaults:
//   - concurrency: 4
//   - queues: [default]
//   - execution_timeout: "30s"
//   - visibility_timeout: max("1m", 2*execution_timeout)
//   - extend_every: visibility_timeout/3
//   - poll_interval: "100ms", max_poll_interval: "2s"
//   - shutdown_timeout: "30s"
type WorkerConfig struct {
	Concurrency       int      `json:"concurrency,omitempty"`
	Queues            []string `json:"queues,omitempty"`
	VisibilityTimeout string   `json:"visibility_timeout,omitempty"`
	ExecutionTimeout  string   `json:"execution_timeout,omitempty"`
	ExtendEvery       string   `json:"extend_every,omitempty"`
	PollInterval      string   `json:"poll_interval,omitempty"`
	MaxPollInterval   string   `json:"max_poll_interval,omitempty"`
	MaxStoreFailures  int      `json:"max_store_failures,omitempty"`
	FinalizeTimeout   string   `json:"finalize_timeout,omitempty"`
	HistorySize       int      `json:"history_size,omitempty"`
	ShutdownTimeout   string   `json:"shutdown_timeout,omitempty"`
}

// RetryConfig is the exponential backoff policy. Jitter is a fraction of
// the delay; an explicit 0 disables it.
type RetryConfig struct {
	MaxAttempts int      `json:"max_attempts,omitempty"`
	BaseDelay   string   `json:"base_delay,omitempty"`
	MaxDelay    string   `json:"max_delay,omitempty"`
	Jitter      *float64 `json:"jitter,omitempty"`
}

type BeatConfig struct {
	Timezone         string `json:"timezone,omitempty"`
	TickInterval     string `json:"tick_interval,omitempty"`
	ResyncEvery      string `json:"resync_every,omitempty"`
	ResyncGrace      string `json:"resync_grace,omitempty"`
	ResyncBatch      int    `json:"resync_batch,omitempty"`
	MaxStoreFailures int    `json:"max_store_failures,omitempty"`
}

type ClientConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// EventsConfig enables the AMQP lifecycle event publisher.
type EventsConfig struct {
	Enabled  bool     `json:"enabled,omitempty"`
	URL      string   `json:"url,omitempty"`
	Exchange string   `json:"exchange,omitempty"`
	Types    []string `json:"types,omitempty"`
}

// RecurringConfig declares a recurring definition registered at beat start.
type RecurringConfig struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Queue    string          `json:"queue,omitempty"`
	Schedule string          `json:"schedule"`
	Timezone string          `json:"timezone,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// AdminConfig controls the diagnostics HTTP server (/healthz, /status,
// /debug/pprof). A non-loopback addr needs a token or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled,omitempty"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
