package config

// Config is the process configuration. Every section is optional; omitted
// fields take the defaults applied by the app layer's Map* helpers.
//
// Durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Engine    EngineConfig    `json:"engine"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Status    StatusConfig    `json:"status"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Events    EventsConfig    `json:"events"`
}

type LoggingConfig struct {
	Level       string      `json:"level"`
	Console     *bool       `json:"console,omitempty"` // default true
	ConsoleJSON bool        `json:"console_json,omitempty"`
	File        LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig controls dispatch.
//
// Defaults:
//   - max_concurrent: 1
//   - job_timeout: "0s" (disabled)
//   - drain_timeout: "30s"
//   - cascade: "always"
//   - history_size: 200
//   - backlog_warn: 100
type EngineConfig struct {
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	JobTimeout    string `json:"job_timeout,omitempty"`
	DrainTimeout  string `json:"drain_timeout,omitempty"`
	Cascade       string `json:"cascade,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
	BacklogWarn   *int   `json:"backlog_warn,omitempty"`
}

// SchedulerConfig controls the schedule poller.
type SchedulerConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"` // default true
	Tick     string `json:"tick,omitempty"`    // default "1s"
	Timezone string `json:"timezone,omitempty"`
}

type ExecutorConfig struct {
	Backend         string   `json:"backend,omitempty"`        // docker | local
	WorkspaceRoot   string   `json:"workspace_root,omitempty"` // default /tmp/conduit/artifacts
	ContainerPrefix string   `json:"container_prefix,omitempty"`
	PullConcurrency int      `json:"pull_concurrency,omitempty"`
	KeepContainers  bool     `json:"keep_containers,omitempty"`
	Shell           []string `json:"shell,omitempty"` // local backend only
}

// StorageConfig controls run history persistence. Nil means disabled.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./conduit.sqlite" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	DSN         string `json:"dsn,omitempty"`          // postgres (do not log)
	Addr        string `json:"addr,omitempty"`         // redis
	Password    string `json:"password,omitempty"`     // redis (do not log)
	DB          int    `json:"db,omitempty"`
	KeyPrefix   string `json:"key_prefix,omitempty"`
	MaxRuns     int    `json:"max_runs,omitempty"`
}

// StatusConfig controls the HTTP status API.
//
// Security note: prefer binding to localhost; the API can trigger jobs.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	Pprof   bool   `json:"pprof,omitempty"`
}

// NotifierConfig controls failure alerts to Telegram.
type NotifierConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token,omitempty"` // do not log
	ChatID      int64  `json:"chat_id,omitempty"`
	ThreadID    int    `json:"thread_id,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`
	OnSuccess   bool   `json:"on_success,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	// Commands enables /jobs, /run and /status from the configured chat.
	Commands bool `json:"commands,omitempty"`
}

type EventsConfig struct {
	AMQP AMQPConfig `json:"amqp"`
}

// AMQPConfig forwards job events to a topic exchange.
type AMQPConfig struct {
	Enabled       bool   `json:"enabled"`
	URL           string `json:"url,omitempty"` // do not log
	Exchange      string `json:"exchange,omitempty"`
	RoutingPrefix string `json:"routing_prefix,omitempty"`
}
