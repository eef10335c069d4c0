package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"conduit/internal/executor"
	"conduit/internal/pipeline"
)

// Config controls the dispatcher. The app layer maps config.engine into it.
type Config struct {
	// MaxConcurrent bounds admitted runs. <= 0 means 1.
	MaxConcurrent int

	// JobTimeout applies when a job has no timeout of its own. 0 disables it.
	JobTimeout time.Duration

	// DrainTimeout is how long Stop waits for in-flight runs before cancelling them.
	DrainTimeout time.Duration

	Cascade     CascadePolicy
	HistorySize int

	// BacklogWarn logs a throttled warning once this many items are pending. 0 disables it.
	BacklogWarn int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.Cascade == "" {
		c.Cascade = CascadeAlways
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.BacklogWarn < 0 {
		c.BacklogWarn = 0
	}
	return c
}

// CascadePolicy decides whether a finished run enqueues its triggers.
type CascadePolicy string

const (
	CascadeAlways    CascadePolicy = "always"
	CascadeOnSuccess CascadePolicy = "on_success"
	CascadeNever     CascadePolicy = "never"
)

func ParseCascadePolicy(s string) (CascadePolicy, error) {
	switch p := CascadePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return CascadeAlways, nil
	case CascadeAlways, CascadeOnSuccess, CascadeNever:
		return p, nil
	default:
		return "", fmt.Errorf("invalid cascade policy %q (want always, on_success or never)", s)
	}
}

// Reason records what put a run on the queue.
type Reason string

const (
	ReasonSchedule Reason = "schedule"
	ReasonManual   Reason = "manual"
	ReasonCascade  Reason = "cascade"
	ReasonAPI      Reason = "api"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Item is a queued job instance. Job is a copy taken at enqueue time.
type Item struct {
	ID         string
	Job        pipeline.Job
	Reason     Reason
	Cause      string // upstream run id for cascades
	EnqueuedAt time.Time
}

// Run describes one job instance. It is the payload of every job.* event
// except cascade and unresolved, and the element of the history ring.
type Run struct {
	ID         string        `json:"id"`
	Job        string        `json:"job"`
	Reason     Reason        `json:"reason"`
	Cause      string        `json:"cause,omitempty"`
	Status     Status        `json:"status"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	ExitCode   int           `json:"exit_code"`
	Error      string        `json:"error,omitempty"`
	LogPath    string        `json:"log_path,omitempty"`
}

// CascadeEvent is published when a finished run enqueues a downstream job.
type CascadeEvent struct {
	From      string `json:"from"`
	FromRunID string `json:"from_run_id"`
	To        string `json:"to"`
	RunID     string `json:"run_id"`
}

// UnresolvedEvent is published when a trigger or dependency names no job.
type UnresolvedEvent struct {
	Job   string `json:"job"`
	RunID string `json:"run_id"`
	Kind  string `json:"kind"` // "trigger" | "dependency"
	Ref   string `json:"ref"`
}

const (
	EventQueued     = "job.queued"
	EventStarted    = "job.started"
	EventFinished   = "job.finished"
	EventFailed     = "job.failed"
	EventCascade    = "job.cascade"
	EventUnresolved = "job.unresolved"
)

// Executor runs one job instance to completion.
type Executor interface {
	Execute(ctx context.Context, job pipeline.Job, runID string) (executor.Result, error)
}

// Snapshot is a point-in-time view for the status API.
type Snapshot struct {
	Pending  int    `json:"pending"`
	Running  int    `json:"running"`
	Max      int    `json:"max"`
	Cascade  string `json:"cascade"`
	InFlight []Run  `json:"in_flight"`
	Queued   []Run  `json:"queued"`
	Stopped  bool   `json:"stopped"`
}
