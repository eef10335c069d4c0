package storage

import (
	"errors"
	"time"
)

// ErrDisabled is returned by a store used after Close.
var ErrDisabled = errors.New("storage disabled")

// Config configures storage. If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver string

	Path        string        // file, sqlite
	BusyTimeout time.Duration // sqlite only; 0 means default

	DSN string // postgres

	Addr      string // redis
	Password  string
	DB        int
	KeyPrefix string

	// MaxRuns caps stored run records per store; 0 keeps everything.
	MaxRuns int
}

// RunRecord is a finished job run. Keep it compact and schema-stable.
type RunRecord struct {
	ID         string        `json:"id"`
	Job        string        `json:"job"`
	Reason     string        `json:"reason"`
	Cause      string        `json:"cause,omitempty"`
	Status     string        `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	ExitCode   int           `json:"exit_code"`
	Error      string        `json:"error,omitempty"`
	LogPath    string        `json:"log_path,omitempty"`
}

// RunQuery filters ListRuns. Results are newest first.
type RunQuery struct {
	Job   string
	Limit int
}

const defaultListLimit = 50

func (q RunQuery) limit() int {
	if q.Limit <= 0 {
		return defaultListLimit
	}
	return q.Limit
}

func (q RunQuery) match(r RunRecord) bool {
	return q.Job == "" || r.Job == q.Job
}
