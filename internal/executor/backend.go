// Package executor turns a job definition into a finished process: it lays
// out the per-job workspace, resolves dependency mounts and hands the run to
// a Backend (Docker or the local host).
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrUnknownBackend = errors.New("unknown executor backend")

// Mount binds a host directory into the run.
type Mount struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Spec is everything a backend needs for one run.
type Spec struct {
	Job       string
	RunID     string
	Image     string
	Command   []string
	Env       []string
	Workspace string
	Mounts    []Mount
	// Deps maps dependency name to its host workspace.
	Deps map[string]string
	// Output receives interleaved stdout and stderr.
	Output io.Writer
}

// Backend executes a Spec and blocks until it finishes or ctx is done.
// A non-zero exit is reported as *ExitError.
type Backend interface {
	Name() string
	Run(ctx context.Context, spec Spec) error
}

// ExitError is returned when the job process exits non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// Result describes a finished run. It is filled in even when Execute fails.
type Result struct {
	ExitCode int
	LogPath  string
	// Unresolved lists dependencies that named no job and were not mounted.
	Unresolved []string
}

// BackendConfig selects and tunes a backend.
type BackendConfig struct {
	Kind            string // docker | local
	ContainerPrefix string
	PullConcurrency int
	KeepContainers  bool
	// Shell is used by the local backend when set (e.g. "sh -c"); argv runs directly otherwise.
	Shell []string
}

// NewBackend builds the configured backend.
func NewBackend(cfg BackendConfig) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "docker":
		return NewDocker(cfg)
	case "local":
		return NewLocal(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Kind)
	}
}
