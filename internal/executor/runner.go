package executor

import (
	"context"
	"errors"
	"path"
	"sync"

	"conduit/internal/pipeline"
	logx "conduit/pkg/logx"
)

// Runner executes pipeline jobs through a Backend.
type Runner struct {
	backend Backend
	ws      Workspace
	pipe    *pipeline.Pipeline
	log     logx.Logger

	// busy holds one token channel per job name. Runs of the same job share
	// a workspace and log file, so they execute one at a time.
	busyMu sync.Mutex
	busy   map[string]chan struct{}
}

func NewRunner(b Backend, ws Workspace, pipe *pipeline.Pipeline, log logx.Logger) *Runner {
	return &Runner{
		backend: b,
		ws:      ws,
		pipe:    pipe,
		log:     log.With(logx.String("comp", "executor"), logx.String("backend", b.Name())),
		busy:    make(map[string]chan struct{}),
	}
}

// acquire waits for the job's workspace to be free or ctx to end.
func (r *Runner) acquire(ctx context.Context, job string) (release func(), err error) {
	r.busyMu.Lock()
	tok, ok := r.busy[job]
	if !ok {
		tok = make(chan struct{}, 1)
		r.busy[job] = tok
	}
	r.busyMu.Unlock()

	select {
	case tok <- struct{}{}:
		return func() { <-tok }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Runner) Backend() Backend { return r.backend }

// Execute prepares the workspace, resolves mounts and runs job. Concurrent
// runs of the same job wait for each other. The log file is always closed,
// and holds "No output" if nothing was written.
func (r *Runner) Execute(ctx context.Context, job pipeline.Job, runID string) (res Result, err error) {
	res.LogPath = r.ws.LogPath(job.Name)

	release, err := r.acquire(ctx, job.Name)
	if err != nil {
		return res, err
	}
	defer release()

	f, err := r.ws.Prepare(job.Name)
	if err != nil {
		return res, err
	}
	defer func() {
		if ferr := finishLog(f); ferr != nil {
			r.log.Warn("log finalize failed", logx.String("job", job.Name), logx.Err(ferr))
		}
	}()

	mounts, deps, unresolved := r.mounts(job)
	res.Unresolved = unresolved

	spec := Spec{
		Job:       job.Name,
		RunID:     runID,
		Image:     job.Image,
		Command:   job.Command,
		Env:       job.Environment,
		Workspace: r.ws.Dir(job.Name),
		Mounts:    mounts,
		Deps:      deps,
		Output:    f,
	}
	r.log.Debug("run prepared", logx.String("job", job.Name), logx.String("run_id", runID), logx.Any("mounts", mounts))

	err = r.backend.Run(ctx, spec)
	var ee *ExitError
	if errors.As(err, &ee) {
		res.ExitCode = ee.Code
	}
	return res, err
}

// mounts binds the job's own workspace at its artifacts path and each
// resolvable dependency's workspace at /artifacts/<dep>.
func (r *Runner) mounts(job pipeline.Job) ([]Mount, map[string]string, []string) {
	var (
		out        []Mount
		deps       map[string]string
		unresolved []string
	)
	if job.Artifacts != "" {
		out = append(out, Mount{Source: r.ws.Dir(job.Name), Target: job.Artifacts})
	}
	for _, d := range job.Dependencies {
		dj, ok := r.pipe.Get(d)
		if !ok {
			r.log.Warn("dependency unresolved", logx.String("job", job.Name), logx.String("dependency", d))
			unresolved = append(unresolved, d)
			continue
		}
		src := r.ws.Dir(dj.Name)
		out = append(out, Mount{Source: src, Target: path.Join(DependencyMountRoot, d)})
		if deps == nil {
			deps = make(map[string]string)
		}
		deps[d] = src
	}
	return out, deps, unresolved
}
