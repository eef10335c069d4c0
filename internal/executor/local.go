package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"
)

// Local runs the job's argv directly on the host, with the workspace as the
// working directory. Image is ignored. Dependency workspaces are exported as
// CONDUIT_ARTIFACTS_<DEP> instead of being mounted.
type Local struct {
	shell []string
}

func NewLocal(cfg BackendConfig) *Local {
	return &Local{shell: cfg.Shell}
}

func (l *Local) Name() string { return "local" }

func (l *Local) Run(ctx context.Context, spec Spec) error {
	argv := spec.Command
	if len(l.shell) > 0 {
		argv = append(append([]string(nil), l.shell...), strings.Join(spec.Command, " "))
	}
	if len(argv) == 0 {
		return errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = spec.Workspace
	cmd.Env = append(os.Environ(), localEnv(spec)...)
	cmd.Stdout = spec.Output
	cmd.Stderr = spec.Output
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &ExitError{Code: ee.ExitCode()}
	}
	return fmt.Errorf("start %s: %w", argv[0], err)
}

func localEnv(spec Spec) []string {
	env := []string{
		"CONDUIT_JOB=" + spec.Job,
		"CONDUIT_RUN_ID=" + spec.RunID,
		"CONDUIT_WORKSPACE=" + spec.Workspace,
	}
	names := make([]string, 0, len(spec.Deps))
	for d := range spec.Deps {
		names = append(names, d)
	}
	sort.Strings(names)
	for _, d := range names {
		env = append(env, "CONDUIT_ARTIFACTS_"+envKey(d)+"="+spec.Deps[d])
	}
	return append(env, spec.Env...)
}

func envKey(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}
