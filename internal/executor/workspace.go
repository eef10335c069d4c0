package executor

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	workspaceDir = "workspace"
	logsDir      = "logs"
	logFile      = "output.log"
	noOutput     = "No output"

	// DependencyMountRoot is where dependency workspaces appear inside a run.
	DependencyMountRoot = "/artifacts"
)

// Workspace lays out per-job directories under a root:
//
//	<root>/<job>/workspace
//	<root>/<job>/logs/output.log
type Workspace struct {
	Root string
}

func (w Workspace) Dir(job string) string {
	return filepath.Join(w.Root, job, workspaceDir)
}

func (w Workspace) LogPath(job string) string {
	return filepath.Join(w.Root, job, logsDir, logFile)
}

// Prepare creates the job's workspace and truncates its log.
func (w Workspace) Prepare(job string) (*os.File, error) {
	if err := os.MkdirAll(w.Dir(job), 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	p := w.LogPath(job)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	return f, nil
}

// finishLog writes the placeholder when the run produced nothing, then closes f.
func finishLog(f *os.File) error {
	st, err := f.Stat()
	if err == nil && st.Size() == 0 {
		_, err = f.WriteString(noOutput)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
