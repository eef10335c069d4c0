package executor

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"golang.org/x/sync/semaphore"
)

const (
	labelJob   = "conduit.job"
	labelRunID = "conduit.run_id"
)

// Docker runs jobs as containers on the local daemon.
type Docker struct {
	cli    *client.Client
	prefix string
	keep   bool
	pulls  *semaphore.Weighted
}

// NewDocker connects using the standard DOCKER_* environment.
func NewDocker(cfg BackendConfig) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	n := cfg.PullConcurrency
	if n <= 0 {
		n = 2
	}
	prefix := cfg.ContainerPrefix
	if prefix == "" {
		prefix = "conduit-"
	}
	return &Docker{cli: cli, prefix: prefix, keep: cfg.KeepContainers, pulls: semaphore.NewWeighted(int64(n))}, nil
}

func (d *Docker) Name() string { return "docker" }

func (d *Docker) Close() error { return d.cli.Close() }

func (d *Docker) Run(ctx context.Context, spec Spec) error {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return err
	}

	binds := make([]string, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		binds = append(binds, m.Source+":"+m.Target)
	}
	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Command,
		Env:    spec.Env,
		Tty:    false,
		Labels: map[string]string{labelJob: spec.Job, labelRunID: spec.RunID},
	}, &container.HostConfig{
		Binds: binds,
	}, nil, nil, d.containerName(spec))
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	defer d.remove(resp.ID)

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}

	logsDone := make(chan error, 1)
	go func() { logsDone <- d.streamLogs(ctx, resp.ID, spec.Output) }()

	statusCh, errCh := d.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var code int64
	select {
	case err := <-errCh:
		if err != nil {
			d.stop(resp.ID)
			<-logsDone
			return fmt.Errorf("wait container: %w", err)
		}
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			<-logsDone
			return fmt.Errorf("wait container: %s", st.Error.Message)
		}
		code = st.StatusCode
	case <-ctx.Done():
		d.stop(resp.ID)
		<-logsDone
		return ctx.Err()
	}

	if err := <-logsDone; err != nil && ctx.Err() == nil {
		fmt.Fprintf(spec.Output, "\n[conduit] log stream error: %v\n", err)
	}
	if code != 0 {
		return &ExitError{Code: int(code)}
	}
	return nil
}

// ensureImage pulls img only when it is missing locally.
func (d *Docker) ensureImage(ctx context.Context, img string) error {
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, img); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", img, err)
	}

	if err := d.pulls.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.pulls.Release(1)

	rc, err := d.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer rc.Close()
	// The pull completes only once its progress stream is consumed.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	return nil
}

func (d *Docker) streamLogs(ctx context.Context, id string, w io.Writer) error {
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = stdcopy.StdCopy(w, w, rc)
	return err
}

func (d *Docker) stop(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	timeout := 5
	_ = d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
}

func (d *Docker) remove(id string) {
	if d.keep {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (d *Docker) containerName(spec Spec) string {
	id := spec.RunID
	if len(id) > 8 {
		id = id[:8]
	}
	return d.prefix + sanitizeName(spec.Job) + "-" + id
}

// sanitizeName maps a job name onto Docker's [a-zA-Z0-9_.-] container-name set.
func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}
