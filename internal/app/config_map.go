package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	amqpad "conduit/internal/adapters/amqp"
	"conduit/internal/adapters/telegram"
	"conduit/internal/config"
	"conduit/internal/executor"
	"conduit/internal/notifier"
	"conduit/internal/status"
	"conduit/internal/storage"
	"conduit/internal/task/engine"
	"conduit/internal/task/scheduler"
	logx "conduit/pkg/logx"
)

const (
	defaultWorkspaceRoot   = "/tmp/conduit/artifacts"
	defaultContainerPrefix = "conduit-"
	defaultPullConcurrency = 2
	defaultBacklogWarn     = 100
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	console := true
	if cfg.Logging.Console != nil {
		console = *cfg.Logging.Console
	}
	return logx.Config{
		Level:       cfg.Logging.Level,
		Console:     console,
		ConsoleJSON: cfg.Logging.ConsoleJSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	if ec.MaxConcurrent < 0 {
		return engine.Config{}, fmt.Errorf("engine.max_concurrent must be >= 0")
	}
	if ec.HistorySize < 0 {
		return engine.Config{}, fmt.Errorf("engine.history_size must be >= 0")
	}
	jobTimeout, err := config.ParseDurationField("engine.job_timeout", ec.JobTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	drain, err := config.ParseDurationOrDefault("engine.drain_timeout", ec.DrainTimeout, 30*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	policy, err := engine.ParseCascadePolicy(ec.Cascade)
	if err != nil {
		return engine.Config{}, fmt.Errorf("engine.cascade: %w", err)
	}
	backlog := defaultBacklogWarn
	if ec.BacklogWarn != nil {
		if *ec.BacklogWarn < 0 {
			return engine.Config{}, fmt.Errorf("engine.backlog_warn must be >= 0")
		}
		backlog = *ec.BacklogWarn
	}
	return engine.Config{
		MaxConcurrent: ec.MaxConcurrent,
		JobTimeout:    jobTimeout,
		DrainTimeout:  drain,
		Cascade:       policy,
		HistorySize:   ec.HistorySize,
		BacklogWarn:   backlog,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	enabled := true
	if cfg.Scheduler.Enabled != nil {
		enabled = *cfg.Scheduler.Enabled
	}
	tick, err := config.ParseDurationOrDefault("scheduler.tick", cfg.Scheduler.Tick, time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Enabled: enabled, Tick: tick, Timezone: tz}, nil
}

func mapExecutorConfig(cfg *config.Config) (executor.BackendConfig, executor.Workspace, error) {
	xc := cfg.Executor
	kind := strings.ToLower(strings.TrimSpace(xc.Backend))
	switch kind {
	case "", "docker", "local":
	default:
		return executor.BackendConfig{}, executor.Workspace{}, fmt.Errorf("executor.backend: %w: %q", executor.ErrUnknownBackend, xc.Backend)
	}
	if xc.PullConcurrency < 0 {
		return executor.BackendConfig{}, executor.Workspace{}, fmt.Errorf("executor.pull_concurrency must be >= 0")
	}
	root := strings.TrimSpace(xc.WorkspaceRoot)
	if root == "" {
		root = defaultWorkspaceRoot
	}
	prefix := xc.ContainerPrefix
	if prefix == "" {
		prefix = defaultContainerPrefix
	}
	pulls := xc.PullConcurrency
	if pulls == 0 {
		pulls = defaultPullConcurrency
	}
	return executor.BackendConfig{
		Kind:            kind,
		ContainerPrefix: prefix,
		PullConcurrency: pulls,
		KeepContainers:  xc.KeepContainers,
		Shell:           xc.Shell,
	}, executor.Workspace{Root: root}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	if sc.MaxRuns < 0 {
		return storage.Config{}, false, fmt.Errorf("storage.max_runs must be >= 0")
	}
	out := storage.Config{Driver: driver, MaxRuns: sc.MaxRuns, KeyPrefix: strings.TrimSpace(sc.KeyPrefix)}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		out.Path = path
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		out.Path, out.BusyTimeout = path, busy
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		out.DSN = strings.TrimSpace(sc.DSN)
	case "redis":
		addr := strings.TrimSpace(sc.Addr)
		if addr == "" {
			addr = "127.0.0.1:6379"
		}
		out.Addr, out.Password, out.DB = addr, sc.Password, sc.DB
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, true, nil
}

func mapStatusConfig(cfg *config.Config) status.Config {
	return status.Config{Addr: strings.TrimSpace(cfg.Status.Addr), Pprof: cfg.Status.Pprof}
}

// mapNotifierConfig returns the pipeline settings and the telegram target.
// A nil section maps to a disabled notifier.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, telegram.Config, error) {
	if cfg.Notifier == nil {
		return notifier.Config{}, telegram.Config{}, nil
	}
	nc := cfg.Notifier
	if nc.RatePerSec < 0 {
		return notifier.Config{}, telegram.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	}
	if nc.QueueSize < 0 {
		return notifier.Config{}, telegram.Config{}, fmt.Errorf("notifier.queue_size must be >= 0")
	}
	window, err := config.ParseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, 10*time.Minute)
	if err != nil {
		return notifier.Config{}, telegram.Config{}, err
	}
	if nc.Enabled {
		if strings.TrimSpace(nc.Token) == "" {
			return notifier.Config{}, telegram.Config{}, fmt.Errorf("notifier.token is required when notifier.enabled")
		}
		if nc.ChatID == 0 {
			return notifier.Config{}, telegram.Config{}, fmt.Errorf("notifier.chat_id is required when notifier.enabled")
		}
	}
	return notifier.Config{
			Enabled:      nc.Enabled,
			QueueSize:    nc.QueueSize,
			RatePerSec:   nc.RatePerSec,
			RetryMax:     3,
			DedupWindow:  window,
			PersistDedup: true,
			OnSuccess:    nc.OnSuccess,
		}, telegram.Config{
			Token:    strings.TrimSpace(nc.Token),
			ChatID:   nc.ChatID,
			ThreadID: nc.ThreadID,
			Commands: nc.Commands,
		}, nil
}

func mapAMQPConfig(cfg *config.Config) (amqpad.Config, bool, error) {
	ac := cfg.Events.AMQP
	if !ac.Enabled {
		return amqpad.Config{}, false, nil
	}
	if strings.TrimSpace(ac.URL) == "" {
		return amqpad.Config{}, false, fmt.Errorf("events.amqp.url is required when events.amqp.enabled")
	}
	return amqpad.Config{
		URL:           strings.TrimSpace(ac.URL),
		Exchange:      strings.TrimSpace(ac.Exchange),
		RoutingPrefix: strings.TrimSpace(ac.RoutingPrefix),
	}, true, nil
}

// validateConfig runs every mapper so a bad reload is rejected before commit.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapExecutorConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapAMQPConfig(cfg); err != nil {
		return err
	}
	return nil
}
