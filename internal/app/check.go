package app

import (
	"context"
	"fmt"
	"time"

	"conduit/internal/config"
	"conduit/internal/pipeline"
	"conduit/internal/task/schedule"
	"conduit/internal/task/scheduler"
)

// Check loads and validates the config and pipeline without starting
// anything. Lint warnings are returned; they never fail the check.
func Check(opts Options) ([]pipeline.Warning, error) {
	cfg, err := config.NewConfigManager(opts.ConfigPath).Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	pipe, err := pipeline.LoadFile(opts.PipelinePath)
	if err != nil {
		return nil, err
	}
	sc, _ := mapSchedulerConfig(cfg)
	loc := time.UTC
	if sc.Timezone != "" {
		if loc, err = time.LoadLocation(sc.Timezone); err != nil {
			return nil, fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if _, err := scheduler.ParseAll(pipe, schedule.WithLocation(loc)); err != nil {
		return nil, err
	}
	return pipe.Lint(), nil
}

// ShutdownTimeout is long enough for the engine drain plus the other stop steps.
func (a *App) ShutdownTimeout() time.Duration {
	return a.engCfg.DrainTimeout + 20*time.Second
}
