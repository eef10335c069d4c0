package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"conduit/internal/app"
)

func run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.New(app.Options{
		ConfigPath:   configPath,
		PipelinePath: pipelinePath,
		Jobs:         startJobs,
		NoTrigger:    noTrigger,
	})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout())
		_ = a.Stop(stopCtx, app.StopFatalError)
		cancel()
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		} else {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	// A second signal aborts the drain.
	stopCtx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout())
	defer cancel()
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-stopCtx.Done():
		}
	}()

	stopErr := a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			return err
		}
	}
	return stopErr
}
