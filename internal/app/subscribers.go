package app

import (
	"context"
	"time"

	"conduit/internal/eventbus"
	"conduit/internal/notifier"
	"conduit/internal/storage"
	"conduit/internal/task/engine"
	logx "conduit/pkg/logx"
)

// consume feeds every event to fn until ctx is done, then drains whatever is
// already buffered so runs finishing during shutdown are not lost.
func consume(ctx context.Context, events <-chan eventbus.Event, fn func(eventbus.Event)) {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			fn(e)
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return
					}
					fn(e)
				default:
					return
				}
			}
		}
	}
}

func runRecord(r engine.Run) storage.RunRecord {
	return storage.RunRecord{
		ID:         r.ID,
		Job:        r.Job,
		Reason:     string(r.Reason),
		Cause:      r.Cause,
		Status:     string(r.Status),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Duration:   r.Duration,
		ExitCode:   r.ExitCode,
		Error:      r.Error,
		LogPath:    r.LogPath,
	}
}

// recorder persists finished runs.
type recorder struct {
	store storage.Store
	log   logx.Logger
}

func (rc *recorder) handle(e eventbus.Event) {
	r, ok := e.Data.(engine.Run)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.store.AppendRun(ctx, runRecord(r)); err != nil {
		rc.log.Warn("run record failed", logx.String("job", r.Job), logx.String("run_id", r.ID), logx.Err(err))
	}
}

// alerter turns finished runs into notifications.
type alerter struct {
	notif *notifier.Service
	log   logx.Logger
}

func (al *alerter) handle(e eventbus.Event) {
	r, ok := e.Data.(engine.Run)
	if !ok || !notifier.ShouldNotify(r, al.notif.OnSuccess()) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := al.notif.Notify(ctx, notifier.RunMessage(r)); err != nil {
		al.log.Debug("notification not queued", logx.String("job", r.Job), logx.Err(err))
	}
}

func debugEvent(log logx.Logger) func(eventbus.Event) {
	return func(e eventbus.Event) {
		log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}
