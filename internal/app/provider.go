package app

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"conduit/internal/pipeline"
	"conduit/internal/runtime/supervisor"
	"conduit/internal/status"
	"conduit/internal/storage"
	"conduit/internal/task/engine"
	"conduit/internal/task/scheduler"
)

// The methods below implement status.Provider.

func (a *App) Engine() status.EngineView { return a.engine }

func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }

func (a *App) Schedules() scheduler.Snapshot {
	snap := a.sched.Snapshot()
	snap.Enabled = a.schedOn
	return snap
}

// Supervisor merges the app loops with the engine's dispatcher goroutines.
func (a *App) Supervisor() supervisor.Snapshot {
	if a.sup == nil {
		return supervisor.Snapshot{}
	}
	snap := a.sup.Snapshot()
	if es := a.engine.Supervisor(); es != nil {
		e := es.Snapshot()
		snap.Counters.Active += e.Counters.Active
		snap.Counters.Started += e.Counters.Started
		snap.Goroutines = append(snap.Goroutines, e.Goroutines...)
		if snap.FirstError == "" {
			snap.FirstError = e.FirstError
		}
	}
	return snap
}

// Runs reads from the store when one is configured, else from the engine's
// in-memory ring.
func (a *App) Runs(ctx context.Context, job string, limit int) ([]status.RunView, error) {
	if a.store != nil {
		recs, err := a.store.ListRuns(ctx, storage.RunQuery{Job: job, Limit: limit})
		if err != nil {
			return nil, err
		}
		out := make([]status.RunView, 0, len(recs))
		for _, r := range recs {
			out = append(out, recordView(r))
		}
		return out, nil
	}
	runs := a.engine.History(job, limit)
	out := make([]status.RunView, 0, len(runs))
	for _, r := range runs {
		out = append(out, recordView(runRecord(r)))
	}
	return out, nil
}

func recordView(r storage.RunRecord) status.RunView {
	return status.RunView{
		ID:         r.ID,
		Job:        r.Job,
		Reason:     r.Reason,
		Cause:      r.Cause,
		Status:     r.Status,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Duration:   r.Duration,
		ExitCode:   r.ExitCode,
		Error:      r.Error,
		LogPath:    r.LogPath,
	}
}

// chatHandler exposes the engine to telegram commands.
type chatHandler struct{ a *App }

func (h chatHandler) Jobs() []string { return h.a.pipe.Names() }

func (h chatHandler) Trigger(name string) (string, error) {
	return h.a.engine.Trigger(name, engine.ReasonManual)
}

func (h chatHandler) StatusText() string {
	return statusText(h.a.engine.Snapshot(), h.a.Schedules(), time.Now())
}

func statusText(es engine.Snapshot, ss scheduler.Snapshot, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>queue</b> pending %d, running %d/%d, cascade %s\n", es.Pending, es.Running, es.Max, html.EscapeString(es.Cascade))
	for _, r := range es.InFlight {
		fmt.Fprintf(&b, "▶ <code>%s</code> for %s\n", html.EscapeString(r.Job), now.Sub(r.StartedAt).Round(time.Second))
	}
	if !ss.Enabled {
		b.WriteString("<b>schedules</b> disabled\n")
		return b.String()
	}
	fmt.Fprintf(&b, "<b>schedules</b> %d (%s)\n", len(ss.Schedules), html.EscapeString(ss.Timezone))
	for _, s := range ss.Schedules {
		fmt.Fprintf(&b, "⏱ <code>%s</code> next %s\n", html.EscapeString(s.Job), s.Next.Format(time.RFC3339))
	}
	return b.String()
}
