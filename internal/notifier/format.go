package notifier

import (
	"fmt"
	"html"
	"strings"
	"time"

	"conduit/internal/task/engine"
)

// ShouldNotify reports whether a finished run is worth an alert.
func ShouldNotify(r engine.Run, onSuccess bool) bool {
	switch r.Status {
	case engine.StatusFailed:
		return true
	case engine.StatusSucceeded:
		return onSuccess
	default:
		// canceled runs only happen at shutdown
		return false
	}
}

// RunMessage renders a finished run as Telegram HTML. The dedup key is the
// job and outcome so a flapping job alerts once per window.
func RunMessage(r engine.Run) Notification {
	var b strings.Builder
	prio := 3
	switch r.Status {
	case engine.StatusFailed:
		prio = 7
		fmt.Fprintf(&b, "<b>%s</b> failed", html.EscapeString(r.Job))
	case engine.StatusSucceeded:
		fmt.Fprintf(&b, "<b>%s</b> succeeded", html.EscapeString(r.Job))
	default:
		fmt.Fprintf(&b, "<b>%s</b> %s", html.EscapeString(r.Job), html.EscapeString(string(r.Status)))
	}
	fmt.Fprintf(&b, " in %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "run <code>%s</code> (%s)", html.EscapeString(r.ID), html.EscapeString(string(r.Reason)))
	if r.Cause != "" {
		fmt.Fprintf(&b, " after <code>%s</code>", html.EscapeString(r.Cause))
	}
	if r.Status == engine.StatusFailed {
		fmt.Fprintf(&b, "\nexit code %d", r.ExitCode)
		if r.Error != "" {
			fmt.Fprintf(&b, "\n<pre>%s</pre>", html.EscapeString(truncate(r.Error, 512)))
		}
	}
	if r.LogPath != "" {
		fmt.Fprintf(&b, "\nlog: <code>%s</code>", html.EscapeString(r.LogPath))
	}
	return Notification{Key: "run:" + r.Job + ":" + string(r.Status), Text: b.String(), Priority: prio}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
