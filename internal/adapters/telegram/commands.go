package telegram

import (
	"context"
	"fmt"
	"html"
	"runtime/debug"
	"strings"
	"time"

	logx "conduit/pkg/logx"
)

// Handler is the orchestrator surface exposed over chat.
type Handler interface {
	Jobs() []string
	Trigger(name string) (runID string, err error)
	StatusText() string
}

type commands struct {
	h      Handler
	chatID int64
	log    logx.Logger
}

func newCommands(h Handler, chatID int64, log logx.Logger) *commands {
	return &commands{h: h, chatID: chatID, log: log}
}

// dispatch answers one message. ok is false for messages that are not
// commands or come from another chat.
func (c *commands) dispatch(ctx context.Context, chatID int64, text string) (reply string, ok bool) {
	if chatID != c.chatID {
		return "", false
	}
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", false
	}
	// "/run@conduit_bot build"
	cmd, _, _ := strings.Cut(strings.TrimPrefix(fields[0], "/"), "@")
	args := fields[1:]

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic recovered", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			reply, ok = "internal error", true
		}
		c.log.Debug("command handled", logx.String("cmd", cmd), logx.Duration("dur", time.Since(start)))
	}()

	switch cmd {
	case "jobs":
		names := c.h.Jobs()
		if len(names) == 0 {
			return "no jobs", true
		}
		var b strings.Builder
		for _, n := range names {
			fmt.Fprintf(&b, "• <code>%s</code>\n", html.EscapeString(n))
		}
		return b.String(), true
	case "run":
		if len(args) != 1 {
			return "usage: /run &lt;job&gt;", true
		}
		id, err := c.h.Trigger(args[0])
		if err != nil {
			c.log.Warn("command trigger failed", logx.String("job", args[0]), logx.Err(err))
			return html.EscapeString(err.Error()), true
		}
		c.log.Info("job triggered via telegram", logx.String("job", args[0]), logx.String("run_id", id))
		return fmt.Sprintf("queued <b>%s</b> as <code>%s</code>", html.EscapeString(args[0]), html.EscapeString(id)), true
	case "status":
		return c.h.StatusText(), true
	case "help", "start":
		return "/jobs - list jobs\n/run &lt;job&gt; - queue a run\n/status - queue and schedule state", true
	default:
		return "", false
	}
}
