// Package telegram delivers notifications through the Telegram Bot API and,
// when enabled, answers a small set of operator commands from the alert chat.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "conduit/pkg/logx"
)

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// Commands turns on long polling for operator commands.
	Commands    bool
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	runMu    sync.Mutex
	running  bool
	done     chan struct{}
	stopOnce sync.Once
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	settings := tele.Settings{Token: cfg.Token, Offline: !cfg.Commands}
	if cfg.Commands {
		timeout := cfg.PollTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		settings.Poller = &tele.LongPoller{Timeout: timeout}
	}
	b, err := tele.NewBot(settings)
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}, nil
}

// SendText posts an HTML message to the configured chat and thread.
func (a *Adapter) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.bot.Send(&tele.Chat{ID: a.cfg.ChatID}, text, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              a.cfg.ThreadID,
	})
	return err
}

// Start begins polling for commands. It is a no-op unless Commands is set.
func (a *Adapter) Start(ctx context.Context, h Handler) error {
	if !a.cfg.Commands || h == nil {
		return nil
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.done = make(chan struct{})
	done := a.done
	a.runMu.Unlock()

	cmds := newCommands(h, a.cfg.ChatID, a.log)
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		reply, ok := cmds.dispatch(ctx, m.Chat.ID, m.Text)
		if !ok {
			return nil
		}
		return c.Send(reply, &tele.SendOptions{ParseMode: tele.ModeHTML, ThreadID: m.ThreadID})
	})

	go func() {
		<-ctx.Done()
		a.stopBot()
	}()
	go func() {
		defer close(done)
		a.log.Info("command polling started")
		a.bot.Start() // blocks until Stop
	}()
	return nil
}

// Stop ends polling. It never blocks shutdown longer than a short grace
// window, since a getUpdates long poll may still be waiting.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	wasRunning, done := a.running, a.done
	a.running = false
	a.runMu.Unlock()
	if !wasRunning {
		return nil
	}
	go a.stopBot()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
		a.log.Info("command polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

// stopBot calls bot.Stop once; a second call would block on telebot's
// unbuffered stop channel.
func (a *Adapter) stopBot() {
	a.stopOnce.Do(a.bot.Stop)
}
