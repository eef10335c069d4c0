// Package app wires the pipeline, engine, scheduler, executor and the
// optional outer surfaces (storage, status API, notifier, AMQP events) into
// one process with ordered start-up and shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	amqpad "conduit/internal/adapters/amqp"
	"conduit/internal/adapters/telegram"
	"conduit/internal/config"
	"conduit/internal/eventbus"
	"conduit/internal/executor"
	"conduit/internal/notifier"
	"conduit/internal/pipeline"
	"conduit/internal/runtime/supervisor"
	"conduit/internal/status"
	"conduit/internal/storage"
	"conduit/internal/task/engine"
	"conduit/internal/task/scheduler"
	logx "conduit/pkg/logx"
	"conduit/pkg/systemd"
)

// Options are the command-line inputs.
type Options struct {
	ConfigPath   string
	PipelinePath string
	// Jobs are enqueued once at start-up. Unknown names are logged and skipped.
	Jobs []string
	// NoTrigger disables schedule-driven triggering.
	NoTrigger bool
}

type App struct {
	opts Options
	cfgm *config.ConfigManager

	// sup runs the app loops. subs runs bus consumers and is cancelled only
	// after the engine has drained so final run events are still handled.
	sup  *supervisor.Supervisor
	subs *supervisor.Supervisor

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	pipe    *pipeline.Pipeline
	backend executor.Backend
	engine  *engine.Service
	engCfg  engine.Config
	sched   *scheduler.Service
	schedOn bool

	notif *notifier.Service
	tg    *telegram.Adapter
	tgCfg telegram.Config // target of the current sender; owned by the reload loop

	amqpCfg amqpad.Config
	amqpOn  bool
	events  *amqpad.Publisher

	status *status.Server
}

func New(opts Options) (a *App, err error) {
	cfgm := config.NewConfigManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	pipe, err := pipeline.LoadFile(opts.PipelinePath)
	if err != nil {
		return nil, err
	}
	for _, w := range pipe.Lint() {
		log.Warn("pipeline lint", logx.String("kind", string(w.Kind)), logx.String("detail", w.String()))
	}

	a = &App{
		opts: opts,
		cfgm: cfgm,
		root: root,
		log:  log,
		logs: logSvc,
		bus:  eventbus.New(),
		pipe: pipe,
	}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	if sc, enabled, _ := mapStorageConfig(cfg); enabled {
		if a.store, err = storage.Open(sc, root); err != nil {
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	bcfg, ws, _ := mapExecutorConfig(cfg)
	if a.backend, err = executor.NewBackend(bcfg); err != nil {
		return nil, err
	}
	runner := executor.NewRunner(a.backend, ws, pipe, root)

	a.engCfg, _ = mapEngineConfig(cfg)
	a.engine = engine.New(a.engCfg, pipe, runner, root, a.bus)

	// Schedules are parsed even with --no-trigger: an invalid one is fatal.
	schedCfg, _ := mapSchedulerConfig(cfg)
	if a.sched, err = scheduler.New(schedCfg, pipe, a.engine, root); err != nil {
		return nil, err
	}
	a.schedOn = schedCfg.Enabled && !opts.NoTrigger

	ncfg, tcfg, _ := mapNotifierConfig(cfg)
	a.notif = notifier.New(ncfg, nil, root, a.bus, a.store)
	if ncfg.Enabled {
		if a.tg, err = telegram.New(tcfg, root); err != nil {
			return nil, fmt.Errorf("notifier: %w", err)
		}
		a.notif.SetSender(a.tg)
		a.tgCfg = tcfg
	}

	a.amqpCfg, a.amqpOn, _ = mapAMQPConfig(cfg)

	if cfg.Status.Enabled {
		a.status = status.New(mapStatusConfig(cfg), a, root)
	}

	log.Info("app configured",
		logx.Int("jobs", pipe.Len()),
		logx.Int("schedules", a.sched.Len()),
		logx.String("backend", a.backend.Name()),
		logx.String("workspace", ws.Root),
	)
	return a, nil
}

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.subs = supervisor.New(context.Background(), supervisor.WithLogger(a.root.With(logx.String("comp", "bus"))))
	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateConfig)

	if a.amqpOn {
		pub, err := amqpad.Dial(a.amqpCfg, a.root)
		if err != nil {
			return fmt.Errorf("events.amqp: %w", err)
		}
		a.events = pub
		a.log.Info("amqp events enabled", logx.String("exchange", a.amqpCfg.Exchange))
	}

	// Subscribers go first so start-up triggers are observed.
	a.subscribe()

	// The notifier outlives the app context; Stop drains it explicitly.
	a.notif.Start(context.Background())
	if a.tg != nil {
		if err := a.tg.Start(a.sup.Context(), chatHandler{a}); err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
	}

	a.engine.Start(a.sup.Context())
	a.triggerStartup()

	if a.schedOn {
		a.sup.Go("scheduler", a.sched.Run)
	} else {
		a.log.Info("schedule triggers disabled", logx.Bool("no_trigger", a.opts.NoTrigger))
	}

	if a.status != nil {
		if err := a.status.Start(); err != nil {
			return fmt.Errorf("status api: %w", err)
		}
	}

	if a.cfgm.Path() != "" {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	if _, err := systemd.Ready(); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}
	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return systemd.Watchdog(c, iv, func() bool { return a.sup.Err() == nil })
		})
	}

	a.log.Info("app started")
	return nil
}

func (a *App) subscribe() {
	if a.store != nil {
		ch, unsub := a.bus.SubscribeTypes(256, engine.EventFinished, engine.EventFailed)
		rc := &recorder{store: a.store, log: a.log}
		a.subs.Go0("bus.recorder", func(c context.Context) {
			defer unsub()
			consume(c, ch, rc.handle)
		})
	}

	ch, unsub := a.bus.SubscribeTypes(64, engine.EventFinished, engine.EventFailed)
	al := &alerter{notif: a.notif, log: a.log}
	a.subs.Go0("bus.alerter", func(c context.Context) {
		defer unsub()
		consume(c, ch, func(e eventbus.Event) {
			if a.notif.Enabled() {
				al.handle(e)
			}
		})
	})

	if a.events != nil {
		ch, unsub := a.bus.SubscribeTypes(512, "job.")
		a.subs.Go("bus.amqp", func(c context.Context) error {
			defer unsub()
			return a.events.Run(c, ch)
		})
	}

	dch, dunsub := a.bus.Subscribe(128)
	a.subs.Go0("bus.log", func(c context.Context) {
		defer dunsub()
		consume(c, dch, debugEvent(a.log))
	})
}

func (a *App) triggerStartup() {
	for _, name := range a.opts.Jobs {
		id, err := a.engine.Trigger(name, engine.ReasonManual)
		switch {
		case errors.Is(err, engine.ErrUnknownJob):
			a.log.Warn("unknown job on command line; skipped", logx.String("job", name))
		case err != nil:
			a.log.Warn("start-up trigger failed", logx.String("job", name), logx.Err(err))
		default:
			a.log.Info("job triggered from command line", logx.String("job", name), logx.String("run_id", id))
		}
	}
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, last, newCfg)
			last = newCfg
		}
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLoggingConfig(newCfg))
	a.applyNotifier(c, newCfg)

	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", rr))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// applyNotifier swaps rate and dedup settings and rebuilds the sender when
// the telegram target changed. Command polling keeps its start-up bot.
func (a *App) applyNotifier(c context.Context, cfg *config.Config) {
	ncfg, tcfg, err := mapNotifierConfig(cfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	if ncfg.Enabled && (tcfg.Token != a.tgCfg.Token || tcfg.ChatID != a.tgCfg.ChatID || tcfg.ThreadID != a.tgCfg.ThreadID) {
		sendCfg := tcfg
		sendCfg.Commands = false
		ad, err := telegram.New(sendCfg, a.root)
		if err != nil {
			a.log.Warn("telegram sender rebuild failed; keeping previous", logx.Err(err))
			return
		}
		a.notif.SetSender(ad)
		a.tgCfg = tcfg
	}

	was := a.notif.Enabled()
	a.notif.Apply(ncfg)
	switch {
	case was && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !was && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(context.Background())
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Cancel first so the scheduler, config watcher and command polling
	// unwind while the steps below run.
	a.sup.Cancel()

	if a.status != nil {
		a.step(ctx, "status", 2*time.Second, a.status.Stop)
	}
	if a.tg != nil {
		a.step(ctx, "telegram", 2*time.Second, a.tg.Stop)
	}
	a.step(ctx, "engine", a.engCfg.DrainTimeout+5*time.Second, func(c context.Context) error {
		a.engine.Stop(c)
		return nil
	})

	a.subs.Cancel()
	a.step(ctx, "subscribers", 3*time.Second, a.subs.Wait)
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error {
		a.notif.Stop(c)
		return nil
	})
	a.step(ctx, "resources", 2*time.Second, func(context.Context) error {
		a.closeResources()
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) closeResources() {
	if a.events != nil {
		if err := a.events.Close(); err != nil {
			a.log.Debug("amqp close", logx.Err(err))
		}
		a.events = nil
	}
	if c, ok := a.backend.(io.Closer); ok {
		_ = c.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close", logx.Err(err))
		}
		a.store = nil
	}
}

// step runs one shutdown step bounded by max and by the caller's deadline,
// so one component cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
