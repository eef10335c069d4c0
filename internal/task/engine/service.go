package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"conduit/internal/eventbus"
	"conduit/internal/executor"
	"conduit/internal/pipeline"
	"conduit/internal/task/queue"
	logx "conduit/pkg/logx"

	rtsup "conduit/internal/runtime/supervisor"
)

const warnThrottleEvery = 5 * time.Second

// Service is the dispatcher. Producers call Enqueue or Trigger; a single loop
// admits queued items up to MaxConcurrent and runs each on its own goroutine.
type Service struct {
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	pipe *pipeline.Pipeline
	exec Executor

	q *queue.Queue[Item]

	mu       sync.Mutex
	sup      *rtsup.Supervisor
	stopping bool
	inFlight map[string]Run
	wg       sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc

	hmu     sync.Mutex
	history []Run

	lastBacklogWarnAt int64
}

func New(cfg Config, pipe *pipeline.Pipeline, exec Executor, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	runCtx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg,
		log:       log.With(logx.String("comp", "engine")),
		bus:       bus,
		pipe:      pipe,
		exec:      exec,
		q:         queue.New[Item](cfg.MaxConcurrent),
		inFlight:  make(map[string]Run),
		runCtx:    runCtx,
		runCancel: cancel,
	}
}

// Supervisor returns the dispatcher's supervisor (nil before Start).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the dispatch loop. Items enqueued before Start are kept and
// dispatched once it runs. Run contexts are detached from ctx so that
// cancelling ctx stops admission without killing in-flight runs; Stop
// handles those.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil || s.stopping {
		s.mu.Unlock()
		return
	}
	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup = sup
	s.mu.Unlock()

	sup.GoRestart("dispatch", func(c context.Context) error {
		s.loop(c)
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("dispatch loop exited unexpectedly")
	})

	s.log.Info("engine started",
		logx.Int("max_concurrent", s.cfg.MaxConcurrent),
		logx.String("cascade", string(s.cfg.Cascade)),
		logx.Int("pending", s.q.Stats().Pending),
	)
}

// loop drains every admissible item before waiting, so a wake that coalesced
// with an earlier one never strands work.
func (s *Service) loop(ctx context.Context) {
	for {
		for {
			if ctx.Err() != nil {
				return
			}
			item, ok := s.q.TryDequeue()
			if !ok {
				break
			}
			s.spawn(item)
		}
		s.warnBacklog()
		if err := s.q.WaitForWork(ctx); err != nil {
			return
		}
	}
}

func (s *Service) spawn(item Item) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.q.MarkDone()
		s.log.Debug("run dropped: engine stopping", logx.String("job", item.Job.Name), logx.String("run_id", item.ID))
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go s.run(item)
}

// Stop halts admission, waits up to DrainTimeout for in-flight runs and then
// cancels whatever is left. ctx bounds the whole call.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	sup := s.sup
	running := len(s.inFlight)
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	if running > 0 {
		s.log.Info("engine draining", logx.Int("in_flight", running), logx.Duration("drain_timeout", s.cfg.DrainTimeout))
	}
	timer := time.NewTimer(s.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-done:
		s.log.Info("engine stopped")
	case <-timer.C:
		s.log.Warn("engine drain timed out; cancelling runs", logx.Int("in_flight", len(s.InFlight())))
		s.runCancel()
		select {
		case <-done:
			s.log.Info("engine stopped")
		case <-ctx.Done():
			s.log.Warn("engine stop timed out", logx.Err(ctx.Err()))
		}
	case <-ctx.Done():
		s.runCancel()
		s.log.Warn("engine stop timed out", logx.Err(ctx.Err()))
	}
	s.runCancel()
}

// Enqueue queues a copy of job and returns its run id.
func (s *Service) Enqueue(job pipeline.Job, reason Reason, cause string) (string, error) {
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		return "", ErrStopped
	}

	item := Item{
		ID:         uuid.NewString(),
		Job:        job.Clone(),
		Reason:     reason,
		Cause:      cause,
		EnqueuedAt: time.Now(),
	}
	s.q.Enqueue(item)

	s.log.Debug("job.queued",
		logx.String("job", item.Job.Name),
		logx.String("run_id", item.ID),
		logx.String("reason", string(reason)),
	)
	s.publish(EventQueued, item.EnqueuedAt, queuedRun(item))
	return item.ID, nil
}

// Trigger resolves name in the pipeline and enqueues it.
func (s *Service) Trigger(name string, reason Reason) (string, error) {
	name = strings.TrimSpace(name)
	job, ok := s.pipe.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	return s.Enqueue(job, reason, "")
}

func (s *Service) run(item Item) {
	defer s.wg.Done()
	defer s.q.MarkDone()

	start := time.Now()
	r := queuedRun(item)
	r.Status = StatusRunning
	r.StartedAt = start
	r.QueueDelay = start.Sub(item.EnqueuedAt)
	if r.QueueDelay < 0 {
		r.QueueDelay = 0
	}

	s.mu.Lock()
	s.inFlight[item.ID] = r
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, item.ID)
		s.mu.Unlock()
	}()

	log := s.log.With(logx.String("job", item.Job.Name), logx.String("run_id", item.ID))
	log.Info("job.started", logx.String("reason", string(item.Reason)), logx.Duration("queue_delay", r.QueueDelay))
	s.publish(EventStarted, start, r)

	timeout := s.cfg.JobTimeout
	if t := strings.TrimSpace(item.Job.Timeout); t != "" {
		if d, err := time.ParseDuration(t); err == nil && d > 0 {
			timeout = d
		}
	}
	ctx := s.runCtx
	var cancel context.CancelFunc = func() {}
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}

	var (
		res executor.Result
		err error
	)
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
				log.Error("job.panic", logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
			}
		}()
		res, err = s.exec.Execute(ctx, item.Job, item.ID)
	}()
	deadline := ctx.Err()
	cancel()

	finish := time.Now()
	r.FinishedAt = finish
	r.Duration = finish.Sub(start)
	r.LogPath = res.LogPath
	r.ExitCode = res.ExitCode

	for _, dep := range res.Unresolved {
		s.publish(EventUnresolved, finish, UnresolvedEvent{Job: item.Job.Name, RunID: item.ID, Kind: "dependency", Ref: dep})
	}

	switch {
	case err == nil:
		r.Status = StatusSucceeded
	case s.runCtx.Err() != nil:
		r.Status = StatusCanceled
		r.Error = err.Error()
	case errors.Is(deadline, context.DeadlineExceeded):
		r.Status = StatusFailed
		r.Error = fmt.Sprintf("timed out after %s: %v", timeout, err)
	default:
		r.Status = StatusFailed
		r.Error = err.Error()
	}
	var ee *executor.ExitError
	if errors.As(err, &ee) {
		r.ExitCode = ee.Code
	} else if err != nil && r.ExitCode == 0 {
		r.ExitCode = -1
	}

	if r.Status == StatusSucceeded {
		log.Info("job.completed", logx.Duration("dur", r.Duration), logx.String("log", r.LogPath))
		s.publish(EventFinished, finish, r)
	} else {
		log.Warn("job.failed",
			logx.String("status", string(r.Status)),
			logx.Int("exit_code", r.ExitCode),
			logx.String("err", r.Error),
			logx.Duration("dur", r.Duration),
			logx.String("log", r.LogPath),
		)
		s.publish(EventFailed, finish, r)
	}
	s.record(r)
	s.cascade(log, item, r.Status)
}

func (s *Service) cascade(log logx.Logger, item Item, status Status) {
	if len(item.Job.Triggers) == 0 {
		return
	}
	switch {
	case status == StatusCanceled:
		log.Debug("cascade skipped: run canceled")
		return
	case s.cfg.Cascade == CascadeNever:
		return
	case s.cfg.Cascade == CascadeOnSuccess && status != StatusSucceeded:
		log.Debug("cascade skipped: run failed", logx.Strings("triggers", item.Job.Triggers))
		return
	}

	for _, name := range item.Job.Triggers {
		next, ok := s.pipe.Get(name)
		if !ok {
			log.Warn("trigger unresolved", logx.String("trigger", name))
			s.publish(EventUnresolved, time.Now(), UnresolvedEvent{Job: item.Job.Name, RunID: item.ID, Kind: "trigger", Ref: name})
			continue
		}
		id, err := s.Enqueue(next, ReasonCascade, item.ID)
		if err != nil {
			log.Debug("cascade dropped", logx.String("trigger", name), logx.Err(err))
			continue
		}
		log.Info("job.cascade", logx.String("trigger", name), logx.String("next_run_id", id))
		s.publish(EventCascade, time.Now(), CascadeEvent{From: item.Job.Name, FromRunID: item.ID, To: next.Name, RunID: id})
	}
}

func (s *Service) record(r Run) {
	s.hmu.Lock()
	s.history = append(s.history, r)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

// History returns finished runs, newest first. An empty job matches all;
// limit <= 0 returns everything kept.
func (s *Service) History(job string, limit int) []Run {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]Run, 0, len(s.history))
	for i := len(s.history) - 1; i >= 0; i-- {
		if job != "" && s.history[i].Job != job {
			continue
		}
		out = append(out, s.history[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// InFlight returns the running instances ordered by start time.
func (s *Service) InFlight() []Run {
	s.mu.Lock()
	out := make([]Run, 0, len(s.inFlight))
	for _, r := range s.inFlight {
		out = append(out, r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (s *Service) Snapshot() Snapshot {
	st := s.q.Stats()
	pending := s.q.Pending()
	queued := make([]Run, 0, len(pending))
	for _, it := range pending {
		queued = append(queued, queuedRun(it))
	}
	s.mu.Lock()
	stopped := s.stopping
	s.mu.Unlock()
	return Snapshot{
		Pending:  st.Pending,
		Running:  st.Running,
		Max:      st.Max,
		Cascade:  string(s.cfg.Cascade),
		InFlight: s.InFlight(),
		Queued:   queued,
		Stopped:  stopped,
	}
}

func (s *Service) warnBacklog() {
	if s.cfg.BacklogWarn <= 0 {
		return
	}
	st := s.q.Stats()
	if st.Pending < s.cfg.BacklogWarn || !s.shouldWarn(&s.lastBacklogWarnAt, time.Now()) {
		return
	}
	s.log.Warn("job backlog growing",
		logx.Int("pending", st.Pending),
		logx.Int("running", st.Running),
		logx.Int("max_concurrent", st.Max),
	)
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) publish(typ string, at time.Time, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: data})
}

func queuedRun(it Item) Run {
	return Run{
		ID:         it.ID,
		Job:        it.Job.Name,
		Reason:     it.Reason,
		Cause:      it.Cause,
		Status:     StatusQueued,
		EnqueuedAt: it.EnqueuedAt,
	}
}
