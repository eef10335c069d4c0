package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"conduit/internal/pipeline"
	"conduit/internal/task/engine"
	"conduit/internal/task/schedule"
	logx "conduit/pkg/logx"
)

type Config struct {
	Enabled  bool
	Tick     time.Duration
	Timezone string // IANA TZ for cron evaluation; empty means UTC
}

// Enqueuer accepts due jobs. *engine.Service implements it.
type Enqueuer interface {
	Enqueue(job pipeline.Job, reason engine.Reason, cause string) (string, error)
}

type Option func(*options)

type options struct {
	clock schedule.Clock
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// WithClock injects the clock handed to every schedule.
func WithClock(c schedule.Clock) Option {
	return func(o *options) { o.clock = c }
}

type entry struct {
	job   string
	sched *schedule.Schedule
}

type Service struct {
	cfg   Config
	log   logx.Logger
	pipe  *pipeline.Pipeline
	enq   Enqueuer
	loc   *time.Location
	clock schedule.Clock

	entries []entry

	mu   sync.Mutex
	info []ScheduleInfo

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

// New parses the schedule of every job in pipe. Any invalid schedule is an
// error and nothing is registered.
func New(cfg Config, pipe *pipeline.Pipeline, enq Enqueuer, log logx.Logger, opts ...Option) (*Service, error) {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.clock == nil {
		o.clock = wallClock{}
	}
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	scheds, err := ParseAll(pipe, schedule.WithLocation(loc), schedule.WithClock(o.clock))
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:   cfg,
		log:   log.With(logx.String("comp", "scheduler")),
		pipe:  pipe,
		enq:   enq,
		loc:   loc,
		clock: o.clock,
	}
	for _, name := range pipe.Scheduled() {
		sc := scheds[name]
		s.entries = append(s.entries, entry{job: name, sched: sc})
		s.info = append(s.info, ScheduleInfo{Job: name, Spec: sc.String(), Kind: sc.Kind().String(), Next: sc.Next()})
	}
	return s, nil
}

// ParseAll parses every declared schedule, joining all failures.
func ParseAll(pipe *pipeline.Pipeline, opts ...schedule.Option) (map[string]*schedule.Schedule, error) {
	out := make(map[string]*schedule.Schedule)
	var errs []error
	for _, name := range pipe.Scheduled() {
		job, _ := pipe.Get(name)
		sc, err := schedule.Parse(job.Schedule, opts...)
		if err != nil {
			errs = append(errs, fmt.Errorf("jobs.%s.schedule: %w", name, err))
			continue
		}
		out[name] = sc
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler timezone %q: %w", tz, err)
	}
	return loc, nil
}

func (s *Service) Len() int { return len(s.entries) }

// Run polls until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if len(s.entries) == 0 {
		s.log.Info("scheduler idle: no scheduled jobs")
		<-ctx.Done()
		return ctx.Err()
	}
	s.log.Info("scheduler started", logx.Int("schedules", len(s.entries)), logx.Duration("tick", s.cfg.Tick), logx.String("tz", s.loc.String()))

	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Poll()
		}
	}
}

// Poll evaluates every schedule once and enqueues the due jobs. It returns
// how many were enqueued.
func (s *Service) Poll() int {
	n := 0
	for i, e := range s.entries {
		if !e.sched.ShouldRun() {
			continue
		}
		fired := s.clock.Now()
		s.mu.Lock()
		s.info[i].Next = e.sched.Next()
		s.info[i].LastFired = fired
		s.info[i].Fired++
		s.mu.Unlock()

		job, ok := s.pipe.Get(e.job)
		if !ok {
			s.log.Warn("scheduled job vanished", logx.String("job", e.job))
			continue
		}
		if _, err := s.enq.Enqueue(job, engine.ReasonSchedule, ""); err != nil {
			s.reportEnqueueError(e.job, err)
			continue
		}
		n++
		s.log.Debug("schedule fired", logx.String("job", e.job), logx.Time("next", e.sched.Next()))
	}
	return n
}
