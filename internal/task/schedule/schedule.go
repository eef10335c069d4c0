// Package schedule decides when a job is due. A Schedule is either a cron
// expression or a fixed interval and keeps its own next fire time.
//
// A Schedule is not safe for concurrent use; the poller owns it.
package schedule

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const everyPrefix = "@every "

// Seconds are optional; a 6-field expression starts with them.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

func (k Kind) String() string {
	if k == KindInterval {
		return "interval"
	}
	return "cron"
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type Option func(*Schedule)

func WithClock(c Clock) Option {
	return func(s *Schedule) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLocation evaluates cron expressions in loc instead of UTC.
func WithLocation(loc *time.Location) Option {
	return func(s *Schedule) {
		if loc != nil {
			s.loc = loc
		}
	}
}

type Schedule struct {
	kind   Kind
	raw    string
	cron   cron.Schedule
	period time.Duration
	next   time.Time

	clock Clock
	loc   *time.Location
}

// Parse builds a schedule from raw. "@every <duration>" yields an interval;
// anything else is parsed as cron (5 or 6 fields, or a descriptor such as
// "@hourly").
func Parse(raw string, opts ...Option) (*Schedule, error) {
	s := &Schedule{raw: raw, clock: systemClock{}, loc: time.UTC}
	for _, o := range opts {
		o(s)
	}
	trimmed := strings.TrimSpace(raw)

	if strings.HasPrefix(trimmed, everyPrefix) {
		d, err := ParseDuration(strings.TrimPrefix(trimmed, everyPrefix))
		if err != nil {
			return nil, &ParseError{Input: raw, Err: ErrInvalidDuration, Cause: err}
		}
		s.kind = KindInterval
		s.period = d
		s.next = s.clock.Now().Add(d)
		return s, nil
	}

	sched, err := cronParser.Parse(trimmed)
	if err != nil {
		return nil, &ParseError{Input: raw, Err: ErrInvalidCronExpression, Cause: err}
	}
	s.kind = KindCron
	s.cron = sched
	s.next = sched.Next(s.cronNow())
	return s, nil
}

// cronNow is the evaluation time for cron schedules: wall clock in loc with
// sub-second precision dropped so poller jitter cannot skip an occurrence.
// Intervals use the raw clock reading, which keeps the monotonic component.
func (s *Schedule) cronNow() time.Time {
	return s.clock.Now().In(s.loc).Truncate(time.Second)
}

// ShouldRun reports whether the schedule is due and, if so, advances the next
// fire time. It returns true at most once per due occurrence.
func (s *Schedule) ShouldRun() bool {
	if s.next.IsZero() {
		return false
	}
	now := s.clock.Now()
	if s.kind == KindCron {
		now = s.cronNow()
	}
	if s.next.After(now) {
		return false
	}
	switch s.kind {
	case KindInterval:
		// Rearm from the previous deadline; occurrences missed during a stall
		// collapse into this one firing.
		missed := now.Sub(s.next)/s.period + 1
		s.next = s.next.Add(missed * s.period)
	default:
		s.next = s.cron.Next(now)
	}
	return true
}

func (s *Schedule) Next() time.Time { return s.next }
func (s *Schedule) Kind() Kind      { return s.kind }
func (s *Schedule) String() string  { return s.raw }

// Period is zero for cron schedules.
func (s *Schedule) Period() time.Duration { return s.period }
