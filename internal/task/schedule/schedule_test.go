package schedule

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestIntervalFiresAfterPeriod(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	s, err := Parse("@every 10s", WithClock(clk))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if s.Kind() != KindInterval || s.Period() != 10*time.Second {
		t.Fatalf("kind=%v period=%v", s.Kind(), s.Period())
	}
	for i := 0; i < 9; i++ {
		clk.Advance(time.Second)
		if s.ShouldRun() {
			t.Fatalf("fired early after %ds", i+1)
		}
	}
	clk.Advance(time.Second)
	if !s.ShouldRun() {
		t.Fatal("did not fire at 10s")
	}
	if s.ShouldRun() {
		t.Fatal("fired twice for the same occurrence")
	}
	if want := clk.t.Add(10 * time.Second); !s.Next().Equal(want) {
		t.Fatalf("next = %v, want %v", s.Next(), want)
	}
}

func TestIntervalKeepsSubSecondStart(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 5, 1, 12, 0, 0, 900*int(time.Millisecond), time.UTC)
	clk := &fakeClock{t: start}
	s, err := Parse("@every 10s", WithClock(clk))
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(9200 * time.Millisecond)
	if s.ShouldRun() {
		t.Fatalf("fired after 9.2s (next=%v)", s.Next())
	}
	clk.Advance(800 * time.Millisecond)
	if !s.ShouldRun() {
		t.Fatal("did not fire at 10s")
	}
	if want := start.Add(20 * time.Second); !s.Next().Equal(want) {
		t.Fatalf("next = %v, want %v", s.Next(), want)
	}
}

func TestSubSecondInterval(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	s, err := Parse("@every 500ms", WithClock(clk))
	if err != nil {
		t.Fatal(err)
	}
	fired := 0
	for i := 0; i < 20; i++ {
		clk.Advance(100 * time.Millisecond)
		if s.ShouldRun() {
			fired++
		}
	}
	if fired != 4 {
		t.Fatalf("fired %d times in 2s, want 4", fired)
	}
}

func TestIntervalCollapsesMissedTicks(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clk := &fakeClock{t: start}
	s, err := Parse("@every 1m", WithClock(clk))
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(5*time.Minute + 30*time.Second)
	if !s.ShouldRun() {
		t.Fatal("expected a firing after the stall")
	}
	if s.ShouldRun() {
		t.Fatal("missed occurrences must collapse into one firing")
	}
	if want := start.Add(6 * time.Minute); !s.Next().Equal(want) {
		t.Fatalf("next = %v, want %v (drift-free)", s.Next(), want)
	}
}

func TestCronFiresOncePerMinuteBoundary(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 30, 0, time.UTC)}
	s, err := Parse("0 * * * * *", WithClock(clk))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !s.Next().After(clk.t) {
		t.Fatalf("next %v is not in the future", s.Next())
	}
	if s.ShouldRun() {
		t.Fatal("fired before the first boundary")
	}

	clk.t = time.Date(2024, 5, 1, 12, 1, 0, 400, time.UTC)
	if !s.ShouldRun() {
		t.Fatal("did not fire at 12:01:00")
	}
	if s.ShouldRun() {
		t.Fatal("fired twice at 12:01:00")
	}
	clk.Advance(59 * time.Second)
	if s.ShouldRun() {
		t.Fatal("fired before 12:02:00")
	}
	clk.Advance(time.Second)
	if !s.ShouldRun() {
		t.Fatal("did not fire at 12:02:00")
	}
}

func TestCronFiveFieldsAndDescriptors(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	for _, raw := range []string{"*/5 * * * *", "@hourly", "@daily"} {
		s, err := Parse(raw, WithClock(clk))
		if err != nil {
			t.Fatalf("Parse(%q): %v", raw, err)
		}
		if s.Kind() != KindCron || !s.Next().After(clk.t) {
			t.Fatalf("Parse(%q): kind=%v next=%v", raw, s.Kind(), s.Next())
		}
	}
}

func TestParseRejectsInvalidSchedules(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want error
	}{
		{raw: "@every", want: ErrInvalidCronExpression},
		{raw: "@every soon", want: ErrInvalidDuration},
		{raw: "@every 0s", want: ErrInvalidDuration},
		{raw: "@every 10 fortnights", want: ErrInvalidDuration},
		{raw: "not a cron", want: ErrInvalidCronExpression},
		{raw: "61 * * * *", want: ErrInvalidCronExpression},
		{raw: "", want: ErrInvalidCronExpression},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			s, err := Parse(tt.raw)
			if s != nil {
				t.Fatalf("got schedule %v for invalid input", s)
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			var pe *ParseError
			if !errors.As(err, &pe) || pe.Input != tt.raw {
				t.Fatalf("err = %#v, want ParseError with input", err)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{in: "10s", want: 10 * time.Second, ok: true},
		{in: "1h30m", want: 90 * time.Minute, ok: true},
		{in: "1d 12h", want: 36 * time.Hour, ok: true},
		{in: "2w", want: 14 * 24 * time.Hour, ok: true},
		{in: "10 seconds", want: 10 * time.Second, ok: true},
		{in: "5 min", want: 5 * time.Minute, ok: true},
		{in: "", ok: false},
		{in: "-5s", ok: false},
		{in: "10", ok: false},
		{in: "abc", ok: false},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if (err == nil) != tt.ok {
			t.Fatalf("ParseDuration(%q) err=%v, ok=%v", tt.in, err, tt.ok)
		}
		if tt.ok && got != tt.want {
			t.Fatalf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
