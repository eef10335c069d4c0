package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"conduit/internal/eventbus"
	"conduit/internal/executor"
	"conduit/internal/pipeline"
	logx "conduit/pkg/logx"
)

type fakeExec struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
	hold  time.Duration

	active atomic.Int32
	peak   atomic.Int32
}

func (f *fakeExec) Execute(ctx context.Context, job pipeline.Job, runID string) (executor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, job.Name)
	fail := f.fail[job.Name]
	f.mu.Unlock()

	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if job.Name == "block" {
		<-ctx.Done()
		return executor.Result{}, ctx.Err()
	}
	if job.Name == "panic" {
		panic("boom")
	}
	if f.hold > 0 {
		time.Sleep(f.hold)
	}
	if fail {
		return executor.Result{LogPath: "/tmp/" + job.Name}, &executor.ExitError{Code: 3}
	}
	return executor.Result{LogPath: "/tmp/" + job.Name}, nil
}

func (f *fakeExec) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func mustPipeline(t *testing.T, jobs map[string]pipeline.Job) *pipeline.Pipeline {
	t.Helper()
	for k, j := range jobs {
		j.Image = "img"
		j.Command = []string{"true"}
		jobs[k] = j
	}
	p, err := pipeline.New(jobs)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return p
}

func startEngine(t *testing.T, cfg Config, p *pipeline.Pipeline, ex Executor, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, p, ex, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCascadeOnceEvenWhenUpstreamFails(t *testing.T) {
	t.Parallel()
	p := mustPipeline(t, map[string]pipeline.Job{
		"A": {Triggers: []string{"B"}},
		"B": {},
	})
	ex := &fakeExec{fail: map[string]bool{"A": true}}
	s := startEngine(t, Config{}, p, ex, nil)

	idA, err := s.Trigger("A", ReasonManual)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, "two runs", func() bool { return len(s.History("", 0)) == 2 })
	time.Sleep(20 * time.Millisecond)

	calls := ex.Calls()
	if len(calls) != 2 || calls[0] != "A" || calls[1] != "B" {
		t.Fatalf("calls = %v, want [A B]", calls)
	}
	a := s.History("A", 1)[0]
	if a.Status != StatusFailed || a.ExitCode != 3 {
		t.Fatalf("A run = %+v", a)
	}
	b := s.History("B", 1)[0]
	if b.Reason != ReasonCascade || b.Cause != idA || b.Status != StatusSucceeded {
		t.Fatalf("B run = %+v", b)
	}
}

func TestCascadeOnSuccessSkipsFailedRuns(t *testing.T) {
	t.Parallel()
	p := mustPipeline(t, map[string]pipeline.Job{
		"A": {Triggers: []string{"B"}},
		"B": {},
	})
	ex := &fakeExec{fail: map[string]bool{"A": true}}
	s := startEngine(t, Config{Cascade: CascadeOnSuccess}, p, ex, nil)

	if _, err := s.Trigger("A", ReasonManual); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "A finished", func() bool { return len(s.History("A", 0)) == 1 })
	time.Sleep(20 * time.Millisecond)
	if calls := ex.Calls(); len(calls) != 1 {
		t.Fatalf("calls = %v, want only A", calls)
	}
}

func TestUnresolvedTriggerIsSkipped(t *testing.T) {
	t.Parallel()
	p := mustPipeline(t, map[string]pipeline.Job{
		"A": {Triggers: []string{"Z"}},
	})
	bus := eventbus.New()
	events, unsub := bus.SubscribeTypes(8, EventUnresolved)
	defer unsub()

	ex := &fakeExec{}
	s := startEngine(t, Config{}, p, ex, bus)
	if _, err := s.Trigger("A", ReasonManual); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		u, ok := ev.Data.(UnresolvedEvent)
		if !ok || u.Ref != "Z" || u.Kind != "trigger" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no unresolved event")
	}

	// The loop is still alive.
	if _, err := s.Trigger("A", ReasonManual); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second run", func() bool { return len(s.History("A", 0)) == 2 })
	if snap := s.Snapshot(); snap.Pending != 0 {
		t.Fatalf("unresolved trigger left work queued: %+v", snap)
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	t.Parallel()
	p := mustPipeline(t, map[string]pipeline.Job{"work": {}})
	ex := &fakeExec{hold: 30 * time.Millisecond}
	s := startEngine(t, Config{MaxConcurrent: 2}, p, ex, nil)

	for i := 0; i < 8; i++ {
		if _, err := s.Trigger("work", ReasonManual); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "all runs", func() bool { return len(s.History("work", 0)) == 8 })
	// Eight held runs behind a ceiling of two must overlap exactly two at a time.
	if peak := ex.peak.Load(); peak != 2 {
		t.Fatalf("peak concurrency = %d, want 2", peak)
	}
}

func TestPanicAbortsOnlyThatRun(t *testing.T) {
	t.Parallel()
	p := mustPipeline(t, map[string]pipeline.Job{"panic": {}, "ok": {}})
	s := startEngine(t, Config{}, p, &fakeExec{}, nil)

	if _, err := s.Trigger("panic", ReasonManual); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Trigger("ok", ReasonManual); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "both runs", func() bool { return len(s.History("", 0)) == 2 })
	if r := s.History("panic", 1)[0]; r.Status != StatusFailed {
		t.Fatalf("panic run = %+v", r)
	}
	if r := s.History("ok", 1)[0]; r.Status != StatusSucceeded {
		t.Fatalf("ok run = %+v", r)
	}
}

func TestJobTimeout(t *testing.T) {
	t.Parallel()
	p := mustPipeline(t, map[string]pipeline.Job{"block": {Timeout: "20ms"}})
	s := startEngine(t, Config{}, p, &fakeExec{}, nil)

	if _, err := s.Trigger("block", ReasonSchedule); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "timeout", func() bool { return len(s.History("block", 0)) == 1 })
	r := s.History("block", 1)[0]
	if r.Status != StatusFailed || r.Error == "" {
		t.Fatalf("run = %+v", r)
	}
}

func TestStopCancelsAfterDrainTimeout(t *testing.T) {
	t.Parallel()
	p := mustPipeline(t, map[string]pipeline.Job{"block": {}})
	s := New(Config{DrainTimeout: 20 * time.Millisecond}, p, &fakeExec{}, logx.Nop(), nil)
	s.Start(context.Background())

	if _, err := s.Trigger("block", ReasonManual); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "run started", func() bool { return len(s.InFlight()) == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	h := s.History("block", 0)
	if len(h) != 1 || h[0].Status != StatusCanceled {
		t.Fatalf("history = %+v", h)
	}
	if _, err := s.Trigger("block", ReasonManual); !errors.Is(err, ErrStopped) {
		t.Fatalf("Trigger after Stop: %v", err)
	}
}

func TestTriggerUnknownJob(t *testing.T) {
	t.Parallel()
	p := mustPipeline(t, map[string]pipeline.Job{"a": {}})
	s := New(Config{}, p, &fakeExec{}, logx.Nop(), nil)
	if _, err := s.Trigger("nope", ReasonAPI); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("err = %v", err)
	}
}

func TestParseCascadePolicy(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]CascadePolicy{"": CascadeAlways, "ON_SUCCESS": CascadeOnSuccess, "never": CascadeNever} {
		got, err := ParseCascadePolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParseCascadePolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseCascadePolicy("sometimes"); err == nil {
		t.Fatal("expected error")
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestLogLinesCarryComponentOnce(t *testing.T) {
	t.Parallel()
	var buf syncBuffer
	p := mustPipeline(t, map[string]pipeline.Job{"a": {}})
	s := New(Config{}, p, &fakeExec{}, logx.NewWriter(&buf, "debug"), nil)
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	if _, err := s.Trigger("a", ReasonManual); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "run", func() bool { return len(s.History("a", 0)) == 1 })

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) == 0 || lines[0] == "" {
		t.Fatal("no log output")
	}
	for _, line := range lines {
		if n := strings.Count(line, `"comp":`); n != 1 {
			t.Fatalf("comp appears %d times: %s", n, line)
		}
	}
}
