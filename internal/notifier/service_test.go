package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"conduit/internal/eventbus"
	"conduit/internal/task/engine"
	logx "conduit/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	fails int
}

func (f *fakeSender) SendText(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram: 502")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type memDedup struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (m *memDedup) PutDedup(_ context.Context, key string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[key] = until
	return nil
}

func (m *memDedup) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.m[key]
	return u, ok, nil
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

func startService(t *testing.T, cfg Config, sender Sender, bus eventbus.Bus, store DedupStore) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	s := New(cfg, sender, logx.Nop(), bus, store)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestNotifyDelivers(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	s := startService(t, Config{}, fs, nil, nil)
	if err := s.Notify(context.Background(), Notification{Text: "hello", Priority: 9}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, "delivery", func() bool { return len(fs.Sent()) == 1 })
	if got := fs.Sent()[0]; got != "🚨 hello" {
		t.Fatalf("sent %q", got)
	}
	if h := s.History(); len(h) != 1 {
		t.Fatalf("history = %+v", h)
	}
}

func TestNotifyRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{fails: 2}
	bus := eventbus.New()
	events, unsub := bus.SubscribeTypes(8, EventSent)
	defer unsub()

	s := startService(t, Config{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, fs, bus, nil)
	if err := s.Notify(context.Background(), Notification{Text: "x"}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("no sent event")
	}
	if got := fs.Sent(); len(got) != 1 {
		t.Fatalf("sent = %v", got)
	}
}

func TestNotifyGivesUpAfterRetries(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{fails: 10}
	bus := eventbus.New()
	events, unsub := bus.SubscribeTypes(8, EventFailed)
	defer unsub()

	s := startService(t, Config{RetryMax: 1, RetryBase: time.Millisecond}, fs, bus, nil)
	if err := s.Notify(context.Background(), Notification{Text: "x"}); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-events:
		if ne := ev.Data.(NotificationEvent); !strings.Contains(ne.Error, "502") {
			t.Fatalf("event = %+v", ne)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no failed event")
	}
}

func TestDedupWindowSuppressesRepeats(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	store := &memDedup{m: map[string]time.Time{}}
	s := startService(t, Config{DedupWindow: time.Minute, PersistDedup: true}, fs, nil, store)

	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), Notification{Key: "run:build:failed", Text: "build failed"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Notify(context.Background(), Notification{Key: "run:test:failed", Text: "test failed"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "two deliveries", func() bool { return len(fs.Sent()) == 2 })
	time.Sleep(20 * time.Millisecond)
	if got := fs.Sent(); len(got) != 2 {
		t.Fatalf("sent = %v", got)
	}
	waitFor(t, "dedup persisted", func() bool {
		_, ok, _ := store.GetDedup(context.Background(), "run:build:failed")
		return ok
	})
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	store := &memDedup{m: map[string]time.Time{"run:build:failed": time.Now().Add(time.Hour)}}
	fs := &fakeSender{}
	s := startService(t, Config{DedupWindow: time.Minute, PersistDedup: true}, fs, nil, store)

	if err := s.Notify(context.Background(), Notification{Key: "run:build:failed", Text: "again"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := fs.Sent(); len(got) != 0 {
		t.Fatalf("persisted window ignored: %v", got)
	}
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()
	off := New(Config{}, &fakeSender{}, logx.Nop(), nil, nil)
	if err := off.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: %v", err)
	}

	s := New(Config{Enabled: true}, &fakeSender{}, logx.Nop(), nil, nil)
	if err := s.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: %v", err)
	}
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("after stop: %v", err)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt, max := range map[int]time.Duration{1: 130 * time.Millisecond, 2: 260 * time.Millisecond, 10: time.Second} {
		for i := 0; i < 20; i++ {
			if d := retryDelay(cfg, attempt); d <= 0 || d > max {
				t.Fatalf("retryDelay(%d) = %s, want (0, %s]", attempt, d, max)
			}
		}
	}
}

func TestRunMessage(t *testing.T) {
	t.Parallel()
	r := engine.Run{
		ID: "abc", Job: "build<x>", Reason: engine.ReasonCascade, Cause: "up-1",
		Status: engine.StatusFailed, ExitCode: 2, Error: "exit status 2", LogPath: "/tmp/log",
		Duration: 1500 * time.Millisecond,
	}
	n := RunMessage(r)
	for _, want := range []string{"<b>build&lt;x&gt;</b> failed", "1.5s", "exit code 2", "up-1", "/tmp/log"} {
		if !strings.Contains(n.Text, want) {
			t.Fatalf("message %q missing %q", n.Text, want)
		}
	}
	if n.Key != "run:build<x>:failed" || n.Priority != 7 {
		t.Fatalf("notification = %+v", n)
	}

	if !ShouldNotify(r, false) {
		t.Fatal("failures always notify")
	}
	r.Status = engine.StatusSucceeded
	if ShouldNotify(r, false) || !ShouldNotify(r, true) {
		t.Fatal("success gated by on_success")
	}
	r.Status = engine.StatusCanceled
	if ShouldNotify(r, true) {
		t.Fatal("canceled runs are not announced")
	}
}
