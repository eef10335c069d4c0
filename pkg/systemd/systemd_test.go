package systemd

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu   sync.Mutex
	sent []string
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, state)
	return true, nil
}

func (r *recorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

// Tests in this file swap a package variable and so do not run in parallel.

func TestReadyStoppingStatus(t *testing.T) {
	rec := &recorder{}
	old := notifyFn
	notifyFn = rec.notify
	t.Cleanup(func() { notifyFn = old })

	_, _ = Ready()
	_, _ = Status("3 jobs")
	_, _ = Stopping()
	got := rec.states()
	want := []string{"READY=1", "STATUS=3 jobs", "STOPPING=1"}
	if len(got) != len(want) {
		t.Fatalf("sent = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sent = %v, want %v", got, want)
		}
	}
}

func TestWatchdogSkipsWhenUnhealthy(t *testing.T) {
	rec := &recorder{}
	old := notifyFn
	notifyFn = rec.notify
	t.Cleanup(func() { notifyFn = old })

	var mu sync.Mutex
	healthy := false
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watchdog(ctx, 5*time.Millisecond, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return healthy
		})
	}()

	time.Sleep(30 * time.Millisecond)
	if n := len(rec.states()); n != 0 {
		t.Fatalf("pinged %d times while unhealthy", n)
	}
	mu.Lock()
	healthy = true
	mu.Unlock()
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.states()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if s := rec.states(); len(s) == 0 || s[0] != "WATCHDOG=1" {
		t.Fatalf("sent = %v", s)
	}
}

func TestWatchdogDisabled(t *testing.T) {
	if err := Watchdog(context.Background(), 0, nil); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WATCHDOG_USEC", "")
	if d := WatchdogInterval(); d != 0 {
		t.Fatalf("interval = %s", d)
	}
}
