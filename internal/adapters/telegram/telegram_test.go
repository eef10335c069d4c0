package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"

	logx "conduit/pkg/logx"
)

type fakeHandler struct {
	triggered []string
}

func (f *fakeHandler) Jobs() []string { return []string{"build", "test<1>"} }

func (f *fakeHandler) Trigger(name string) (string, error) {
	if name != "build" {
		return "", errors.New("unknown job: " + name)
	}
	f.triggered = append(f.triggered, name)
	return "run-42", nil
}

func (f *fakeHandler) StatusText() string { return "pending 0" }

func TestNewValidates(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{ChatID: 1}, logx.Nop()); err == nil {
		t.Fatal("empty token accepted")
	}
	if _, err := New(Config{Token: "123:abc"}, logx.Nop()); err == nil {
		t.Fatal("empty chat accepted")
	}
	a, err := New(Config{Token: "123:abc", ChatID: 7}, logx.Nop())
	if err != nil {
		t.Fatalf("offline New: %v", err)
	}
	// Start without Commands does not poll.
	if err := a.Start(context.Background(), &fakeHandler{}); err != nil {
		t.Fatal(err)
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestDispatch(t *testing.T) {
	t.Parallel()
	h := &fakeHandler{}
	c := newCommands(h, 7, logx.Nop())
	ctx := context.Background()

	tests := []struct {
		name   string
		chat   int64
		text   string
		ok     bool
		expect string
	}{
		{name: "other chat ignored", chat: 8, text: "/jobs"},
		{name: "plain text ignored", chat: 7, text: "hello"},
		{name: "unknown command ignored", chat: 7, text: "/nope"},
		{name: "jobs escaped", chat: 7, text: "/jobs", ok: true, expect: "test&lt;1&gt;"},
		{name: "run", chat: 7, text: "/run build", ok: true, expect: "run-42"},
		{name: "run with bot suffix", chat: 7, text: "/run@conduit_bot build", ok: true, expect: "run-42"},
		{name: "run usage", chat: 7, text: "/run", ok: true, expect: "usage"},
		{name: "run unknown", chat: 7, text: "/run ghost", ok: true, expect: "unknown job: ghost"},
		{name: "status", chat: 7, text: "/status", ok: true, expect: "pending 0"},
		{name: "help", chat: 7, text: "/help", ok: true, expect: "/run"},
	}
	for _, tt := range tests {
		reply, ok := c.dispatch(ctx, tt.chat, tt.text)
		if ok != tt.ok {
			t.Fatalf("%s: ok = %v", tt.name, ok)
		}
		if !strings.Contains(reply, tt.expect) {
			t.Fatalf("%s: reply %q does not contain %q", tt.name, reply, tt.expect)
		}
	}
	if len(h.triggered) != 2 {
		t.Fatalf("triggered = %v", h.triggered)
	}
}
