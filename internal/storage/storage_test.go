package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	logx "conduit/pkg/logx"
)

func sampleRun(id, job string, finished time.Time) RunRecord {
	return RunRecord{
		ID:         id,
		Job:        job,
		Reason:     "schedule",
		Status:     "succeeded",
		StartedAt:  finished.Add(-time.Second),
		FinishedAt: finished,
		Duration:   time.Second,
		LogPath:    "/tmp/" + job + "/logs/output.log",
	}
}

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, job := range []string{"build", "test", "build"} {
		r := sampleRun(string(rune('a'+i)), job, base.Add(time.Duration(i)*time.Minute))
		if job == "test" {
			r.Status = "failed"
			r.ExitCode = 2
			r.Error = "exit status 2"
			r.Cause = "a"
			r.Reason = "cascade"
		}
		if err := st.AppendRun(ctx, r); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}

	all, err := st.ListRuns(ctx, RunQuery{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Fatalf("ListRuns order = %+v", all)
	}
	if got := all[1]; got.Error != "exit status 2" || got.Cause != "a" || got.ExitCode != 2 || got.Duration != time.Second {
		t.Fatalf("round trip lost fields: %+v", got)
	}
	if !all[0].FinishedAt.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("finished_at = %v", all[0].FinishedAt)
	}

	builds, err := st.ListRuns(ctx, RunQuery{Job: "build", Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(builds) != 1 || builds[0].ID != "c" {
		t.Fatalf("filtered = %+v", builds)
	}

	if _, ok, err := st.GetDedup(ctx, "k"); err != nil || ok {
		t.Fatalf("GetDedup on empty: ok=%v err=%v", ok, err)
	}
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := st.PutDedup(ctx, "k", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	got, ok, err := st.GetDedup(ctx, "k")
	if err != nil || !ok || !got.Equal(until) {
		t.Fatalf("GetDedup = %v %v %v, want %v", got, ok, err, until)
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver should fail")
	}
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state", "conduit.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	exerciseStore(t, st)
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	// Dedup state and runs survive a reopen.
	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if _, ok, _ := st.GetDedup(context.Background(), "k"); !ok {
		t.Fatal("dedup key lost across reopen")
	}
	runs, _ := st.ListRuns(context.Background(), RunQuery{})
	if len(runs) != 3 {
		t.Fatalf("runs after reopen = %d", len(runs))
	}
}

func TestFileStoreCapsRuns(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "conduit.db")
	st, err := Open(Config{Driver: "file", Path: path, MaxRuns: 2}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	base := time.Now()
	for i := 0; i < 5; i++ {
		if err := st.AppendRun(context.Background(), sampleRun(string(rune('a'+i)), "j", base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := st.ListRuns(context.Background(), RunQuery{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if runs[0].ID != "e" || len(runs) > 3 {
		t.Fatalf("runs = %+v", runs)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(path), "conduit.runs.jsonl")); err != nil {
		t.Fatalf("runs file: %v", err)
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "conduit.sqlite")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	exerciseStore(t, st)
}

func TestRedisKeys(t *testing.T) {
	t.Parallel()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer rdb.Close()
	s := newRedisStore(rdb, Config{KeyPrefix: "ci:"}, logx.Nop())
	if got := s.runsKey(""); got != "ci:runs" {
		t.Fatalf("runsKey = %s", got)
	}
	if got := s.runsKey("build"); got != "ci:runs:build" {
		t.Fatalf("runsKey = %s", got)
	}
	if got := s.dedupKey("x"); got != "ci:dedup:x" {
		t.Fatalf("dedupKey = %s", got)
	}
	if s.maxRuns != 1000 {
		t.Fatalf("maxRuns = %d", s.maxRuns)
	}
}
