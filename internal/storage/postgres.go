package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	logx "conduit/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS conduit_runs (
  id          TEXT PRIMARY KEY,
  job         TEXT NOT NULL,
  reason      TEXT NOT NULL,
  cause       TEXT,
  status      TEXT NOT NULL,
  started_at  TIMESTAMPTZ NOT NULL,
  finished_at TIMESTAMPTZ NOT NULL,
  duration_ns BIGINT NOT NULL,
  exit_code   INTEGER NOT NULL,
  err         TEXT,
  log_path    TEXT
);
CREATE INDEX IF NOT EXISTS conduit_runs_job_finished_idx ON conduit_runs(job, finished_at DESC);
CREATE TABLE IF NOT EXISTS conduit_dedup (
  key   TEXT PRIMARY KEY,
  until TIMESTAMPTZ NOT NULL
);`

type postgresStore struct {
	db      *sql.DB
	log     logx.Logger
	maxRuns int
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	st := newPostgresStore(db, log)
	st.maxRuns = cfg.MaxRuns
	return st, nil
}

func newPostgresStore(db *sql.DB, log logx.Logger) *postgresStore {
	return &postgresStore{db: db, log: log}
}

func (s *postgresStore) Close() error { return s.db.Close() }

func (s *postgresStore) AppendRun(ctx context.Context, r RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conduit_runs(id, job, reason, cause, status, started_at, finished_at, duration_ns, exit_code, err, log_path)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT (id) DO NOTHING`,
		r.ID, r.Job, r.Reason, nullStr(r.Cause), r.Status,
		r.StartedAt.UTC(), r.FinishedAt.UTC(), int64(r.Duration), r.ExitCode,
		nullStr(r.Error), nullStr(r.LogPath),
	)
	if err != nil {
		return fmt.Errorf("failed to append run: %w", err)
	}
	if s.maxRuns > 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM conduit_runs WHERE id IN (SELECT id FROM conduit_runs ORDER BY finished_at DESC OFFSET $1)`,
			s.maxRuns,
		); err != nil {
			s.log.Debug("run prune failed", logx.Err(err))
		}
	}
	return nil
}

func (s *postgresStore) ListRuns(ctx context.Context, q RunQuery) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job, reason, cause, status, started_at, finished_at, duration_ns, exit_code, err, log_path
		 FROM conduit_runs WHERE ($1 = '' OR job = $1) ORDER BY finished_at DESC LIMIT $2`,
		q.Job, q.limit(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows, func(t time.Time) time.Time { return t })
}

func (s *postgresStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conduit_dedup(key, until) VALUES($1,$2)
		 ON CONFLICT (key) DO UPDATE SET until = EXCLUDED.until`,
		key, until.UTC(),
	)
	return err
}

func (s *postgresStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var until time.Time
	err := s.db.QueryRowContext(ctx, `SELECT until FROM conduit_dedup WHERE key = $1`, key).Scan(&until)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return until, true, nil
}
