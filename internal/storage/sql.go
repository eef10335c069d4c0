package storage

import (
	"database/sql"
	"strings"
	"time"
)

// rowScanner is satisfied by *sql.Rows.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// scanRuns reads rows of (id, job, reason, cause, status, started, finished,
// duration_ns, exit_code, err, log_path). toTime converts the driver's
// timestamp column into a time.Time.
func scanRuns[T any](rows rowScanner, toTime func(T) time.Time) ([]RunRecord, error) {
	var out []RunRecord
	for rows.Next() {
		var (
			r                 RunRecord
			cause, errs, logp sql.NullString
			started, finished T
			durNS             int64
		)
		if err := rows.Scan(&r.ID, &r.Job, &r.Reason, &cause, &r.Status, &started, &finished, &durNS, &r.ExitCode, &errs, &logp); err != nil {
			return nil, err
		}
		r.Cause = cause.String
		r.Error = errs.String
		r.LogPath = logp.String
		r.StartedAt = toTime(started)
		r.FinishedAt = toTime(finished)
		r.Duration = time.Duration(durNS)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
