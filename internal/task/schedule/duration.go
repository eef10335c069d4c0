package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var durationUnits = map[string]time.Duration{
	"ns": time.Nanosecond, "nsec": time.Nanosecond, "nanos": time.Nanosecond,
	"us": time.Microsecond, "usec": time.Microsecond, "µs": time.Microsecond,
	"ms": time.Millisecond, "msec": time.Millisecond, "millis": time.Millisecond,
	"s": time.Second, "sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"m": time.Minute, "min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hrs": time.Hour, "hour": time.Hour, "hours": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour, "days": 24 * time.Hour,
	"w": 7 * 24 * time.Hour, "week": 7 * 24 * time.Hour, "weeks": 7 * 24 * time.Hour,
}

// ParseDuration accepts Go durations ("1h30m") and human spans made of
// number+unit terms separated by optional spaces ("1d 12h", "10 seconds",
// "2w"). The result must be positive.
func ParseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return 0, errors.New("duration must be > 0")
		}
		return d, nil
	}

	var total time.Duration
	rest := s
	for rest != "" {
		rest = strings.TrimLeft(rest, " \t")
		if rest == "" {
			break
		}
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 {
			return 0, fmt.Errorf("expected number at %q", rest)
		}
		n, err := strconv.ParseInt(rest[:i], 10, 64)
		if err != nil {
			return 0, err
		}
		rest = strings.TrimLeft(rest[i:], " \t")
		j := 0
		for j < len(rest) && rest[j] != ' ' && rest[j] != '\t' && (rest[j] < '0' || rest[j] > '9') {
			j++
		}
		unit, ok := durationUnits[strings.ToLower(rest[:j])]
		if !ok {
			if j == 0 {
				return 0, fmt.Errorf("missing unit after %d", n)
			}
			return 0, fmt.Errorf("unknown unit %q", rest[:j])
		}
		rest = rest[j:]
		if n > int64((1<<63-1)/unit) {
			return 0, errors.New("duration overflows")
		}
		total += time.Duration(n) * unit
		if total < 0 {
			return 0, errors.New("duration overflows")
		}
	}
	if total <= 0 {
		return 0, errors.New("duration must be > 0")
	}
	return total, nil
}
