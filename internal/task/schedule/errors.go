package schedule

import "errors"

var (
	ErrInvalidDuration       = errors.New("invalid duration")
	ErrInvalidCronExpression = errors.New("invalid cron expression")
)

// ParseError describes a schedule string that could not be parsed. It
// unwraps to both the sentinel (ErrInvalidDuration or
// ErrInvalidCronExpression) and the underlying parser error.
type ParseError struct {
	Input string
	Err   error
	Cause error
}

func (e *ParseError) Error() string {
	if e.Cause == nil {
		return e.Err.Error() + ": " + quote(e.Input)
	}
	return e.Err.Error() + " " + quote(e.Input) + ": " + e.Cause.Error()
}

func (e *ParseError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func quote(s string) string { return "\"" + s + "\"" }
