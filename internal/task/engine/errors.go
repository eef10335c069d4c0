package engine

import (
	"errors"

	"conduit/internal/pipeline"
)

var (
	ErrStopped = errors.New("engine stopped")
	// ErrUnknownJob is pipeline.ErrUnknownJob so callers can match either.
	ErrUnknownJob = pipeline.ErrUnknownJob
)
