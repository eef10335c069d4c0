package scheduler

import (
	"errors"
	"time"

	"conduit/internal/task/engine"
	logx "conduit/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// Shutdown races are expected.
	if errors.Is(err, engine.ErrStopped) {
		s.log.Debug("schedule trigger dropped", logx.String("job", name), logx.Err(err))
		return
	}

	now := s.clock.Now()
	s.enqMu.Lock()
	if s.lastEnqWarn == nil {
		s.lastEnqWarn = make(map[string]time.Time)
	}
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	s.log.Warn("schedule failed to enqueue job", logx.String("job", name), logx.Err(err))
}
