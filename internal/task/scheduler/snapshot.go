package scheduler

import "time"

type ScheduleInfo struct {
	Job       string    `json:"job"`
	Spec      string    `json:"spec"`
	Kind      string    `json:"kind"`
	Next      time.Time `json:"next"`
	LastFired time.Time `json:"last_fired,omitempty"`
	Fired     uint64    `json:"fired"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Timezone  string         `json:"timezone"`
	Tick      time.Duration  `json:"tick"`
	Schedules []ScheduleInfo `json:"schedules"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	items := make([]ScheduleInfo, len(s.info))
	copy(items, s.info)
	s.mu.Unlock()
	return Snapshot{
		Enabled:   s.cfg.Enabled,
		Timezone:  s.loc.String(),
		Tick:      s.cfg.Tick,
		Schedules: items,
	}
}
