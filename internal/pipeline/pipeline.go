// Package pipeline holds the immutable job graph loaded at start-up.
//
// A Pipeline maps job names to definitions. Trigger and dependency names are
// not resolved at load time; callers look them up with Get and treat a miss as
// a skip-one condition.
package pipeline

import (
	"errors"
	"slices"
	"sort"
)

var ErrUnknownJob = errors.New("unknown job")

// Job is a static job definition.
type Job struct {
	Name         string   `json:"name,omitempty"`
	Image        string   `json:"image"`
	Command      []string `json:"command"`
	Environment  []string `json:"environment,omitempty"`
	Artifacts    string   `json:"artifacts,omitempty"`
	Schedule     string   `json:"schedule,omitempty"`
	Triggers     []string `json:"triggers,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	// Timeout is a duration string; empty falls back to engine.job_timeout.
	Timeout string `json:"timeout,omitempty"`
}

// Clone returns a deep copy so queued instances never alias the pipeline.
func (j Job) Clone() Job {
	j.Command = slices.Clone(j.Command)
	j.Environment = slices.Clone(j.Environment)
	j.Triggers = slices.Clone(j.Triggers)
	j.Dependencies = slices.Clone(j.Dependencies)
	return j
}

// Pipeline is read-only after construction and safe for concurrent use.
type Pipeline struct {
	jobs  map[string]Job
	names []string
}

// New builds a pipeline from a name -> job map, defaulting empty names to
// their key. It copies its input.
func New(jobs map[string]Job) (*Pipeline, error) {
	p := &Pipeline{jobs: make(map[string]Job, len(jobs))}
	seen := make(map[string]string, len(jobs))
	for key, j := range jobs {
		if key == "" {
			return nil, errors.New("pipeline: empty job key")
		}
		j = j.Clone()
		if j.Name == "" {
			j.Name = key
		}
		if other, dup := seen[j.Name]; dup {
			return nil, &DuplicateNameError{Name: j.Name, Keys: sortedPair(key, other)}
		}
		seen[j.Name] = key
		p.jobs[key] = j
		p.names = append(p.names, key)
	}
	sort.Strings(p.names)
	return p, nil
}

// Get returns a copy of the named job.
func (p *Pipeline) Get(name string) (Job, bool) {
	if p == nil {
		return Job{}, false
	}
	j, ok := p.jobs[name]
	if !ok {
		return Job{}, false
	}
	return j.Clone(), true
}

// Names returns job keys in sorted order.
func (p *Pipeline) Names() []string {
	if p == nil {
		return nil
	}
	return slices.Clone(p.names)
}

func (p *Pipeline) Len() int {
	if p == nil {
		return 0
	}
	return len(p.jobs)
}

// Scheduled returns the keys of jobs that declare a schedule.
func (p *Pipeline) Scheduled() []string {
	var out []string
	for _, n := range p.Names() {
		if p.jobs[n].Schedule != "" {
			out = append(out, n)
		}
	}
	return out
}

type DuplicateNameError struct {
	Name string
	Keys [2]string
}

func (e *DuplicateNameError) Error() string {
	return "pipeline: job name " + e.Name + " used by both " + e.Keys[0] + " and " + e.Keys[1]
}

func sortedPair(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}
