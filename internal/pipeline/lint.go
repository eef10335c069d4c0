package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// WarningKind classifies a non-fatal pipeline finding.
type WarningKind string

const (
	WarnUnresolvedTrigger    WarningKind = "unresolved_trigger"
	WarnUnresolvedDependency WarningKind = "unresolved_dependency"
	WarnSelfTrigger          WarningKind = "self_trigger"
	WarnTriggerCycle         WarningKind = "trigger_cycle"
)

type Warning struct {
	Kind WarningKind
	Job  string
	Ref  string
	Path []string // populated for cycles
}

func (w Warning) String() string {
	switch w.Kind {
	case WarnUnresolvedTrigger:
		return fmt.Sprintf("%s: trigger %q does not name a job", w.Job, w.Ref)
	case WarnUnresolvedDependency:
		return fmt.Sprintf("%s: dependency %q does not name a job", w.Job, w.Ref)
	case WarnSelfTrigger:
		return fmt.Sprintf("%s: triggers itself; every run re-enqueues it", w.Job)
	case WarnTriggerCycle:
		return fmt.Sprintf("trigger cycle: %s", strings.Join(w.Path, " -> "))
	default:
		return string(w.Kind)
	}
}

// Lint reports references that will be skipped at runtime and trigger cycles
// that cascade forever. None of these stop the pipeline from loading.
func (p *Pipeline) Lint() []Warning {
	var out []Warning
	for _, name := range p.Names() {
		j := p.jobs[name]
		for _, t := range j.Triggers {
			if t == name {
				out = append(out, Warning{Kind: WarnSelfTrigger, Job: name, Ref: t})
				continue
			}
			if _, ok := p.jobs[t]; !ok {
				out = append(out, Warning{Kind: WarnUnresolvedTrigger, Job: name, Ref: t})
			}
		}
		for _, d := range j.Dependencies {
			if _, ok := p.jobs[d]; !ok {
				out = append(out, Warning{Kind: WarnUnresolvedDependency, Job: name, Ref: d})
			}
		}
	}
	for _, c := range p.triggerCycles() {
		out = append(out, Warning{Kind: WarnTriggerCycle, Job: c[0], Path: c})
	}
	return out
}

// triggerCycles finds cycles of length >= 2 in the trigger graph with a DFS
// over a recursion stack. Each cycle is reported once, rotated to start at its
// smallest name.
func (p *Pipeline) triggerCycles() [][]string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(p.jobs))
	var stack []string
	seen := map[string]bool{}
	var cycles [][]string

	var visit func(n string)
	visit = func(n string) {
		color[n] = grey
		stack = append(stack, n)
		for _, t := range p.jobs[n].Triggers {
			if _, ok := p.jobs[t]; !ok || t == n {
				continue
			}
			switch color[t] {
			case white:
				visit(t)
			case grey:
				i := len(stack) - 1
				for i >= 0 && stack[i] != t {
					i--
				}
				c := canonicalCycle(stack[i:])
				key := strings.Join(c, "\x00")
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, append(c, c[0]))
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
	}

	for _, n := range p.Names() {
		if color[n] == white {
			visit(n)
		}
	}
	sort.Slice(cycles, func(i, j int) bool {
		return strings.Join(cycles[i], ",") < strings.Join(cycles[j], ",")
	})
	return cycles
}

func canonicalCycle(c []string) []string {
	min := 0
	for i := range c {
		if c[i] < c[min] {
			min = i
		}
	}
	out := make([]string, 0, len(c))
	out = append(out, c[min:]...)
	out = append(out, c[:min]...)
	return out
}
