package models

import "sort"

// Plan is the parsed form of one AUTO-DEV.md file.
type Plan struct {
	FilePath string  // source path, used for writeback and session keying
	Tasks    []*Task // declaration order from the file
	// Waves maps task id -> wave number for ids covered by a wave
	// declaration. Tasks absent from the map carry DefaultWave.
	Waves map[string]int
}

// NewPlan returns an empty plan for the given path.
func NewPlan(path string) *Plan {
	return &Plan{
		FilePath: path,
		Waves:    make(map[string]int),
	}
}

// Task looks up a task by canonical id.
func (p *Plan) Task(id string) (*Task, bool) {
	id = NormalizeTaskID(id)
	for _, t := range p.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// TaskIDs returns all task ids sorted ascending.
func (p *Plan) TaskIDs() []string {
	ids := make([]string, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	return ids
}

// UnresolvedDeps returns, per task id, the dependency ids that name no task
// in the plan. Tasks with unresolved deps never leave pending.
func (p *Plan) UnresolvedDeps() map[string][]string {
	known := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		known[t.ID] = true
	}

	missing := make(map[string][]string)
	for _, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			if !known[dep] {
				missing[t.ID] = append(missing[t.ID], dep)
			}
		}
	}
	return missing
}

// HasCyclicDependencies detects dependency cycles using DFS with
// white/gray/black coloring. Self-references count as cycles.
func (p *Plan) HasCyclicDependencies() bool {
	const (
		white = 0 // not visited
		gray  = 1 // visiting
		black = 2 // visited
	)

	deps := make(map[string][]string, len(p.Tasks))
	for _, t := range p.Tasks {
		deps[t.ID] = t.DependsOn
		for _, d := range t.DependsOn {
			if d == t.ID {
				return true
			}
		}
	}

	colors := make(map[string]int, len(deps))

	var dfs func(string) bool
	dfs = func(node string) bool {
		colors[node] = gray
		for _, dep := range deps[node] {
			if _, exists := deps[dep]; !exists {
				continue // unresolved dep, handled elsewhere
			}
			if colors[dep] == gray {
				return true // back edge = cycle
			}
			if colors[dep] == white && dfs(dep) {
				return true
			}
		}
		colors[node] = black
		return false
	}

	for id := range deps {
		if colors[id] == white {
			if dfs(id) {
				return true
			}
		}
	}
	return false
}

// WaveOf returns the wave for a task id, falling back to DefaultWave.
func (p *Plan) WaveOf(id string) int {
	if w, ok := p.Waves[NormalizeTaskID(id)]; ok {
		return w
	}
	return DefaultWave
}
