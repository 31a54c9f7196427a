package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func makePlan(tasks ...*Task) *Plan {
	p := NewPlan("AUTO-DEV.md")
	p.Tasks = tasks
	return p
}

func TestPlanTaskLookup(t *testing.T) {
	p := makePlan(&Task{ID: "BE-1"}, &Task{ID: "FE-1"})

	task, ok := p.Task("be-1")
	assert.True(t, ok)
	assert.Equal(t, "BE-1", task.ID)

	_, ok = p.Task("MISSING-1")
	assert.False(t, ok)
}

func TestPlanUnresolvedDeps(t *testing.T) {
	p := makePlan(
		&Task{ID: "BE-1"},
		&Task{ID: "BE-2", DependsOn: []string{"BE-1", "GHOST-1"}},
	)

	missing := p.UnresolvedDeps()
	assert.Len(t, missing, 1)
	assert.Equal(t, []string{"GHOST-1"}, missing["BE-2"])
}

func TestPlanHasCyclicDependencies(t *testing.T) {
	t.Run("no cycle", func(t *testing.T) {
		p := makePlan(
			&Task{ID: "A-1"},
			&Task{ID: "B-1", DependsOn: []string{"A-1"}},
			&Task{ID: "C-1", DependsOn: []string{"A-1", "B-1"}},
		)
		assert.False(t, p.HasCyclicDependencies())
	})

	t.Run("self reference", func(t *testing.T) {
		p := makePlan(&Task{ID: "A-1", DependsOn: []string{"A-1"}})
		assert.True(t, p.HasCyclicDependencies())
	})

	t.Run("two node cycle", func(t *testing.T) {
		p := makePlan(
			&Task{ID: "A-1", DependsOn: []string{"B-1"}},
			&Task{ID: "B-1", DependsOn: []string{"A-1"}},
		)
		assert.True(t, p.HasCyclicDependencies())
	})

	t.Run("long cycle", func(t *testing.T) {
		p := makePlan(
			&Task{ID: "A-1", DependsOn: []string{"C-1"}},
			&Task{ID: "B-1", DependsOn: []string{"A-1"}},
			&Task{ID: "C-1", DependsOn: []string{"B-1"}},
		)
		assert.True(t, p.HasCyclicDependencies())
	})

	t.Run("unresolved deps are not cycles", func(t *testing.T) {
		p := makePlan(&Task{ID: "A-1", DependsOn: []string{"GHOST-1"}})
		assert.False(t, p.HasCyclicDependencies())
	})
}

func TestPlanWaveOf(t *testing.T) {
	p := makePlan(&Task{ID: "BE-1"})
	p.Waves["BE-1"] = 2

	assert.Equal(t, 2, p.WaveOf("be-1"))
	assert.Equal(t, DefaultWave, p.WaveOf("FE-1"))
}

func TestPlanTaskIDsSorted(t *testing.T) {
	p := makePlan(&Task{ID: "C-1"}, &Task{ID: "A-1"}, &Task{ID: "B-1"})
	assert.Equal(t, []string{"A-1", "B-1", "C-1"}, p.TaskIDs())
}
