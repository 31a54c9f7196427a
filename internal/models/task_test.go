package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTaskID(t *testing.T) {
	assert.Equal(t, "BE-1.2", NormalizeTaskID("  be-1.2 "))
	assert.Equal(t, "INT-WAVE2", NormalizeTaskID("int-wave2"))
}

func TestValidTaskID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"BE-1", true},
		{"be-1.2", true},
		{"FE-AUTH-3", true},
		{"INT-WAVE2", true},
		{"P2.T1", true},
		{"TASK", false},    // single segment
		{"", false},        // empty
		{"A B", false},      // space separator
		{"-LEADING", false}, // missing first segment
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidTaskID(tt.id))
		})
	}
}

func TestKindForTaskID(t *testing.T) {
	tests := []struct {
		id   string
		kind TaskKind
	}{
		{"PROTO-1", KindPrototype},
		{"AUDIT-2", KindAudit},
		{"FE-3", KindFrontend},
		{"FE.3", KindFrontend},
		{"BE-4.1", KindBackend},
		{"INT-WAVE1", KindIntegration},
		{"INTEGRATION-1", KindIntegration},
		{"FIX-WAVE2", KindIntegration},
		{"REV-1", KindReview},
		{"CORE-1", KindGeneral},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindForTaskID(tt.id))
		})
	}
}

func TestIsIntegrationTaskID(t *testing.T) {
	assert.True(t, IsIntegrationTaskID("INT-1"))
	assert.True(t, IsIntegrationTaskID("integration-check"))
	assert.True(t, IsIntegrationTaskID("FIX-WAVE3"))
	assert.False(t, IsIntegrationTaskID("BE-1"))
	assert.False(t, IsIntegrationTaskID("PRINT-1"))
}

func TestTaskIsTerminal(t *testing.T) {
	t.Run("settled statuses are terminal", func(t *testing.T) {
		assert.True(t, (&Task{Status: StatusSuccess}).IsTerminal())
		assert.True(t, (&Task{Status: StatusCanceled}).IsTerminal())
	})

	t.Run("failed without retry is terminal", func(t *testing.T) {
		task := &Task{Status: StatusFailed}
		assert.True(t, task.IsTerminal())
	})

	t.Run("failed with scheduled retry is not terminal", func(t *testing.T) {
		task := &Task{Status: StatusFailed, NextRetryAt: time.Now().UnixMilli() + 5000}
		assert.False(t, task.IsTerminal())
		assert.True(t, task.RetryPending())
	})

	t.Run("running and ready are not terminal", func(t *testing.T) {
		assert.False(t, (&Task{Status: StatusRunning}).IsTerminal())
		assert.False(t, (&Task{Status: StatusReady}).IsTerminal())
	})
}

func TestTaskRetryDue(t *testing.T) {
	now := time.Now()

	task := &Task{Status: StatusFailed, NextRetryAt: now.Add(-time.Second).UnixMilli()}
	assert.True(t, task.RetryDue(now))

	task.NextRetryAt = now.Add(time.Minute).UnixMilli()
	assert.False(t, task.RetryDue(now))

	task.NextRetryAt = 0
	assert.False(t, task.RetryDue(now))
}

func TestTaskClone(t *testing.T) {
	start := time.Now()
	orig := &Task{
		ID:        "BE-1",
		DependsOn: []string{"FE-1"},
		Metadata:  map[string]string{"k": "v"},
		Persona:   &Persona{Provider: ProviderCodex, Name: "reviewer"},
		StartTime: &start,
	}

	clone := orig.Clone()
	require.Equal(t, orig.ID, clone.ID)

	clone.DependsOn[0] = "CHANGED"
	clone.Metadata["k"] = "changed"
	clone.Persona.Name = "changed"

	assert.Equal(t, "FE-1", orig.DependsOn[0])
	assert.Equal(t, "v", orig.Metadata["k"])
	assert.Equal(t, "reviewer", orig.Persona.Name)
}

func TestParseScope(t *testing.T) {
	assert.Equal(t, ScopeFrontend, ParseScope("fe"))
	assert.Equal(t, ScopeBackend, ParseScope(" BE "))
	assert.Equal(t, ScopeFull, ParseScope("full"))
	assert.Equal(t, Scope(""), ParseScope("sideways"))
}
