package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "AUTO-DEV.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestValidateValidPlan(t *testing.T) {
	plan := writePlan(t, `# Plan

## Wave 1

### FE-1.1: Build header
- [ ] implement the header

## Wave 2

### BE-2.1: API endpoint
**依赖**: FE-1.1
- [ ] implement the endpoint
`)

	var out bytes.Buffer
	err := validatePlan(plan, &out)

	require.NoError(t, err)
	assert.Contains(t, out.String(), "Parsed 2 task(s)")
	assert.Contains(t, out.String(), "All task dependencies resolve")
	assert.Contains(t, out.String(), "No circular dependencies")
	assert.Contains(t, out.String(), "Plan is valid!")
}

func TestValidateUnresolvedDependency(t *testing.T) {
	plan := writePlan(t, `## Wave 1

### FE-1.1: Build header
**依赖**: GHOST-9.9
- [ ] implement
`)

	var out bytes.Buffer
	err := validatePlan(plan, &out)

	require.Error(t, err)
	assert.Contains(t, out.String(), "unresolved dependencies")
	assert.Contains(t, out.String(), "GHOST-9.9")
}

func TestValidateCyclicDependencies(t *testing.T) {
	plan := writePlan(t, `## Wave 1

### A-1: First
**依赖**: B-1
- [ ] one

### B-1: Second
**依赖**: A-1
- [ ] two
`)

	var out bytes.Buffer
	err := validatePlan(plan, &out)

	require.Error(t, err)
	assert.Contains(t, out.String(), "Circular dependency detected")
}

func TestValidateMissingFileIsEmptyPlan(t *testing.T) {
	var out bytes.Buffer
	err := validatePlan(filepath.Join(t.TempDir(), "missing.md"), &out)

	require.NoError(t, err)
	assert.Contains(t, out.String(), "Parsed 0 task(s)")
}
