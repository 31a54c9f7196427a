package cmd

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/autodev/internal/config"
	"github.com/harrison/autodev/internal/models"
	"github.com/harrison/autodev/internal/session"
)

// saveSnapshot writes a session snapshot for planPath under the test's
// AUTODEV_HOME the way a run would have left it.
func saveSnapshot(t *testing.T, planPath string, snap *models.SessionSnapshot) {
	t.Helper()
	home, err := config.GetAutodevHome()
	require.NoError(t, err)
	sessionsDir, err := config.GetSessionsDir(home)
	require.NoError(t, err)

	snap.Version = models.SessionVersion
	snap.SavedAt = time.Now()
	snap.PlanPath = planPath
	store := session.NewStore(sessionsDir, 0, nil)
	require.NoError(t, store.Save(snap))
}

func TestStatusNoSession(t *testing.T) {
	t.Setenv("AUTODEV_HOME", t.TempDir())
	plan := filepath.Join(t.TempDir(), "AUTO-DEV.md")

	var out bytes.Buffer
	require.NoError(t, showStatus(plan, &out))
	assert.Contains(t, out.String(), "No session recorded")
}

func TestStatusRendersSnapshot(t *testing.T) {
	t.Setenv("AUTODEV_HOME", t.TempDir())
	plan, err := filepath.Abs(filepath.Join(t.TempDir(), "AUTO-DEV.md"))
	require.NoError(t, err)

	saveSnapshot(t, plan, &models.SessionSnapshot{
		Paused:      true,
		PauseReason: models.PauseBlocker,
		AutoRetry:   models.RetryPolicy{Enabled: true, MaxRetries: 3, BaseDelayMs: 5000},
		Tasks: map[string]models.TaskRuntime{
			"FE-1.1": {Status: models.StatusSuccess, DurationSecs: 42},
			"BE-2.1": {Status: models.StatusFailed, RetryCount: 2, HasModifiedCode: true},
		},
		Issues: []*models.Issue{
			{ID: "abc123", Severity: models.SeverityBlocker, Title: "broken build", Status: models.IssueOpen, Occurrences: 1},
		},
	})

	var out bytes.Buffer
	require.NoError(t, showStatus(plan, &out))

	text := out.String()
	assert.Contains(t, text, "Paused: yes (blocker)")
	assert.Contains(t, text, "FE-1.1: success")
	assert.Contains(t, text, "(42s)")
	assert.Contains(t, text, "BE-2.1: failed [retry 2]")
	assert.Contains(t, text, "[modified code]")
	assert.Contains(t, text, "Issues: 1 recorded, 1 open")
}

func TestStatusCommandWiring(t *testing.T) {
	t.Setenv("AUTODEV_HOME", t.TempDir())

	cmd := NewStatusCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{filepath.Join(t.TempDir(), "AUTO-DEV.md")})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "No session recorded")
}
