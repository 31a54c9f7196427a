package session

import (
	"time"

	"github.com/harrison/autodev/internal/models"
)

// Hydrate merges a restored snapshot into a freshly parsed plan and returns
// how many tasks took state from the session. The plan file is the user's
// source of truth, so its terminal statuses always win; only when both
// sides are non-terminal does the session's runtime state come back.
func Hydrate(plan *models.Plan, snap *models.SessionSnapshot) int {
	if plan == nil || snap == nil || len(snap.Tasks) == 0 {
		return 0
	}

	now := time.Now().UnixMilli()
	restored := 0
	for _, task := range plan.Tasks {
		rt, ok := snap.Tasks[task.ID]
		if !ok {
			continue
		}

		// File says done (or failed/canceled): respect it, the user may
		// have checked the box by hand.
		if task.IsTerminal() {
			continue
		}
		// File says not done but the session recorded a terminal state:
		// the user re-opened the task, start it over.
		if rt.Terminal() {
			continue
		}

		models.ApplyRuntime(task, rt)
		restored++

		// No worker survives a restart; a snapshot taken mid-run may
		// still say running.
		if task.Status == models.StatusRunning {
			task.Status = models.StatusReady
		}
		// A retry that came due while we were down starts immediately.
		if task.NextRetryAt > 0 && task.NextRetryAt <= now {
			task.Status = models.StatusReady
			task.NextRetryAt = 0
		}
	}
	return restored
}
