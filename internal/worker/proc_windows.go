//go:build windows

package worker

import (
	"os"
	"os/exec"
	"strconv"
)

// setProcGroup is a no-op on Windows; killTree walks the tree instead.
func setProcGroup(cmd *exec.Cmd) {}

// killTree terminates the child and its descendants. taskkill /T walks
// the process tree without needing a job object. Safe to call repeatedly
// and after exit.
func killTree(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return
	}
	kill := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid))
	if err := kill.Run(); err != nil {
		_ = cmd.Process.Kill()
	}
}

// ProcessAlive probes whether pid still names a live process. On Windows
// FindProcess opens a handle and fails for dead pids.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
