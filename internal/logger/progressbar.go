package logger

import (
	"fmt"
	"sync"
)

// ProgressBar represents an ASCII progress bar with color support
type ProgressBar struct {
	current     int
	total       int
	width       int
	enableColor bool
	prefix      string
	mu          sync.RWMutex
}

// NewProgressBar creates a new progress bar
func NewProgressBar(total, width int, enableColor bool) *ProgressBar {
	if width < 1 {
		width = 10
	}
	return &ProgressBar{
		current:     0,
		total:       total,
		width:       width,
		enableColor: enableColor,
		prefix:      "",
	}
}

// Update sets the current progress value
func (pb *ProgressBar) Update(current int) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.current = current
}

// Increment increments the current progress by 1
func (pb *ProgressBar) Increment() {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.current++
}

// Current returns the current progress value
func (pb *ProgressBar) Current() int {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return pb.current
}

// Total returns the total progress value
func (pb *ProgressBar) Total() int {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return pb.total
}

// Percentage returns the progress percentage (0-100)
func (pb *ProgressBar) Percentage() int {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return clampPercent(pb.current, pb.total)
}

// SetPrefix sets a custom prefix for the progress bar
func (pb *ProgressBar) SetPrefix(prefix string) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.prefix = prefix
}

// clampPercent computes current/total as a percentage clamped to [0, 100].
func clampPercent(current, total int) int {
	if total == 0 {
		return 0
	}
	perc := (current * 100) / total
	if perc > 100 {
		perc = 100
	}
	if perc < 0 {
		perc = 0
	}
	return perc
}

// Render generates the ASCII progress bar string
func (pb *ProgressBar) Render() string {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	perc := clampPercent(pb.current, pb.total)

	filled := (perc * pb.width) / 100
	if filled > pb.width {
		filled = pb.width
	}
	if filled < 0 {
		filled = 0
	}

	bar := "["
	for i := 0; i < pb.width; i++ {
		if i < filled {
			bar += "="
		} else {
			bar += " "
		}
	}
	bar += "]"

	result := fmt.Sprintf("%s%s %d/%d (%d%%)", pb.prefix, bar, pb.current, pb.total, perc)

	// Apply color if enabled
	if pb.enableColor && perc < 100 {
		result = fmt.Sprintf("\033[36m%s\033[0m", result) // Cyan for in-progress
	} else if pb.enableColor && perc == 100 {
		result = fmt.Sprintf("\033[32m%s\033[0m", result) // Green for complete
	}

	return result
}

// RenderSegments generates a bar that distinguishes outcomes instead of a
// single fill: '=' for succeeded, '!' for failed, '>' for running, spaces
// for the rest. Segment order is succeeded, failed, running.
func (pb *ProgressBar) RenderSegments(succeeded, failed, running int) string {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	total := pb.total
	settled := succeeded + failed

	cells := func(count int) int {
		if total == 0 {
			return 0
		}
		c := (count * pb.width) / total
		if c < 0 {
			c = 0
		}
		return c
	}

	okCells := cells(succeeded)
	failCells := cells(failed)
	runCells := cells(running)
	if okCells+failCells+runCells > pb.width {
		runCells = pb.width - okCells - failCells
		if runCells < 0 {
			runCells = 0
		}
	}

	bar := "["
	for i := 0; i < pb.width; i++ {
		switch {
		case i < okCells:
			bar += "="
		case i < okCells+failCells:
			bar += "!"
		case i < okCells+failCells+runCells:
			bar += ">"
		default:
			bar += " "
		}
	}
	bar += "]"

	perc := clampPercent(settled, total)
	result := fmt.Sprintf("%s%s %d/%d (%d%%)", pb.prefix, bar, settled, total, perc)

	if pb.enableColor {
		switch {
		case failed > 0:
			result = fmt.Sprintf("\033[31m%s\033[0m", result) // Red when anything failed
		case perc == 100:
			result = fmt.Sprintf("\033[32m%s\033[0m", result) // Green for complete
		default:
			result = fmt.Sprintf("\033[36m%s\033[0m", result) // Cyan for in-progress
		}
	}

	return result
}
