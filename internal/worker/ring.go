package worker

import (
	"strings"
	"sync"
	"time"

	"github.com/harrison/autodev/internal/logarchive"
)

// logRingSize is how many recent lines a worker retains for diagnosis and
// archiving.
const logRingSize = 1000

// logRing keeps the most recent worker lines. Once full, each new line
// evicts the oldest.
type logRing struct {
	mu      sync.Mutex
	max     int
	entries []logarchive.Entry
}

func newLogRing(max int) *logRing {
	if max < 1 {
		max = 1
	}
	return &logRing{max: max}
}

func (r *logRing) Add(kind, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, logarchive.Entry{Time: time.Now(), Kind: kind, Text: text})
	if len(r.entries) > r.max {
		overflow := len(r.entries) - r.max
		r.entries = append(r.entries[:0], r.entries[overflow:]...)
	}
}

// Entries copies the retained lines, oldest first.
func (r *logRing) Entries() []logarchive.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]logarchive.Entry(nil), r.entries...)
}

// Tail renders the newest lines, oldest first, staying under maxBytes.
func (r *logRing) Tail(maxBytes int) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lines []string
	total := 0
	for i := len(r.entries) - 1; i >= 0; i-- {
		line := "[" + r.entries[i].Kind + "] " + r.entries[i].Text
		if total+len(line)+1 > maxBytes && len(lines) > 0 {
			break
		}
		lines = append(lines, line)
		total += len(line) + 1
		if total >= maxBytes {
			break
		}
	}

	// Collected newest-first; put them back in order.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n")
}
