package opencode

import (
	"strings"
	"sync"
)

// PartTracker reconstructs incremental text from message parts. OpenCode
// streams text and reasoning parts as cumulative snapshots: each update
// carries the full text of the part so far. The tracker remembers the last
// snapshot per part ID and returns only the new suffix.
//
// When a snapshot is not an extension of the previous one the part was
// rewritten server-side. In that case the whole new text is returned, which
// can duplicate output but never loses any.
type PartTracker struct {
	mu    sync.Mutex
	parts map[string]string
}

// NewPartTracker creates an empty tracker.
func NewPartTracker() *PartTracker {
	return &PartTracker{parts: make(map[string]string)}
}

// Delta records a snapshot for a part and returns the text not yet emitted.
// An empty return means the snapshot carried nothing new.
func (t *PartTracker) Delta(partID, snapshot string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.parts[partID]
	t.parts[partID] = snapshot

	if strings.HasPrefix(snapshot, prev) {
		return snapshot[len(prev):]
	}
	return snapshot
}

// Reset clears all tracked parts, for session reuse.
func (t *PartTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.parts = make(map[string]string)
}
