package agent

import (
	"sort"
	"sync"
	"time"
)

// ActivityTracker remembers when each agent was last heard from.
type ActivityTracker struct {
	lastSeen map[string]time.Time
	now      func() time.Time
	mu       sync.RWMutex
}

func NewActivityTracker(now func() time.Time) *ActivityTracker {
	if now == nil {
		now = time.Now
	}
	return &ActivityTracker{
		lastSeen: make(map[string]time.Time),
		now:      now,
	}
}

func (t *ActivityTracker) Touch(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen[agentID] = t.now()
}

func (t *ActivityTracker) LastSeen(agentID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.lastSeen[agentID]
	return ts, ok
}

func (t *ActivityTracker) Remove(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSeen, agentID)
}

// ListIdle returns agents silent for longer than timeout, sorted by id.
func (t *ActivityTracker) ListIdle(timeout time.Duration) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var idle []string
	now := t.now()
	for agentID, seen := range t.lastSeen {
		if now.Sub(seen) > timeout {
			idle = append(idle, agentID)
		}
	}
	sort.Strings(idle)
	return idle
}
