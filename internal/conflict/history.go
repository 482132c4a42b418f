package conflict

import (
	"sync"
	"time"
)

type agentRecord struct {
	successes  int
	failures   int
	lastAccess time.Time
}

// History keeps per-agent task outcomes and resource access times. It feeds
// the success-rate and fairness terms of resource scoring.
type History struct {
	mu      sync.RWMutex
	records map[string]*agentRecord
}

func NewHistory() *History {
	return &History{records: make(map[string]*agentRecord)}
}

func (h *History) record(agentID string) *agentRecord {
	r, ok := h.records[agentID]
	if !ok {
		r = &agentRecord{}
		h.records[agentID] = r
	}
	return r
}

func (h *History) RecordOutcome(agentID string, success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.record(agentID)
	if success {
		r.successes++
	} else {
		r.failures++
	}
}

func (h *History) RecordAccess(agentID string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record(agentID).lastAccess = at
}

// SuccessRate is Laplace-smoothed, so an agent with no history scores 0.5.
func (h *History) SuccessRate(agentID string) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.records[agentID]
	if !ok {
		return 0.5
	}
	return float64(r.successes+1) / float64(r.successes+r.failures+2)
}

func (h *History) LastAccess(agentID string) (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.records[agentID]
	if !ok || r.lastAccess.IsZero() {
		return time.Time{}, false
	}
	return r.lastAccess, true
}

func (h *History) Forget(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.records, agentID)
}
