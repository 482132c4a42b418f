package resource

import "time"

type waiter struct {
	AgentID    string
	Duration   time.Duration
	EnqueuedAt time.Time
}

// waitQueue is the FIFO of agents waiting on one resource. Callers hold the
// manager lock.
type waitQueue struct {
	pending []waiter
}

func (q *waitQueue) Enqueue(w waiter) int {
	q.pending = append(q.pending, w)
	return len(q.pending)
}

func (q *waitQueue) Dequeue() (waiter, bool) {
	if len(q.pending) == 0 {
		return waiter{}, false
	}
	w := q.pending[0]
	q.pending = q.pending[1:]
	return w, true
}

func (q *waitQueue) Remove(agentID string) bool {
	for i, w := range q.pending {
		if w.AgentID == agentID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (q *waitQueue) Contains(agentID string) bool {
	for _, w := range q.pending {
		if w.AgentID == agentID {
			return true
		}
	}
	return false
}

func (q *waitQueue) IDs() []string {
	ids := make([]string, len(q.pending))
	for i, w := range q.pending {
		ids[i] = w.AgentID
	}
	return ids
}

func (q *waitQueue) Len() int {
	return len(q.pending)
}
