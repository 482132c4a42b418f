// Package resource implements exclusive ownership of named resources with
// FIFO waiters. The Manager is the only writer of allocation state.
package resource

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mtzanidakis/concord/internal/coord"
)

// TransferReason says why a resource changed hands.
type TransferReason string

const (
	ReasonAllocated TransferReason = "allocated"
	ReasonReleased  TransferReason = "released"
	ReasonExpired   TransferReason = "expired"
)

// Transfer describes one ownership change. From or To may be empty.
type Transfer struct {
	Resource string         `json:"resource"`
	From     string         `json:"from,omitempty"`
	To       string         `json:"to,omitempty"`
	Reason   TransferReason `json:"reason"`
	At       time.Time      `json:"at"`
}

type TransferHandler func(Transfer)

type allocation struct {
	holder      string
	allocatedAt time.Time
	expiresAt   *time.Time
	waiters     waitQueue
}

func (a *allocation) expired(now time.Time) bool {
	return a.holder != "" && a.expiresAt != nil && !now.Before(*a.expiresAt)
}

type Manager struct {
	mu        sync.Mutex
	resources map[string]*allocation
	handlers  []TransferHandler
	now       func() time.Time
}

type Option func(*Manager)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		resources: make(map[string]*allocation),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WatchTransfers registers a handler called after every ownership change.
// Handlers run outside the manager lock.
func (m *Manager) WatchTransfers(h TransferHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Allocate grants the resource to agentID without blocking. A holder
// allocating again renews its hold. A duration of 0 means no expiry.
func (m *Manager) Allocate(resource, agentID string, d time.Duration) (coord.ResourceStatus, error) {
	if err := validateIDs(resource, agentID); err != nil {
		return coord.ResourceStatus{}, err
	}

	m.mu.Lock()
	now := m.now()
	var events []Transfer
	a := m.resources[resource]
	if a == nil {
		a = &allocation{}
		m.resources[resource] = a
	}
	if ev, ok := m.expireLocked(resource, a, now); ok {
		events = append(events, ev)
	}
	if a.holder != "" && a.holder != agentID {
		holder := a.holder
		m.mu.Unlock()
		m.notify(events)
		return coord.ResourceStatus{}, &coord.ResourceBusyError{Resource: resource, Holder: holder}
	}
	renew := a.holder == agentID
	m.grantLocked(a, agentID, d, now)
	if !renew {
		events = append(events, Transfer{Resource: resource, To: agentID, Reason: ReasonAllocated, At: now})
	}
	status := statusLocked(resource, a)
	m.mu.Unlock()

	m.notify(events)
	return status, nil
}

// Enqueue is the explicit wait path. A free resource is granted at once and
// position 0 is returned; otherwise the agent joins the FIFO queue and its
// 1-based position is returned.
func (m *Manager) Enqueue(resource, agentID string, d time.Duration) (int, error) {
	if err := validateIDs(resource, agentID); err != nil {
		return 0, err
	}

	m.mu.Lock()
	now := m.now()
	var events []Transfer
	a := m.resources[resource]
	if a == nil {
		a = &allocation{}
		m.resources[resource] = a
	}
	if ev, ok := m.expireLocked(resource, a, now); ok {
		events = append(events, ev)
	}

	var (
		pos int
		err error
	)
	switch {
	case a.holder == "":
		m.grantLocked(a, agentID, d, now)
		events = append(events, Transfer{Resource: resource, To: agentID, Reason: ReasonAllocated, At: now})
	case a.holder == agentID:
	case a.waiters.Contains(agentID):
		err = &coord.AlreadyQueuedError{Resource: resource, AgentID: agentID}
	default:
		pos = a.waiters.Enqueue(waiter{AgentID: agentID, Duration: d, EnqueuedAt: now})
	}
	m.mu.Unlock()

	m.notify(events)
	return pos, err
}

// Dequeue removes agentID from the resource's wait queue.
func (m *Manager) Dequeue(resource, agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.resources[resource]
	if a == nil {
		return false
	}
	return a.waiters.Remove(agentID)
}

// Release gives up the resource and hands it to the next waiter in the same
// critical section. It returns the new holder, if any.
func (m *Manager) Release(resource, agentID string) (string, error) {
	m.mu.Lock()
	now := m.now()
	a := m.resources[resource]
	if a == nil {
		m.mu.Unlock()
		return "", &coord.NotFoundError{Kind: "resource", ID: resource}
	}
	var events []Transfer
	if ev, ok := m.expireLocked(resource, a, now); ok {
		events = append(events, ev)
	}
	if a.holder != agentID {
		holder := a.holder
		m.mu.Unlock()
		m.notify(events)
		return "", &coord.NotOwnerError{Resource: resource, AgentID: agentID, Holder: holder}
	}
	ev := m.handOffLocked(resource, a, ReasonReleased, now)
	events = append(events, ev)
	m.mu.Unlock()

	m.notify(events)
	return ev.To, nil
}

// ReleaseAll drops every hold and queue entry belonging to agentID, as when
// the agent leaves. It returns the resources it held.
func (m *Manager) ReleaseAll(agentID string) []string {
	m.mu.Lock()
	now := m.now()
	var (
		released []string
		events   []Transfer
	)
	for id, a := range m.resources {
		a.waiters.Remove(agentID)
		if a.holder == agentID {
			released = append(released, id)
			events = append(events, m.handOffLocked(id, a, ReasonReleased, now))
		}
	}
	m.mu.Unlock()

	sort.Strings(released)
	m.notify(events)
	return released
}

// SweepExpired hands every expired allocation to its next waiter, or frees
// it. It returns how many allocations expired.
func (m *Manager) SweepExpired() int {
	m.mu.Lock()
	now := m.now()
	var events []Transfer
	for id, a := range m.resources {
		if ev, ok := m.expireLocked(id, a, now); ok {
			events = append(events, ev)
		}
	}
	m.mu.Unlock()

	m.notify(events)
	if len(events) > 0 {
		slog.Info("expired resource allocations swept", "count", len(events))
	}
	return len(events)
}

func (m *Manager) Status(resource string) (coord.ResourceStatus, error) {
	m.mu.Lock()
	now := m.now()
	a := m.resources[resource]
	if a == nil {
		m.mu.Unlock()
		return coord.ResourceStatus{}, &coord.NotFoundError{Kind: "resource", ID: resource}
	}
	var events []Transfer
	if ev, ok := m.expireLocked(resource, a, now); ok {
		events = append(events, ev)
	}
	status := statusLocked(resource, a)
	m.mu.Unlock()

	m.notify(events)
	return status, nil
}

// AgentResources lists the resources agentID currently holds, sorted by id.
func (m *Manager) AgentResources(agentID string) []coord.ResourceStatus {
	m.mu.Lock()
	now := m.now()
	var (
		out    []coord.ResourceStatus
		events []Transfer
	)
	for id, a := range m.resources {
		if ev, ok := m.expireLocked(id, a, now); ok {
			events = append(events, ev)
		}
		if a.holder == agentID {
			out = append(out, statusLocked(id, a))
		}
	}
	m.mu.Unlock()

	m.notify(events)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns the status of every known resource, sorted by id.
func (m *Manager) List() []coord.ResourceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]coord.ResourceStatus, 0, len(m.resources))
	for id, a := range m.resources {
		out = append(out, statusLocked(id, a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) grantLocked(a *allocation, agentID string, d time.Duration, now time.Time) {
	a.holder = agentID
	a.allocatedAt = now
	a.expiresAt = nil
	if d > 0 {
		exp := now.Add(d)
		a.expiresAt = &exp
	}
}

// handOffLocked frees the resource and grants it to the first waiter.
func (m *Manager) handOffLocked(id string, a *allocation, reason TransferReason, now time.Time) Transfer {
	ev := Transfer{Resource: id, From: a.holder, Reason: reason, At: now}
	a.holder = ""
	a.expiresAt = nil
	if w, ok := a.waiters.Dequeue(); ok {
		m.grantLocked(a, w.AgentID, w.Duration, now)
		ev.To = w.AgentID
	}
	return ev
}

func (m *Manager) expireLocked(id string, a *allocation, now time.Time) (Transfer, bool) {
	if !a.expired(now) {
		return Transfer{}, false
	}
	return m.handOffLocked(id, a, ReasonExpired, now), true
}

func (m *Manager) notify(events []Transfer) {
	if len(events) == 0 {
		return
	}
	m.mu.Lock()
	handlers := append([]TransferHandler(nil), m.handlers...)
	m.mu.Unlock()
	for _, ev := range events {
		for _, h := range handlers {
			h(ev)
		}
	}
}

func statusLocked(id string, a *allocation) coord.ResourceStatus {
	s := coord.ResourceStatus{
		ID:        id,
		Allocated: a.holder != "",
		Holder:    a.holder,
		WaitQueue: a.waiters.IDs(),
	}
	if s.Allocated {
		at := a.allocatedAt
		s.AllocatedAt = &at
		if a.expiresAt != nil {
			exp := *a.expiresAt
			s.ExpiresAt = &exp
		}
	}
	return s
}

func validateIDs(resource, agentID string) error {
	var problems []string
	if resource == "" {
		problems = append(problems, "resource id is required")
	}
	if agentID == "" {
		problems = append(problems, "agent id is required")
	}
	if len(problems) > 0 {
		return &coord.ValidationError{Problems: problems}
	}
	return nil
}
