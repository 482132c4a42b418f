package agent

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/mtzanidakis/concord/internal/coord"
)

// Hierarchy is the parent/children tree over registered agents. It is not
// safe for concurrent use; the Orchestrator guards it.
type Hierarchy struct {
	root     string
	parent   map[string]string
	children map[string][]string
	roles    map[string]*coord.Role
}

func NewHierarchy() *Hierarchy {
	return &Hierarchy{
		parent:   make(map[string]string),
		children: make(map[string][]string),
		roles:    make(map[string]*coord.Role),
	}
}

// HierarchyFromParents builds a tree from a child -> parent map without
// checking it, so Validate can report every structural problem. Entries
// with an empty parent are roots; the smallest such id is recorded as root.
func HierarchyFromParents(parents map[string]string) *Hierarchy {
	h := NewHierarchy()
	var roots []string
	for id, p := range parents {
		h.parent[id] = p
		if p == "" {
			roots = append(roots, id)
			continue
		}
		h.children[p] = insertSorted(h.children[p], id)
	}
	sort.Strings(roots)
	if len(roots) > 0 {
		h.root = roots[0]
	}
	return h
}

func (h *Hierarchy) Root() string { return h.root }

func (h *Hierarchy) Contains(id string) bool {
	_, ok := h.parent[id]
	return ok
}

func (h *Hierarchy) Len() int { return len(h.parent) }

func (h *Hierarchy) Parent(id string) string { return h.parent[id] }

func (h *Hierarchy) Children(id string) []string {
	return append([]string(nil), h.children[id]...)
}

func (h *Hierarchy) Role(id string) *coord.Role { return h.roles[id] }

// Ancestors walks from id's parent up to the root. The walk is bounded by
// the node count.
func (h *Hierarchy) Ancestors(id string) []string {
	var out []string
	cur := h.parent[id]
	for steps := 0; cur != "" && steps < len(h.parent); steps++ {
		out = append(out, cur)
		cur = h.parent[cur]
	}
	return out
}

// Add places id under parentID. The first node becomes the root; later
// nodes without a parent attach under the root.
func (h *Hierarchy) Add(id, parentID string, role *coord.Role) error {
	if h.Contains(id) {
		return &coord.DuplicateAgentError{ID: id}
	}
	if parentID != "" && !h.Contains(parentID) {
		return &coord.NotFoundError{Kind: "parent agent", ID: parentID}
	}
	switch {
	case h.root == "":
		h.root = id
		parentID = ""
	case parentID == "":
		parentID = h.root
	}
	h.parent[id] = parentID
	if parentID != "" {
		h.children[parentID] = insertSorted(h.children[parentID], id)
	}
	if role != nil {
		h.roles[id] = role
	}
	return nil
}

// Remove detaches id and reparents its children to id's parent. When the
// root goes, its smallest child becomes the new root and adopts the other
// children, so the tree keeps a single root.
func (h *Hierarchy) Remove(id string) bool {
	if !h.Contains(id) {
		return false
	}
	p := h.parent[id]
	kids := h.children[id]
	delete(h.children, id)
	delete(h.parent, id)
	delete(h.roles, id)
	if p != "" {
		h.children[p] = removeSorted(h.children[p], id)
		if len(h.children[p]) == 0 {
			delete(h.children, p)
		}
	}

	if id == h.root {
		h.root = ""
		if len(kids) == 0 {
			return true
		}
		newRoot := kids[0]
		h.root = newRoot
		h.parent[newRoot] = ""
		kids = kids[1:]
		p = newRoot
	}
	for _, k := range kids {
		h.parent[k] = p
		h.children[p] = insertSorted(h.children[p], k)
	}
	return true
}

// Reparent moves id under parentID. Moving a node under its own subtree is
// rejected.
func (h *Hierarchy) Reparent(id, parentID string) error {
	if !h.Contains(id) {
		return &coord.NotFoundError{Kind: "agent", ID: id}
	}
	if parentID == "" {
		parentID = h.root
	}
	if !h.Contains(parentID) {
		return &coord.NotFoundError{Kind: "parent agent", ID: parentID}
	}
	if id == h.root {
		return coord.NewValidationError("root %s cannot be reparented", id)
	}
	if parentID == id || slices.Contains(h.Ancestors(parentID), id) {
		return coord.NewValidationError("moving %s under %s would create a cycle", id, parentID)
	}
	old := h.parent[id]
	if old == parentID {
		return nil
	}
	h.children[old] = removeSorted(h.children[old], id)
	if len(h.children[old]) == 0 {
		delete(h.children, old)
	}
	h.parent[id] = parentID
	h.children[parentID] = insertSorted(h.children[parentID], id)
	return nil
}

func (h *Hierarchy) SetRole(id string, role *coord.Role) {
	if role == nil {
		delete(h.roles, id)
		return
	}
	h.roles[id] = role
}

// Validate reports every structural problem at once: root count, dangling
// parents, parent/children maps out of sync, and cycles.
func (h *Hierarchy) Validate() error {
	var problems []string
	ids := make([]string, 0, len(h.parent))
	for id := range h.parent {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var roots []string
	for _, id := range ids {
		if h.parent[id] == "" {
			roots = append(roots, id)
		}
	}
	switch {
	case len(ids) > 0 && len(roots) == 0:
		problems = append(problems, "hierarchy has no root")
	case len(roots) > 1:
		problems = append(problems, fmt.Sprintf("hierarchy has multiple roots: %s", strings.Join(roots, ", ")))
	}
	if len(roots) == 1 && h.root != roots[0] {
		problems = append(problems, fmt.Sprintf("root is recorded as %q but %q has no parent", h.root, roots[0]))
	}

	for _, id := range ids {
		p := h.parent[id]
		if p == "" {
			continue
		}
		if !h.Contains(p) {
			problems = append(problems, fmt.Sprintf("agent %s references unknown parent %s", id, p))
			continue
		}
		if !slices.Contains(h.children[p], id) {
			problems = append(problems, fmt.Sprintf("parent %s does not list child %s", p, id))
		}
	}

	parents := make([]string, 0, len(h.children))
	for p := range h.children {
		parents = append(parents, p)
	}
	sort.Strings(parents)
	for _, p := range parents {
		for _, c := range h.children[p] {
			if got, ok := h.parent[c]; !ok {
				problems = append(problems, fmt.Sprintf("parent %s lists unknown child %s", p, c))
			} else if got != p {
				problems = append(problems, fmt.Sprintf("parent %s lists child %s whose parent is %q", p, c, got))
			}
		}
	}

	problems = append(problems, h.cycleProblems(ids)...)

	if len(problems) > 0 {
		return &coord.ValidationError{Problems: problems}
	}
	return nil
}

// cycleProblems walks each ancestor chain for at most len(ids) steps. A
// chain that revisits a node is reported once per distinct cycle.
func (h *Hierarchy) cycleProblems(ids []string) []string {
	var problems []string
	seen := make(map[string]bool)
	for _, id := range ids {
		var path []string
		index := make(map[string]int)
		cur := id
		for steps := 0; cur != "" && steps <= len(ids); steps++ {
			if i, ok := index[cur]; ok {
				cycle := path[i:]
				key := canonicalCycle(cycle)
				if !seen[key] {
					seen[key] = true
					problems = append(problems, "cycle detected: "+strings.Join(append(cycle, cycle[0]), " -> "))
				}
				break
			}
			if !h.Contains(cur) {
				break
			}
			index[cur] = len(path)
			path = append(path, cur)
			cur = h.parent[cur]
		}
	}
	return problems
}

func canonicalCycle(cycle []string) string {
	sorted := append([]string(nil), cycle...)
	sort.Strings(sorted)
	return strings.Join(sorted, "\x00")
}

// HierarchySnapshot is a copy of the tree for callers outside the lock.
type HierarchySnapshot struct {
	Root     string                 `json:"root"`
	Parents  map[string]string      `json:"parents"`
	Children map[string][]string    `json:"children"`
	Roles    map[string]*coord.Role `json:"roles"`
}

func (h *Hierarchy) Snapshot() HierarchySnapshot {
	s := HierarchySnapshot{
		Root:     h.root,
		Parents:  make(map[string]string, len(h.parent)),
		Children: make(map[string][]string, len(h.children)),
		Roles:    make(map[string]*coord.Role, len(h.roles)),
	}
	for k, v := range h.parent {
		s.Parents[k] = v
	}
	for k, v := range h.children {
		s.Children[k] = append([]string(nil), v...)
	}
	for k, v := range h.roles {
		s.Roles[k] = v.Clone()
	}
	return s
}

func insertSorted(list []string, id string) []string {
	i := sort.SearchStrings(list, id)
	if i < len(list) && list[i] == id {
		return list
	}
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = id
	return list
}

func removeSorted(list []string, id string) []string {
	i := sort.SearchStrings(list, id)
	if i < len(list) && list[i] == id {
		return append(list[:i], list[i+1:]...)
	}
	return list
}
