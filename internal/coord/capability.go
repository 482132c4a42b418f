package coord

import (
	"encoding/json"
	"sort"
)

// Capability is a single tag an agent or role can carry.
type Capability string

// CapabilitySet is a fixed set of capability tags. The zero value is an
// empty set and safe for reads.
type CapabilitySet map[Capability]struct{}

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		if c == "" {
			continue
		}
		s[c] = struct{}{}
	}
	return s
}

// ParseCapabilities builds a set from plain strings, as found in config files
// and API payloads.
func ParseCapabilities(raw []string) CapabilitySet {
	caps := make([]Capability, 0, len(raw))
	for _, r := range raw {
		caps = append(caps, Capability(r))
	}
	return NewCapabilitySet(caps...)
}

func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// HasAll reports whether every required capability is present. An empty
// requirement is always satisfied.
func (s CapabilitySet) HasAll(required []Capability) bool {
	for _, c := range required {
		if !s.Has(c) {
			return false
		}
	}
	return true
}

// Matches counts how many of the required capabilities are present.
func (s CapabilitySet) Matches(required []Capability) int {
	n := 0
	for _, c := range required {
		if s.Has(c) {
			n++
		}
	}
	return n
}

// Slice returns the tags in sorted order.
func (s CapabilitySet) Slice() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Slice())
}

func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var caps []Capability
	if err := json.Unmarshal(data, &caps); err != nil {
		return err
	}
	*s = NewCapabilitySet(caps...)
	return nil
}
