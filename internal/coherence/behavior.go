package coherence

import (
	"fmt"
	"strings"
	"time"

	"github.com/mtzanidakis/concord/internal/coord"
)

// Behavior is an emergent pattern observed in a group.
type Behavior struct {
	Type       string         `json:"type"`
	Strength   float64        `json:"strength"`
	Originator string         `json:"originator,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

func (b Behavior) Validate() error {
	var problems []string
	if strings.TrimSpace(b.Type) == "" {
		problems = append(problems, "behavior type is required")
	}
	if b.Strength < 0 || b.Strength > 1 {
		problems = append(problems, fmt.Sprintf("behavior strength %.2f outside [0,1]", b.Strength))
	}
	if len(problems) > 0 {
		return &coord.ValidationError{Problems: problems}
	}
	return nil
}

type Kind string

const (
	KindDisruptive Kind = "disruptive"
	KindBeneficial Kind = "beneficial"
	KindNeutral    Kind = "neutral"
)

// Policy decides how behaviors are classified. Type lists are matched
// case-insensitively against Behavior.Type.
type Policy struct {
	DisruptiveThreshold float64  `yaml:"disruptive_threshold" json:"disruptive_threshold"`
	BeneficialThreshold float64  `yaml:"beneficial_threshold" json:"beneficial_threshold"`
	ConflictTypes       []string `yaml:"conflict_types" json:"conflict_types"`
	CooperationTypes    []string `yaml:"cooperation_types" json:"cooperation_types"`
}

func DefaultPolicy() Policy {
	return Policy{
		DisruptiveThreshold: 0.8,
		BeneficialThreshold: 0.7,
		ConflictTypes:       []string{"conflict", "competition", "contention", "deadlock", "oscillation"},
		CooperationTypes:    []string{"cooperation", "collaboration", "consensus", "synergy"},
	}
}

func (p Policy) Classify(b Behavior) Kind {
	switch {
	case b.Strength > p.DisruptiveThreshold && matches(p.ConflictTypes, b.Type):
		return KindDisruptive
	case b.Strength > p.BeneficialThreshold && matches(p.CooperationTypes, b.Type):
		return KindBeneficial
	}
	return KindNeutral
}

func matches(types []string, t string) bool {
	for _, c := range types {
		if strings.EqualFold(c, t) {
			return true
		}
	}
	return false
}

// Record is one handled behavior.
type Record struct {
	GroupID  string    `json:"group_id"`
	Behavior Behavior  `json:"behavior"`
	Kind     Kind      `json:"kind"`
	Notified int       `json:"notified"`
	At       time.Time `json:"at"`
}
