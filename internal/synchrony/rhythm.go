package synchrony

import (
	"context"
	"fmt"
	"time"

	"github.com/mtzanidakis/concord/internal/coord"
)

type Pattern string

const (
	PatternSequential Pattern = "sequential"
	PatternParallel   Pattern = "parallel"
	PatternWave       Pattern = "wave"
	PatternHeartbeat  Pattern = "heartbeat"
	PatternCustom     Pattern = "custom"
)

func (p Pattern) IsValid() bool {
	switch p {
	case PatternSequential, PatternParallel, PatternWave, PatternHeartbeat, PatternCustom:
		return true
	}
	return false
}

// Phase is one synchronized step of a sequential or parallel rhythm. An
// empty Agents list means every member.
type Phase struct {
	Name     string         `json:"name"`
	Action   string         `json:"action"`
	Agents   []string       `json:"agents,omitempty"`
	Duration time.Duration  `json:"duration"`
	Params   map[string]any `json:"params,omitempty"`
}

// CustomFunc runs one cycle of a custom rhythm and reports whether it
// succeeded. cycle is 1-based.
type CustomFunc func(ctx context.Context, agents []string, cycle int) bool

// Rhythm describes the repeating pattern of a group.
type Rhythm struct {
	Pattern  Pattern       `json:"pattern"`
	Interval time.Duration `json:"interval"`
	Phases   []Phase       `json:"phases,omitempty"`
	// Action is sent on wave and heartbeat cycles.
	Action string `json:"action,omitempty"`
	// Rest follows each heartbeat pulse.
	Rest   time.Duration `json:"rest,omitempty"`
	Custom CustomFunc    `json:"-"`
}

func (r Rhythm) Validate(members []string) error {
	var problems []string
	if !r.Pattern.IsValid() {
		problems = append(problems, fmt.Sprintf("unknown rhythm pattern %q", r.Pattern))
	}
	if r.Interval <= 0 {
		problems = append(problems, "rhythm interval must be positive")
	}
	if len(members) == 0 {
		problems = append(problems, "group needs at least one member")
	}
	switch r.Pattern {
	case PatternSequential, PatternParallel:
		if len(r.Phases) == 0 {
			problems = append(problems, fmt.Sprintf("%s rhythm needs at least one phase", r.Pattern))
		}
	case PatternCustom:
		if r.Custom == nil {
			problems = append(problems, "custom rhythm needs a function")
		}
	}

	set := make(map[string]bool, len(members))
	for _, m := range members {
		set[m] = true
	}
	for i, ph := range r.Phases {
		if ph.Action == "" {
			problems = append(problems, fmt.Sprintf("phase %d has no action", i))
		}
		for _, a := range ph.Agents {
			if !set[a] {
				problems = append(problems, fmt.Sprintf("phase %d names non-member %s", i, a))
			}
		}
	}
	if len(problems) > 0 {
		return &coord.ValidationError{Problems: problems}
	}
	return nil
}
