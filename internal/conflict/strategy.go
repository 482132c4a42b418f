package conflict

import (
	"math"
	"time"

	"github.com/mtzanidakis/concord/internal/coord"
)

// Built-in resource strategy names.
const (
	StrategyPriority   = "priority"
	StrategyFairness   = "fairness"
	StrategyCapability = "capability"
)

// Resource describes what is being contested. Tags are the capabilities a
// holder should ideally have.
type Resource struct {
	ID   string             `json:"id"`
	Tags []coord.Capability `json:"tags,omitempty"`
}

// Requester is one agent competing for a resource.
type Requester struct {
	AgentID      string              `json:"agent_id"`
	Priority     float64             `json:"priority"`
	Load         float64             `json:"load"`
	Capabilities coord.CapabilitySet `json:"capabilities"`
}

// RequesterFromAgent uses the role priority and current load of a directory
// record.
func RequesterFromAgent(a coord.Agent) Requester {
	return Requester{
		AgentID:      a.ID,
		Priority:     a.RolePriority(),
		Load:         a.Load,
		Capabilities: a.Capabilities,
	}
}

// Contest is everything a strategy may look at to pick a winner.
type Contest struct {
	Resource        Resource
	Requesters      []Requester
	History         *History
	Now             time.Time
	FairnessHorizon time.Duration
}

// ResourceStrategy picks the winning agent id among at least two requesters.
type ResourceStrategy interface {
	Select(c Contest) (string, error)
}

// StrategyFunc adapts a plain function to ResourceStrategy.
type StrategyFunc func(c Contest) (string, error)

func (f StrategyFunc) Select(c Contest) (string, error) { return f(c) }

const (
	weightResPriority   = 0.30
	weightResWorkload   = 0.20
	weightResCapability = 0.25
	weightResSuccess    = 0.15
	weightResFairness   = 0.10
)

type priorityStrategy struct{}

func (priorityStrategy) Select(c Contest) (string, error) {
	return pickMax(c.Requesters, func(r Requester) float64 {
		return weightResPriority*clamp01(r.Priority) +
			weightResWorkload*(1-clamp01(r.Load)) +
			weightResCapability*tagMatch(r.Capabilities, c.Resource.Tags) +
			weightResSuccess*c.History.SuccessRate(r.AgentID) +
			weightResFairness*fairness(c, r.AgentID)
	}), nil
}

// fairnessStrategy prefers the requester that went longest without access.
type fairnessStrategy struct{}

func (fairnessStrategy) Select(c Contest) (string, error) {
	return pickMax(c.Requesters, func(r Requester) float64 {
		last, ok := c.History.LastAccess(r.AgentID)
		if !ok {
			return math.Inf(1)
		}
		return float64(c.Now.Sub(last))
	}), nil
}

type capabilityStrategy struct{}

func (capabilityStrategy) Select(c Contest) (string, error) {
	return pickMax(c.Requesters, func(r Requester) float64 {
		return tagMatch(r.Capabilities, c.Resource.Tags)
	}), nil
}

// pickMax returns the requester with the highest score. Ties go to the lower
// load, then to the smaller agent id.
func pickMax(reqs []Requester, score func(Requester) float64) string {
	best := -1
	var bestScore float64
	for i, r := range reqs {
		s := score(r)
		if best < 0 || better(s, r.Load, r.AgentID, bestScore, reqs[best].Load, reqs[best].AgentID) {
			best, bestScore = i, s
		}
	}
	if best < 0 {
		return ""
	}
	return reqs[best].AgentID
}

const epsilon = 1e-9

func better(score, load float64, id string, bestScore, bestLoad float64, bestID string) bool {
	if score > bestScore+epsilon {
		return true
	}
	if score < bestScore-epsilon {
		return false
	}
	if load != bestLoad {
		return load < bestLoad
	}
	return id < bestID
}

func fairness(c Contest, agentID string) float64 {
	last, ok := c.History.LastAccess(agentID)
	if !ok || c.FairnessHorizon <= 0 {
		return 1
	}
	return clamp01(float64(c.Now.Sub(last)) / float64(c.FairnessHorizon))
}

// tagMatch is the fraction of wanted tags present; nothing wanted matches
// fully.
func tagMatch(have coord.CapabilitySet, want []coord.Capability) float64 {
	if len(want) == 0 {
		return 1
	}
	return float64(have.Matches(want)) / float64(len(want))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
