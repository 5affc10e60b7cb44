package containerguard

import (
	"github.com/dongwonkwak/ironpost/internal/alert"
)

// Matcher resolves an incoming AlertEvent against a priority-ordered
// policy set and the monitor's current container snapshot.
//
// Matching is per (alert, container) pair (§8's testable property:
// "if P1 matches an alert/container pair then P2 is never evaluated
// for that pair"): for every container in the cache, independently
// walk policies ascending by priority and take the first one whose
// severity gate and target_filter both pass. Different containers may
// therefore resolve to different policies from the same alert.
type Matcher struct {
	policies []SecurityPolicy // pre-sorted ascending by priority (see LoadDir)
}

// NewMatcher builds a Matcher over a priority-sorted policy set.
func NewMatcher(policies []SecurityPolicy) *Matcher {
	return &Matcher{policies: policies}
}

// PolicyMatch pairs a matched policy with the container it targets.
type PolicyMatch struct {
	Policy    SecurityPolicy
	Container ContainerInfo
}

// Match evaluates ev against every container in containers (expected
// pre-sorted lexicographically by id — see Monitor.Snapshot) and
// returns one PolicyMatch per container that matched some policy.
func (m *Matcher) Match(ev alert.AlertEvent, containers []ContainerInfo) []PolicyMatch {
	var matches []PolicyMatch
	for _, c := range containers {
		for _, p := range m.policies {
			if p.Applies(ev.Severity, c.Name, c.Image) {
				matches = append(matches, PolicyMatch{Policy: p, Container: c})
				break
			}
		}
	}
	return matches
}
