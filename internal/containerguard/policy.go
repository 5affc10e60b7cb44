// Package containerguard implements the ContainerGuard plugin (§4.7):
// a container monitor that polls the Docker daemon into an in-memory
// cache, a policy matcher that maps incoming AlertEvents to isolation
// actions, and a single-worker isolation executor with retry/backoff.
package containerguard

import (
	"fmt"
	"path"

	"github.com/dongwonkwak/ironpost/internal/parse"
)

// ActionKind discriminates the isolation action a SecurityPolicy
// dispatches (§3).
type ActionKind int

const (
	ActionNetworkDisconnect ActionKind = iota
	ActionPause
	ActionStop
)

func (k ActionKind) String() string {
	switch k {
	case ActionNetworkDisconnect:
		return "NetworkDisconnect"
	case ActionPause:
		return "Pause"
	case ActionStop:
		return "Stop"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// Action is the discriminated union of §3's action variant.
// Networks is only meaningful for ActionNetworkDisconnect.
type Action struct {
	Kind     ActionKind
	Networks []string
}

// TargetFilter selects candidate containers by glob pattern (§4.7).
// Empty fields are wildcards; patterns within a field are OR'd,
// fields across the struct are AND'd. Both fields empty is an explicit
// match-all, per §9's resolved Open Question — not an oversight.
type TargetFilter struct {
	ContainerNames []string
	ImagePatterns  []string
}

// Matches reports whether container (name, image) satisfies f.
func (f TargetFilter) Matches(name, image string) bool {
	if !matchesAny(f.ContainerNames, name) {
		return false
	}
	if !matchesAny(f.ImagePatterns, image) {
		return false
	}
	return true
}

// matchesAny reports whether value matches any pattern in patterns.
// An empty pattern list is a wildcard (always matches).
func matchesAny(patterns []string, value string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pat := range patterns {
		if ok, err := path.Match(pat, value); err == nil && ok {
			return true
		}
	}
	return false
}

// SecurityPolicy is the declarative alert-to-action mapping of §3/§6.
type SecurityPolicy struct {
	ID                string
	Name              string
	Description       string
	Enabled           bool
	Priority          int
	SeverityThreshold parse.Severity
	TargetFilter      TargetFilter
	Action            Action
}

// Applies reports whether p should fire for an alert of the given
// severity against a container with the given name/image, per §4.7's
// matching steps (enabled, severity gate, target filter).
func (p SecurityPolicy) Applies(severity parse.Severity, containerName, containerImage string) bool {
	if !p.Enabled {
		return false
	}
	if severity < p.SeverityThreshold {
		return false
	}
	return p.TargetFilter.Matches(containerName, containerImage)
}

// ValidateGlobs reports a PolicyError (§7) if any configured glob
// pattern is syntactically invalid.
func (p SecurityPolicy) ValidateGlobs() error {
	for _, pat := range p.TargetFilter.ContainerNames {
		if _, err := path.Match(pat, ""); err != nil {
			return fmt.Errorf("containerguard: policy %q: invalid container_names glob %q: %w", p.ID, pat, err)
		}
	}
	for _, pat := range p.TargetFilter.ImagePatterns {
		if _, err := path.Match(pat, ""); err != nil {
			return fmt.Errorf("containerguard: policy %q: invalid image_patterns glob %q: %w", p.ID, pat, err)
		}
	}
	return nil
}
