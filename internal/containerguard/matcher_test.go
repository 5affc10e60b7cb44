package containerguard

import (
	"testing"

	"github.com/dongwonkwak/ironpost/internal/alert"
	"github.com/dongwonkwak/ironpost/internal/parse"
)

// TestMatchPriorityOrderingPerContainer exercises §8 scenario 5: two
// policies targeting the same web-* containers at different severity
// thresholds. The higher-priority (lower Priority value) Critical/
// NetworkDisconnect policy must win for a Critical alert, and the
// lower-priority High/Pause policy must never be evaluated for that
// container once the first policy matched it.
func TestMatchPriorityOrderingPerContainer(t *testing.T) {
	critical := SecurityPolicy{
		ID: "isolate-critical", Enabled: true, Priority: 10,
		SeverityThreshold: parse.Critical,
		TargetFilter:      TargetFilter{ContainerNames: []string{"web-*"}},
		Action:            Action{Kind: ActionNetworkDisconnect, Networks: []string{"bridge"}},
	}
	pauseOnHigh := SecurityPolicy{
		ID: "pause-high", Enabled: true, Priority: 20,
		SeverityThreshold: parse.High,
		TargetFilter:      TargetFilter{ContainerNames: []string{"web-*"}},
		Action:            Action{Kind: ActionPause},
	}
	m := NewMatcher([]SecurityPolicy{critical, pauseOnHigh})

	containers := []ContainerInfo{{ID: "c1", Name: "web-01", Image: "nginx:latest"}}
	ev := alert.AlertEvent{Severity: parse.Critical}

	matches := m.Match(ev, containers)
	if len(matches) != 1 {
		t.Fatalf("expected exactly one match, got %d", len(matches))
	}
	if matches[0].Policy.ID != "isolate-critical" {
		t.Errorf("expected isolate-critical to win over pause-high, got %q", matches[0].Policy.ID)
	}
}

func TestMatchFallsThroughToLowerPriorityWhenHigherDoesNotApply(t *testing.T) {
	critical := SecurityPolicy{
		ID: "isolate-critical", Enabled: true, Priority: 10,
		SeverityThreshold: parse.Critical,
		TargetFilter:      TargetFilter{ContainerNames: []string{"web-*"}},
		Action:            Action{Kind: ActionNetworkDisconnect, Networks: []string{"bridge"}},
	}
	pauseOnHigh := SecurityPolicy{
		ID: "pause-high", Enabled: true, Priority: 20,
		SeverityThreshold: parse.High,
		TargetFilter:      TargetFilter{ContainerNames: []string{"web-*"}},
		Action:            Action{Kind: ActionPause},
	}
	m := NewMatcher([]SecurityPolicy{critical, pauseOnHigh})

	containers := []ContainerInfo{{ID: "c1", Name: "web-01", Image: "nginx:latest"}}
	ev := alert.AlertEvent{Severity: parse.High}

	matches := m.Match(ev, containers)
	if len(matches) != 1 || matches[0].Policy.ID != "pause-high" {
		t.Fatalf("expected pause-high to match when severity is below the critical threshold, got %+v", matches)
	}
}

func TestMatchResolvesIndependentlyPerContainer(t *testing.T) {
	onlyDB := SecurityPolicy{
		ID: "pause-db", Enabled: true, Priority: 1,
		SeverityThreshold: parse.Low,
		TargetFilter:      TargetFilter{ContainerNames: []string{"db-*"}},
		Action:            Action{Kind: ActionPause},
	}
	m := NewMatcher([]SecurityPolicy{onlyDB})

	containers := []ContainerInfo{
		{ID: "c1", Name: "web-01", Image: "nginx"},
		{ID: "c2", Name: "db-01", Image: "postgres"},
	}
	matches := m.Match(alert.AlertEvent{Severity: parse.Critical}, containers)
	if len(matches) != 1 || matches[0].Container.ID != "c2" {
		t.Fatalf("expected only db-01 to match, got %+v", matches)
	}
}

func TestMatchDisabledPolicyNeverMatches(t *testing.T) {
	disabled := SecurityPolicy{ID: "off", Enabled: false, SeverityThreshold: parse.Low}
	m := NewMatcher([]SecurityPolicy{disabled})
	matches := m.Match(alert.AlertEvent{Severity: parse.Critical}, []ContainerInfo{{ID: "c1", Name: "any"}})
	if len(matches) != 0 {
		t.Fatalf("expected disabled policy to never match, got %+v", matches)
	}
}
