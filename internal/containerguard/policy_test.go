package containerguard

import (
	"testing"

	"github.com/dongwonkwak/ironpost/internal/parse"
)

func TestTargetFilterWildcardOnlyMatchesAll(t *testing.T) {
	f := TargetFilter{}
	if !f.Matches("anything", "any/image:tag") {
		t.Fatal("expected empty target_filter to match every container")
	}
}

func TestTargetFilterContainerNameGlob(t *testing.T) {
	f := TargetFilter{ContainerNames: []string{"web-*"}}
	if !f.Matches("web-01", "nginx:latest") {
		t.Error("expected web-01 to match web-*")
	}
	if f.Matches("db-01", "postgres:latest") {
		t.Error("expected db-01 not to match web-*")
	}
}

func TestTargetFilterRequiresBothFields(t *testing.T) {
	f := TargetFilter{ContainerNames: []string{"web-*"}, ImagePatterns: []string{"nginx:*"}}
	if !f.Matches("web-01", "nginx:1.25") {
		t.Error("expected name and image both matching to pass")
	}
	if f.Matches("web-01", "redis:7") {
		t.Error("expected mismatched image to fail despite matching name")
	}
}

func TestSecurityPolicyAppliesGatesOnSeverityAndEnabled(t *testing.T) {
	p := SecurityPolicy{Enabled: true, SeverityThreshold: parse.High}
	if p.Applies(parse.Medium, "c", "i") {
		t.Error("expected severity below threshold to not apply")
	}
	if !p.Applies(parse.Critical, "c", "i") {
		t.Error("expected severity above threshold to apply")
	}

	p.Enabled = false
	if p.Applies(parse.Critical, "c", "i") {
		t.Error("expected disabled policy to never apply")
	}
}

func TestSecurityPolicyValidateGlobsRejectsMalformedPattern(t *testing.T) {
	p := SecurityPolicy{ID: "bad", TargetFilter: TargetFilter{ContainerNames: []string{"["}}}
	if err := p.ValidateGlobs(); err == nil {
		t.Fatal("expected malformed glob to be rejected")
	}
}
