package rules

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func writeRuleFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDirLoadsValidRulesSortedBySeverity(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "low.yaml", `
id: low-rule
title: Low severity
severity: low
status: enabled
detection:
  conditions:
    - field: message
      operator: contains
      value: noise
`)
	writeRuleFile(t, dir, "critical.yaml", `
id: crit-rule
title: Critical severity
severity: critical
status: enabled
detection:
  conditions:
    - field: message
      operator: contains
      value: breach
`)

	set, err := LoadDir(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(set.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(set.Rules))
	}
	if set.Rules[0].ID != "crit-rule" {
		t.Errorf("expected critical rule first, got %q", set.Rules[0].ID)
	}
}

func TestLoadDirIsolatesPerFileFailures(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "good.yaml", `
id: good-rule
title: Good
severity: medium
status: enabled
detection:
  conditions:
    - field: message
      operator: contains
      value: x
`)
	writeRuleFile(t, dir, "bad.yaml", `this is not: [valid yaml`)

	set, err := LoadDir(dir, zap.NewNop())
	if err == nil {
		t.Fatal("expected aggregate load error for the malformed file")
	}
	if len(set.Rules) != 1 || set.Rules[0].ID != "good-rule" {
		t.Fatalf("expected the good rule to still load, got %+v", set.Rules)
	}
	var le *LoadErrors
	if e, ok := err.(*LoadErrors); ok {
		le = e
	} else {
		t.Fatalf("expected *LoadErrors, got %T", err)
	}
	if len(le.Errors) != 1 {
		t.Errorf("expected 1 aggregated error, got %d", len(le.Errors))
	}
}

func TestLoadDirRejectsForbiddenRegexPattern(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "redos.yaml", `
id: redos-rule
title: ReDoS
severity: high
status: enabled
detection:
  conditions:
    - field: message
      operator: regex
      value: "(.*)+"
`)
	set, err := LoadDir(dir, zap.NewNop())
	if err == nil {
		t.Fatal("expected forbidden regex pattern to fail loading")
	}
	if len(set.Rules) != 0 {
		t.Fatalf("expected no rules loaded, got %d", len(set.Rules))
	}
}

func TestLoadDirRejectsDuplicateRuleID(t *testing.T) {
	dir := t.TempDir()
	content := `
id: dup-rule
title: Dup
severity: low
status: enabled
detection:
  conditions:
    - field: message
      operator: exists
`
	writeRuleFile(t, dir, "a.yaml", content)
	writeRuleFile(t, dir, "b.yaml", content)

	set, err := LoadDir(dir, zap.NewNop())
	if err == nil {
		t.Fatal("expected duplicate rule id to be reported")
	}
	if len(set.Rules) != 1 {
		t.Fatalf("expected only the first occurrence loaded, got %d", len(set.Rules))
	}
}

func TestLoadDirRejectsRelativeRulesDir(t *testing.T) {
	if _, err := LoadDir("relative/rules", zap.NewNop()); err == nil {
		t.Error("expected relative rules_dir to be rejected")
	}
}
