package rules

import (
	"testing"

	"github.com/dongwonkwak/ironpost/internal/parse"
)

func entryWithMessage(msg string) parse.LogEntry {
	e := parse.NewLogEntry()
	e.Message = msg
	return e
}

func TestMatcherEqualsContainsRegexOperators(t *testing.T) {
	set := &Set{Rules: []DetectionRule{
		{ID: "r1", Severity: parse.High, Status: StatusEnabled, Conditions: []FieldCondition{
			{Field: "message", Operator: OpContains, Value: "failed password"},
		}},
	}}
	m := NewMatcher(set, false, Hooks{})
	if res := m.Evaluate(entryWithMessage("Failed password for root")); len(res) != 0 {
		t.Fatal("expected case-sensitive contains to not match differing case")
	}
	if res := m.Evaluate(entryWithMessage("user sent failed password attempt")); len(res) != 1 {
		t.Fatalf("expected contains match, got %d results", len(res))
	}
}

func TestMatcherRegexOperatorRequiresFullMatch(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "regex.yaml", `
id: regex-rule
title: Regex rule
severity: high
status: enabled
detection:
  conditions:
    - field: message
      operator: regex
      value: "[0-9]{3}-[0-9]{4}"
`)
	set, err := LoadDir(dir, nil)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	m := NewMatcher(set, false, Hooks{})

	if res := m.Evaluate(entryWithMessage("call 555-1234 now")); len(res) != 0 {
		t.Fatal("expected regex to require a full-string match, not a substring occurrence")
	}
	if res := m.Evaluate(entryWithMessage("555-1234")); len(res) != 1 {
		t.Fatalf("expected full match to fire, got %d results", len(res))
	}
}

func TestMatcherCaseInsensitiveModifier(t *testing.T) {
	set := &Set{Rules: []DetectionRule{
		{ID: "r1", Severity: parse.High, Status: StatusEnabled, Conditions: []FieldCondition{
			{Field: "message", Operator: OpContains, Value: "FAILED", Modifiers: []Modifier{ModifierCaseInsensitive}},
		}},
	}}
	m := NewMatcher(set, false, Hooks{})
	if res := m.Evaluate(entryWithMessage("failed password for root")); len(res) != 1 {
		t.Fatalf("expected case-insensitive match, got %d", len(res))
	}
}

func TestMatcherNegateModifier(t *testing.T) {
	set := &Set{Rules: []DetectionRule{
		{ID: "r1", Severity: parse.High, Status: StatusEnabled, Conditions: []FieldCondition{
			{Field: "message", Operator: OpContains, Value: "success", Modifiers: []Modifier{ModifierNegate}},
		}},
	}}
	m := NewMatcher(set, false, Hooks{})
	if res := m.Evaluate(entryWithMessage("login success")); len(res) != 0 {
		t.Fatal("expected negated contains to suppress a matching message")
	}
	if res := m.Evaluate(entryWithMessage("login failure")); len(res) != 1 {
		t.Fatal("expected negated contains to fire on a non-matching message")
	}
}

func TestMatcherExistsOperator(t *testing.T) {
	set := &Set{Rules: []DetectionRule{
		{ID: "r1", Severity: parse.Medium, Status: StatusEnabled, Conditions: []FieldCondition{
			{Field: "user", Operator: OpExists},
		}},
	}}
	m := NewMatcher(set, false, Hooks{})
	entry := parse.NewLogEntry()
	if res := m.Evaluate(entry); len(res) != 0 {
		t.Fatal("expected no match when field absent")
	}
	entry.SetField("user", "alice")
	if res := m.Evaluate(entry); len(res) != 1 {
		t.Fatal("expected match once field present")
	}
}

func TestMatcherGTNumericAndSeverity(t *testing.T) {
	set := &Set{Rules: []DetectionRule{
		{ID: "r1", Severity: parse.Low, Status: StatusEnabled, Conditions: []FieldCondition{
			{Field: "count", Operator: OpGT, Value: "5"},
		}},
	}}
	m := NewMatcher(set, false, Hooks{})
	entry := parse.NewLogEntry()
	entry.SetField("count", "3")
	if res := m.Evaluate(entry); len(res) != 0 {
		t.Fatal("expected 3 > 5 to be false")
	}
	entry.SetField("count", "10")
	if res := m.Evaluate(entry); len(res) != 1 {
		t.Fatal("expected 10 > 5 to be true")
	}
}

func TestMatcherAndSemanticsAllConditionsMustMatch(t *testing.T) {
	set := &Set{Rules: []DetectionRule{
		{ID: "r1", Severity: parse.High, Status: StatusEnabled, Conditions: []FieldCondition{
			{Field: "message", Operator: OpContains, Value: "ssh"},
			{Field: "process", Operator: OpEquals, Value: "sshd"},
		}},
	}}
	m := NewMatcher(set, false, Hooks{})
	entry := entryWithMessage("ssh login attempt")
	entry.Process = "other"
	if res := m.Evaluate(entry); len(res) != 0 {
		t.Fatal("expected AND semantics to require both conditions")
	}
	entry.Process = "sshd"
	if res := m.Evaluate(entry); len(res) != 1 {
		t.Fatal("expected match once both conditions hold")
	}
}

func TestMatcherDisabledRuleNeverMatches(t *testing.T) {
	set := &Set{Rules: []DetectionRule{
		{ID: "r1", Severity: parse.Critical, Status: StatusDisabled, Conditions: []FieldCondition{
			{Field: "message", Operator: OpExists},
		}},
	}}
	m := NewMatcher(set, false, Hooks{})
	if res := m.Evaluate(entryWithMessage("anything")); len(res) != 0 {
		t.Fatal("expected disabled rule to never match")
	}
}

func TestMatcherThresholdGatesUntilCountReached(t *testing.T) {
	set := &Set{Rules: []DetectionRule{
		{ID: "brute-force", Severity: parse.High, Status: StatusEnabled,
			Conditions: []FieldCondition{{Field: "message", Operator: OpContains, Value: "failed"}},
			Threshold:  &ThresholdConfig{Count: 3, TimeframeSecs: 60, GroupBy: "src_ip"},
		},
	}}
	m := NewMatcher(set, false, Hooks{})
	entry := entryWithMessage("failed login")
	entry.SetField("src_ip", "10.0.0.5")

	for i := 0; i < 2; i++ {
		if res := m.Evaluate(entry); len(res) != 0 {
			t.Fatalf("expected no emission before count reached, iteration %d", i)
		}
	}
	res := m.Evaluate(entry)
	if len(res) != 1 || res[0].GroupKey != "10.0.0.5" {
		t.Fatalf("expected emission on reaching threshold count, got %+v", res)
	}
	// Counter reset on emission: next matches shouldn't fire immediately.
	if res := m.Evaluate(entry); len(res) != 0 {
		t.Fatal("expected counter reset after emission to prevent immediate re-firing")
	}
}

func TestMatcherShortCircuitStopsAfterFirstMatch(t *testing.T) {
	set := &Set{Rules: []DetectionRule{
		{ID: "r1", Severity: parse.Critical, Status: StatusEnabled, Conditions: []FieldCondition{{Field: "message", Operator: OpExists}}},
		{ID: "r2", Severity: parse.High, Status: StatusEnabled, Conditions: []FieldCondition{{Field: "message", Operator: OpExists}}},
	}}

	withoutShortCircuit := NewMatcher(set, false, Hooks{})
	if res := withoutShortCircuit.Evaluate(entryWithMessage("x")); len(res) != 2 {
		t.Fatalf("expected both rules to match without short-circuit, got %d", len(res))
	}

	withShortCircuit := NewMatcher(set, true, Hooks{})
	if res := withShortCircuit.Evaluate(entryWithMessage("x")); len(res) != 1 {
		t.Fatalf("expected only the first match with short-circuit enabled, got %d", len(res))
	}
}
