package rules

import (
	"strconv"
	"strings"

	"github.com/dongwonkwak/ironpost/internal/parse"
)

// Hooks lets callers observe matcher-internal events without the
// matcher depending on a concrete metrics type.
type Hooks struct {
	// OnCounterEvicted fires once per threshold counter entry evicted to
	// stay under MaxCounterEntries (§4.5 "evicted with a counter"). Nil
	// is a valid no-op default.
	OnCounterEvicted func()
}

// Matcher evaluates LogEntries against a loaded Set, maintaining
// threshold counters across calls. Safe for concurrent use: Evaluate
// only reads the rule set, and the threshold counters are guarded by
// their own mutex. The log pipeline shares one Matcher between its
// drain loop and its detector loop.
type Matcher struct {
	set          *Set
	thresholds   *thresholdEngine
	shortCircuit bool // short-circuit further evaluation after the first match at the highest matched severity (§4.5 step 4, default off)
}

// NewMatcher builds a matcher over set. shortCircuitAtFirstMatch
// implements the configurable (default-off) behavior named in §4.5
// step 4 and resolved as an Open Question in favor of "off by default"
// for predictable multi-rule correlation.
func NewMatcher(set *Set, shortCircuitAtFirstMatch bool, hooks Hooks) *Matcher {
	return &Matcher{set: set, thresholds: newThresholdEngine(hooks.OnCounterEvicted), shortCircuit: shortCircuitAtFirstMatch}
}

// MatchResult is a surviving rule match, threshold-gated if the rule
// carries a ThresholdConfig.
type MatchResult struct {
	Rule     DetectionRule
	GroupKey string
}

// Evaluate walks enabled rules in descending-severity, insertion order
// (the Set is pre-sorted by LoadDir) and returns every rule that
// matches entry, applying threshold gating per rule.
func (m *Matcher) Evaluate(entry parse.LogEntry) []MatchResult {
	m.thresholds.sweepIfDue()

	var results []MatchResult
	for _, rule := range m.set.Rules {
		if !rule.Enabled() {
			continue
		}
		if !matchesAllConditions(rule.Conditions, entry) {
			continue
		}

		if rule.Threshold != nil {
			groupKey := groupKeyValue(entry, rule.Threshold.GroupBy)
			if !m.thresholds.increment(rule.ID, groupKey, rule.Threshold.Count, rule.Threshold.TimeframeSecs) {
				continue
			}
			results = append(results, MatchResult{Rule: rule, GroupKey: groupKey})
		} else {
			results = append(results, MatchResult{Rule: rule})
		}

		if m.shortCircuit && len(results) > 0 {
			break
		}
	}
	return results
}

func groupKeyValue(entry parse.LogEntry, field string) string {
	if field == "" {
		return ""
	}
	v, _ := entryFieldValue(entry, field)
	return v
}

func matchesAllConditions(conds []FieldCondition, entry parse.LogEntry) bool {
	for _, c := range conds {
		if !evaluateCondition(c, entry) {
			return false
		}
	}
	return true
}

func evaluateCondition(c FieldCondition, entry parse.LogEntry) bool {
	result := evaluateOperator(c, entry)
	if c.hasModifier(ModifierNegate) {
		result = !result
	}
	return result
}

func evaluateOperator(c FieldCondition, entry parse.LogEntry) bool {
	value, present := entryFieldValue(entry, c.Field)

	if c.Operator == OpExists {
		return present
	}
	if !present {
		return false
	}

	want := c.Value
	if c.hasModifier(ModifierCaseInsensitive) {
		value = strings.ToLower(value)
		want = strings.ToLower(want)
	}

	switch c.Operator {
	case OpEquals:
		return value == want
	case OpContains:
		return strings.Contains(value, want)
	case OpStartsWith:
		return strings.HasPrefix(value, want)
	case OpEndsWith:
		return strings.HasSuffix(value, want)
	case OpRegex:
		if c.compiled == nil {
			return false
		}
		return c.compiled.MatchString(value)
	case OpGT:
		return compareGT(value, want)
	default:
		return false
	}
}

// compareGT implements the §4.5 "ordered comparison on numeric or enum
// fields" operator: numeric if both sides parse as floats, else
// severity-name ordering if both sides are valid severities, else
// false (gt is not meaningful on free-form strings).
func compareGT(value, want string) bool {
	if vf, err1 := strconv.ParseFloat(value, 64); err1 == nil {
		if wf, err2 := strconv.ParseFloat(want, 64); err2 == nil {
			return vf > wf
		}
	}
	if vs, err1 := parse.ParseSeverity(value); err1 == nil {
		if ws, err2 := parse.ParseSeverity(want); err2 == nil {
			return vs > ws
		}
	}
	return false
}

// entryFieldValue resolves a condition's field name against LogEntry's
// well-known columns first, falling back to the dynamic field map.
func entryFieldValue(entry parse.LogEntry, field string) (string, bool) {
	switch field {
	case "message":
		return entry.Message, true
	case "facility":
		return entry.Facility, true
	case "process":
		return entry.Process, true
	case "hostname":
		return entry.Hostname, true
	case "severity":
		return entry.Severity.String(), true
	case "source":
		return entry.Source, true
	default:
		return entry.Field(field)
	}
}
