// Package rules implements the YAML-loaded detection rule engine
// (§4.5): rule loading with per-file error isolation and ReDoS
// defenses, descending-severity AND-semantics field matching, and
// thresholded correlation counters with periodic eviction.
package rules

import (
	"fmt"
	"regexp"

	"github.com/dongwonkwak/ironpost/internal/parse"
)

// Status is a rule's load-time lifecycle flag.
type Status string

const (
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
	StatusTest     Status = "test"
)

// Operator is a FieldCondition comparison kind.
type Operator string

const (
	OpEquals     Operator = "equals"
	OpContains   Operator = "contains"
	OpRegex      Operator = "regex"
	OpStartsWith Operator = "startswith"
	OpEndsWith   Operator = "endswith"
	OpExists     Operator = "exists"
	OpGT         Operator = "gt"
)

// Modifier adjusts how a FieldCondition is evaluated.
type Modifier string

const (
	ModifierCaseInsensitive Modifier = "case_insensitive"
	ModifierNegate          Modifier = "negate"
)

// FieldCondition is one AND-ed predicate within a rule's detection
// block.
type FieldCondition struct {
	Field     string
	Operator  Operator
	Value     string
	Modifiers []Modifier

	compiled *regexp.Regexp // non-nil only for OpRegex
}

func (c FieldCondition) hasModifier(m Modifier) bool {
	for _, x := range c.Modifiers {
		if x == m {
			return true
		}
	}
	return false
}

// ThresholdConfig correlates repeated matches within a sliding window.
type ThresholdConfig struct {
	GroupBy       string
	Count         int
	TimeframeSecs int
}

// DetectionRule is one loaded, immutable rule (§3's DetectionRule).
type DetectionRule struct {
	ID          string
	Title       string
	Description string
	Severity    parse.Severity
	Status      Status
	Conditions  []FieldCondition
	Threshold   *ThresholdConfig
	Tags        []string
}

// Enabled reports whether this rule participates in evaluation.
// "test" status rules are loaded (so their patterns are validated) but
// never match live traffic.
func (r DetectionRule) Enabled() bool {
	return r.Status == StatusEnabled
}

// MaxRegexPatternBytes bounds a single regex pattern (ReDoS defense,
// §3's rule invariants).
const MaxRegexPatternBytes = 1000

// MaxRuleCount bounds the total number of loaded rules.
const MaxRuleCount = 10_000

// MaxRulesFileSizeBytes bounds the total size of all rule files combined.
const MaxRulesFileSizeBytes = 10 * 1024 * 1024

// MaxRegexCacheSize bounds the number of distinct compiled patterns
// retained across all rules.
const MaxRegexCacheSize = 1000

// validGroupByField accepts any non-empty field name, plus the
// source_ip/dst_ip sentinels §3 calls out explicitly; LogEntry field
// names are dynamic, so "known" just means "non-empty".
func validGroupByField(field string) bool {
	return field != ""
}

func validateThreshold(t ThresholdConfig) error {
	if t.Count < 1 {
		return fmt.Errorf("rules: threshold.count must be >= 1, got %d", t.Count)
	}
	if t.TimeframeSecs < 1 {
		return fmt.Errorf("rules: threshold.timeframe_secs must be >= 1, got %d", t.TimeframeSecs)
	}
	if !validGroupByField(t.GroupBy) {
		return fmt.Errorf("rules: threshold.group_by must be a known field name or source_ip/dst_ip")
	}
	return nil
}
