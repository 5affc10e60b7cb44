// Package alert implements the alert generator (§4.6): deduplication,
// per-rule rate limiting, source/target IP extraction, and
// never-blocks-on-full-channel egress.
package alert

import (
	"time"

	"github.com/dongwonkwak/ironpost/internal/parse"
	"github.com/dongwonkwak/ironpost/internal/rules"
)

// Alert is the rule-match body of an AlertEvent (§3).
type Alert struct {
	RuleID      string
	RuleTitle   string
	Description string
	SourceIP    string
	TargetIP    string
	Entry       parse.LogEntry
}

// AlertEvent is the outward-facing emission of a rule match, pushed
// into the alert egress channel the orchestrator owns the receiver
// side of.
type AlertEvent struct {
	ID                 string
	Timestamp          time.Time
	MonotonicTimestamp int64
	Severity           parse.Severity
	Alert              Alert
}

// DedupKey is the (rule_id, group_key) tuple §3 defines for suppression.
type DedupKey struct {
	RuleID   string
	GroupKey string
}

func dedupKeyFor(match rules.MatchResult) DedupKey {
	return DedupKey{RuleID: match.Rule.ID, GroupKey: match.GroupKey}
}
