package alert

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dongwonkwak/ironpost/internal/parse"
	"github.com/dongwonkwak/ironpost/internal/rules"
)

// DefaultEgressCapacity bounds the alert egress channel.
const DefaultEgressCapacity = 4096

// Hooks lets the orchestrator wire telemetry counters without this
// package importing internal/telemetry directly.
type Hooks struct {
	OnEmitted      func()
	OnDeduped      func()
	OnRateLimited  func()
	OnChannelFull  func()
}

// Generator implements §4.6: for each rule match, apply dedup then
// rate limiting, extract best-effort IPs, and push the resulting
// AlertEvent onto the egress channel without ever blocking.
type Generator struct {
	log            *zap.Logger
	dedup          *dedupTracker
	limiter        *perRuleLimiter
	hooks          Hooks
	egress         chan AlertEvent
}

// NewGenerator builds a Generator. dedupWindow and rateLimitPerRule
// come from config.LogPipeline.Alert.
func NewGenerator(dedupWindow time.Duration, rateLimitPerRule int, log *zap.Logger, hooks Hooks) *Generator {
	return &Generator{
		log:     log,
		dedup:   newDedupTracker(dedupWindow),
		limiter: newPerRuleLimiter(rateLimitPerRule),
		hooks:   hooks,
		egress:  make(chan AlertEvent, DefaultEgressCapacity),
	}
}

// Egress returns the channel this Generator owns the sender side of.
func (g *Generator) Egress() <-chan AlertEvent {
	return g.egress
}

// Emit processes one rule match against entry, applying the three
// §4.6 filters in order. Returns true if an AlertEvent was pushed to
// the egress channel.
func (g *Generator) Emit(match rules.MatchResult, entry parse.LogEntry) bool {
	now := time.Now()
	nowMonotonic := monotonicNow()

	key := dedupKeyFor(match)
	if !g.dedup.allow(key, nowMonotonic) {
		if g.hooks.OnDeduped != nil {
			g.hooks.OnDeduped()
		}
		return false
	}

	if !g.limiter.allow(match.Rule.ID, now) {
		g.log.Warn("alert: rate limit exceeded, dropping", zap.String("rule_id", match.Rule.ID))
		if g.hooks.OnRateLimited != nil {
			g.hooks.OnRateLimited()
		}
		return false
	}

	src, dst := extractIPs(entry)
	event := AlertEvent{
		ID:                 uuid.NewString(),
		Timestamp:          now,
		MonotonicTimestamp: nowMonotonic,
		Severity:           match.Rule.Severity,
		Alert: Alert{
			RuleID:      match.Rule.ID,
			RuleTitle:   match.Rule.Title,
			Description: renderDescription(match.Rule.Description, entry),
			SourceIP:    src,
			TargetIP:    dst,
			Entry:       entry,
		},
	}

	select {
	case g.egress <- event:
		if g.hooks.OnEmitted != nil {
			g.hooks.OnEmitted()
		}
		return true
	default:
		g.log.Warn("alert: egress channel full, dropping alert", zap.String("rule_id", match.Rule.ID))
		if g.hooks.OnChannelFull != nil {
			g.hooks.OnChannelFull()
		}
		return false
	}
}

// renderDescription substitutes "${field}" placeholders in a rule's
// description template with the matched entry's field values.
func renderDescription(template string, entry parse.LogEntry) string {
	return expandPlaceholders(template, func(name string) (string, bool) {
		switch name {
		case "message":
			return entry.Message, true
		case "hostname":
			return entry.Hostname, true
		case "process":
			return entry.Process, true
		default:
			return entry.Field(name)
		}
	})
}
