package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dongwonkwak/ironpost/internal/collector"
	"github.com/dongwonkwak/ironpost/internal/config"
	"github.com/dongwonkwak/ironpost/internal/parse"
)

// ruleFile mirrors the YAML rule file format (§6) exactly; it is
// translated into the immutable DetectionRule after validation.
type ruleFile struct {
	ID          string   `yaml:"id"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Severity    string   `yaml:"severity"`
	Status      string   `yaml:"status"`
	Detection   struct {
		Conditions []struct {
			Field    string `yaml:"field"`
			Operator string `yaml:"operator"`
			Value    string `yaml:"value"`
			Modifier string `yaml:"modifier"`
		} `yaml:"conditions"`
		Threshold *struct {
			Count         int    `yaml:"count"`
			TimeframeSecs int    `yaml:"timeframe_secs"`
			GroupBy       string `yaml:"group_by"`
		} `yaml:"threshold"`
	} `yaml:"detection"`
	Tags []string `yaml:"tags"`
}

// Set is the loaded, query-ready collection of rules, sorted
// descending by severity with insertion order preserved as a tiebreak
// (§4.5 step 1).
type Set struct {
	Rules      []DetectionRule
	regexCache map[string]*regexp.Regexp
}

// RegexCacheSize reports the number of distinct compiled regex
// patterns held in the set's cache, for metrics.
func (s *Set) RegexCacheSize() int {
	return len(s.regexCache)
}

// LoadErrors aggregates the per-file RuleLoadErrors from a directory
// load; loading continues past any single file's failure (§4.5).
type LoadErrors struct {
	Errors []error
}

func (e *LoadErrors) Error() string {
	return fmt.Sprintf("rules: %d file(s) failed to load", len(e.Errors))
}

// LoadDir loads every *.yaml/*.yml file in dir, validating ReDoS
// denylist membership, pattern length, and rule/file-size caps. An
// invalid or unreadable dir is fatal (a nil Set and a plain error).
// Individual file failures are non-fatal; the returned *LoadErrors (nil
// if empty) reports them alongside the successfully loaded Set.
func LoadDir(dir string, log *zap.Logger) (*Set, error) {
	if err := collector.ValidatePath(dir); err != nil {
		return nil, fmt.Errorf("rules: invalid rules_dir: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("rules: cannot read rules_dir %q: %w", dir, err)
	}

	set := &Set{regexCache: make(map[string]*regexp.Regexp)}
	seenIDs := make(map[string]string) // id -> originating file
	var loadErrs []error
	var totalBytes int64

	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		ext := filepath.Ext(ent.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, ent.Name())

		info, err := ent.Info()
		if err != nil {
			loadErrs = append(loadErrs, fmt.Errorf("rules: %s: %w", path, err))
			continue
		}
		totalBytes += info.Size()
		if totalBytes > MaxRulesFileSizeBytes {
			loadErrs = append(loadErrs, fmt.Errorf("rules: %s: total rules_dir size exceeds %d bytes", path, MaxRulesFileSizeBytes))
			continue
		}

		rule, err := loadOne(path, set.regexCache)
		if err != nil {
			loadErrs = append(loadErrs, fmt.Errorf("rules: %s: %w", path, err))
			continue
		}
		if other, dup := seenIDs[rule.ID]; dup {
			loadErrs = append(loadErrs, fmt.Errorf("rules: %s: duplicate rule id %q (already loaded from %s)", path, rule.ID, other))
			continue
		}
		if len(set.Rules) >= MaxRuleCount {
			loadErrs = append(loadErrs, fmt.Errorf("rules: %s: rule count exceeds cap of %d, rule %q dropped", path, MaxRuleCount, rule.ID))
			continue
		}
		seenIDs[rule.ID] = path
		set.Rules = append(set.Rules, rule)
		if log != nil {
			log.Debug("rules: loaded rule", zap.String("id", rule.ID), zap.String("path", path))
		}
	}

	stableSortBySeverityDesc(set.Rules)

	if len(loadErrs) > 0 {
		if log != nil {
			for _, e := range loadErrs {
				log.Warn("rules: load failure", zap.Error(e))
			}
		}
		return set, &LoadErrors{Errors: loadErrs}
	}
	return set, nil
}

func loadOne(path string, regexCache map[string]*regexp.Regexp) (DetectionRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DetectionRule{}, err
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return DetectionRule{}, fmt.Errorf("yaml parse error: %w", err)
	}

	if rf.ID == "" || len(rf.ID) > 128 {
		return DetectionRule{}, fmt.Errorf("id must be non-empty and <= 128 bytes")
	}
	sev, err := parse.ParseSeverity(rf.Severity)
	if err != nil {
		return DetectionRule{}, err
	}
	status := Status(rf.Status)
	switch status {
	case StatusEnabled, StatusDisabled, StatusTest:
	default:
		return DetectionRule{}, fmt.Errorf("invalid status %q", rf.Status)
	}

	rule := DetectionRule{
		ID:          rf.ID,
		Title:       rf.Title,
		Description: rf.Description,
		Severity:    sev,
		Status:      status,
		Tags:        rf.Tags,
	}

	for _, c := range rf.Detection.Conditions {
		op := Operator(c.Operator)
		switch op {
		case OpEquals, OpContains, OpRegex, OpStartsWith, OpEndsWith, OpExists, OpGT:
		default:
			return DetectionRule{}, fmt.Errorf("invalid operator %q", c.Operator)
		}

		cond := FieldCondition{Field: c.Field, Operator: op, Value: c.Value}
		if c.Modifier != "" {
			mod := Modifier(c.Modifier)
			switch mod {
			case ModifierCaseInsensitive, ModifierNegate:
				cond.Modifiers = append(cond.Modifiers, mod)
			default:
				return DetectionRule{}, fmt.Errorf("invalid modifier %q", c.Modifier)
			}
		}

		if op == OpRegex {
			if len(c.Value) > MaxRegexPatternBytes {
				return DetectionRule{}, fmt.Errorf("regex pattern exceeds %d bytes", MaxRegexPatternBytes)
			}
			if config.ForbiddenRegexPattern(c.Value) {
				return DetectionRule{}, fmt.Errorf("regex pattern %q is forbidden (ReDoS denylist)", c.Value)
			}
			compiled, cached := regexCache[c.Value]
			if !cached {
				// §4.5 step 2: regex is a full-match operator, distinct from
				// contains/starts_with/ends_with. Anchor the compiled pattern
				// so MatchString in the matcher behaves as a full-span match
				// rather than finding any substring occurrence; the ReDoS
				// denylist and length cap above are still checked against the
				// rule author's original, unanchored pattern text.
				compiled, err = regexp.Compile("^(?:" + c.Value + ")$")
				if err != nil {
					return DetectionRule{}, fmt.Errorf("invalid regex %q: %w", c.Value, err)
				}
				if len(regexCache) < MaxRegexCacheSize {
					regexCache[c.Value] = compiled
				}
			}
			cond.compiled = compiled
		}
		rule.Conditions = append(rule.Conditions, cond)
	}

	if rf.Detection.Threshold != nil {
		t := ThresholdConfig{
			Count:         rf.Detection.Threshold.Count,
			TimeframeSecs: rf.Detection.Threshold.TimeframeSecs,
			GroupBy:       rf.Detection.Threshold.GroupBy,
		}
		if err := validateThreshold(t); err != nil {
			return DetectionRule{}, err
		}
		rule.Threshold = &t
	}

	return rule, nil
}

// stableSortBySeverityDesc sorts Critical..Info while preserving
// load order among equal severities (§4.5 step 1).
func stableSortBySeverityDesc(rules []DetectionRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Severity > rules[j].Severity
	})
}
