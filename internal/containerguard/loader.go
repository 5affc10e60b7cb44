package containerguard

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dongwonkwak/ironpost/internal/collector"
	"github.com/dongwonkwak/ironpost/internal/parse"
)

// policyFile mirrors the §6 policy file YAML format exactly.
type policyFile struct {
	ID                string `yaml:"id"`
	Name              string `yaml:"name"`
	Description       string `yaml:"description"`
	Enabled           bool   `yaml:"enabled"`
	Priority          int    `yaml:"priority"`
	SeverityThreshold string `yaml:"severity_threshold"`
	TargetFilter      struct {
		ContainerNames []string `yaml:"container_names"`
		ImagePatterns  []string `yaml:"image_patterns"`
	} `yaml:"target_filter"`
	Action struct {
		Type     string   `yaml:"type"`
		Networks []string `yaml:"networks"`
	} `yaml:"action"`
}

// LoadErrors aggregates per-file policy load failures, matching the
// rule loader's per-file isolation semantics (§4.5, generalized here
// to §4.7's own policy files).
type LoadErrors struct {
	Errors []error
}

func (e *LoadErrors) Error() string {
	return fmt.Sprintf("containerguard: %d policy file(s) failed to load", len(e.Errors))
}

// LoadDir loads every *.yaml/*.yml SecurityPolicy file in dir, sorted
// ascending by priority (ties broken by insertion order, i.e. the
// directory's lexicographic file order). An invalid or unreadable dir
// path is fatal (an error and no policies); a malformed individual file is
// aggregated into the
// returned *LoadErrors alongside the successfully loaded policies.
func LoadDir(dir string, log *zap.Logger) ([]SecurityPolicy, error) {
	if err := collector.ValidatePath(dir); err != nil {
		return nil, fmt.Errorf("containerguard: invalid policy_path: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("containerguard: cannot read policy_path %q: %w", dir, err)
	}

	var policies []SecurityPolicy
	var loadErrs []error
	seenIDs := make(map[string]string)

	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		if !ent.IsDir() {
			names = append(names, ent.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, name)
		p, err := loadOne(path)
		if err != nil {
			loadErrs = append(loadErrs, fmt.Errorf("containerguard: %s: %w", path, err))
			continue
		}
		if other, dup := seenIDs[p.ID]; dup {
			loadErrs = append(loadErrs, fmt.Errorf("containerguard: %s: duplicate policy id %q (already loaded from %s)", path, p.ID, other))
			continue
		}
		if err := p.ValidateGlobs(); err != nil {
			loadErrs = append(loadErrs, err)
			continue
		}
		seenIDs[p.ID] = path
		policies = append(policies, p)
		if log != nil {
			log.Debug("containerguard: loaded policy", zap.String("id", p.ID), zap.String("path", path))
		}
	}

	sort.SliceStable(policies, func(i, j int) bool { return policies[i].Priority < policies[j].Priority })

	if len(loadErrs) > 0 {
		if log != nil {
			for _, e := range loadErrs {
				log.Warn("containerguard: policy load failure", zap.Error(e))
			}
		}
		return policies, &LoadErrors{Errors: loadErrs}
	}
	return policies, nil
}

func loadOne(path string) (SecurityPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SecurityPolicy{}, err
	}

	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return SecurityPolicy{}, fmt.Errorf("yaml: %w", err)
	}
	if pf.ID == "" {
		return SecurityPolicy{}, fmt.Errorf("missing id")
	}

	sev, err := parse.ParseSeverity(pf.SeverityThreshold)
	if err != nil {
		return SecurityPolicy{}, fmt.Errorf("policy %q: invalid severity_threshold %q: %w", pf.ID, pf.SeverityThreshold, err)
	}

	action, err := parseAction(pf.Action.Type, pf.Action.Networks)
	if err != nil {
		return SecurityPolicy{}, fmt.Errorf("policy %q: %w", pf.ID, err)
	}

	return SecurityPolicy{
		ID:                pf.ID,
		Name:              pf.Name,
		Description:       pf.Description,
		Enabled:           pf.Enabled,
		Priority:          pf.Priority,
		SeverityThreshold: sev,
		TargetFilter: TargetFilter{
			ContainerNames: pf.TargetFilter.ContainerNames,
			ImagePatterns:  pf.TargetFilter.ImagePatterns,
		},
		Action: action,
	}, nil
}

func parseAction(kind string, networks []string) (Action, error) {
	switch kind {
	case "NetworkDisconnect":
		if len(networks) == 0 {
			return Action{}, fmt.Errorf("NetworkDisconnect action requires at least one network")
		}
		return Action{Kind: ActionNetworkDisconnect, Networks: networks}, nil
	case "Pause":
		return Action{Kind: ActionPause}, nil
	case "Stop":
		return Action{Kind: ActionStop}, nil
	default:
		return Action{}, fmt.Errorf("unknown action type %q", kind)
	}
}
