// Package scanner implements the Scanner plugin stub: a second alert
// producer that gives the orchestrator's alert-stream merge point (§2,
// "no global ordering" across producers) something concrete to merge
// against, without implementing SBOM lockfile parsing or vulnerability
// database lookups itself (§1 Non-goals).
package scanner

import (
	"context"

	"github.com/dongwonkwak/ironpost/internal/alert"
)

// Scanner produces alerts on demand. The stub's own NullScanner always
// returns no findings; a real SBOM implementation would scan configured
// directories against a vulnerability database and return one
// AlertEvent per finding above the configured minimum severity.
type Scanner interface {
	Scan(ctx context.Context) ([]alert.AlertEvent, error)
}

// NullScanner is the zero-dependency default: it reports no findings.
// Present so the plugin has a concrete collaborator to poll when no
// SBOM backend is configured, matching the "typed interface + AlertEvent
// passthrough" stub shape rather than a nil-checked special case.
type NullScanner struct{}

func (NullScanner) Scan(ctx context.Context) ([]alert.AlertEvent, error) {
	return nil, nil
}
