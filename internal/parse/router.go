package parse

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dongwonkwak/ironpost/internal/collector"
)

// ErrNotApplicable is returned by a Parser when the raw payload does not
// match the format it recognizes; the router moves on to the next
// registered parser. Any other error means the parser claimed the
// format but failed to parse it, and is surfaced to the caller as a
// per-entry parse error (non-fatal to the pipeline).
var ErrNotApplicable = errors.New("parse: not applicable")

// Parser turns a RawLog into a LogEntry.
type Parser interface {
	Name() string
	Parse(raw collector.RawLog) (LogEntry, error)
}

// Router tries registered parsers in order until one accepts, unless a
// source-tag prefix has been forced onto a specific parser.
type Router struct {
	parsers []Parser
	byName  map[string]Parser
	forced  map[string]string // source prefix -> parser name
}

// NewRouter builds a router trying parsers in the given order.
func NewRouter(parsers ...Parser) *Router {
	byName := make(map[string]Parser, len(parsers))
	for _, p := range parsers {
		byName[p.Name()] = p
	}
	return &Router{parsers: parsers, byName: byName, forced: make(map[string]string)}
}

// ForceForSource pins every RawLog whose Source starts with sourcePrefix
// to a single named parser, skipping try-in-order resolution.
func (r *Router) ForceForSource(sourcePrefix, parserName string) error {
	if _, ok := r.byName[parserName]; !ok {
		return fmt.Errorf("parse: no registered parser named %q", parserName)
	}
	r.forced[sourcePrefix] = parserName
	return nil
}

// Parse resolves raw into a LogEntry via the forced parser for its
// source, or else the first registered parser that accepts it.
func (r *Router) Parse(raw collector.RawLog) (LogEntry, error) {
	entry, _, err := r.ParseNamed(raw)
	return entry, err
}

// ParseNamed behaves like Parse but also reports the name of the
// parser that accepted raw, for callers that label metrics by parser.
func (r *Router) ParseNamed(raw collector.RawLog) (LogEntry, string, error) {
	for prefix, name := range r.forced {
		if strings.HasPrefix(raw.Source, prefix) {
			entry, err := r.byName[name].Parse(raw)
			if err != nil {
				return LogEntry{}, name, fmt.Errorf("parse: %s: %w", name, err)
			}
			entry.Source = raw.Source
			return entry, name, nil
		}
	}

	for _, p := range r.parsers {
		entry, err := p.Parse(raw)
		if errors.Is(err, ErrNotApplicable) {
			continue
		}
		if err != nil {
			return LogEntry{}, p.Name(), fmt.Errorf("parse: %s: %w", p.Name(), err)
		}
		entry.Source = raw.Source
		return entry, p.Name(), nil
	}
	return LogEntry{}, "", fmt.Errorf("parse: no registered parser accepted source %q", raw.Source)
}
