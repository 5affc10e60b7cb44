package parse

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dongwonkwak/ironpost/internal/collector"
)

// MaxJSONFlattenDepth caps dot-notation flattening of nested JSON
// objects, guarding against pathological/adversarial input.
const MaxJSONFlattenDepth = 32

// JSONParser parses newline-delimited JSON objects, mapping configured
// field names onto LogEntry's structured columns and flattening
// everything else into the bounded field map.
type JSONParser struct {
	TimestampField string
	SeverityField  string
	MessageField   string
	HostnameField  string
	ProcessField   string
	FacilityField  string

	// OnDepthTruncated is called once per subtree whose nesting exceeds
	// MaxJSONFlattenDepth and is stored un-flattened rather than expanded
	// further (§4.4: truncated with a counter increment). Nil is a valid
	// no-op default.
	OnDepthTruncated func()
}

// DefaultJSONParser maps the conventional field names.
func DefaultJSONParser() *JSONParser {
	return &JSONParser{
		TimestampField: "timestamp",
		SeverityField:  "severity",
		MessageField:   "message",
		HostnameField:  "hostname",
		ProcessField:   "process",
		FacilityField:  "facility",
	}
}

func (p *JSONParser) Name() string { return "json" }

func (p *JSONParser) Parse(raw collector.RawLog) (LogEntry, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw.Payload, &doc); err != nil {
		return LogEntry{}, ErrNotApplicable
	}

	entry := NewLogEntry()
	flat := make(map[string]interface{})
	flattenInto(flat, "", doc, 1, p.OnDepthTruncated)

	if v, ok := flat[p.TimestampField]; ok {
		ts, err := parseFlexibleTimestamp(v)
		if err != nil {
			return LogEntry{}, fmt.Errorf("json: invalid timestamp field %q: %w", p.TimestampField, err)
		}
		entry.Timestamp = ts
		delete(flat, p.TimestampField)
	}
	if v, ok := flat[p.SeverityField]; ok {
		if s, ok := v.(string); ok {
			sev, err := ParseSeverity(s)
			if err != nil {
				return LogEntry{}, fmt.Errorf("json: %w", err)
			}
			entry.Severity = sev
		}
		delete(flat, p.SeverityField)
	}
	if v, ok := flat[p.MessageField]; ok {
		entry.Message = fmt.Sprint(v)
		delete(flat, p.MessageField)
	}
	if v, ok := flat[p.HostnameField]; ok {
		entry.Hostname = fmt.Sprint(v)
		delete(flat, p.HostnameField)
	}
	if v, ok := flat[p.ProcessField]; ok {
		entry.Process = fmt.Sprint(v)
		delete(flat, p.ProcessField)
	}
	if v, ok := flat[p.FacilityField]; ok {
		entry.Facility = fmt.Sprint(v)
		delete(flat, p.FacilityField)
	}

	for k, v := range flat {
		entry.SetField(k, fmt.Sprint(v))
	}
	return entry, nil
}

// flattenInto dot-flattens nested JSON objects up to MaxJSONFlattenDepth;
// a subtree reaching the cap is stored un-flattened at its own key rather
// than expanded further, and onTruncated (if non-nil) is called once per
// such subtree.
func flattenInto(out map[string]interface{}, prefix string, obj map[string]interface{}, depth int, onTruncated func()) {
	for k, val := range obj {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		nested, ok := val.(map[string]interface{})
		if !ok {
			out[key] = val
			continue
		}
		if depth >= MaxJSONFlattenDepth {
			if onTruncated != nil {
				onTruncated()
			}
			out[key] = nested
			continue
		}
		flattenInto(out, key, nested, depth+1, onTruncated)
	}
}

// parseFlexibleTimestamp accepts RFC3339 strings or epoch numbers,
// auto-ranging the numeric magnitude to seconds/milliseconds/
// microseconds/nanoseconds.
func parseFlexibleTimestamp(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err == nil {
			return ts, nil
		}
		if n, ferr := strconv.ParseFloat(t, 64); ferr == nil {
			return epochToTime(n), nil
		}
		return time.Time{}, err
	case float64:
		return epochToTime(t), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func epochToTime(n float64) time.Time {
	switch {
	case n >= 1e18:
		return time.Unix(0, int64(n))
	case n >= 1e15:
		return time.UnixMicro(int64(n))
	case n >= 1e12:
		return time.UnixMilli(int64(n))
	default:
		return time.Unix(int64(n), 0)
	}
}
