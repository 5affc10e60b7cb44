package parse

import (
	"testing"
	"time"
)

func TestJSONParserMapsKnownFieldsAndFlattensRest(t *testing.T) {
	p := DefaultJSONParser()
	payload := `{"timestamp":"2023-10-11T22:14:15Z","severity":"high","message":"denied","hostname":"h1","user":{"name":"alice","uid":1000}}`
	entry, err := p.Parse(rawLog(t, "app_json", payload))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if entry.Message != "denied" || entry.Hostname != "h1" || entry.Severity != High {
		t.Fatalf("unexpected mapped fields: %+v", entry)
	}
	if v, ok := entry.Field("user.name"); !ok || v != "alice" {
		t.Errorf("user.name = %q, ok=%v", v, ok)
	}
	if v, ok := entry.Field("user.uid"); !ok || v != "1000" {
		t.Errorf("user.uid = %q, ok=%v", v, ok)
	}
	wantTS, _ := time.Parse(time.RFC3339, "2023-10-11T22:14:15Z")
	if !entry.Timestamp.Equal(wantTS) {
		t.Errorf("timestamp = %v, want %v", entry.Timestamp, wantTS)
	}
}

func TestJSONParserEpochTimestampAutoRanging(t *testing.T) {
	p := DefaultJSONParser()
	cases := map[string]int64{
		`{"timestamp":1700000000,"message":"s"}`:    1700000000,
		`{"timestamp":1700000000000,"message":"m"}`: 1700000000,
	}
	for payload, wantSec := range cases {
		entry, err := p.Parse(rawLog(t, "app_json", payload))
		if err != nil {
			t.Fatalf("Parse(%s): %v", payload, err)
		}
		if entry.Timestamp.Unix() != wantSec {
			t.Errorf("payload %s: got unix %d, want %d", payload, entry.Timestamp.Unix(), wantSec)
		}
	}
}

func TestJSONParserRejectsNonJSONPayload(t *testing.T) {
	p := DefaultJSONParser()
	_, err := p.Parse(rawLog(t, "app_json", "<14>1 - - - - - - plain syslog"))
	if err != ErrNotApplicable {
		t.Fatalf("expected ErrNotApplicable, got %v", err)
	}
}

func TestFlattenRespectsMaxDepth(t *testing.T) {
	out := make(map[string]interface{})
	nested := map[string]interface{}{"leaf": "v"}
	truncated := 0
	flattenInto(out, "", map[string]interface{}{"a": nested}, MaxJSONFlattenDepth, func() { truncated++ })
	if _, ok := out["a"]; !ok {
		t.Error("expected deepest-allowed nesting to stop flattening and keep the raw value")
	}
	if truncated != 1 {
		t.Errorf("truncated = %d, want 1", truncated)
	}
}
