package parse

import "testing"

func TestRouterTriesInOrderUntilOneAccepts(t *testing.T) {
	r := NewRouter(&SyslogParser{}, DefaultJSONParser())

	entry, err := r.Parse(rawLog(t, "app_json", `{"message":"hello"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if entry.Source != "app_json" {
		t.Errorf("source = %q", entry.Source)
	}
	if entry.Message != "hello" {
		t.Errorf("message = %q", entry.Message)
	}
}

func TestRouterForcedParserBypassesOrdering(t *testing.T) {
	r := NewRouter(DefaultJSONParser(), &SyslogParser{})
	if err := r.ForceForSource("syslog_", "syslog"); err != nil {
		t.Fatalf("ForceForSource: %v", err)
	}
	_, err := r.Parse(rawLog(t, "syslog_tcp", "<14>1 - - - - - - forced"))
	if err != nil {
		t.Fatalf("expected forced syslog parser to handle payload: %v", err)
	}
}

func TestRouterForceForSourceRejectsUnknownParser(t *testing.T) {
	r := NewRouter(&SyslogParser{})
	if err := r.ForceForSource("x", "nonexistent"); err == nil {
		t.Error("expected error for unknown parser name")
	}
}

func TestRouterNoParserAcceptsReturnsError(t *testing.T) {
	r := NewRouter(&SyslogParser{})
	_, err := r.Parse(rawLog(t, "app_json", `{"message":"hello"}`))
	if err == nil {
		t.Error("expected error when no parser accepts the payload")
	}
}

func TestRouterSurfacesGenuineParseErrorWithoutFallthrough(t *testing.T) {
	// PRI 192 is syslog-shaped but invalid; the syslog parser claims it
	// (doesn't return ErrNotApplicable), so the router must not fall
	// through to the JSON parser even though JSON would also reject it.
	r := NewRouter(&SyslogParser{}, DefaultJSONParser())
	_, err := r.Parse(rawLog(t, "syslog_udp", "<192>1 2023-10-11T22:14:15Z host app - - - msg"))
	if err == nil {
		t.Error("expected genuine parse error to propagate, not fall through")
	}
}
