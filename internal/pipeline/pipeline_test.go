package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/finshield-project/finshield/internal/core"
	"github.com/finshield-project/finshield/internal/modules/signature"
	"github.com/finshield-project/finshield/internal/store"
)

var noon = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine   *core.Engine
	pipeline *Pipeline
	handler  http.Handler
	calls    int
}

func newFixture(t *testing.T, mutate func(*core.Config), next http.HandlerFunc) *fixture {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Alerts.EnableConsole = false
	if mutate != nil {
		mutate(cfg)
	}
	engine, err := core.NewEngine(cfg, store.NewMemory(0), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	p, err := New(engine, WithClock(func() time.Time { return noon }), WithLocation(time.UTC))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f := &fixture{engine: engine, pipeline: p}
	if next == nil {
		next = func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"ok":true}`)
		}
	}
	f.handler = p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls++
		next(w, r)
	}))
	return f
}

func (f *fixture) do(method, path, contentType, body string, headers map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	r.RemoteAddr = "203.0.113.7:41000"
	r.Header.Set("User-Agent", "finshield-test/1.0")
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body
}

// ─── Admission ──────────────────────────────────────────────────────────────

func TestCleanRequestsAdmittedAndCounted(t *testing.T) {
	f := newFixture(t, nil, nil)

	for i := 0; i < 5; i++ {
		w := f.do(http.MethodPost, "/api/v1/transactions", "application/json", `{"amount":12.5,"memo":"groceries"}`, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200: %s", i+1, w.Code, w.Body.String())
		}
	}
	if f.calls != 5 {
		t.Errorf("handler calls = %d, want 5", f.calls)
	}

	stats, err := f.pipeline.Monitor().Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("stats = %d routes, want 1", len(stats))
	}
	if stats[0].RequestCount != 5 {
		t.Errorf("request_count = %d, want 5", stats[0].RequestCount)
	}
	if stats[0].ErrorCount != 0 {
		t.Errorf("error_count = %d, want 0", stats[0].ErrorCount)
	}
	if f.engine.Access.Len() != 5 {
		t.Errorf("access records = %d, want 5", f.engine.Access.Len())
	}
}

func TestAdmittedResponseHeaders(t *testing.T) {
	f := newFixture(t, nil, nil)
	w := f.do(http.MethodGet, "/api/v1/profile", "", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	h := w.Header()
	if h.Get("X-Request-Id") == "" {
		t.Error("missing X-Request-Id")
	}
	if !strings.HasSuffix(h.Get("X-Response-Time"), "ms") {
		t.Errorf("X-Response-Time = %q, want ms suffix", h.Get("X-Response-Time"))
	}
	if h.Get("X-Security-Score") != "100" {
		t.Errorf("X-Security-Score = %q, want 100", h.Get("X-Security-Score"))
	}
	if h.Get("X-Threat-Level") != "low" {
		t.Errorf("X-Threat-Level = %q, want low", h.Get("X-Threat-Level"))
	}
	for name, want := range hardeningHeaders {
		if h.Get(name) != want {
			t.Errorf("%s = %q, want %q", name, h.Get(name), want)
		}
	}
	if h.Get("X-API-Version") != "v1" {
		t.Errorf("X-API-Version = %q, want v1", h.Get("X-API-Version"))
	}
	if h.Get("X-RateLimit-Limit") != "100" {
		t.Errorf("X-RateLimit-Limit = %q, want 100", h.Get("X-RateLimit-Limit"))
	}
	if h.Get("Content-Length") != strconv.Itoa(w.Body.Len()) {
		t.Errorf("Content-Length = %q, body is %d bytes", h.Get("Content-Length"), w.Body.Len())
	}
}

func TestUpstreamSeesRequestID(t *testing.T) {
	var seen string
	f := newFixture(t, nil, func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("X-Request-Id")
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	})

	w := f.do(http.MethodPost, "/api/v1/notes", "application/json", `{"text":"hello"}`, nil)
	if seen == "" || seen != w.Header().Get("X-Request-Id") {
		t.Errorf("upstream request id = %q, response = %q", seen, w.Header().Get("X-Request-Id"))
	}
	if w.Body.String() != `{"text":"hello"}` {
		t.Errorf("upstream body = %q, want original body", w.Body.String())
	}
}

// ─── Denials ────────────────────────────────────────────────────────────────

func TestAuthRateLimit(t *testing.T) {
	f := newFixture(t, nil, nil)

	for i := 0; i < 5; i++ {
		w := f.do(http.MethodPost, "/api/v1/auth/login", "application/json", `{"email":"a@b.co"}`, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, w.Code)
		}
	}

	w := f.do(http.MethodPost, "/api/v1/auth/login", "application/json", `{"email":"a@b.co"}`, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("6th status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
	body := decodeError(t, w)
	if body.Error != "rate_limited" {
		t.Errorf("error = %q, want rate_limited", body.Error)
	}
	if body.RequestID != w.Header().Get("X-Request-Id") {
		t.Errorf("request_id = %q, header = %q", body.RequestID, w.Header().Get("X-Request-Id"))
	}
	if f.calls != 5 {
		t.Errorf("handler calls = %d, want 5", f.calls)
	}
}

func TestInjectionDenied(t *testing.T) {
	f := newFixture(t, nil, nil)

	w := f.do(http.MethodPost, "/api/v1/notes", "application/json", `{"q": "1; DROP TABLE users;--"}`, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if lvl := w.Header().Get("X-Threat-Level"); lvl != "high" && lvl != "critical" {
		t.Errorf("X-Threat-Level = %q, want high or critical", lvl)
	}
	if f.calls != 0 {
		t.Error("handler must not run for a denied request")
	}
	body := decodeError(t, w)
	if body.Error != "forbidden" {
		t.Errorf("error = %q, want forbidden", body.Error)
	}

	recs := f.engine.Access.Recent(1)
	if len(recs) != 1 {
		t.Fatalf("access records = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Security.Admitted || rec.Security.DeniedBy != "injection" {
		t.Errorf("record admitted=%v denied_by=%q, want denied by injection", rec.Security.Admitted, rec.Security.DeniedBy)
	}
	if !rec.Security.Assessment.InjectionDetected() {
		t.Error("assessment should report injection")
	}
}

func TestStructuralDenial(t *testing.T) {
	f := newFixture(t, nil, nil)

	w := f.do(http.MethodPost, "/api/v1/notes", "application/json", `{"note":`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if body := decodeError(t, w); body.Error != "bad_request" {
		t.Errorf("error = %q, want bad_request", body.Error)
	}

	w = f.do(http.MethodPost, "/api/v1/notes", "application/xml", `<a/>`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unaccepted content type: status = %d, want 400", w.Code)
	}
}

func TestSignatureReplayWindow(t *testing.T) {
	secret := "s3cret-signing-key"
	f := newFixture(t, func(cfg *core.Config) {
		cfg.Admission.Signature.Secret = secret
		cfg.Admission.Signature.Mandatory = true
	}, nil)

	body := `{"amount":10}`
	signed := func(ts time.Time) map[string]string {
		return map[string]string{
			signature.HeaderTimestamp: strconv.FormatInt(ts.Unix(), 10),
			signature.HeaderSignature: signature.Sign([]byte(secret), http.MethodPost, "/api/v1/transfers", ts.Unix(), []byte(body)),
		}
	}

	w := f.do(http.MethodPost, "/api/v1/transfers", "application/json", body, signed(noon.Add(-300*time.Second)))
	if w.Code != http.StatusOK {
		t.Errorf("signed at the window edge: status = %d, want 200: %s", w.Code, w.Body.String())
	}

	w = f.do(http.MethodPost, "/api/v1/transfers", "application/json", body, signed(noon.Add(-301*time.Second)))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("replayed: status = %d, want 401", w.Code)
	}

	w = f.do(http.MethodPost, "/api/v1/transfers", "application/json", body, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unsigned: status = %d, want 401", w.Code)
	}
}

func TestBlockedAddressDenied(t *testing.T) {
	f := newFixture(t, nil, nil)

	err := f.pipeline.Abuse().Block(context.Background(), core.BlockEntry{
		Key:       core.BlockKeyAddress("203.0.113.7"),
		Address:   "203.0.113.7",
		Reason:    "manual",
		CreatedAt: noon,
		ExpiresAt: noon.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Block: %v", err)
	}

	w := f.do(http.MethodGet, "/api/v1/profile", "", "", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if got := w.Header().Get("X-Threat-Level"); got != "critical" {
		t.Errorf("X-Threat-Level = %q, want critical", got)
	}
	if got := w.Header().Get("X-Security-Score"); got != "0" {
		t.Errorf("X-Security-Score = %q, want 0", got)
	}
	if f.calls != 0 {
		t.Error("handler must not run for a blocked address")
	}
}

func TestCriticalThreatBlocksFollowUps(t *testing.T) {
	f := newFixture(t, nil, nil)

	// Injection plus a scanner agent and a forged forwarded-for header.
	w := f.do(http.MethodPost, "/api/v1/notes", "application/json", `{"q":"1 UNION SELECT password FROM users"}`, map[string]string{
		"User-Agent":      "sqlmap/1.7",
		"X-Forwarded-For": "not-an-address",
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}

	blocks, err := f.pipeline.Abuse().Blocks(context.Background())
	if err != nil {
		t.Fatalf("Blocks: %v", err)
	}
	if len(blocks) == 0 {
		t.Fatal("expected the address to be blocked")
	}

	w = f.do(http.MethodGet, "/api/v1/profile", "", "", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("follow-up status = %d, want 403", w.Code)
	}
}

// ─── Failure isolation ──────────────────────────────────────────────────────

type panicStage struct{}

func (panicStage) Name() string { return "exploding" }
func (panicStage) Evaluate(context.Context, *core.Request) core.Outcome {
	panic("boom")
}

func TestStagePanicFailsClosed(t *testing.T) {
	f := newFixture(t, nil, nil)
	ch := *f.pipeline.chain.Load()
	ch.stages = append([]core.Stage{panicStage{}}, ch.stages...)
	f.pipeline.chain.Store(&ch)

	w := f.do(http.MethodGet, "/api/v1/profile", "", "", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if f.calls != 0 {
		t.Error("handler must not run after a stage panic")
	}
	body := decodeError(t, w)
	if body.Error != "internal_error" || body.Message != "internal error" {
		t.Errorf("body = %+v, want generic internal error", body)
	}
}

func TestHandlerPanicRecovered(t *testing.T) {
	f := newFixture(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("partial"))
		panic("handler bug")
	})

	w := f.do(http.MethodGet, "/api/v1/profile", "", "", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "partial") {
		t.Error("buffered handler output leaked into the error response")
	}
	body := decodeError(t, w)
	if body.RequestID == "" || body.RequestID != w.Header().Get("X-Request-Id") {
		t.Errorf("request_id = %q, header = %q", body.RequestID, w.Header().Get("X-Request-Id"))
	}
}

type brokenBlockStore struct{ *store.Memory }

func (brokenBlockStore) Blocked(context.Context, string, time.Time) (*core.BlockEntry, error) {
	panic("bug in block lookup")
}

func TestPanicOutsideStagesFailsClosed(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Alerts.EnableConsole = false
	engine, err := core.NewEngine(cfg, brokenBlockStore{store.NewMemory(0)}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	p, err := New(engine, WithClock(func() time.Time { return noon }), WithLocation(time.UTC))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	calls := 0
	handler := p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	r.RemoteAddr = "203.0.113.7:41000"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if calls != 0 {
		t.Error("handler must not run after a pipeline panic")
	}
	body := decodeError(t, w)
	if body.Error != "internal_error" || body.Message != "internal error" {
		t.Errorf("body = %+v, want generic internal error", body)
	}
	if body.RequestID == "" || body.RequestID != w.Header().Get("X-Request-Id") {
		t.Errorf("request_id = %q, header = %q", body.RequestID, w.Header().Get("X-Request-Id"))
	}
}

func TestAbortHandlerPropagates(t *testing.T) {
	f := newFixture(t, nil, func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	})
	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("recovered %v, want http.ErrAbortHandler", rec)
		}
	}()
	f.do(http.MethodGet, "/api/v1/profile", "", "", nil)
	t.Error("ErrAbortHandler was swallowed")
}

// ─── Response filtering ─────────────────────────────────────────────────────

func TestResponseRedacted(t *testing.T) {
	f := newFixture(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", "999")
		io.WriteString(w, `{"name":"Ada","password":"hunter2","note":"card 4111 1111 1111 1111"}`)
	})

	w := f.do(http.MethodGet, "/api/v1/profile", "", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if got["password"] != "[REDACTED]" {
		t.Errorf("password = %q, want redacted", got["password"])
	}
	if strings.Contains(got["note"], "4111 1111 1111 1111") {
		t.Errorf("note = %q, card number not masked", got["note"])
	}
	if got["name"] != "Ada" {
		t.Errorf("name = %q, want Ada", got["name"])
	}
	if w.Header().Get("Content-Length") != strconv.Itoa(w.Body.Len()) {
		t.Errorf("Content-Length = %q, body is %d bytes", w.Header().Get("Content-Length"), w.Body.Len())
	}
}

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := io.WriteString(zw, s); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestCompressedResponseRedacted(t *testing.T) {
	f := newFixture(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(gzipped(t, `{"password":"hunter2","ssn":"123-45-6789"}`))
	})

	w := f.do(http.MethodGet, "/api/v1/profile", "", "", map[string]string{"Accept-Encoding": "gzip"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if enc := w.Header().Get("Content-Encoding"); enc != "" {
		t.Errorf("Content-Encoding = %q, want none", enc)
	}
	var got map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("response is not plain JSON: %v", err)
	}
	if got["password"] != "[REDACTED]" || got["ssn"] != "[REDACTED]" {
		t.Errorf("body = %v, want both fields redacted", got)
	}
	if w.Header().Get("Content-Length") != strconv.Itoa(w.Body.Len()) {
		t.Errorf("Content-Length = %q, body is %d bytes", w.Header().Get("Content-Length"), w.Body.Len())
	}
}

func TestUnknownResponseEncodingFailsClosed(t *testing.T) {
	f := newFixture(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Encoding", "br")
		io.WriteString(w, `{"password":"hunter2"}`)
	})

	w := f.do(http.MethodGet, "/api/v1/profile", "", "", nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if strings.Contains(w.Body.String(), "hunter2") {
		t.Error("undecodable body reached the client")
	}
	if w.Header().Get("Content-Encoding") != "" {
		t.Error("error response must not carry the handler's Content-Encoding")
	}
}

// ─── Reload ─────────────────────────────────────────────────────────────────

func TestReloadSwapsChain(t *testing.T) {
	f := newFixture(t, nil, nil)

	cfg := core.DefaultAdmissionConfig()
	cfg.RateLimits[core.ClassGeneral] = core.ClassLimit{MaxRequests: 1, Window: time.Hour, Burst: 1}
	if err := f.pipeline.Reload(cfg); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if w := f.do(http.MethodGet, "/api/v1/profile", "", "", nil); w.Code != http.StatusOK {
		t.Fatalf("first status = %d, want 200", w.Code)
	}
	if w := f.do(http.MethodGet, "/api/v1/profile", "", "", nil); w.Code != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", w.Code)
	}
}

func TestReloadRejectsBadConfig(t *testing.T) {
	f := newFixture(t, nil, nil)
	before := f.pipeline.chain.Load()

	cfg := core.DefaultAdmissionConfig()
	cfg.Validation.DenyList = []string{"not-an-address"}
	if err := f.pipeline.Reload(cfg); err == nil {
		t.Fatal("expected an error for a malformed deny list")
	}
	if f.pipeline.chain.Load() != before {
		t.Error("a rejected config must keep the running chain")
	}
	if got := f.pipeline.Registry().Names(); len(got) != 7 || got[0] != "validator" {
		t.Errorf("stage names = %v", got)
	}
}
