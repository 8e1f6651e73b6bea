package redact

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/finshield-project/finshield/internal/core"
)

func newFilter() *Filter {
	return New(core.DefaultAdmissionConfig().Redaction.Fields)
}

func decode(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("filtered body is not JSON: %v (%s)", err, body)
	}
	return out
}

// ─── JSON ───────────────────────────────────────────────────────────────────

func TestFilter_JSONSensitiveKeys(t *testing.T) {
	body := []byte(`{
		"user": {"name": "Ada", "Password": "hunter2", "ssn": "123-45-6789"},
		"accounts": [{"account_number": "000123456789", "balance": 1200.5}],
		"plaid_access_token": "access-sandbox-abc",
		"id": 42
	}`)
	out := decode(t, newFilter().Filter("application/json; charset=utf-8", body))

	user := out["user"].(map[string]any)
	if user["Password"] != Placeholder || user["ssn"] != Placeholder {
		t.Errorf("user = %v", user)
	}
	if user["name"] != "Ada" {
		t.Errorf("name = %v, want Ada", user["name"])
	}
	acct := out["accounts"].([]any)[0].(map[string]any)
	if acct["account_number"] != Placeholder {
		t.Errorf("account_number = %v", acct["account_number"])
	}
	if acct["balance"] != 1200.5 {
		t.Errorf("balance = %v, want 1200.5", acct["balance"])
	}
	if out["plaid_access_token"] != Placeholder {
		t.Errorf("plaid_access_token = %v", out["plaid_access_token"])
	}
	if out["id"] != float64(42) {
		t.Errorf("id = %v", out["id"])
	}
}

func TestFilter_JSONFreeTextMasked(t *testing.T) {
	body := []byte(`{"note": "card 4111 1111 1111 1111, ssn 078-05-1120", "raw": 4111111111111111, "ts": 1760000000001}`)
	out := decode(t, newFilter().Filter("application/json", body))

	note := out["note"].(string)
	if strings.Contains(note, "4111 1111") || strings.Contains(note, "078-05-1120") {
		t.Errorf("note = %q", note)
	}
	if !strings.Contains(note, "************1111") {
		t.Errorf("note = %q, want last four kept", note)
	}
	if out["raw"] != Placeholder {
		t.Errorf("raw = %v, want redacted", out["raw"])
	}
	if out["ts"] != float64(1760000000001) {
		t.Errorf("ts = %v, a non-Luhn number should pass", out["ts"])
	}
}

func TestFilter_Idempotent(t *testing.T) {
	f := newFilter()
	body := []byte(`{"password":"x","note":"4111111111111111"}`)
	once := f.Filter("application/json", body)
	twice := f.Filter("application/json", once)
	if string(once) != string(twice) {
		t.Errorf("Filter not idempotent:\n%s\n%s", once, twice)
	}
}

// ─── Text and binary ────────────────────────────────────────────────────────

func TestFilter_TextBody(t *testing.T) {
	got := string(newFilter().Filter("text/plain", []byte("SSN: 123-45-6789 Card: 5500-0000-0000-0004 Order: 1234567")))
	if strings.Contains(got, "123-45-6789") || strings.Contains(got, "5500-0000") {
		t.Errorf("got %q", got)
	}
	if !strings.Contains(got, "Order: 1234567") {
		t.Errorf("short number altered: %q", got)
	}
}

func TestFilter_BinaryPassthrough(t *testing.T) {
	body := []byte("4111111111111111")
	if got := newFilter().Filter("application/octet-stream", body); string(got) != string(body) {
		t.Errorf("binary body altered: %q", got)
	}
}

func TestFilter_MalformedJSONStillMasked(t *testing.T) {
	got := string(newFilter().Filter("application/json", []byte(`{"ssn": "123-45-6789"`)))
	if strings.Contains(got, "123-45-6789") {
		t.Errorf("got %q", got)
	}
}

func TestFilter_JSONStreamEveryValueRedacted(t *testing.T) {
	body := []byte("{\"id\":1,\"password\":\"hunter2\"}\n{\"id\":2,\"token\":\"tok_live_abc\"}\n")
	got := string(newFilter().Filter("application/x-ndjson+json", body))
	if strings.Contains(got, "hunter2") || strings.Contains(got, "tok_live_abc") {
		t.Fatalf("stream value leaked: %q", got)
	}
	lines := strings.Split(strings.TrimSuffix(got, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2: %q", len(lines), got)
	}
	if second := decode(t, []byte(lines[1])); second["token"] != Placeholder {
		t.Errorf("second value = %v", second)
	}
}

func TestFilter_JSONKeepsMarkupCharacters(t *testing.T) {
	body := []byte(`{"memo":"<rent & utilities>"}`)
	got := string(newFilter().Filter("application/json", body))
	if got != `{"memo":"<rent & utilities>"}` {
		t.Errorf("got %q, want markup characters unescaped", got)
	}
}
