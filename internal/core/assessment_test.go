package core

import (
	"encoding/json"
	"strings"
	"testing"
)

// ─── ThreatAssessment ───────────────────────────────────────────────────────

func TestThreatAssessment_Defaults(t *testing.T) {
	a := NewThreatAssessment()
	if a.SecurityScore() != 100 || a.AbuseScore() != 0 || a.Level() != ThreatLow {
		t.Errorf("new assessment = %d/%d/%s", a.SecurityScore(), a.AbuseScore(), a.Level())
	}
}

func TestThreatAssessment_Immutable(t *testing.T) {
	a := NewThreatAssessment()
	b := a.WithSignal(Signal{Pattern: "rate_limited", Weight: 15, Penalty: 15, RateLimited: true})
	if a.SecurityScore() != 100 || a.RateLimited() || len(a.Patterns()) != 0 {
		t.Error("WithSignal modified the receiver")
	}
	if b.SecurityScore() != 85 || !b.RateLimited() {
		t.Errorf("b = %d, rate_limited=%v", b.SecurityScore(), b.RateLimited())
	}
	c := b.WithSignal(Signal{Pattern: "other"})
	if len(b.Patterns()) != 1 || len(c.Patterns()) != 2 {
		t.Error("pattern slices must not be shared between copies")
	}
}

func TestThreatAssessment_SecurityScoreMonotonicAndClamped(t *testing.T) {
	signals := []Signal{
		{Pattern: "sql", Penalty: 40, Weight: 50, Injection: true},
		{Pattern: "signature", Penalty: 25, Weight: 25},
		{Pattern: "rate_limited", Penalty: 15, Weight: 15},
		{Pattern: "suspicious", Penalty: 20, Weight: 20},
		{Pattern: "bogus", Penalty: -50, Weight: -50},
		{Pattern: "header", Penalty: 10, Weight: 10},
	}
	a := NewThreatAssessment()
	prev := a.SecurityScore()
	for _, s := range signals {
		a = a.WithSignal(s)
		if a.SecurityScore() > prev {
			t.Fatalf("security score rose from %d to %d after %s", prev, a.SecurityScore(), s.Pattern)
		}
		if a.SecurityScore() < 0 || a.SecurityScore() > 100 || a.AbuseScore() < 0 || a.AbuseScore() > 100 {
			t.Fatalf("scores out of range: %d/%d", a.SecurityScore(), a.AbuseScore())
		}
		prev = a.SecurityScore()
	}
	if a.SecurityScore() != 0 {
		t.Errorf("final security score = %d, want 0", a.SecurityScore())
	}
	if a.AbuseScore() != 100 {
		t.Errorf("final abuse score = %d, want clamped 100", a.AbuseScore())
	}
}

func TestThreatAssessment_PatternsDistinct(t *testing.T) {
	a := NewThreatAssessment().WithSignals(
		Signal{Pattern: "missing_user_agent"},
		Signal{Pattern: "missing_user_agent"},
		Signal{Pattern: "scanner_user_agent"},
	)
	if got := a.Patterns(); len(got) != 2 || got[0] != "missing_user_agent" {
		t.Errorf("Patterns() = %v", got)
	}
}

func TestThreatAssessment_Classified(t *testing.T) {
	th := Thresholds{Critical: 80, High: 60, Medium: 40}
	cases := []struct {
		weight int
		want   ThreatLevel
	}{
		{0, ThreatLow}, {39, ThreatLow}, {40, ThreatMedium}, {60, ThreatHigh}, {79, ThreatHigh}, {80, ThreatCritical},
	}
	for _, tc := range cases {
		a := NewThreatAssessment().WithSignal(Signal{Weight: tc.weight}).Classified(th)
		if a.Level() != tc.want {
			t.Errorf("weight %d → %s, want %s", tc.weight, a.Level(), tc.want)
		}
	}
}

func TestThreatAssessment_FloorSurvivesClassification(t *testing.T) {
	th := Thresholds{Critical: 80, High: 60, Medium: 40}
	a := NewThreatAssessment().WithSignal(Signal{Pattern: "sql", Weight: 50, Penalty: 40, Injection: true, Floor: ThreatHigh})
	if a.Classified(th).Level() != ThreatHigh {
		t.Errorf("injection floor lost: %s", a.Classified(th).Level())
	}
	if got := NewThreatAssessment().Critical("blocked").Level(); got != ThreatCritical {
		t.Errorf("Critical() level = %s", got)
	}
}

func TestThreatAssessment_JSON(t *testing.T) {
	a := NewThreatAssessment().WithSignal(Signal{Pattern: "sql", Weight: 50, Penalty: 40, Injection: true, Floor: ThreatHigh})
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"security_score":60`, `"threat_level":"high"`, `"injection_detected":true`, `"detected_patterns":["sql"]`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("JSON missing %s: %s", want, data)
		}
	}
}

// ─── Severity / ThreatLevel ─────────────────────────────────────────────────

func TestSeverity_JSON_RoundTrip(t *testing.T) {
	for _, sev := range []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		data, err := json.Marshal(sev)
		if err != nil {
			t.Fatal(err)
		}
		var out Severity
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatal(err)
		}
		if out != sev {
			t.Errorf("round-trip Severity: got %v, want %v", out, sev)
		}
	}
}

func TestThreatLevel_SeverityMapping(t *testing.T) {
	if ThreatCritical.Severity() != SeverityCritical || ThreatLow.Severity() != SeverityLow {
		t.Error("unexpected threat level to severity mapping")
	}
	if !(ThreatLow < ThreatMedium && ThreatMedium < ThreatHigh && ThreatHigh < ThreatCritical) {
		t.Error("threat levels must be ordered")
	}
}
