package monitor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/finshield-project/finshield/internal/core"
	"github.com/finshield-project/finshield/internal/store"
)

func newMonitor(t *testing.T) (*Monitor, *core.Engine) {
	t.Helper()
	cfg := core.DefaultConfig()
	s := store.NewMemory(0)
	engine, err := core.NewEngine(cfg, s, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return New(s, cfg.Admission.Monitor, engine, zerolog.Nop()), engine
}

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func sample(route string, status int, latency time.Duration, identity string, at time.Time) core.PerformanceSample {
	return core.PerformanceSample{Route: route, Identity: identity, Status: status, Latency: latency, At: at}
}

func alertTypes(alerts []*core.Alert) map[string]core.Severity {
	out := make(map[string]core.Severity)
	for _, a := range alerts {
		out[a.Type] = a.Severity
	}
	return out
}

// ─── Record ─────────────────────────────────────────────────────────────────

func TestRecord_CountsRequests(t *testing.T) {
	m, engine := newMonitor(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := m.Record(ctx, sample("/api/v1/budget", 201, 20*time.Millisecond, "u1", base)); err != nil {
			t.Fatal(err)
		}
	}
	stats, _ := m.Stats(ctx)
	if len(stats) != 1 || stats[0].RequestCount != 5 || stats[0].ErrorCount != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats[0].ConcurrentIdentities != 1 {
		t.Errorf("identities = %d, want 1", stats[0].ConcurrentIdentities)
	}
	if engine.Alerts.Count() != 0 {
		t.Errorf("alerts = %d, want 0", engine.Alerts.Count())
	}
}

func TestRecord_ErrorRateNeedsMinimumRequests(t *testing.T) {
	m, engine := newMonitor(t)
	ctx := context.Background()
	for i := 0; i < 9; i++ {
		m.Record(ctx, sample("/api/v1/sync", 500, time.Millisecond, "u", base))
	}
	if engine.Alerts.Count() != 0 {
		t.Fatalf("alert raised below min_requests")
	}
	anomalies, _ := m.Record(ctx, sample("/api/v1/sync", 500, time.Millisecond, "u", base))
	if len(anomalies) != 1 || anomalies[0].Type != core.AlertErrorRate || anomalies[0].Severity != core.SeverityHigh {
		t.Fatalf("anomalies = %+v, want one high error-rate", anomalies)
	}
}

func TestRecord_DedupWithinCooldown(t *testing.T) {
	m, engine := newMonitor(t)
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		m.Record(ctx, sample("/api/v1/slow", 200, 3*time.Second, "u", base.Add(time.Duration(i)*time.Second)))
	}
	alerts := engine.Alerts.GetAlerts(core.SeverityInfo, 100)
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1 after dedup", len(alerts))
	}
	if alerts[0].Type != core.AlertLatency || alerts[0].Severity != core.SeverityMedium {
		t.Errorf("alert = %s/%s, want medium latency", alerts[0].Type, alerts[0].Severity)
	}
	if alerts[0].Route != "/api/v1/slow" {
		t.Errorf("route = %q", alerts[0].Route)
	}
}

func TestRecord_DistinctIdentities(t *testing.T) {
	m, engine := newMonitor(t)
	ctx := context.Background()
	for i := 0; i <= 100; i++ {
		m.Record(ctx, sample("/api/v1/public", 200, time.Millisecond, fmt.Sprintf("u%d", i), base))
	}
	got := alertTypes(engine.Alerts.GetAlerts(core.SeverityInfo, 10))
	if sev, ok := got[core.AlertDistinctIdentities]; !ok || sev != core.SeverityMedium {
		t.Errorf("alerts = %v, want medium high_concurrency", got)
	}
}

// ─── Evaluate ───────────────────────────────────────────────────────────────

func TestEvaluate_Thresholds(t *testing.T) {
	m, _ := newMonitor(t)
	tests := []struct {
		name  string
		stats core.EndpointStats
		want  map[string]core.Severity
	}{
		{"quiet", core.EndpointStats{Route: "/a", RequestCount: 50, ErrorCount: 5, TotalLatency: 50 * time.Second}, map[string]core.Severity{}},
		{"error medium", core.EndpointStats{Route: "/a", RequestCount: 50, ErrorCount: 6}, map[string]core.Severity{core.AlertErrorRate: core.SeverityMedium}},
		{"latency high", core.EndpointStats{Route: "/a", RequestCount: 10, TotalLatency: 40 * time.Second}, map[string]core.Severity{core.AlertLatency: core.SeverityHigh}},
		{"volume high", core.EndpointStats{Route: "/a", RequestCount: 2500}, map[string]core.Severity{core.AlertVolume: core.SeverityHigh}},
		{"identities high", core.EndpointStats{Route: "/a", RequestCount: 300, ConcurrentIdentities: 250}, map[string]core.Severity{core.AlertDistinctIdentities: core.SeverityHigh}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := make(map[string]core.Severity)
			for _, a := range m.Evaluate(tc.stats) {
				got[a.Type] = a.Severity
			}
			if len(got) != len(tc.want) {
				t.Fatalf("anomalies = %v, want %v", got, tc.want)
			}
			for typ, sev := range tc.want {
				if got[typ] != sev {
					t.Errorf("%s = %s, want %s", typ, got[typ], sev)
				}
			}
		})
	}
}

func TestRecord_WindowResets(t *testing.T) {
	m, _ := newMonitor(t)
	ctx := context.Background()
	m.Record(ctx, sample("/r", 200, time.Millisecond, "u", base))
	m.Record(ctx, sample("/r", 200, time.Millisecond, "u", base.Add(2*time.Hour)))
	stats, _ := m.Stats(ctx)
	if stats[0].RequestCount != 1 {
		t.Errorf("request_count = %d, want 1 after window rollover", stats[0].RequestCount)
	}
}

func TestNormalizeRoute(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/api/v1/accounts/17", "/api/v1/accounts/{id}"},
		{"/api/v1/goals/3f2b8c1e-7d4a-4e8b-9c21-0a1b2c3d4e5f/history", "/api/v1/goals/{id}/history"},
		{"/api/v1/v2report", "/api/v1/v2report"},
		{"/", "/"},
	}
	for _, tc := range tests {
		if got := NormalizeRoute(tc.in); got != tc.want {
			t.Errorf("NormalizeRoute(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRecord_RoutesShareStatsByShape(t *testing.T) {
	m, _ := newMonitor(t)
	ctx := context.Background()
	m.Record(ctx, sample("/api/v1/accounts/1", 200, time.Millisecond, "a", base))
	m.Record(ctx, sample("/api/v1/accounts/2", 200, time.Millisecond, "b", base))
	stats, _ := m.Stats(ctx)
	if len(stats) != 1 || stats[0].Route != "/api/v1/accounts/{id}" || stats[0].RequestCount != 2 {
		t.Errorf("stats = %+v", stats)
	}
}
