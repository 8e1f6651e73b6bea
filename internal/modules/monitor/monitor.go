package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/finshield-project/finshield/internal/core"
)

// Monitor folds completed requests into per-route statistics and raises an
// alert for every threshold the route crosses.
type Monitor struct {
	store  core.AdmissionStore
	cfg    core.MonitorConfig
	alerts core.AlertSink
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a Monitor. alerts may be nil.
func New(store core.AdmissionStore, cfg core.MonitorConfig, alerts core.AlertSink, logger zerolog.Logger) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	return &Monitor{
		store:  store,
		cfg:    cfg,
		alerts: alerts,
		logger: logger.With().Str("component", "monitor").Logger(),
		now:    time.Now,
	}
}

// WithClock replaces the time source for samples without a timestamp.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Anomaly is one crossed threshold.
type Anomaly struct {
	Type      string
	Severity  core.Severity
	Value     float64
	Threshold float64
	Title     string
}

// Record updates the route's stats and returns the anomalies they show.
// Each anomaly is also raised as an alert; repeats within the cooldown are
// suppressed by the sink.
func (m *Monitor) Record(ctx context.Context, sample core.PerformanceSample) ([]Anomaly, error) {
	if sample.At.IsZero() {
		sample.At = m.now()
	}
	sample.Route = NormalizeRoute(sample.Route)
	stats, err := m.store.RecordEndpoint(ctx, sample, m.cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("recording endpoint %s: %w", sample.Route, err)
	}

	anomalies := m.Evaluate(stats)
	for _, a := range anomalies {
		m.raise(stats, a)
	}
	return anomalies, nil
}

// Evaluate checks stats against the four thresholds. A value at twice its
// threshold or more is high severity, anything else medium.
func (m *Monitor) Evaluate(stats core.EndpointStats) []Anomaly {
	var out []Anomaly
	check := func(alertType string, value, threshold float64, title string) {
		if threshold <= 0 || value <= threshold {
			return
		}
		sev := core.SeverityMedium
		if value >= 2*threshold {
			sev = core.SeverityHigh
		}
		out = append(out, Anomaly{Type: alertType, Severity: sev, Value: value, Threshold: threshold, Title: title})
	}

	if stats.RequestCount >= m.cfg.MinRequests {
		rate := stats.ErrorRate()
		check(core.AlertErrorRate, rate, m.cfg.ErrorRate,
			fmt.Sprintf("Error rate %.1f%% on %s", rate*100, stats.Route))
	}
	avg := stats.AvgLatency()
	check(core.AlertLatency, avg.Seconds(), m.cfg.AvgLatency.Seconds(),
		fmt.Sprintf("Average latency %s on %s", avg.Round(time.Millisecond), stats.Route))
	check(core.AlertVolume, float64(stats.RequestCount), float64(m.cfg.Volume),
		fmt.Sprintf("%d requests on %s this window", stats.RequestCount, stats.Route))
	check(core.AlertDistinctIdentities, float64(stats.ConcurrentIdentities), float64(m.cfg.DistinctIdentities),
		fmt.Sprintf("%d distinct identities on %s", stats.ConcurrentIdentities, stats.Route))
	return out
}

func (m *Monitor) raise(stats core.EndpointStats, a Anomaly) {
	if m.alerts == nil {
		return
	}
	alert := core.NewAlert(a.Type, stats.Route, a.Severity, a.Title)
	alert.Payload["value"] = a.Value
	alert.Payload["threshold"] = a.Threshold
	alert.Payload["request_count"] = stats.RequestCount
	alert.Payload["error_count"] = stats.ErrorCount
	alert.Payload["window_start"] = stats.WindowStart
	if m.alerts.Raise(alert) {
		m.logger.Debug().Str("type", a.Type).Str("route", stats.Route).Msg("endpoint alert raised")
	}
}

// Stats returns every tracked route.
func (m *Monitor) Stats(ctx context.Context) ([]core.EndpointStats, error) {
	return m.store.EndpointStats(ctx)
}

// NormalizeRoute collapses numeric and UUID path segments to {id} so
// /accounts/17 and /accounts/18 share one set of statistics.
func NormalizeRoute(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if isNumericID(part) || isUUID(part) {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func isNumericID(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func isUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i, c := range s {
		if i == 8 || i == 13 || i == 18 || i == 23 {
			if c != '-' {
				return false
			}
		} else if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
