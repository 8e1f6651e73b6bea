package behavior

import (
	"context"
	"fmt"
	"time"

	"github.com/finshield-project/finshield/internal/core"
)

const StageName = "behavior"

// Indicator names, also recorded as detected patterns.
const (
	IndicatorRapid    = "rapid_requests"
	IndicatorTiming   = "unusual_timing"
	IndicatorPayload  = "large_payloads"
	IndicatorRepeated = "pattern_requests"

	PatternSuspicious = "suspicious_activity"
)

// Analysis is the behavioral verdict for one request.
type Analysis struct {
	Suspicious bool     `json:"suspicious"`
	Indicators []string `json:"indicators"`
	RiskScore  int      `json:"risk_score"`
}

// Analyzer scores an identifier's recent history. History lives in the
// AdmissionStore so every process sees the same activity.
type Analyzer struct {
	store   core.AdmissionStore
	cfg     core.BehaviorConfig
	scoring core.ScoringConfig
	now     func() time.Time
	loc     *time.Location
}

// New creates an Analyzer evaluating hours in the local time zone.
func New(store core.AdmissionStore, cfg core.BehaviorConfig, scoring core.ScoringConfig) *Analyzer {
	return &Analyzer{store: store, cfg: cfg, scoring: scoring, now: time.Now, loc: time.Local}
}

// WithClock replaces the time source and the zone unusual hours are read in.
func (a *Analyzer) WithClock(now func() time.Time, loc *time.Location) *Analyzer {
	a.now = now
	if loc != nil {
		a.loc = loc
	}
	return a
}

// Analyze appends the request to identifier's history, then checks the four
// indicators against the retained window.
func (a *Analyzer) Analyze(ctx context.Context, identifier string, req *core.Request) (Analysis, error) {
	now := a.now()
	rec := core.ActivityRecord{
		Timestamp:   now,
		Method:      req.Method,
		Route:       req.Route,
		UserAgent:   req.UserAgent(),
		PayloadSize: req.PayloadSize(),
		Address:     req.Address(),
	}
	if err := a.store.AppendActivity(ctx, identifier, rec, a.cfg.Retention); err != nil {
		return Analysis{}, fmt.Errorf("recording activity: %w", err)
	}
	history, err := a.store.Activity(ctx, identifier, now.Add(-a.cfg.Retention))
	if err != nil {
		return Analysis{}, fmt.Errorf("reading activity: %w", err)
	}

	cutoff := now.Add(-a.cfg.ShortWindow)
	recent, repeated := 0, 0
	for _, r := range history {
		if !r.Timestamp.After(cutoff) {
			continue
		}
		recent++
		if r.Method == rec.Method && r.Route == rec.Route {
			repeated++
		}
	}

	var out Analysis
	if recent > a.cfg.RapidThreshold {
		out.Indicators = append(out.Indicators, IndicatorRapid)
	}
	if hour := now.In(a.loc).Hour(); hour >= a.cfg.UnusualStartHour && hour < a.cfg.UnusualEndHour {
		out.Indicators = append(out.Indicators, IndicatorTiming)
	}
	if rec.PayloadSize > a.cfg.LargePayloadBytes {
		out.Indicators = append(out.Indicators, IndicatorPayload)
	}
	if repeated >= a.cfg.RepeatThreshold {
		out.Indicators = append(out.Indicators, IndicatorRepeated)
	}

	out.RiskScore = min(25*len(out.Indicators), 100)
	out.Suspicious = out.RiskScore >= a.cfg.SuspiciousThreshold
	return out, nil
}

func (a *Analyzer) Name() string { return StageName }

// Evaluate turns a suspicious verdict into one weighted signal plus a
// pattern per indicator. A single indicator stays unrecorded.
func (a *Analyzer) Evaluate(ctx context.Context, req *core.Request) core.Outcome {
	res, err := a.Analyze(ctx, req.Identifier, req)
	if err != nil {
		return core.Deny(core.InternalError(err))
	}
	if !res.Suspicious {
		return core.Pass()
	}

	signals := []core.Signal{{
		Pattern: PatternSuspicious,
		Weight:  a.scoring.SuspiciousWeight,
		Penalty: a.scoring.SuspiciousPenalty,
	}}
	for _, ind := range res.Indicators {
		signals = append(signals, core.Signal{Pattern: ind})
	}
	return core.Outcome{Signals: signals}
}
