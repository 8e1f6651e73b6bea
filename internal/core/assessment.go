package core

import (
	"encoding/json"
	"slices"
)

// Signal is one contribution to a request's threat assessment.
type Signal struct {
	Pattern     string
	Weight      int
	Penalty     int
	Floor       ThreatLevel
	Injection   bool
	RateLimited bool
}

// ThreatAssessment is an immutable per-request score. Every With* method
// returns a modified copy.
type ThreatAssessment struct {
	securityScore int
	abuseScore    int
	level         ThreatLevel
	floor         ThreatLevel
	patterns      []string
	injection     bool
	rateLimited   bool
}

// NewThreatAssessment returns a clean assessment: security score 100, abuse
// score 0, threat level low.
func NewThreatAssessment() ThreatAssessment {
	return ThreatAssessment{securityScore: 100}
}

func clamp(v int) int {
	return max(0, min(100, v))
}

// WithSignal folds one signal into a copy of the assessment. Penalties and
// weights are never negative, so the security score cannot rise.
func (a ThreatAssessment) WithSignal(s Signal) ThreatAssessment {
	out := a
	out.patterns = slices.Clone(a.patterns)
	out.securityScore = clamp(a.securityScore - max(0, s.Penalty))
	out.abuseScore = clamp(a.abuseScore + max(0, s.Weight))
	if s.Pattern != "" && !slices.Contains(out.patterns, s.Pattern) {
		out.patterns = append(out.patterns, s.Pattern)
	}
	if s.Injection {
		out.injection = true
	}
	if s.RateLimited {
		out.rateLimited = true
	}
	if s.Floor > out.floor {
		out.floor = s.Floor
	}
	if out.floor > out.level {
		out.level = out.floor
	}
	return out
}

// WithSignals folds signals in order.
func (a ThreatAssessment) WithSignals(signals ...Signal) ThreatAssessment {
	for _, s := range signals {
		a = a.WithSignal(s)
	}
	return a
}

// Classified derives the threat level from the abuse score, never below any
// floor a signal imposed.
func (a ThreatAssessment) Classified(t Thresholds) ThreatAssessment {
	out := a
	out.patterns = slices.Clone(a.patterns)
	out.level = max(t.Level(a.abuseScore), a.floor)
	return out
}

// Critical returns a copy forced to the critical level.
func (a ThreatAssessment) Critical(pattern string) ThreatAssessment {
	return a.WithSignal(Signal{Pattern: pattern, Floor: ThreatCritical, Penalty: 100})
}

func (a ThreatAssessment) SecurityScore() int { return a.securityScore }
func (a ThreatAssessment) AbuseScore() int { return a.abuseScore }
func (a ThreatAssessment) Level() ThreatLevel { return a.level }
func (a ThreatAssessment) InjectionDetected() bool { return a.injection }
func (a ThreatAssessment) RateLimited() bool { return a.rateLimited }

// Patterns returns the distinct detected patterns in detection order.
func (a ThreatAssessment) Patterns() []string { return slices.Clone(a.patterns) }

// HasPattern reports whether pattern was detected.
func (a ThreatAssessment) HasPattern(pattern string) bool {
	return slices.Contains(a.patterns, pattern)
}

func (a ThreatAssessment) MarshalJSON() ([]byte, error) {
	patterns := a.patterns
	if patterns == nil {
		patterns = []string{}
	}
	return json.Marshal(struct {
		SecurityScore     int         `json:"security_score"`
		AbuseScore        int         `json:"abuse_score"`
		ThreatLevel       ThreatLevel `json:"threat_level"`
		DetectedPatterns  []string    `json:"detected_patterns"`
		InjectionDetected bool        `json:"injection_detected"`
		RateLimited       bool        `json:"rate_limited"`
	}{a.securityScore, a.abuseScore, a.level, patterns, a.injection, a.rateLimited})
}

// Thresholds maps abuse scores onto threat levels.
type Thresholds struct {
	Critical int
	High     int
	Medium   int
}

// Level classifies score.
func (t Thresholds) Level(score int) ThreatLevel {
	switch {
	case score >= t.Critical:
		return ThreatCritical
	case score >= t.High:
		return ThreatHigh
	case score >= t.Medium:
		return ThreatMedium
	default:
		return ThreatLow
	}
}

// ThresholdsFrom reads the thresholds out of the abuse config.
func ThresholdsFrom(c AbuseConfig) Thresholds {
	return Thresholds{Critical: c.CriticalThreshold, High: c.HighThreshold, Medium: c.MediumThreshold}
}
